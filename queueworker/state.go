package queueworker

import "fmt"

type State int32

const (
	Running State = iota
	PauseRequested
	Paused
	Halted
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case PauseRequested:
		return "PAUSE_REQUESTED"
	case Paused:
		return "PAUSED"
	case Halted:
		return "HALTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
