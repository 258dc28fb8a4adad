package queueworker

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/abstract-base-method/graphcoll"
)

type Config struct {
	// Name labels logs, metrics and spans.
	Name string `yaml:"name" validate:"required"`
	// BatchSize caps the entries handled per transaction.
	BatchSize int `yaml:"batch_size" validate:"min=1"`
	// MaxAttempts is how many times one entry is handed to the handler
	// before the entry error handler takes over.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`
	// RetryDelay separates attempts on the same entry.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
	// IdleInterval is the wait after a cycle that found the queue empty or
	// failed.
	IdleInterval time.Duration `yaml:"idle_interval" validate:"gt=0"`
	// PauseInterval is the longest a paused worker sleeps before checking its
	// state again.
	PauseInterval time.Duration `yaml:"pause_interval" validate:"gt=0"`
	// ShutdownPoll is how often ShutDown reports that it is still waiting.
	ShutdownPoll time.Duration `yaml:"shutdown_poll" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Name:          "queueworker",
		BatchSize:     10,
		MaxAttempts:   10,
		RetryDelay:    500 * time.Millisecond,
		IdleInterval:  100 * time.Millisecond,
		PauseInterval: time.Second,
		ShutdownPoll:  200 * time.Millisecond,
	}
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: worker config: %v", graphcoll.ErrInvalidConfiguration, err)
	}
	return nil
}
