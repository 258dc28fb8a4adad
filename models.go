package graphcoll

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type NodeID string

type RelationshipID string

type RelationshipType string

// Properties is a property bag. Values are scalars (string, bool, integers,
// floats) or slices of them.
type Properties map[string]any

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of p.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

func (d Direction) Reverse() Direction {
	switch d {
	case Outgoing:
		return Incoming
	case Incoming:
		return Outgoing
	default:
		return Both
	}
}

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "OUTGOING"
	case Incoming:
		return "INCOMING"
	case Both:
		return "BOTH"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

type Relationship struct {
	ID    RelationshipID
	Start NodeID
	End   NodeID
	Type  RelationshipType
}

// OtherNode returns the end of r opposite to node, or "" when node is not
// attached to r.
func (r Relationship) OtherNode(node NodeID) NodeID {
	switch node {
	case r.Start:
		return r.End
	case r.End:
		return r.Start
	default:
		return ""
	}
}

// Matches reports whether r is attached to node in direction dir.
func (r Relationship) Matches(node NodeID, dir Direction) bool {
	switch dir {
	case Outgoing:
		return r.Start == node
	case Incoming:
		return r.End == node
	default:
		return r.Start == node || r.End == node
	}
}

// NewNodeID returns a time-ordered identifier so adjacency scans come back in
// creation order.
func NewNodeID() NodeID {
	return NodeID(uuid.Must(uuid.NewV7()).String())
}

func NewRelationshipID() RelationshipID {
	return RelationshipID(uuid.Must(uuid.NewV7()).String())
}

// ToInt64 converts a decoded numeric property value to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
