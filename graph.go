// Package graphcoll defines the property-graph store contract that the
// collection packages (relset, nodelist, queueworker) are built on.
//
// A Store hands out transactions. Every read and write goes through a Tx, and
// a Tx either commits (Success was called before Finish) or rolls back.
package graphcoll

import (
	"context"
	"errors"
)

var (
	ErrNotFound             = errors.New("graphcoll: not found")
	ErrMoreThanOne          = errors.New("graphcoll: more than one relationship")
	ErrTxClosed             = errors.New("graphcoll: transaction closed")
	ErrNodeInUse            = errors.New("graphcoll: node still has relationships")
	ErrInvalidConfiguration = errors.New("graphcoll: invalid configuration")
	ErrConflict             = errors.New("graphcoll: transaction conflict")
	ErrLockTimeout          = errors.New("graphcoll: write lock timeout")
)

// IsTransient reports whether err is likely to go away when the operation is
// attempted again, i.e. it came from lock contention or a commit conflict.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLockTimeout)
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

type Tx interface {
	NodeStore
	RelationshipStore
	PropertyStore

	// AcquireWriteLock blocks until the transaction holds the write lock of
	// node. The lock is reentrant for the same transaction and is released
	// when the transaction finishes.
	AcquireWriteLock(ctx context.Context, node NodeID) error

	// Success marks the transaction for commit.
	Success()
	// Finish commits if Success was called, rolls back otherwise. It must be
	// called exactly once; later calls return ErrTxClosed.
	Finish() error
}

type NodeStore interface {
	CreateNode(ctx context.Context) (NodeID, error)
	// DeleteNode fails with ErrNodeInUse while relationships are attached.
	DeleteNode(ctx context.Context, id NodeID) error
	NodeExists(ctx context.Context, id NodeID) (bool, error)
}

type RelationshipStore interface {
	CreateRelationship(ctx context.Context, start NodeID, end NodeID, typ RelationshipType) (Relationship, error)
	DeleteRelationship(ctx context.Context, id RelationshipID) error
	Relationship(ctx context.Context, id RelationshipID) (Relationship, error)
	Relationships(ctx context.Context, node NodeID, typ RelationshipType, dir Direction) ([]Relationship, error)
	// SingleRelationship returns ok=false when there is no match and
	// ErrMoreThanOne when there is more than one.
	SingleRelationship(ctx context.Context, node NodeID, typ RelationshipType, dir Direction) (rel Relationship, ok bool, err error)
}

type PropertyStore interface {
	NodeProperty(ctx context.Context, node NodeID, key string) (value any, ok bool, err error)
	SetNodeProperty(ctx context.Context, node NodeID, key string, value any) error
	RemoveNodeProperty(ctx context.Context, node NodeID, key string) error
	NodePropertyKeys(ctx context.Context, node NodeID) ([]string, error)
	NodeProperties(ctx context.Context, node NodeID) (Properties, error)

	RelationshipProperty(ctx context.Context, rel RelationshipID, key string) (value any, ok bool, err error)
	SetRelationshipProperty(ctx context.Context, rel RelationshipID, key string, value any) error
	RelationshipPropertyKeys(ctx context.Context, rel RelationshipID) ([]string, error)
}
