package kvgraph

import (
	"context"
	"errors"
)

// ErrReadOnly is returned when writing through a read-only engine transaction.
var ErrReadOnly = errors.New("kvgraph: read-only transaction")

// Engine is an ordered key-value store with transactions. Missing keys are
// reported as graphcoll.ErrNotFound and commit conflicts as
// graphcoll.ErrConflict.
type Engine interface {
	Begin(ctx context.Context, update bool) (Txn, error)
	Close() error
}

// Txn is a single engine transaction. Reads observe the transaction's own
// writes. Scan returns every key starting with prefix in ascending order.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key []byte, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Scan(ctx context.Context, prefix []byte) ([][]byte, error)
	Commit(ctx context.Context) error
	Discard()
}
