package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
)

// Engine adapts a DB to kvgraph.Engine using native Badger transactions.
type Engine struct {
	db *DB
}

var _ kvgraph.Engine = (*Engine)(nil)

func NewEngine(db *DB) *Engine {
	return &Engine{db: db}
}

// OpenEngine opens a database with cfg and wraps it.
func OpenEngine(cfg Config) (*Engine, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewEngine(db), nil
}

func (e *Engine) DB() *DB {
	return e.db
}

func (e *Engine) Begin(ctx context.Context, update bool) (kvgraph.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	return &txn{txn: e.db.NewTransaction(update)}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type txn struct {
	txn *badger.Txn
}

func (t *txn) Get(_ context.Context, key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graphcoll.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return item.ValueCopy(nil)
}

func (t *txn) Set(_ context.Context, key []byte, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if err := t.txn.Set(key, value); err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (t *txn) Delete(_ context.Context, key []byte) error {
	if err := t.txn.Delete(key); err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

func (t *txn) Scan(_ context.Context, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := t.txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func (t *txn) Commit(_ context.Context) error {
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", graphcoll.ErrConflict, err)
	}
	if err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

func (t *txn) Discard() {
	t.txn.Discard()
}
