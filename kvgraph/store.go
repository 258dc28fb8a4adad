// Package kvgraph implements graphcoll.Store on top of an ordered key-value
// Engine. Nodes and relationships are msgpack records; adjacency is kept as
// empty-valued index keys per node, direction and relationship type so that
// typed neighbourhood queries are a single prefix scan.
package kvgraph

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/abstract-base-method/graphcoll"
)

const DefaultLockTimeout = 5 * time.Second

type Options struct {
	// LockTimeout bounds how long AcquireWriteLock waits before failing
	// with graphcoll.ErrLockTimeout.
	LockTimeout time.Duration
	// Compression applies to every record written by this store.
	Compression Compression
	Logger      *log.Logger
}

func DefaultOptions() Options {
	return Options{
		LockTimeout: DefaultLockTimeout,
		Compression: CompressionNone,
	}
}

type Store struct {
	engine      Engine
	codec       *codec
	locks       *lockTable
	lockTimeout time.Duration
	logger      *log.Logger
	nextTx      atomic.Uint64
}

var _ graphcoll.Store = (*Store)(nil)

func New(engine Engine, opts Options) (*Store, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("kvgraph")
	}
	c, err := newCodec(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &Store{
		engine:      engine,
		codec:       c,
		locks:       newLockTable(),
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
	}, nil
}

// Begin starts a graph transaction. The engine transaction behind it is only
// opened on first data access, so locks taken first are held before the
// engine snapshot is read.
func (s *Store) Begin(ctx context.Context) (graphcoll.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{store: s, id: s.nextTx.Add(1)}, nil
}

func (s *Store) Close() error {
	s.codec.close()
	return s.engine.Close()
}
