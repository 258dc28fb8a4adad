package kvgraph

import (
	"bytes"
	"context"
	"sort"

	"github.com/abstract-base-method/graphcoll"
)

// Base is the committed state behind a BufferedTxn. Apply must make all
// writes and deletes visible atomically.
type Base interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Scan(ctx context.Context, prefix []byte) ([][]byte, error)
	Apply(ctx context.Context, writes map[string][]byte, deletes map[string]struct{}) error
}

// BufferedTxn gives engines without native transactions read-committed
// isolation: writes are buffered in the transaction and flushed through
// Base.Apply on commit, reads see committed state overlaid with the buffer.
type BufferedTxn struct {
	base    Base
	update  bool
	done    bool
	writes  map[string][]byte
	deletes map[string]struct{}
}

func NewBufferedTxn(base Base, update bool) *BufferedTxn {
	return &BufferedTxn{
		base:    base,
		update:  update,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (t *BufferedTxn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if t.done {
		return nil, graphcoll.ErrTxClosed
	}
	k := string(key)
	if _, deleted := t.deletes[k]; deleted {
		return nil, graphcoll.ErrNotFound
	}
	if v, ok := t.writes[k]; ok {
		return bytes.Clone(v), nil
	}
	return t.base.Get(ctx, key)
}

func (t *BufferedTxn) Set(_ context.Context, key []byte, value []byte) error {
	if t.done {
		return graphcoll.ErrTxClosed
	}
	if !t.update {
		return ErrReadOnly
	}
	k := string(key)
	delete(t.deletes, k)
	t.writes[k] = bytes.Clone(value)
	return nil
}

func (t *BufferedTxn) Delete(_ context.Context, key []byte) error {
	if t.done {
		return graphcoll.ErrTxClosed
	}
	if !t.update {
		return ErrReadOnly
	}
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = struct{}{}
	return nil
}

func (t *BufferedTxn) Scan(ctx context.Context, prefix []byte) ([][]byte, error) {
	if t.done {
		return nil, graphcoll.ErrTxClosed
	}
	committed, err := t.base.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(committed)+len(t.writes))
	keys := make([]string, 0, len(committed)+len(t.writes))
	for _, key := range committed {
		k := string(key)
		if _, deleted := t.deletes[k]; deleted {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	p := string(prefix)
	for k := range t.writes {
		if len(k) < len(p) || k[:len(p)] != p {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

func (t *BufferedTxn) Commit(ctx context.Context) error {
	if t.done {
		return graphcoll.ErrTxClosed
	}
	t.done = true
	if len(t.writes) == 0 && len(t.deletes) == 0 {
		return nil
	}
	return t.base.Apply(ctx, t.writes, t.deletes)
}

func (t *BufferedTxn) Discard() {
	t.done = true
	t.writes = nil
	t.deletes = nil
}
