// Package memory is an in-process kvgraph.Engine. Transactions buffer their
// writes and apply them atomically on commit; nothing survives the process.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
)

var errClosed = errors.New("memory: engine closed")

type Engine struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

var _ kvgraph.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{data: make(map[string][]byte)}
}

func (e *Engine) Begin(_ context.Context, update bool) (kvgraph.Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, errClosed
	}
	return kvgraph.NewBufferedTxn(base{e}, update), nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.data = nil
	return nil
}

// Len returns the number of committed keys.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

type base struct {
	e *Engine
}

func (b base) Get(_ context.Context, key []byte) ([]byte, error) {
	b.e.mu.RLock()
	defer b.e.mu.RUnlock()
	if b.e.closed {
		return nil, errClosed
	}
	v, ok := b.e.data[string(key)]
	if !ok {
		return nil, graphcoll.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (b base) Scan(_ context.Context, prefix []byte) ([][]byte, error) {
	b.e.mu.RLock()
	defer b.e.mu.RUnlock()
	if b.e.closed {
		return nil, errClosed
	}
	p := string(prefix)
	var keys []string
	for k := range b.e.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out, nil
}

func (b base) Apply(_ context.Context, writes map[string][]byte, deletes map[string]struct{}) error {
	b.e.mu.Lock()
	defer b.e.mu.Unlock()
	if b.e.closed {
		return errClosed
	}
	for k := range deletes {
		delete(b.e.data, k)
	}
	for k, v := range writes {
		b.e.data[k] = v
	}
	return nil
}
