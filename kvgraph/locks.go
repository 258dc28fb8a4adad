package kvgraph

import (
	"context"
	"sync"

	"github.com/abstract-base-method/graphcoll"
)

// lockTable holds the process-local write locks. A lock belongs to one
// transaction, is reentrant for it, and is dropped when it finishes.
type lockTable struct {
	mu   sync.Mutex
	held map[graphcoll.NodeID]*nodeLock
}

type nodeLock struct {
	owner    uint64
	released chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[graphcoll.NodeID]*nodeLock)}
}

// acquire reports whether the lock was newly taken; false means owner
// already held it.
func (t *lockTable) acquire(ctx context.Context, node graphcoll.NodeID, owner uint64) (bool, error) {
	for {
		t.mu.Lock()
		l, ok := t.held[node]
		if !ok {
			t.held[node] = &nodeLock{owner: owner, released: make(chan struct{})}
			t.mu.Unlock()
			return true, nil
		}
		if l.owner == owner {
			t.mu.Unlock()
			return false, nil
		}
		wait := l.released
		t.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (t *lockTable) release(owner uint64, nodes []graphcoll.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, node := range nodes {
		l, ok := t.held[node]
		if !ok || l.owner != owner {
			continue
		}
		delete(t.held, node)
		close(l.released)
	}
}
