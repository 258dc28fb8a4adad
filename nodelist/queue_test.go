package nodelist_test

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/nodelist"
)

func newQueue(t testing.TB, root graphcoll.NodeID) *nodelist.Queue {
	t.Helper()
	q, err := nodelist.NewQueue(root, next, nodelist.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	return q
}

func TestNewQueueRejectsBound(t *testing.T) {
	_, err := nodelist.NewQueue("root", next, nodelist.WithMaxLength(3))
	assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)
}

func TestQueueFIFO(t *testing.T) {
	store := newStore(t)
	root := newRoot(t, store)
	q := newQueue(t, root)

	var added []graphcoll.NodeID
	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		for i := 0; i < 4; i++ {
			node, err := q.Add(ctx, tx)
			require.NoError(t, err)
			added = append(added, node)

			head, ok, err := q.Peek(ctx, tx)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, added[0], head)
		}
	})

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		assert.Equal(t, added, collect(t, ctx, tx, q.Iterate(ctx, tx)))
		assertRing(t, ctx, tx, root, added)

		batch, err := q.PeekN(ctx, tx, 3)
		require.NoError(t, err)
		assert.Equal(t, added[:3], batch)

		removed, err := q.Remove(ctx, tx, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)
		assertRing(t, ctx, tx, root, added[3:])

		n, err := q.Len(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		tail, err := q.Add(ctx, tx)
		require.NoError(t, err)
		assertRing(t, ctx, tx, root, []graphcoll.NodeID{added[3], tail})
	})
}

func TestQueueLockIsReentrant(t *testing.T) {
	store := newStore(t)
	root := newRoot(t, store)
	q := newQueue(t, root)

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		require.NoError(t, q.Lock(ctx, tx))
		_, err := q.Add(ctx, tx)
		require.NoError(t, err)
		removed, err := q.Remove(ctx, tx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, root, q.Root())
	})
}

func BenchmarkQueueAddRemove(b *testing.B) {
	store := newStore(b)
	root := newRoot(b, store)
	q := newQueue(b, root)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := graphcoll.Update(ctx, store, func(tx graphcoll.Tx) error {
			if _, err := q.Add(ctx, tx); err != nil {
				return err
			}
			_, err := q.Remove(ctx, tx, 1)
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	log.Info("queue benchmark complete", "iterations", b.N, "elapsed", b.Elapsed())
}
