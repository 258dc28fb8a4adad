// Package kvgraphtest holds the behaviour every kvgraph.Engine must show once
// wrapped in a kvgraph.Store.
package kvgraphtest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
)

const knows graphcoll.RelationshipType = "KNOWS"

// RunContract runs the contract against fresh engines returned by newEngine.
// Each subtest gets its own engine; the store built around it is closed at
// cleanup, which closes the engine too.
func RunContract(t *testing.T, newEngine func(t *testing.T) kvgraph.Engine) {
	open := func(t *testing.T, opts kvgraph.Options) *kvgraph.Store {
		opts.Logger = log.New(io.Discard)
		store, err := kvgraph.New(newEngine(t), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	t.Run("NodeLifecycle", func(t *testing.T) {
		testNodeLifecycle(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("Relationships", func(t *testing.T) {
		testRelationships(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("SingleRelationship", func(t *testing.T) {
		testSingleRelationship(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("Properties", func(t *testing.T) {
		testProperties(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("CompressedProperties", func(t *testing.T) {
		opts := kvgraph.DefaultOptions()
		opts.Compression = kvgraph.CompressionZstd
		testProperties(t, open(t, opts))
	})
	t.Run("Rollback", func(t *testing.T) {
		testRollback(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("FinishTwice", func(t *testing.T) {
		testFinishTwice(t, open(t, kvgraph.DefaultOptions()))
	})
	t.Run("WriteLock", func(t *testing.T) {
		opts := kvgraph.DefaultOptions()
		opts.LockTimeout = 50 * time.Millisecond
		testWriteLock(t, open(t, opts))
	})
	t.Run("Traverse", func(t *testing.T) {
		testTraverse(t, open(t, kvgraph.DefaultOptions()))
	})
}

func update(t *testing.T, store graphcoll.Store, fn func(ctx context.Context, tx graphcoll.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, graphcoll.Update(ctx, store, func(tx graphcoll.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func createNodes(t *testing.T, store graphcoll.Store, n int) []graphcoll.NodeID {
	t.Helper()
	ids := make([]graphcoll.NodeID, n)
	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		for i := range ids {
			id, err := tx.CreateNode(ctx)
			require.NoError(t, err)
			ids[i] = id
		}
	})
	return ids
}

func testNodeLifecycle(t *testing.T, store graphcoll.Store) {
	nodes := createNodes(t, store, 2)

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		ok, err := tx.NodeExists(ctx, nodes[0])
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.NodeExists(ctx, graphcoll.NewNodeID())
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = tx.CreateRelationship(ctx, nodes[0], nodes[1], knows)
		require.NoError(t, err)

		err = tx.DeleteNode(ctx, nodes[1])
		assert.ErrorIs(t, err, graphcoll.ErrNodeInUse)

		err = tx.DeleteNode(ctx, graphcoll.NewNodeID())
		assert.ErrorIs(t, err, graphcoll.ErrNotFound)
	})

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		rels, err := tx.Relationships(ctx, nodes[1], knows, graphcoll.Both)
		require.NoError(t, err)
		for _, rel := range rels {
			require.NoError(t, tx.DeleteRelationship(ctx, rel.ID))
		}
		require.NoError(t, tx.DeleteNode(ctx, nodes[1]))
	})

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		ok, err := tx.NodeExists(ctx, nodes[1])
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func testRelationships(t *testing.T, store graphcoll.Store) {
	nodes := createNodes(t, store, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	var ab, ac, loop graphcoll.Relationship
	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		var err error
		ab, err = tx.CreateRelationship(ctx, a, b, knows)
		require.NoError(t, err)
		ac, err = tx.CreateRelationship(ctx, a, c, knows)
		require.NoError(t, err)
		loop, err = tx.CreateRelationship(ctx, a, a, knows)
		require.NoError(t, err)
		_, err = tx.CreateRelationship(ctx, c, a, "OTHER")
		require.NoError(t, err)

		_, err = tx.CreateRelationship(ctx, a, graphcoll.NewNodeID(), knows)
		assert.ErrorIs(t, err, graphcoll.ErrNotFound)
		_, err = tx.CreateRelationship(ctx, a, b, "")
		assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)
	})

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		out, err := tx.Relationships(ctx, a, knows, graphcoll.Outgoing)
		require.NoError(t, err)
		assert.ElementsMatch(t, []graphcoll.Relationship{ab, ac, loop}, out)

		in, err := tx.Relationships(ctx, a, knows, graphcoll.Incoming)
		require.NoError(t, err)
		assert.Equal(t, []graphcoll.Relationship{loop}, in)

		both, err := tx.Relationships(ctx, a, knows, graphcoll.Both)
		require.NoError(t, err)
		assert.Len(t, both, 3)

		anyType, err := tx.Relationships(ctx, a, "", graphcoll.Incoming)
		require.NoError(t, err)
		assert.Len(t, anyType, 2)

		got, err := tx.Relationship(ctx, ab.ID)
		require.NoError(t, err)
		assert.Equal(t, ab, got)
		assert.Equal(t, b, got.OtherNode(a))

		require.NoError(t, tx.DeleteRelationship(ctx, ab.ID))
		_, err = tx.Relationship(ctx, ab.ID)
		assert.ErrorIs(t, err, graphcoll.ErrNotFound)

		in, err = tx.Relationships(ctx, b, knows, graphcoll.Incoming)
		require.NoError(t, err)
		assert.Empty(t, in)
	})
}

func testSingleRelationship(t *testing.T, store graphcoll.Store) {
	nodes := createNodes(t, store, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		_, ok, err := tx.SingleRelationship(ctx, a, knows, graphcoll.Outgoing)
		require.NoError(t, err)
		assert.False(t, ok)

		ab, err := tx.CreateRelationship(ctx, a, b, knows)
		require.NoError(t, err)

		rel, ok, err := tx.SingleRelationship(ctx, a, knows, graphcoll.Outgoing)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ab, rel)

		other, ok, err := graphcoll.SingleOtherNode(ctx, tx, b, knows, graphcoll.Incoming)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, a, other)

		_, err = tx.CreateRelationship(ctx, a, c, knows)
		require.NoError(t, err)
		_, _, err = tx.SingleRelationship(ctx, a, knows, graphcoll.Outgoing)
		assert.ErrorIs(t, err, graphcoll.ErrMoreThanOne)
	})
}

func testProperties(t *testing.T, store graphcoll.Store) {
	nodes := createNodes(t, store, 2)
	a, b := nodes[0], nodes[1]

	var rel graphcoll.Relationship
	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		require.NoError(t, tx.SetNodeProperty(ctx, a, "name", "alice"))
		require.NoError(t, tx.SetNodeProperty(ctx, a, "age", 42))
		require.NoError(t, tx.SetNodeProperty(ctx, a, "tags", []string{"x", "y"}))
		require.NoError(t, tx.SetNodeProperty(ctx, a, "gone", true))
		require.NoError(t, tx.RemoveNodeProperty(ctx, a, "gone"))
		require.NoError(t, tx.RemoveNodeProperty(ctx, a, "never-set"))

		var err error
		rel, err = tx.CreateRelationship(ctx, a, b, knows)
		require.NoError(t, err)
		require.NoError(t, tx.SetRelationshipProperty(ctx, rel.ID, "since", "2020"))
	})

	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		v, ok, err := tx.NodeProperty(ctx, a, "name")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice", v)

		v, ok, err = tx.NodeProperty(ctx, a, "age")
		require.NoError(t, err)
		assert.True(t, ok)
		n, isInt := graphcoll.ToInt64(v)
		assert.True(t, isInt)
		assert.EqualValues(t, 42, n)

		_, ok, err = tx.NodeProperty(ctx, a, "gone")
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := tx.NodePropertyKeys(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []string{"age", "name", "tags"}, keys)

		props, err := tx.NodeProperties(ctx, a)
		require.NoError(t, err)
		assert.Len(t, props, 3)

		v, ok, err = tx.RelationshipProperty(ctx, rel.ID, "since")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "2020", v)

		keys, err = tx.RelationshipPropertyKeys(ctx, rel.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"since"}, keys)

		_, _, err = tx.NodeProperty(ctx, graphcoll.NewNodeID(), "name")
		assert.ErrorIs(t, err, graphcoll.ErrNotFound)
	})
}

func testRollback(t *testing.T, store graphcoll.Store) {
	ctx := context.Background()
	nodes := createNodes(t, store, 1)

	var created graphcoll.NodeID
	err := graphcoll.Update(ctx, store, func(tx graphcoll.Tx) error {
		var err error
		created, err = tx.CreateNode(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.SetNodeProperty(ctx, nodes[0], "k", "v"))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	err = graphcoll.View(ctx, store, func(tx graphcoll.Tx) error {
		ok, err := tx.NodeExists(ctx, created)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = tx.NodeProperty(ctx, nodes[0], "k")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func testFinishTwice(t *testing.T, store graphcoll.Store) {
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.CreateNode(ctx)
	require.NoError(t, err)
	tx.Success()
	require.NoError(t, tx.Finish())

	assert.ErrorIs(t, tx.Finish(), graphcoll.ErrTxClosed)
	_, err = tx.CreateNode(ctx)
	assert.ErrorIs(t, err, graphcoll.ErrTxClosed)
}

func testWriteLock(t *testing.T, store graphcoll.Store) {
	ctx := context.Background()
	node := createNodes(t, store, 1)[0]

	first, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, first.AcquireWriteLock(ctx, node))
	// Reentrant for the holder.
	require.NoError(t, first.AcquireWriteLock(ctx, node))

	second, err := store.Begin(ctx)
	require.NoError(t, err)
	err = second.AcquireWriteLock(ctx, node)
	assert.ErrorIs(t, err, graphcoll.ErrLockTimeout)
	assert.True(t, graphcoll.IsTransient(err))

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan error, 1)
	go func() {
		defer wg.Done()
		acquired <- second.AcquireWriteLock(ctx, node)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, first.Finish())
	wg.Wait()
	require.NoError(t, <-acquired)
	require.NoError(t, second.Finish())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	third, err := store.Begin(ctx)
	require.NoError(t, err)
	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, holder.AcquireWriteLock(ctx, node))
	err = third.AcquireWriteLock(cancelled, node)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, holder.Finish())
	require.NoError(t, third.Finish())
}

func testTraverse(t *testing.T, store graphcoll.Store) {
	ctx := context.Background()
	// a -> b -> c -> a, b -> d
	nodes := createNodes(t, store, 4)
	a, b, c, d := nodes[0], nodes[1], nodes[2], nodes[3]
	update(t, store, func(ctx context.Context, tx graphcoll.Tx) {
		for _, pair := range [][2]graphcoll.NodeID{{a, b}, {b, c}, {c, a}, {b, d}} {
			_, err := tx.CreateRelationship(ctx, pair[0], pair[1], knows)
			require.NoError(t, err)
		}
	})

	err := graphcoll.View(ctx, store, func(tx graphcoll.Tx) error {
		var visited []graphcoll.NodeID
		var depths []int
		for pos, err := range graphcoll.Traverse(ctx, tx, a, knows, graphcoll.Outgoing, nil, nil) {
			require.NoError(t, err)
			visited = append(visited, pos.Node)
			depths = append(depths, pos.Depth)
		}
		assert.Equal(t, []graphcoll.NodeID{a, b, c, d}, visited)
		assert.Equal(t, []int{0, 1, 2, 2}, depths)

		visited = nil
		for pos, err := range graphcoll.Traverse(ctx, tx, a, knows, graphcoll.Outgoing, graphcoll.DepthLimit(1), graphcoll.AllButStartNode) {
			require.NoError(t, err)
			require.NotNil(t, pos.LastRelationship)
			assert.Equal(t, 0, pos.ReturnedCount)
			visited = append(visited, pos.Node)
		}
		assert.Equal(t, []graphcoll.NodeID{b}, visited)

		visited = nil
		for pos, err := range graphcoll.Traverse(ctx, tx, a, knows, graphcoll.Incoming, nil, graphcoll.AllButStartNode) {
			require.NoError(t, err)
			visited = append(visited, pos.Node)
			break
		}
		assert.Equal(t, []graphcoll.NodeID{c}, visited)
		return nil
	})
	require.NoError(t, err)
}
