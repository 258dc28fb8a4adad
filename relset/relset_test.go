package relset_test

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
	"github.com/abstract-base-method/graphcoll/memory"
	"github.com/abstract-base-method/graphcoll/relset"
)

const member graphcoll.RelationshipType = "MEMBER"

type person struct {
	node graphcoll.NodeID
	name string
}

func personNode(p person) (graphcoll.NodeID, error) {
	return p.node, nil
}

func loadPerson(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID, _ graphcoll.Relationship) (person, error) {
	name, _, err := tx.NodeProperty(ctx, node, "name")
	if err != nil {
		return person{}, err
	}
	s, _ := name.(string)
	return person{node: node, name: s}, nil
}

type fixture struct {
	ctx    context.Context
	store  *kvgraph.Store
	anchor graphcoll.NodeID
	people []person
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	store, err := kvgraph.New(memory.New(), kvgraph.Options{Logger: log.New(io.Discard)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{ctx: context.Background(), store: store}
	f.update(t, func(tx graphcoll.Tx) {
		f.anchor, err = tx.CreateNode(f.ctx)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			node, err := tx.CreateNode(f.ctx)
			require.NoError(t, err)
			name := string(rune('a' + i))
			require.NoError(t, tx.SetNodeProperty(f.ctx, node, "name", name))
			f.people = append(f.people, person{node: node, name: name})
		}
	})
	return f
}

func (f *fixture) update(t *testing.T, fn func(tx graphcoll.Tx)) {
	t.Helper()
	require.NoError(t, graphcoll.Update(f.ctx, f.store, func(tx graphcoll.Tx) error {
		fn(tx)
		return nil
	}))
}

func (f *fixture) set(t *testing.T, opts ...relset.Option[person]) *relset.Set[person] {
	t.Helper()
	opts = append(opts, relset.WithLogger[person](log.New(io.Discard)))
	s, err := relset.New(f.anchor, member, personNode, loadPerson, opts...)
	require.NoError(t, err)
	return s
}

func TestNewRejectsBothDirections(t *testing.T) {
	_, err := relset.New("anchor", member, personNode, loadPerson, relset.WithDirection[person](graphcoll.Both))
	assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)

	_, err = relset.New("", member, personNode, loadPerson)
	assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)

	_, err = relset.New[person]("anchor", member, nil, loadPerson)
	assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)
}

func TestAddContains(t *testing.T) {
	for _, dir := range []graphcoll.Direction{graphcoll.Outgoing, graphcoll.Incoming} {
		t.Run(dir.String(), func(t *testing.T) {
			f := newFixture(t, 2)
			s := f.set(t, relset.WithDirection[person](dir))
			a, b := f.people[0], f.people[1]

			f.update(t, func(tx graphcoll.Tx) {
				added, err := s.Add(f.ctx, tx, a)
				require.NoError(t, err)
				assert.True(t, added)

				ok, err := s.Contains(f.ctx, tx, a)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.Contains(f.ctx, tx, b)
				require.NoError(t, err)
				assert.False(t, ok)

				added, err = s.Add(f.ctx, tx, a)
				require.NoError(t, err)
				assert.False(t, added)

				rels, err := tx.Relationships(f.ctx, f.anchor, member, graphcoll.Both)
				require.NoError(t, err)
				require.Len(t, rels, 1)
				assert.True(t, rels[0].Matches(f.anchor, dir))
			})
		})
	}
}

func TestRemoveKeepsNode(t *testing.T) {
	f := newFixture(t, 2)
	s := f.set(t)
	a, b := f.people[0], f.people[1]

	f.update(t, func(tx graphcoll.Tx) {
		_, err := s.Add(f.ctx, tx, a)
		require.NoError(t, err)

		removed, err := s.Remove(f.ctx, tx, a)
		require.NoError(t, err)
		assert.True(t, removed)

		ok, err := s.Contains(f.ctx, tx, a)
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := tx.NodeExists(f.ctx, a.node)
		require.NoError(t, err)
		assert.True(t, exists)

		removed, err = s.Remove(f.ctx, tx, b)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestSizeMatchesIteration(t *testing.T) {
	f := newFixture(t, 4)
	s := f.set(t)

	f.update(t, func(tx graphcoll.Tx) {
		empty, err := s.IsEmpty(f.ctx, tx)
		require.NoError(t, err)
		assert.True(t, empty)

		changed, err := s.AddAll(f.ctx, tx, f.people)
		require.NoError(t, err)
		assert.True(t, changed)
		_, err = s.Remove(f.ctx, tx, f.people[1])
		require.NoError(t, err)
		_, err = s.Add(f.ctx, tx, f.people[1])
		require.NoError(t, err)
		_, err = s.Remove(f.ctx, tx, f.people[2])
		require.NoError(t, err)

		size, err := s.Size(f.ctx, tx)
		require.NoError(t, err)

		count := 0
		names := map[string]bool{}
		for p, err := range s.All(f.ctx, tx) {
			require.NoError(t, err)
			names[p.name] = true
			count++
		}
		assert.Equal(t, 3, size)
		assert.Equal(t, size, count)
		assert.Equal(t, map[string]bool{"a": true, "b": true, "d": true}, names)

		items, err := s.Slice(f.ctx, tx)
		require.NoError(t, err)
		assert.Len(t, items, size)
	})
}

func TestIterationStopsEarly(t *testing.T) {
	f := newFixture(t, 3)
	s := f.set(t)

	f.update(t, func(tx graphcoll.Tx) {
		_, err := s.AddAll(f.ctx, tx, f.people)
		require.NoError(t, err)

		seen := 0
		for _, err := range s.All(f.ctx, tx) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})
}

func TestClearFiresRemover(t *testing.T) {
	f := newFixture(t, 3)
	var removed []graphcoll.RelationshipID
	s := f.set(t, relset.WithRemover[person](func(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) error {
		removed = append(removed, rel.ID)
		return tx.DeleteRelationship(ctx, rel.ID)
	}))

	f.update(t, func(tx graphcoll.Tx) {
		_, err := s.AddAll(f.ctx, tx, f.people)
		require.NoError(t, err)
		require.NoError(t, s.Clear(f.ctx, tx))

		empty, err := s.IsEmpty(f.ctx, tx)
		require.NoError(t, err)
		assert.True(t, empty)
	})
	assert.Len(t, removed, 3)
}

func TestRetainAll(t *testing.T) {
	f := newFixture(t, 4)
	s := f.set(t)

	f.update(t, func(tx graphcoll.Tx) {
		_, err := s.AddAll(f.ctx, tx, f.people[:3])
		require.NoError(t, err)

		changed, err := s.RetainAll(f.ctx, tx, []person{f.people[0], f.people[3]})
		require.NoError(t, err)
		assert.True(t, changed)

		items, err := s.Slice(f.ctx, tx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, f.people[0].node, items[0].node)

		changed, err = s.RetainAll(f.ctx, tx, []person{f.people[0]})
		require.NoError(t, err)
		assert.False(t, changed)
	})
}

func TestSharedTypeWithFilter(t *testing.T) {
	f := newFixture(t, 2)
	a, b := f.people[0], f.people[1]

	labelled := func(label string) *relset.Set[person] {
		return f.set(t,
			relset.WithFilter[person](func(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) (bool, error) {
				v, _, err := tx.RelationshipProperty(ctx, rel.ID, "label")
				return v == label, err
			}),
			relset.WithOnAdded(func(ctx context.Context, tx graphcoll.Tx, _ person, rel graphcoll.Relationship) error {
				return tx.SetRelationshipProperty(ctx, rel.ID, "label", label)
			}),
		)
	}
	friends, colleagues := labelled("friend"), labelled("colleague")

	f.update(t, func(tx graphcoll.Tx) {
		_, err := friends.Add(f.ctx, tx, a)
		require.NoError(t, err)
		_, err = colleagues.Add(f.ctx, tx, b)
		require.NoError(t, err)

		ok, err := friends.Contains(f.ctx, tx, b)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = colleagues.Contains(f.ctx, tx, b)
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := friends.Size(f.ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// a can join the second set through its own relationship.
		added, err := colleagues.Add(f.ctx, tx, a)
		require.NoError(t, err)
		assert.True(t, added)

		require.NoError(t, colleagues.Clear(f.ctx, tx))
		ok, err = friends.Contains(f.ctx, tx, a)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRollbackUndoesAdd(t *testing.T) {
	f := newFixture(t, 1)
	s := f.set(t)

	err := graphcoll.Update(f.ctx, f.store, func(tx graphcoll.Tx) error {
		_, err := s.Add(f.ctx, tx, f.people[0])
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, graphcoll.View(f.ctx, f.store, func(tx graphcoll.Tx) error {
		ok, err := s.Contains(f.ctx, tx, f.people[0])
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}
