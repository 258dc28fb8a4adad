// Package relset presents the neighbourhood of an anchor node as a set.
//
// An item is a member when exactly one relationship of the configured type
// and direction connects the anchor to the item's node. There is no index or
// counter besides the relationships themselves, and the set takes no locks:
// isolation comes from the transaction passed to each call.
package relset

import (
	"context"
	"fmt"
	"iter"

	"github.com/charmbracelet/log"

	"github.com/abstract-base-method/graphcoll"
)

// NodeOf resolves the node backing an item.
type NodeOf[T any] func(item T) (graphcoll.NodeID, error)

// Factory builds an item from a member node and the relationship that makes it
// a member.
type Factory[T any] func(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID, rel graphcoll.Relationship) (T, error)

// Filter decides whether a relationship of the set's type belongs to this set.
// Several sets can share one relationship type by filtering on its properties.
type Filter func(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) (bool, error)

// AddedHook runs after the membership relationship for item was created.
type AddedHook[T any] func(ctx context.Context, tx graphcoll.Tx, item T, rel graphcoll.Relationship) error

// Remover deletes a membership relationship.
type Remover func(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) error

type Option[T any] func(*Set[T])

// WithDirection orients membership relationships. The default, Outgoing,
// points from the anchor to the item.
func WithDirection[T any](dir graphcoll.Direction) Option[T] {
	return func(s *Set[T]) {
		s.dir = dir
	}
}

func WithFilter[T any](filter Filter) Option[T] {
	return func(s *Set[T]) {
		s.filter = filter
	}
}

func WithOnAdded[T any](hook AddedHook[T]) Option[T] {
	return func(s *Set[T]) {
		s.onAdded = hook
	}
}

// WithRemover replaces the default removal, which deletes the relationship.
func WithRemover[T any](remover Remover) Option[T] {
	return func(s *Set[T]) {
		s.remover = remover
	}
}

func WithLogger[T any](logger *log.Logger) Option[T] {
	return func(s *Set[T]) {
		s.logger = logger
	}
}

type Set[T any] struct {
	anchor  graphcoll.NodeID
	typ     graphcoll.RelationshipType
	dir     graphcoll.Direction
	nodeOf  NodeOf[T]
	newItem Factory[T]
	filter  Filter
	onAdded AddedHook[T]
	remover Remover
	logger  *log.Logger
}

// New returns a set rooted at anchor. Membership must have a single
// orientation, so graphcoll.Both is rejected with
// graphcoll.ErrInvalidConfiguration.
func New[T any](anchor graphcoll.NodeID, typ graphcoll.RelationshipType, nodeOf NodeOf[T], newItem Factory[T], opts ...Option[T]) (*Set[T], error) {
	s := &Set[T]{
		anchor:  anchor,
		typ:     typ,
		dir:     graphcoll.Outgoing,
		nodeOf:  nodeOf,
		newItem: newItem,
	}
	for _, opt := range opts {
		opt(s)
	}

	switch {
	case s.dir != graphcoll.Outgoing && s.dir != graphcoll.Incoming:
		return nil, fmt.Errorf("%w: set direction must be %s or %s, got %s",
			graphcoll.ErrInvalidConfiguration, graphcoll.Outgoing, graphcoll.Incoming, s.dir)
	case anchor == "":
		return nil, fmt.Errorf("%w: anchor node is required", graphcoll.ErrInvalidConfiguration)
	case typ == "":
		return nil, fmt.Errorf("%w: relationship type is required", graphcoll.ErrInvalidConfiguration)
	case nodeOf == nil || newItem == nil:
		return nil, fmt.Errorf("%w: item mapping functions are required", graphcoll.ErrInvalidConfiguration)
	}

	if s.remover == nil {
		s.remover = func(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) error {
			return tx.DeleteRelationship(ctx, rel.ID)
		}
	}
	if s.logger == nil {
		s.logger = log.Default().WithPrefix("relset")
	}
	return s, nil
}

func (s *Set[T]) Anchor() graphcoll.NodeID {
	return s.anchor
}

func (s *Set[T]) Direction() graphcoll.Direction {
	return s.dir
}

// Add makes item a member. It reports false, and changes nothing, when item
// already is one.
func (s *Set[T]) Add(ctx context.Context, tx graphcoll.Tx, item T) (bool, error) {
	node, err := s.nodeOf(item)
	if err != nil {
		return false, err
	}
	_, found, err := s.find(ctx, tx, node)
	if err != nil || found {
		return false, err
	}

	start, end := s.anchor, node
	if s.dir == graphcoll.Incoming {
		start, end = node, s.anchor
	}
	rel, err := tx.CreateRelationship(ctx, start, end, s.typ)
	if err != nil {
		return false, fmt.Errorf("add %s to set %s: %w", node, s.anchor, err)
	}
	if s.onAdded != nil {
		if err := s.onAdded(ctx, tx, item, rel); err != nil {
			return false, err
		}
	}
	s.logger.Debug("added member", "anchor", s.anchor, "node", node, "rel", rel.ID)
	return true, nil
}

func (s *Set[T]) AddAll(ctx context.Context, tx graphcoll.Tx, items []T) (bool, error) {
	changed := false
	for _, item := range items {
		added, err := s.Add(ctx, tx, item)
		if err != nil {
			return changed, err
		}
		changed = changed || added
	}
	return changed, nil
}

func (s *Set[T]) Contains(ctx context.Context, tx graphcoll.Tx, item T) (bool, error) {
	node, err := s.nodeOf(item)
	if err != nil {
		return false, err
	}
	_, found, err := s.find(ctx, tx, node)
	return found, err
}

// Remove deletes the membership relationship of item. The item's node is
// left alone.
func (s *Set[T]) Remove(ctx context.Context, tx graphcoll.Tx, item T) (bool, error) {
	node, err := s.nodeOf(item)
	if err != nil {
		return false, err
	}
	rel, found, err := s.find(ctx, tx, node)
	if err != nil || !found {
		return false, err
	}
	if err := s.remove(ctx, tx, rel); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Set[T]) RemoveAll(ctx context.Context, tx graphcoll.Tx, items []T) (bool, error) {
	changed := false
	for _, item := range items {
		removed, err := s.Remove(ctx, tx, item)
		if err != nil {
			return changed, err
		}
		changed = changed || removed
	}
	return changed, nil
}

// RetainAll removes every member that is not in items.
func (s *Set[T]) RetainAll(ctx context.Context, tx graphcoll.Tx, items []T) (bool, error) {
	rels, err := s.relationships(ctx, tx)
	if err != nil {
		return false, err
	}
	drop := make(map[graphcoll.RelationshipID]graphcoll.Relationship, len(rels))
	for _, rel := range rels {
		drop[rel.ID] = rel
	}
	for _, item := range items {
		node, err := s.nodeOf(item)
		if err != nil {
			return false, err
		}
		rel, found, err := s.find(ctx, tx, node)
		if err != nil {
			return false, err
		}
		if found {
			delete(drop, rel.ID)
		}
	}

	changed := false
	for _, rel := range rels {
		if _, ok := drop[rel.ID]; !ok {
			continue
		}
		if err := s.remove(ctx, tx, rel); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// Clear removes every member through the same path as Remove.
func (s *Set[T]) Clear(ctx context.Context, tx graphcoll.Tx) error {
	rels, err := s.relationships(ctx, tx)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := s.remove(ctx, tx, rel); err != nil {
			return err
		}
	}
	return nil
}

// All yields the members. The relationships are read when iteration starts;
// items are built one at a time as the caller advances. Mutating the set while
// iterating is not supported.
func (s *Set[T]) All(ctx context.Context, tx graphcoll.Tx) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		rels, err := s.relationships(ctx, tx)
		if err != nil {
			yield(zero, err)
			return
		}
		for _, rel := range rels {
			item, err := s.newItem(ctx, tx, rel.OtherNode(s.anchor), rel)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (s *Set[T]) Slice(ctx context.Context, tx graphcoll.Tx) ([]T, error) {
	var items []T
	for item, err := range s.All(ctx, tx) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Size counts the members with a full scan of the anchor's relationships.
func (s *Set[T]) Size(ctx context.Context, tx graphcoll.Tx) (int, error) {
	rels, err := s.relationships(ctx, tx)
	return len(rels), err
}

func (s *Set[T]) IsEmpty(ctx context.Context, tx graphcoll.Tx) (bool, error) {
	n, err := s.Size(ctx, tx)
	return n == 0, err
}

func (s *Set[T]) relationships(ctx context.Context, tx graphcoll.Tx) ([]graphcoll.Relationship, error) {
	rels, err := tx.Relationships(ctx, s.anchor, s.typ, s.dir)
	if err != nil {
		return nil, err
	}
	if s.filter == nil {
		return rels, nil
	}
	kept := rels[:0]
	for _, rel := range rels {
		ok, err := s.filter(ctx, tx, rel)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, rel)
		}
	}
	return kept, nil
}

// find looks for the membership relationship from the item's side.
func (s *Set[T]) find(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) (graphcoll.Relationship, bool, error) {
	var accept func(graphcoll.Relationship) (bool, error)
	if s.filter != nil {
		accept = func(rel graphcoll.Relationship) (bool, error) {
			return s.filter(ctx, tx, rel)
		}
	}
	return graphcoll.RelationshipBetween(ctx, tx, node, s.anchor, s.typ, s.dir.Reverse(), accept)
}

func (s *Set[T]) remove(ctx context.Context, tx graphcoll.Tx, rel graphcoll.Relationship) error {
	if err := s.remover(ctx, tx, rel); err != nil {
		return fmt.Errorf("remove %s from set %s: %w", rel.OtherNode(s.anchor), s.anchor, err)
	}
	s.logger.Debug("removed member", "anchor", s.anchor, "rel", rel.ID)
	return nil
}
