package nodelist

import (
	"context"
	"fmt"

	"github.com/abstract-base-method/graphcoll"
)

// LengthProperty holds a bounded list's node count on its root.
const LengthProperty = "list_length"

// List is a most-recent-first ring. Bounded lists keep at most their max
// length of nodes and evict the oldest when full.
type List struct {
	ring
	maxLength int
	bounded   bool
}

func New(root graphcoll.NodeID, typ graphcoll.RelationshipType, opts ...Option) (*List, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.bounded && o.maxLength < 1 {
		return nil, fmt.Errorf("%w: max length must be at least 1, got %d", graphcoll.ErrInvalidConfiguration, o.maxLength)
	}
	r, err := newRing(root, typ, o)
	if err != nil {
		return nil, err
	}
	return &List{ring: r, maxLength: o.maxLength, bounded: o.bounded}, nil
}

// MaxLength returns the bound and whether there is one.
func (l *List) MaxLength() (int, bool) {
	return l.maxLength, l.bounded
}

// Add links a new node in first position and returns it.
func (l *List) Add(ctx context.Context, tx graphcoll.Tx) (graphcoll.NodeID, error) {
	if err := l.Lock(ctx, tx); err != nil {
		return "", err
	}
	node, err := tx.CreateNode(ctx)
	if err != nil {
		return "", err
	}
	first, ok, err := l.firstRelationship(ctx, tx)
	if err != nil {
		return "", err
	}
	if _, err := tx.CreateRelationship(ctx, l.root, node, l.typ); err != nil {
		return "", err
	}
	next := l.root
	if ok {
		next = first.End
		if err := tx.DeleteRelationship(ctx, first.ID); err != nil {
			return "", err
		}
	}
	if _, err := tx.CreateRelationship(ctx, node, next, l.typ); err != nil {
		return "", err
	}

	if l.bounded {
		length, err := l.counter(ctx, tx)
		if err != nil {
			return "", err
		}
		length++
		if length > int64(l.maxLength) {
			if err := l.evictLast(ctx, tx); err != nil {
				return "", err
			}
		} else if err := tx.SetNodeProperty(ctx, l.root, LengthProperty, length); err != nil {
			return "", err
		}
	}
	l.logger.Debug("added node", "root", l.root, "node", node)
	return node, nil
}

// Remove unlinks up to n nodes starting from the first one and returns how
// many were removed.
func (l *List) Remove(ctx context.Context, tx graphcoll.Tx, n int) (int, error) {
	removed, err := l.remove(ctx, tx, n)
	if err != nil {
		return removed, err
	}
	if l.bounded && removed > 0 {
		length, err := l.counter(ctx, tx)
		if err != nil {
			return removed, err
		}
		length = max(length-int64(removed), 0)
		if err := tx.SetNodeProperty(ctx, l.root, LengthProperty, length); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// RemoveOne reports whether the first node was removed.
func (l *List) RemoveOne(ctx context.Context, tx graphcoll.Tx) (bool, error) {
	n, err := l.Remove(ctx, tx, 1)
	return n == 1, err
}

// Len returns the stored counter of a bounded list and walks the ring of an
// unbounded one.
func (l *List) Len(ctx context.Context, tx graphcoll.Tx) (int, error) {
	if !l.bounded {
		return l.walkLen(ctx, tx)
	}
	n, err := l.counter(ctx, tx)
	return int(n), err
}

func (l *List) counter(ctx context.Context, tx graphcoll.Tx) (int64, error) {
	v, ok, err := tx.NodeProperty(ctx, l.root, LengthProperty)
	if err != nil || !ok {
		return 0, err
	}
	n, ok := graphcoll.ToInt64(v)
	if !ok {
		return 0, fmt.Errorf("nodelist: %s on %s is %T, not a number", LengthProperty, l.root, v)
	}
	return n, nil
}

// evictLast drops the node nearest the root on the incoming side and links
// its predecessor to the root.
func (l *List) evictLast(ctx context.Context, tx graphcoll.Tx) error {
	lastRel, ok, err := l.lastRelationship(ctx, tx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s has no last node", ErrBrokenRing, l.root)
	}
	last := lastRel.Start
	prevRel, err := l.previous(ctx, tx, last)
	if err != nil {
		return err
	}
	if err := tx.DeleteRelationship(ctx, lastRel.ID); err != nil {
		return err
	}
	if err := tx.DeleteRelationship(ctx, prevRel.ID); err != nil {
		return err
	}
	if err := l.removeNode(ctx, tx, last); err != nil {
		return fmt.Errorf("dispose of %s: %w", last, err)
	}
	if _, err := tx.CreateRelationship(ctx, prevRel.Start, l.root, l.typ); err != nil {
		return err
	}
	l.logger.Debug("evicted node", "root", l.root, "node", last)
	return nil
}
