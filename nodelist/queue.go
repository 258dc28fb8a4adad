package nodelist

import (
	"context"
	"fmt"

	"github.com/abstract-base-method/graphcoll"
)

// Queue is a FIFO ring: the head is the root's successor and new nodes are
// linked in just before the root.
type Queue struct {
	ring
}

// NewQueue returns an unbounded queue. WithMaxLength is rejected.
func NewQueue(root graphcoll.NodeID, typ graphcoll.RelationshipType, opts ...Option) (*Queue, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.bounded {
		return nil, fmt.Errorf("%w: queues are unbounded", graphcoll.ErrInvalidConfiguration)
	}
	r, err := newRing(root, typ, o)
	if err != nil {
		return nil, err
	}
	return &Queue{ring: r}, nil
}

// Add links a new node at the tail and returns it.
func (q *Queue) Add(ctx context.Context, tx graphcoll.Tx) (graphcoll.NodeID, error) {
	if err := q.Lock(ctx, tx); err != nil {
		return "", err
	}
	node, err := tx.CreateNode(ctx)
	if err != nil {
		return "", err
	}
	last, ok, err := q.lastRelationship(ctx, tx)
	if err != nil {
		return "", err
	}
	prev := q.root
	if ok {
		prev = last.Start
		if err := tx.DeleteRelationship(ctx, last.ID); err != nil {
			return "", err
		}
	}
	if _, err := tx.CreateRelationship(ctx, prev, node, q.typ); err != nil {
		return "", err
	}
	if _, err := tx.CreateRelationship(ctx, node, q.root, q.typ); err != nil {
		return "", err
	}
	q.logger.Debug("enqueued node", "root", q.root, "node", node)
	return node, nil
}

// Remove unlinks up to n nodes from the head and returns how many were
// removed.
func (q *Queue) Remove(ctx context.Context, tx graphcoll.Tx, n int) (int, error) {
	return q.remove(ctx, tx, n)
}

func (q *Queue) Len(ctx context.Context, tx graphcoll.Tx) (int, error) {
	return q.walkLen(ctx, tx)
}
