// Package nodelist keeps ordered collections of nodes as a ring of
// relationships closing through a root node:
//
//	root -T-> n0 -T-> n1 -T-> ... -T-> nk -T-> root
//
// Every node on the ring has exactly one outgoing and one incoming T
// relationship. Structural changes take the root's write lock, reads take no
// lock and rely on the isolation of the caller's transaction.
package nodelist

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/charmbracelet/log"

	"github.com/abstract-base-method/graphcoll"
)

// ErrBrokenRing reports a ring missing one of its links.
var ErrBrokenRing = errors.New("nodelist: broken ring")

// NodeRemover disposes of a node that left the ring. Its ring relationships
// are already gone when it is called.
type NodeRemover func(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) error

func deleteNode(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) error {
	return tx.DeleteNode(ctx, node)
}

type Option func(*options)

type options struct {
	maxLength  int
	bounded    bool
	removeNode NodeRemover
	logger     *log.Logger
}

// WithMaxLength bounds a List to n nodes, n >= 1. Adding to a full list
// evicts its oldest node.
func WithMaxLength(n int) Option {
	return func(o *options) {
		o.maxLength = n
		o.bounded = true
	}
}

// WithNodeRemover replaces the default disposal, which deletes the node.
func WithNodeRemover(fn NodeRemover) Option {
	return func(o *options) {
		o.removeNode = fn
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type ring struct {
	root       graphcoll.NodeID
	typ        graphcoll.RelationshipType
	removeNode NodeRemover
	logger     *log.Logger
}

func newRing(root graphcoll.NodeID, typ graphcoll.RelationshipType, o options) (ring, error) {
	if root == "" {
		return ring{}, fmt.Errorf("%w: root node is required", graphcoll.ErrInvalidConfiguration)
	}
	if typ == "" {
		return ring{}, fmt.Errorf("%w: relationship type is required", graphcoll.ErrInvalidConfiguration)
	}
	if o.removeNode == nil {
		o.removeNode = deleteNode
	}
	if o.logger == nil {
		o.logger = log.Default().WithPrefix("nodelist")
	}
	return ring{root: root, typ: typ, removeNode: o.removeNode, logger: o.logger}, nil
}

func (r *ring) Root() graphcoll.NodeID {
	return r.root
}

// Lock takes the root's write lock for the rest of tx.
func (r *ring) Lock(ctx context.Context, tx graphcoll.Tx) error {
	return tx.AcquireWriteLock(ctx, r.root)
}

// Peek returns the node nearest the root on the outgoing side.
func (r *ring) Peek(ctx context.Context, tx graphcoll.Tx) (graphcoll.NodeID, bool, error) {
	rel, ok, err := r.firstRelationship(ctx, tx)
	if err != nil || !ok {
		return "", false, err
	}
	return rel.End, true, nil
}

// PeekN returns up to limit nodes walking forward from the first one. The
// root is never included.
func (r *ring) PeekN(ctx context.Context, tx graphcoll.Tx, limit int) ([]graphcoll.NodeID, error) {
	if limit <= 0 {
		return nil, nil
	}
	nodes := make([]graphcoll.NodeID, 0, limit)
	node := r.root
	for len(nodes) < limit {
		next, ok, err := graphcoll.SingleOtherNode(ctx, tx, node, r.typ, graphcoll.Outgoing)
		if err != nil {
			return nil, err
		}
		if !ok || next == r.root {
			break
		}
		nodes = append(nodes, next)
		node = next
	}
	return nodes, nil
}

// Iterate walks the ring forward from the first node, ending once the walk
// leads back into the root.
func (r *ring) Iterate(ctx context.Context, tx graphcoll.Tx) iter.Seq2[graphcoll.NodeID, error] {
	stop := func(p graphcoll.Position) bool {
		return p.LastRelationship != nil && p.Node == r.root
	}
	return func(yield func(graphcoll.NodeID, error) bool) {
		for pos, err := range graphcoll.Traverse(ctx, tx, r.root, r.typ, graphcoll.Outgoing, stop, graphcoll.AllButStartNode) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(pos.Node, nil) {
				return
			}
		}
	}
}

// remove unlinks up to n nodes from the first side and closes the ring over
// the gap. It returns how many were removed.
func (r *ring) remove(ctx context.Context, tx graphcoll.Tx, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if err := r.Lock(ctx, tx); err != nil {
		return 0, err
	}
	first, ok, err := r.firstRelationship(ctx, tx)
	if err != nil || !ok {
		return 0, err
	}

	removed := 0
	node := first.End
	var next graphcoll.NodeID
	for removed < n {
		next, err = r.next(ctx, tx, node)
		if err != nil {
			return removed, err
		}
		if err := r.unlink(ctx, tx, node); err != nil {
			return removed, err
		}
		if err := r.removeNode(ctx, tx, node); err != nil {
			return removed, fmt.Errorf("dispose of %s: %w", node, err)
		}
		removed++
		if next == r.root {
			break
		}
		node = next
	}

	if next != r.root {
		if _, err := tx.CreateRelationship(ctx, r.root, next, r.typ); err != nil {
			return removed, err
		}
	}
	r.logger.Debug("removed nodes", "root", r.root, "count", removed)
	return removed, nil
}

// walkLen counts the ring's nodes.
func (r *ring) walkLen(ctx context.Context, tx graphcoll.Tx) (int, error) {
	n := 0
	for _, err := range r.Iterate(ctx, tx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func (r *ring) firstRelationship(ctx context.Context, tx graphcoll.Tx) (graphcoll.Relationship, bool, error) {
	return tx.SingleRelationship(ctx, r.root, r.typ, graphcoll.Outgoing)
}

func (r *ring) lastRelationship(ctx context.Context, tx graphcoll.Tx) (graphcoll.Relationship, bool, error) {
	return tx.SingleRelationship(ctx, r.root, r.typ, graphcoll.Incoming)
}

func (r *ring) next(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) (graphcoll.NodeID, error) {
	next, ok, err := graphcoll.SingleOtherNode(ctx, tx, node, r.typ, graphcoll.Outgoing)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s has no successor", ErrBrokenRing, node)
	}
	return next, nil
}

func (r *ring) previous(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) (graphcoll.Relationship, error) {
	rel, ok, err := tx.SingleRelationship(ctx, node, r.typ, graphcoll.Incoming)
	if err != nil {
		return graphcoll.Relationship{}, err
	}
	if !ok {
		return graphcoll.Relationship{}, fmt.Errorf("%w: %s has no predecessor", ErrBrokenRing, node)
	}
	return rel, nil
}

// unlink deletes every ring relationship attached to node.
func (r *ring) unlink(ctx context.Context, tx graphcoll.Tx, node graphcoll.NodeID) error {
	rels, err := tx.Relationships(ctx, node, r.typ, graphcoll.Both)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := tx.DeleteRelationship(ctx, rel.ID); err != nil {
			return err
		}
	}
	return nil
}
