package graphcoll

import (
	"context"
	"iter"
)

// Position describes where a traversal currently is.
type Position struct {
	Node  NodeID
	Depth int
	// LastRelationship is the relationship walked to reach Node; nil for the
	// start node.
	LastRelationship *Relationship
	// ReturnedCount is how many positions were returned before this one.
	ReturnedCount int
}

func (p Position) IsStartNode() bool {
	return p.LastRelationship == nil
}

// StopEvaluator decides whether the traversal should stop expanding at a
// position. The position itself may still be returned.
type StopEvaluator func(Position) bool

// ReturnableEvaluator decides whether a position is yielded to the caller.
type ReturnableEvaluator func(Position) bool

var (
	EndOfGraph      StopEvaluator       = func(Position) bool { return false }
	AllNodes        ReturnableEvaluator = func(Position) bool { return true }
	AllButStartNode ReturnableEvaluator = func(p Position) bool { return !p.IsStartNode() }
)

// DepthLimit stops expanding once maxDepth levels have been walked.
func DepthLimit(maxDepth int) StopEvaluator {
	return func(p Position) bool {
		return p.Depth >= maxDepth
	}
}

// Traverse walks the graph breadth-first from start along relationships of
// typ in direction dir. Each node is visited at most once. Adjacency of a node
// is only read after the node itself has been yielded, so abandoning the
// sequence early stops all further reads.
func Traverse(
	ctx context.Context,
	tx RelationshipStore,
	start NodeID,
	typ RelationshipType,
	dir Direction,
	stop StopEvaluator,
	include ReturnableEvaluator,
) iter.Seq2[Position, error] {
	if stop == nil {
		stop = EndOfGraph
	}
	if include == nil {
		include = AllNodes
	}
	return func(yield func(Position, error) bool) {
		visited := map[NodeID]struct{}{start: {}}
		queue := []Position{{Node: start}}
		returned := 0
		for len(queue) > 0 {
			pos := queue[0]
			queue = queue[1:]
			pos.ReturnedCount = returned

			if include(pos) {
				returned++
				if !yield(pos, nil) {
					return
				}
			}
			if stop(pos) {
				continue
			}

			rels, err := tx.Relationships(ctx, pos.Node, typ, dir)
			if err != nil {
				yield(Position{}, err)
				return
			}
			for _, rel := range rels {
				other := rel.OtherNode(pos.Node)
				if _, seen := visited[other]; seen {
					continue
				}
				visited[other] = struct{}{}
				walked := rel
				queue = append(queue, Position{
					Node:             other,
					Depth:            pos.Depth + 1,
					LastRelationship: &walked,
				})
			}
		}
	}
}
