package graphcoll

import (
	"context"
	"fmt"
)

// SingleOtherNode follows the single relationship of typ in dir from node.
func SingleOtherNode(ctx context.Context, tx RelationshipStore, node NodeID, typ RelationshipType, dir Direction) (NodeID, bool, error) {
	rel, ok, err := tx.SingleRelationship(ctx, node, typ, dir)
	if err != nil || !ok {
		return "", false, err
	}
	return rel.OtherNode(node), true, nil
}

// GetOrCreateSingleOtherNode returns the node at the other end of the single
// relationship of typ in dir, creating both node and relationship when absent.
func GetOrCreateSingleOtherNode(ctx context.Context, tx Tx, node NodeID, typ RelationshipType, dir Direction) (NodeID, error) {
	if dir == Both {
		return "", fmt.Errorf("%w: direction %s is ambiguous", ErrInvalidConfiguration, dir)
	}
	if err := tx.AcquireWriteLock(ctx, node); err != nil {
		return "", err
	}
	other, ok, err := SingleOtherNode(ctx, tx, node, typ, dir)
	if err != nil {
		return "", err
	}
	if ok {
		return other, nil
	}

	other, err = tx.CreateNode(ctx)
	if err != nil {
		return "", err
	}
	start, end := node, other
	if dir == Incoming {
		start, end = other, node
	}
	if _, err := tx.CreateRelationship(ctx, start, end, typ); err != nil {
		return "", err
	}
	return other, nil
}

// RelationshipBetween finds a relationship of typ attached to from in dir whose
// other end is to. accept, when non-nil, filters candidates.
func RelationshipBetween(
	ctx context.Context,
	tx RelationshipStore,
	from NodeID,
	to NodeID,
	typ RelationshipType,
	dir Direction,
	accept func(Relationship) (bool, error),
) (Relationship, bool, error) {
	rels, err := tx.Relationships(ctx, from, typ, dir)
	if err != nil {
		return Relationship{}, false, err
	}
	for _, rel := range rels {
		if accept != nil {
			ok, err := accept(rel)
			if err != nil {
				return Relationship{}, false, err
			}
			if !ok {
				continue
			}
		}
		if rel.OtherNode(from) == to {
			return rel, true, nil
		}
	}
	return Relationship{}, false, nil
}

// Update runs fn in a new transaction that commits when fn returns nil and
// rolls back otherwise, including when fn panics.
func Update(ctx context.Context, store Store, fn func(tx Tx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := tx.Finish(); ferr != nil && err == nil {
			err = ferr
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	tx.Success()
	return nil
}

// View runs fn in a new transaction that is always rolled back.
func View(ctx context.Context, store Store, fn func(tx Tx) error) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := tx.Finish(); ferr != nil && err == nil {
			err = ferr
		}
	}()
	return fn(tx)
}
