package kvgraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/abstract-base-method/graphcoll"
)

// Tx is a graph transaction. It is not safe for concurrent use.
type Tx struct {
	store    *Store
	id       uint64
	txn      Txn
	locked   []graphcoll.NodeID
	success  bool
	finished bool
}

var _ graphcoll.Tx = (*Tx)(nil)

func (t *Tx) kv(ctx context.Context) (Txn, error) {
	if t.finished {
		return nil, graphcoll.ErrTxClosed
	}
	if t.txn == nil {
		txn, err := t.store.engine.Begin(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("begin engine transaction: %w", err)
		}
		t.txn = txn
	}
	return t.txn, nil
}

func (t *Tx) AcquireWriteLock(ctx context.Context, node graphcoll.NodeID) error {
	if t.finished {
		return graphcoll.ErrTxClosed
	}
	lockCtx, cancel := context.WithTimeout(ctx, t.store.lockTimeout)
	defer cancel()

	taken, err := t.store.locks.acquire(lockCtx, node, t.id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: node %s", graphcoll.ErrLockTimeout, node)
	}
	if taken {
		t.locked = append(t.locked, node)
	}
	return nil
}

func (t *Tx) Success() {
	t.success = true
}

func (t *Tx) Finish() error {
	if t.finished {
		return graphcoll.ErrTxClosed
	}
	t.finished = true
	defer t.store.locks.release(t.id, t.locked)

	if t.txn == nil {
		return nil
	}
	defer t.txn.Discard()
	if !t.success {
		return nil
	}
	// Locks are only released after the commit is visible.
	if err := t.txn.Commit(context.Background()); err != nil {
		t.store.logger.Debug("commit failed", "tx", t.id, "error", err)
		return err
	}
	return nil
}

func (t *Tx) CreateNode(ctx context.Context) (graphcoll.NodeID, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return "", err
	}
	id := graphcoll.NewNodeID()
	if err := t.put(ctx, txn, nodeKey(id), nodeRecord{}); err != nil {
		return "", err
	}
	t.store.logger.Debug("created node", "node", id)
	return id, nil
}

func (t *Tx) DeleteNode(ctx context.Context, id graphcoll.NodeID) error {
	txn, err := t.kv(ctx)
	if err != nil {
		return err
	}
	if _, err := t.loadNode(ctx, txn, id); err != nil {
		return err
	}
	for _, tag := range []string{outgoingTag, incomingTag} {
		keys, err := txn.Scan(ctx, adjacencyPrefix(tag, id, ""))
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			return fmt.Errorf("%w: %s", graphcoll.ErrNodeInUse, id)
		}
	}
	if err := txn.Delete(ctx, nodeKey(id)); err != nil {
		return err
	}
	t.store.logger.Debug("deleted node", "node", id)
	return nil
}

func (t *Tx) NodeExists(ctx context.Context, id graphcoll.NodeID) (bool, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return false, err
	}
	_, err = txn.Get(ctx, nodeKey(id))
	if errors.Is(err, graphcoll.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *Tx) CreateRelationship(ctx context.Context, start graphcoll.NodeID, end graphcoll.NodeID, typ graphcoll.RelationshipType) (graphcoll.Relationship, error) {
	if !validName(string(typ)) {
		return graphcoll.Relationship{}, fmt.Errorf("%w: relationship type %q", graphcoll.ErrInvalidConfiguration, typ)
	}
	txn, err := t.kv(ctx)
	if err != nil {
		return graphcoll.Relationship{}, err
	}
	for _, node := range []graphcoll.NodeID{start, end} {
		if _, err := t.loadNode(ctx, txn, node); err != nil {
			return graphcoll.Relationship{}, err
		}
	}

	id := graphcoll.NewRelationshipID()
	rec := relRecord{Start: string(start), End: string(end), Type: string(typ)}
	if err := t.put(ctx, txn, relKey(id), rec); err != nil {
		return graphcoll.Relationship{}, err
	}
	if err := txn.Set(ctx, outgoingKey(start, typ, id), nil); err != nil {
		return graphcoll.Relationship{}, err
	}
	if err := txn.Set(ctx, incomingKey(end, typ, id), nil); err != nil {
		return graphcoll.Relationship{}, err
	}
	t.store.logger.Debug("created relationship", "rel", id, "start", start, "end", end, "type", typ)
	return rec.relationship(id), nil
}

func (t *Tx) DeleteRelationship(ctx context.Context, id graphcoll.RelationshipID) error {
	txn, err := t.kv(ctx)
	if err != nil {
		return err
	}
	rec, err := t.loadRel(ctx, txn, id)
	if err != nil {
		return err
	}
	rel := rec.relationship(id)
	for _, key := range [][]byte{
		relKey(id),
		outgoingKey(rel.Start, rel.Type, id),
		incomingKey(rel.End, rel.Type, id),
	} {
		if err := txn.Delete(ctx, key); err != nil {
			return err
		}
	}
	t.store.logger.Debug("deleted relationship", "rel", id)
	return nil
}

func (t *Tx) Relationship(ctx context.Context, id graphcoll.RelationshipID) (graphcoll.Relationship, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return graphcoll.Relationship{}, err
	}
	rec, err := t.loadRel(ctx, txn, id)
	if err != nil {
		return graphcoll.Relationship{}, err
	}
	return rec.relationship(id), nil
}

func (t *Tx) Relationships(ctx context.Context, node graphcoll.NodeID, typ graphcoll.RelationshipType, dir graphcoll.Direction) ([]graphcoll.Relationship, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return nil, err
	}

	var tags []string
	switch dir {
	case graphcoll.Outgoing:
		tags = []string{outgoingTag}
	case graphcoll.Incoming:
		tags = []string{incomingTag}
	default:
		tags = []string{outgoingTag, incomingTag}
	}

	var rels []graphcoll.Relationship
	seen := make(map[graphcoll.RelationshipID]struct{})
	for _, tag := range tags {
		keys, err := txn.Scan(ctx, adjacencyPrefix(tag, node, typ))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			id, err := relIDFromAdjacencyKey(key)
			if err != nil {
				return nil, err
			}
			// A self loop is indexed in both directions.
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			rec, err := t.loadRel(ctx, txn, id)
			if err != nil {
				return nil, fmt.Errorf("adjacency of %s: %w", node, err)
			}
			rels = append(rels, rec.relationship(id))
		}
	}
	return rels, nil
}

func (t *Tx) SingleRelationship(ctx context.Context, node graphcoll.NodeID, typ graphcoll.RelationshipType, dir graphcoll.Direction) (graphcoll.Relationship, bool, error) {
	rels, err := t.Relationships(ctx, node, typ, dir)
	if err != nil {
		return graphcoll.Relationship{}, false, err
	}
	switch len(rels) {
	case 0:
		return graphcoll.Relationship{}, false, nil
	case 1:
		return rels[0], true, nil
	default:
		return graphcoll.Relationship{}, false, fmt.Errorf("%w: %d %s relationships of type %s on %s",
			graphcoll.ErrMoreThanOne, len(rels), dir, typ, node)
	}
}

func (t *Tx) NodeProperty(ctx context.Context, node graphcoll.NodeID, key string) (any, bool, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return nil, false, err
	}
	rec, err := t.loadNode(ctx, txn, node)
	if err != nil {
		return nil, false, err
	}
	v, ok := rec.Props[key]
	return v, ok, nil
}

func (t *Tx) SetNodeProperty(ctx context.Context, node graphcoll.NodeID, key string, value any) error {
	txn, err := t.kv(ctx)
	if err != nil {
		return err
	}
	rec, err := t.loadNode(ctx, txn, node)
	if err != nil {
		return err
	}
	if rec.Props == nil {
		rec.Props = make(graphcoll.Properties)
	}
	rec.Props[key] = value
	return t.put(ctx, txn, nodeKey(node), rec)
}

func (t *Tx) RemoveNodeProperty(ctx context.Context, node graphcoll.NodeID, key string) error {
	txn, err := t.kv(ctx)
	if err != nil {
		return err
	}
	rec, err := t.loadNode(ctx, txn, node)
	if err != nil {
		return err
	}
	if _, ok := rec.Props[key]; !ok {
		return nil
	}
	delete(rec.Props, key)
	return t.put(ctx, txn, nodeKey(node), rec)
}

func (t *Tx) NodePropertyKeys(ctx context.Context, node graphcoll.NodeID) ([]string, error) {
	props, err := t.NodeProperties(ctx, node)
	if err != nil {
		return nil, err
	}
	return props.Keys(), nil
}

func (t *Tx) NodeProperties(ctx context.Context, node graphcoll.NodeID) (graphcoll.Properties, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := t.loadNode(ctx, txn, node)
	if err != nil {
		return nil, err
	}
	return rec.Props.Clone(), nil
}

func (t *Tx) RelationshipProperty(ctx context.Context, rel graphcoll.RelationshipID, key string) (any, bool, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return nil, false, err
	}
	rec, err := t.loadRel(ctx, txn, rel)
	if err != nil {
		return nil, false, err
	}
	v, ok := rec.Props[key]
	return v, ok, nil
}

func (t *Tx) SetRelationshipProperty(ctx context.Context, rel graphcoll.RelationshipID, key string, value any) error {
	txn, err := t.kv(ctx)
	if err != nil {
		return err
	}
	rec, err := t.loadRel(ctx, txn, rel)
	if err != nil {
		return err
	}
	if rec.Props == nil {
		rec.Props = make(graphcoll.Properties)
	}
	rec.Props[key] = value
	return t.put(ctx, txn, relKey(rel), rec)
}

func (t *Tx) RelationshipPropertyKeys(ctx context.Context, rel graphcoll.RelationshipID) ([]string, error) {
	txn, err := t.kv(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := t.loadRel(ctx, txn, rel)
	if err != nil {
		return nil, err
	}
	return rec.Props.Keys(), nil
}

func (t *Tx) put(ctx context.Context, txn Txn, key []byte, v any) error {
	data, err := t.store.codec.encode(v)
	if err != nil {
		return err
	}
	return txn.Set(ctx, key, data)
}

func (t *Tx) loadNode(ctx context.Context, txn Txn, id graphcoll.NodeID) (nodeRecord, error) {
	var rec nodeRecord
	data, err := txn.Get(ctx, nodeKey(id))
	if err != nil {
		if errors.Is(err, graphcoll.ErrNotFound) {
			return rec, fmt.Errorf("node %s: %w", id, err)
		}
		return rec, err
	}
	err = t.store.codec.decode(data, &rec)
	return rec, err
}

func (t *Tx) loadRel(ctx context.Context, txn Txn, id graphcoll.RelationshipID) (relRecord, error) {
	var rec relRecord
	data, err := txn.Get(ctx, relKey(id))
	if err != nil {
		if errors.Is(err, graphcoll.ErrNotFound) {
			return rec, fmt.Errorf("relationship %s: %w", id, err)
		}
		return rec, err
	}
	err = t.store.codec.decode(data, &rec)
	return rec, err
}
