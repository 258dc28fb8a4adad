package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
)

const DefaultNamespace = "graphcoll:"

const scanBatch = 512

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(r *Engine) {
		r.logger = logger
	}
}

// NewRedisEngine returns a kvgraph.Engine storing every key under namespace
// in the database selected by options. Writes are buffered per transaction
// and flushed in a single MULTI/EXEC.
//
// The adjacency of a node in one direction is kept in a single sorted set
// scored 0, so a neighbourhood scan is a ZRANGEBYLEX over that node only.
//
// Write locks are process local, so only one process should mutate a given
// list or queue at a time.
func NewRedisEngine(options *redis.Options, namespace string, opts ...Option) *Engine {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := &Engine{
		redis:     redis.NewClient(options),
		namespace: namespace,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.Default().WithPrefix("redis")
	}
	return r
}

type Engine struct {
	redis     *redis.Client
	namespace string
	logger    *log.Logger
}

var _ kvgraph.Engine = (*Engine)(nil)

func (r *Engine) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func (r *Engine) Begin(ctx context.Context, update bool) (kvgraph.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return kvgraph.NewBufferedTxn(committed{r}, update), nil
}

func (r *Engine) Close() error {
	return r.redis.Close()
}

// Flush deletes every key under the engine's namespace.
func (r *Engine) Flush(ctx context.Context) error {
	keys, err := r.scan(ctx, "")
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := min(len(keys), scanBatch)
		if err := r.redis.Del(ctx, keys[:n]...).Err(); err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (r *Engine) scan(ctx context.Context, prefix string) ([]string, error) {
	match := globEscape(r.namespace+prefix) + "*"
	iter := r.redis.Scan(ctx, 0, match, scanBatch).Iterator()

	seen := make(map[string]struct{})
	var keys []string
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return keys, nil
}

// committed is the kvgraph.Base view of the redis database.
type committed struct {
	r *Engine
}

func (c committed) key(key []byte) string {
	return namespacedKey(c.r.namespace, key)
}

func (c committed) Get(ctx context.Context, key []byte) ([]byte, error) {
	if index, member, ok := kvgraph.SplitAdjacency(key); ok {
		err := c.r.redis.ZScore(ctx, c.key(index), string(member)).Err()
		if errors.Is(err, redis.Nil) {
			return nil, graphcoll.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return []byte{}, nil
	}

	data, err := c.r.redis.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, graphcoll.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c committed) Scan(ctx context.Context, prefix []byte) ([][]byte, error) {
	if index, rest, ok := kvgraph.SplitAdjacency(prefix); ok {
		return c.adjacency(ctx, index, rest)
	}

	// Only prefixes outside the adjacency index get here, none of which the
	// graph store issues.
	keys, err := c.r.scan(ctx, string(prefix))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		key = stripNamespace(c.r.namespace, key)
		if !isAdjacencyIndex(key) {
			out = append(out, key)
			continue
		}
		members, err := c.r.redis.ZRange(ctx, c.key([]byte(key)), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read adjacency %q: %w", key, err)
		}
		for _, m := range members {
			if full := key + adjacencySep + m; strings.HasPrefix(full, string(prefix)) {
				out = append(out, full)
			}
		}
	}
	sort.Strings(out)
	result := make([][]byte, len(out))
	for i, key := range out {
		result[i] = []byte(key)
	}
	return result, nil
}

// adjacency lists the keys of one node's adjacency set whose member starts
// with rest, in key order.
func (c committed) adjacency(ctx context.Context, index []byte, rest []byte) ([][]byte, error) {
	lo, hi := lexRange(rest)
	members, err := c.r.redis.ZRangeByLex(ctx, c.key(index), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("read adjacency %q: %w", index, err)
	}
	keys := make([][]byte, len(members))
	for i, m := range members {
		keys[i] = []byte(string(index) + adjacencySep + m)
	}
	return keys, nil
}

func (c committed) Apply(ctx context.Context, writes map[string][]byte, deletes map[string]struct{}) error {
	_, err := c.r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		var dels []string
		for k := range deletes {
			if index, member, ok := kvgraph.SplitAdjacency([]byte(k)); ok {
				pipe.ZRem(ctx, c.key(index), string(member))
				continue
			}
			dels = append(dels, c.key([]byte(k)))
		}
		if len(dels) > 0 {
			pipe.Del(ctx, dels...)
		}
		for k, v := range writes {
			if index, member, ok := kvgraph.SplitAdjacency([]byte(k)); ok {
				pipe.ZAdd(ctx, c.key(index), redis.Z{Member: string(member)})
				continue
			}
			pipe.Set(ctx, c.key([]byte(k)), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush transaction: %w", err)
	}
	c.r.logger.Debug("flushed transaction", "writes", len(writes), "deletes", len(deletes))
	return nil
}

const adjacencySep = "\x00"

// isAdjacencyIndex reports whether a stored key is a node's adjacency set.
func isAdjacencyIndex(key string) bool {
	_, rest, ok := kvgraph.SplitAdjacency([]byte(key + adjacencySep))
	return ok && len(rest) == 0
}

// lexRange returns the ZRANGEBYLEX bounds of the members starting with prefix.
func lexRange(prefix []byte) (string, string) {
	if len(prefix) == 0 {
		return "-", "+"
	}
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return "[" + string(prefix), "(" + string(upper[:i+1])
		}
	}
	return "[" + string(prefix), "+"
}

func namespacedKey(namespace string, key []byte) string {
	return namespace + string(key)
}

func stripNamespace(namespace string, key string) string {
	return strings.TrimPrefix(key, namespace)
}

func globEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
