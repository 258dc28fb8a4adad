package queueworker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/kvgraph"
	"github.com/abstract-base-method/graphcoll/memory"
	"github.com/abstract-base-method/graphcoll/nodelist"
)

func testConfig(name string) Config {
	return Config{
		Name:          name,
		BatchSize:     2,
		MaxAttempts:   10,
		RetryDelay:    time.Millisecond,
		IdleInterval:  5 * time.Millisecond,
		PauseInterval: 20 * time.Millisecond,
		ShutdownPoll:  10 * time.Millisecond,
	}
}

type harness struct {
	ctx   context.Context
	store *kvgraph.Store
	queue *nodelist.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, kvgraph.Options{Logger: log.New(io.Discard)})
}

func newHarnessWith(t *testing.T, opts kvgraph.Options) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := kvgraph.New(memory.New(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var root graphcoll.NodeID
	require.NoError(t, graphcoll.Update(ctx, store, func(tx graphcoll.Tx) error {
		root, err = tx.CreateNode(ctx)
		return err
	}))
	queue, err := nodelist.NewQueue(root, "QUEUED", nodelist.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	return &harness{ctx: ctx, store: store, queue: queue}
}

func (h *harness) worker(t *testing.T, handler Handler, cfg Config, opts ...Option) *Worker {
	t.Helper()
	opts = append(opts, WithLogger(log.New(io.Discard)))
	w, err := New(h.store, h.queue, handler, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.ShutDown(context.Background()) })
	return w
}

func (h *harness) enqueue(t *testing.T, w *Worker, names ...string) []graphcoll.NodeID {
	t.Helper()
	var nodes []graphcoll.NodeID
	for _, name := range names {
		node, err := w.Enqueue(h.ctx, graphcoll.Properties{"name": name})
		require.NoError(t, err)
		nodes = append(nodes, node)
	}
	return nodes
}

// contents returns the names and node ids queued, head first.
func (h *harness) contents(t *testing.T) ([]string, []graphcoll.NodeID) {
	t.Helper()
	var names []string
	var nodes []graphcoll.NodeID
	require.NoError(t, graphcoll.View(h.ctx, h.store, func(tx graphcoll.Tx) error {
		for node, err := range h.queue.Iterate(h.ctx, tx) {
			require.NoError(t, err)
			v, _, err := tx.NodeProperty(h.ctx, node, "name")
			require.NoError(t, err)
			names = append(names, v.(string))
			nodes = append(nodes, node)
		}
		return nil
	}))
	return names, nodes
}

type recorder struct {
	mu      sync.Mutex
	entries []graphcoll.Properties
}

func (r *recorder) handle(_ context.Context, entry graphcoll.Properties) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.entries {
		names = append(names, e["name"].(string))
	}
	return names
}

func TestConfigValidation(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.ErrorIs(t, cfg.Validate(), graphcoll.ErrInvalidConfiguration)

	cfg = DefaultConfig()
	cfg.Name = ""
	assert.ErrorIs(t, cfg.Validate(), graphcoll.ErrInvalidConfiguration)

	cfg = DefaultConfig()
	cfg.IdleInterval = 0
	assert.ErrorIs(t, cfg.Validate(), graphcoll.ErrInvalidConfiguration)

	h := newHarness(t)
	_, err := New(h.store, h.queue, nil, DefaultConfig())
	assert.ErrorIs(t, err, graphcoll.ErrInvalidConfiguration)
}

func TestBatchesAreFIFO(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))
	h.enqueue(t, w, "a", "b", "c")

	worked, err := w.executeBatch()
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"a", "b"}, rec.names())
	names, _ := h.contents(t)
	assert.Equal(t, []string{"c"}, names)

	worked, err = w.executeBatch()
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, []string{"a", "b", "c"}, rec.names())
	names, _ = h.contents(t)
	assert.Empty(t, names)

	worked, err = w.executeBatch()
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestEntriesCarryID(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))

	_, err := w.Enqueue(h.ctx, graphcoll.Properties{"name": "a", EntryIDProperty: "fixed"})
	require.NoError(t, err)
	h.enqueue(t, w, "b")

	_, err = w.executeBatch()
	require.NoError(t, err)
	require.Len(t, rec.entries, 2)
	assert.Equal(t, "fixed", EntryID(rec.entries[0]))
	assert.NotEmpty(t, EntryID(rec.entries[1]))
	assert.NotEqual(t, "fixed", EntryID(rec.entries[1]))
}

func TestFailingEntryIsRequeued(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	handler := func(_ context.Context, entry graphcoll.Properties) error {
		if entry["name"] == "bad" {
			attempts.Add(1)
			return errors.New("cannot handle")
		}
		return nil
	}
	cfg := testConfig(t.Name())
	cfg.BatchSize = 1
	w := h.worker(t, handler, cfg)
	before := h.enqueue(t, w, "bad", "good")

	var firstID string
	require.NoError(t, graphcoll.View(h.ctx, h.store, func(tx graphcoll.Tx) error {
		v, _, err := tx.NodeProperty(h.ctx, before[0], EntryIDProperty)
		firstID, _ = v.(string)
		return err
	}))

	worked, err := w.executeBatch()
	require.NoError(t, err)
	assert.True(t, worked)
	assert.EqualValues(t, cfg.MaxAttempts, attempts.Load())

	names, nodes := h.contents(t)
	assert.Equal(t, []string{"good", "bad"}, names)
	assert.Len(t, nodes, len(before))
	assert.NotContains(t, nodes, before[0])

	require.NoError(t, graphcoll.View(h.ctx, h.store, func(tx graphcoll.Tx) error {
		v, _, err := tx.NodeProperty(h.ctx, nodes[1], EntryIDProperty)
		assert.Equal(t, firstID, v)
		return err
	}))
}

func TestPanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	var attempts atomic.Int32
	cfg := testConfig(t.Name())
	cfg.MaxAttempts = 3
	var causes []error
	w := h.worker(t, func(context.Context, graphcoll.Properties) error {
		attempts.Add(1)
		panic("boom")
	}, cfg, WithEntryErrorHandler(func(_ context.Context, _ graphcoll.Tx, _ graphcoll.Properties, cause error) error {
		causes = append(causes, cause)
		return nil
	}))
	h.enqueue(t, w, "a")

	_, err := w.executeBatch()
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts.Load())
	require.Len(t, causes, 1)
	assert.ErrorContains(t, causes[0], "handler panic: boom")

	// The custom handler dropped the entry.
	names, _ := h.contents(t)
	assert.Empty(t, names)
}

func TestBatchFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var afterCalls int
	w := h.worker(t, func(ctx context.Context, entry graphcoll.Properties) error {
		if entry["name"] == "b" {
			return errors.New("fail")
		}
		return rec.handle(ctx, entry)
	}, testConfig(t.Name()),
		WithEntryErrorHandler(func(context.Context, graphcoll.Tx, graphcoll.Properties, error) error {
			return errors.New("give up")
		}),
		WithAfterBatch(func(context.Context, graphcoll.Tx) error {
			afterCalls++
			return nil
		}),
	)
	before := h.enqueue(t, w, "a", "b")

	worked, err := w.executeBatch()
	assert.True(t, worked)
	assert.ErrorContains(t, err, "give up")
	assert.Equal(t, 1, afterCalls)

	names, nodes := h.contents(t)
	assert.Equal(t, []string{"a", "b"}, names)
	assert.Equal(t, before, nodes)

	// The same batch comes back on the next cycle.
	_, err = w.executeBatch()
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "a"}, rec.names())
	assert.Equal(t, 2, afterCalls)
}

func TestRequeueRolledBackWithBatch(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, func(context.Context, graphcoll.Properties) error {
		return errors.New("fail")
	}, testConfig(t.Name()),
		WithAfterBatch(func(context.Context, graphcoll.Tx) error {
			return errors.New("after failed")
		}),
	)
	before := h.enqueue(t, w, "a")

	_, err := w.executeBatch()
	assert.ErrorContains(t, err, "after failed")

	_, nodes := h.contents(t)
	assert.Equal(t, before, nodes)
}

func TestBeforeBatchFailure(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()),
		WithBeforeBatch(func(context.Context, graphcoll.Tx) error {
			return errors.New("not ready")
		}),
	)
	h.enqueue(t, w, "a")

	_, err := w.executeBatch()
	assert.ErrorContains(t, err, "not ready")
	assert.Empty(t, rec.names())
	names, _ := h.contents(t)
	assert.Equal(t, []string{"a"}, names)
}

func TestEnqueueWhileBatchRuns(t *testing.T) {
	h := newHarnessWith(t, kvgraph.Options{
		LockTimeout: 20 * time.Millisecond,
		Logger:      log.New(io.Discard),
	})
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	w := h.worker(t, func(ctx context.Context, entry graphcoll.Properties) error {
		if entry["name"] == "slow" {
			close(started)
			<-release
		}
		return rec.handle(ctx, entry)
	}, testConfig(t.Name()))
	h.enqueue(t, w, "slow")

	errs := make(chan error, 1)
	go func() {
		_, err := w.executeBatch()
		errs <- err
	}()
	<-started

	// The handler is still running, well past the lock timeout.
	time.Sleep(50 * time.Millisecond)
	_, err := w.Enqueue(h.ctx, graphcoll.Properties{"name": "late"})
	close(release)
	require.NoError(t, err)
	require.NoError(t, <-errs)

	names, _ := h.contents(t)
	assert.Equal(t, []string{"late"}, names)
	assert.Equal(t, []string{"slow"}, rec.names())
}

func TestBatchReplaysWhenHeadMoved(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var taken atomic.Bool
	w := h.worker(t, func(ctx context.Context, entry graphcoll.Properties) error {
		// Another consumer takes the head while the batch is being handled.
		if !taken.Swap(true) {
			require.NoError(t, graphcoll.Update(ctx, h.store, func(tx graphcoll.Tx) error {
				_, err := h.queue.Remove(ctx, tx, 1)
				return err
			}))
		}
		return rec.handle(ctx, entry)
	}, testConfig(t.Name()))
	h.enqueue(t, w, "a", "b")

	worked, err := w.executeBatch()
	assert.True(t, worked)
	assert.ErrorIs(t, err, errHeadMoved)

	names, _ := h.contents(t)
	assert.Equal(t, []string{"b"}, names)

	_, err = w.executeBatch()
	require.NoError(t, err)
	names, _ = h.contents(t)
	assert.Empty(t, names)
	assert.Equal(t, []string{"a", "b", "b"}, rec.names())
}

func TestRunDrainsQueue(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))
	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrStarted)

	h.enqueue(t, w, "a", "b", "c", "d", "e")
	assert.Eventually(t, func() bool {
		return len(rec.names()) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.names())

	require.NoError(t, w.ShutDown(h.ctx))
	assert.Equal(t, Halted, w.State())
	assert.ErrorIs(t, w.Start(), ErrHalted)
	assert.ErrorIs(t, w.SetPaused(h.ctx, true), ErrHalted)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))
	require.NoError(t, w.Start())

	require.NoError(t, w.SetPaused(h.ctx, true))
	assert.True(t, w.IsPaused())
	assert.Equal(t, Paused, w.State())

	h.enqueue(t, w, "a")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.names())

	require.NoError(t, w.SetPaused(h.ctx, false))
	assert.False(t, w.IsPaused())
	assert.Eventually(t, func() bool {
		return len(rec.names()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPauseBeforeStart(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))

	require.NoError(t, w.SetPaused(h.ctx, true))
	assert.True(t, w.IsPaused())
	require.NoError(t, w.Start())
	h.enqueue(t, w, "a")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.names())
}

func TestShutDownMidBatch(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	var finished atomic.Bool
	w := h.worker(t, func(context.Context, graphcoll.Properties) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}, testConfig(t.Name()))
	h.enqueue(t, w, "a")
	require.NoError(t, w.Start())

	<-started
	require.NoError(t, w.ShutDown(h.ctx))
	assert.True(t, finished.Load())
	select {
	case <-w.done:
	default:
		t.Fatal("worker goroutine still running")
	}

	names, _ := h.contents(t)
	assert.Empty(t, names)
}

func TestShutDownInterruptsRetries(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig(t.Name())
	cfg.RetryDelay = time.Hour
	var attempts atomic.Int32
	w := h.worker(t, func(context.Context, graphcoll.Properties) error {
		attempts.Add(1)
		return errors.New("fail")
	}, cfg)
	before := h.enqueue(t, w, "a")
	require.NoError(t, w.Start())

	assert.Eventually(t, func() bool {
		return attempts.Load() == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	require.NoError(t, w.ShutDown(ctx))

	// The batch was abandoned: nothing removed, nothing requeued.
	_, nodes := h.contents(t)
	assert.Equal(t, before, nodes)
}

func TestShutDownWithoutStart(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, (&recorder{}).handle, testConfig(t.Name()))
	require.NoError(t, w.ShutDown(h.ctx))
	assert.Equal(t, Halted, w.State())
}

func TestAddInCallerTransaction(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	w := h.worker(t, rec.handle, testConfig(t.Name()))

	err := graphcoll.Update(h.ctx, h.store, func(tx graphcoll.Tx) error {
		_, err := w.Add(h.ctx, tx, graphcoll.Properties{"name": "a"})
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)
	names, _ := h.contents(t)
	assert.Empty(t, names)

	require.NoError(t, graphcoll.Update(h.ctx, h.store, func(tx graphcoll.Tx) error {
		_, err := w.Add(h.ctx, tx, graphcoll.Properties{"name": "b"})
		return err
	}))
	names, _ = h.contents(t)
	assert.Equal(t, []string{"b"}, names)
	assert.Same(t, h.queue, w.Queue())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "PAUSE_REQUESTED", PauseRequested.String())
	assert.Equal(t, "PAUSED", Paused.String())
	assert.Equal(t, "HALTED", Halted.String())
}
