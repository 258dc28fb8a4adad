// Package queueworker drains a nodelist.Queue in the background.
//
// Each cycle runs in one transaction: the worker locks the queue, reads up to
// BatchSize entries from the head, hands every entry to the handler and, when
// the whole batch went through, removes the entries and commits. Any failure
// rolls the transaction back and the same batch is tried again on a later
// cycle, so handlers must tolerate seeing an entry more than once. Every entry
// carries EntryIDProperty, a key that stays the same across requeues and
// replays.
package queueworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/nodelist"
	"github.com/abstract-base-method/graphcoll/retry"
)

// EntryIDProperty holds the idempotency key of a queue entry.
const EntryIDProperty = "_queue_entry_id"

var (
	ErrStarted = errors.New("queueworker: already started")
	ErrHalted  = errors.New("queueworker: halted")

	errHeadMoved = errors.New("queueworker: batch no longer at the head of the queue")
)

// Handler processes one entry. A returned error or a panic counts as a failed
// attempt.
type Handler func(ctx context.Context, entry graphcoll.Properties) error

// BatchHook runs inside the batch transaction, before or after the entries
// are handled. An error fails the batch.
type BatchHook func(ctx context.Context, tx graphcoll.Tx) error

// EntryErrorHandler takes over an entry that failed MaxAttempts times. An
// error fails the batch.
type EntryErrorHandler func(ctx context.Context, tx graphcoll.Tx, entry graphcoll.Properties, cause error) error

type Option func(*Worker)

func WithBeforeBatch(hook BatchHook) Option {
	return func(w *Worker) {
		w.beforeBatch = hook
	}
}

func WithAfterBatch(hook BatchHook) Option {
	return func(w *Worker) {
		w.afterBatch = hook
	}
}

// WithEntryErrorHandler replaces the default, Requeue.
func WithEntryErrorHandler(handler EntryErrorHandler) Option {
	return func(w *Worker) {
		w.onEntryError = handler
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

type Worker struct {
	store        graphcoll.Store
	queue        *nodelist.Queue
	handle       Handler
	cfg          Config
	beforeBatch  BatchHook
	afterBatch   BatchHook
	onEntryError EntryErrorHandler
	logger       *log.Logger

	mu      sync.Mutex
	state   State
	changed chan struct{}
	started bool

	halt       context.Context
	cancelHalt context.CancelFunc
	wake       chan struct{}
	done       chan struct{}
}

func New(store graphcoll.Store, queue *nodelist.Queue, handler Handler, cfg Config, opts ...Option) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || queue == nil || handler == nil {
		return nil, fmt.Errorf("%w: store, queue and handler are required", graphcoll.ErrInvalidConfiguration)
	}

	halt, cancel := context.WithCancel(context.Background())
	w := &Worker{
		store:      store,
		queue:      queue,
		handle:     handler,
		cfg:        cfg,
		changed:    make(chan struct{}),
		halt:       halt,
		cancelHalt: cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.onEntryError == nil {
		w.onEntryError = w.Requeue
	}
	if w.logger == nil {
		w.logger = log.Default().WithPrefix("queueworker")
	}
	w.logger = w.logger.With("worker", cfg.Name)
	workerState.WithLabelValues(cfg.Name).Set(float64(Running))
	return w, nil
}

func (w *Worker) Queue() *nodelist.Queue {
	return w.queue
}

func (w *Worker) Config() Config {
	return w.cfg
}

// Start launches the worker goroutine.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Halted {
		return ErrHalted
	}
	if w.started {
		return ErrStarted
	}
	w.started = true
	go w.run()
	w.logger.Info("worker started")
	return nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) IsPaused() bool {
	return w.State() == Paused
}

// SetPaused(true) asks the worker to pause and blocks until it has, which is
// at the latest once the running batch is over. SetPaused(false) resumes it.
func (w *Worker) SetPaused(ctx context.Context, paused bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Halted {
		return ErrHalted
	}
	if !paused {
		if w.state != Running {
			w.setState(Running)
			w.logger.Info("worker resumed")
		}
		return nil
	}

	switch {
	case w.state == Running && !w.started:
		w.setState(Paused)
	case w.state == Running:
		w.setState(PauseRequested)
	}
	for w.state != Paused {
		if w.state == Halted {
			return ErrHalted
		}
		changed := w.changed
		w.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			w.mu.Lock()
			return ctx.Err()
		}
		w.mu.Lock()
	}
	return nil
}

// ShutDown halts the worker for good and waits until its goroutine has
// exited. A handler that never returns blocks ShutDown until ctx is done.
func (w *Worker) ShutDown(ctx context.Context) error {
	w.mu.Lock()
	w.setState(Halted)
	started := w.started
	w.mu.Unlock()
	w.cancelHalt()

	if !started {
		return nil
	}
	ticker := time.NewTicker(w.cfg.ShutdownPoll)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
			w.logger.Debug("waiting for worker to exit")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Add enqueues values as a new entry in the caller's transaction.
func (w *Worker) Add(ctx context.Context, tx graphcoll.Tx, values graphcoll.Properties) (graphcoll.NodeID, error) {
	node, err := w.queue.Add(ctx, tx)
	if err != nil {
		return "", err
	}
	for _, key := range values.Keys() {
		if err := tx.SetNodeProperty(ctx, node, key, values[key]); err != nil {
			return "", err
		}
	}
	if id, ok := values[EntryIDProperty].(string); !ok || id == "" {
		if err := tx.SetNodeProperty(ctx, node, EntryIDProperty, uuid.NewString()); err != nil {
			return "", err
		}
	}
	return node, nil
}

// Enqueue adds values in a transaction of its own and wakes the worker.
func (w *Worker) Enqueue(ctx context.Context, values graphcoll.Properties) (graphcoll.NodeID, error) {
	var node graphcoll.NodeID
	err := retry.OnContention(ctx, "enqueue", func() error {
		return graphcoll.Update(ctx, w.store, func(tx graphcoll.Tx) error {
			var err error
			node, err = w.Add(ctx, tx, values)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return node, nil
}

// Requeue is the default EntryErrorHandler. It appends the entry at the tail
// of the queue within the batch transaction, keeping its EntryIDProperty, so
// a rolled back batch takes the copy with it.
func (w *Worker) Requeue(ctx context.Context, tx graphcoll.Tx, entry graphcoll.Properties, cause error) error {
	node, err := w.Add(ctx, tx, entry)
	if err != nil {
		return fmt.Errorf("requeue entry: %w", err)
	}
	w.logger.Warn("entry requeued", "entry", EntryID(entry), "node", node, "error", cause)
	return nil
}

// EntryID returns the idempotency key of an entry.
func EntryID(entry graphcoll.Properties) string {
	id, _ := entry[EntryIDProperty].(string)
	return id
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		switch w.checkpoint() {
		case Halted:
			return
		case Paused:
			w.sleep(w.cfg.PauseInterval)
			continue
		}

		worked, err := w.executeBatch()
		if err != nil {
			switch {
			case errors.Is(err, ErrHalted):
				w.logger.Info("batch abandoned on shutdown")
			case errors.Is(err, errHeadMoved) || graphcoll.IsTransient(err):
				w.logger.Warn("batch conflicted with another writer, replaying", "error", err)
			default:
				w.logger.Error("batch failed, rolled back", "error", err)
			}
		}
		// A failed batch backs off like an empty queue so that a batch
		// failing every time does not spin.
		if !worked || err != nil {
			w.sleep(w.cfg.IdleInterval)
		}
	}
}

// checkpoint acknowledges a pending pause request and returns the state the
// loop continues in.
func (w *Worker) checkpoint() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == PauseRequested {
		w.setState(Paused)
		w.logger.Info("worker paused")
	}
	return w.state
}

// sleep waits for d, a state change, an enqueue or shutdown, whichever comes
// first.
func (w *Worker) sleep(d time.Duration) {
	w.mu.Lock()
	changed := w.changed
	w.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-changed:
	case <-w.wake:
	case <-w.halt.Done():
	}
}

func (w *Worker) halted() bool {
	return w.halt.Err() != nil
}

// setState must be called with mu held.
func (w *Worker) setState(s State) {
	if w.state == s {
		return
	}
	w.state = s
	close(w.changed)
	w.changed = make(chan struct{})
	workerState.WithLabelValues(w.cfg.Name).Set(float64(s))
}
