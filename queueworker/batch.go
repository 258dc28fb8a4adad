package queueworker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/abstract-base-method/graphcoll"
	"github.com/abstract-base-method/graphcoll/retry"
)

// executeBatch runs one cycle. worked is false when the queue was empty.
// Shutdown does not cancel the context handed to the store or the handler;
// it only stops retries of a failing entry.
func (w *Worker) executeBatch() (worked bool, err error) {
	ctx, span := tracer.Start(context.Background(), "queueworker.batch",
		trace.WithAttributes(attribute.String("worker", w.cfg.Name)))
	defer span.End()

	start := time.Now()
	n, err := w.processBatch(ctx)
	switch {
	case err != nil:
		batchesTotal.WithLabelValues(w.cfg.Name, "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case n == 0:
		batchesTotal.WithLabelValues(w.cfg.Name, "empty").Inc()
		span.SetStatus(codes.Ok, "")
		return false, nil
	default:
		batchesTotal.WithLabelValues(w.cfg.Name, "processed").Inc()
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("entries", n))
	batchDuration.WithLabelValues(w.cfg.Name).Observe(time.Since(start).Seconds())
	return true, err
}

// processBatch returns the number of entries it read from the queue. The
// transaction commits only when it returns a nil error.
//
// Entries are read and handled without the queue's write lock so producers
// can keep adding while handlers run. The lock is taken once handling is over
// and the batch is only removed if it is still at the head of the queue.
func (w *Worker) processBatch(ctx context.Context) (n int, err error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if ferr := tx.Finish(); ferr != nil && err == nil {
			err = fmt.Errorf("commit batch: %w", ferr)
		}
	}()

	nodes, err := w.queue.PeekN(ctx, tx, w.cfg.BatchSize)
	if err != nil || len(nodes) == 0 {
		return 0, err
	}

	entries := make([]graphcoll.Properties, len(nodes))
	for i, node := range nodes {
		entries[i], err = tx.NodeProperties(ctx, node)
		if err != nil {
			return len(nodes), err
		}
	}

	failed, err := w.handleBatch(ctx, tx, entries)
	if err == nil {
		err = w.claim(ctx, tx, nodes)
	}
	if err == nil {
		err = w.escalate(ctx, tx, failed)
	}
	if w.afterBatch != nil {
		if aerr := w.afterBatch(ctx, tx); aerr != nil && err == nil {
			err = fmt.Errorf("after batch: %w", aerr)
		}
	}
	if err != nil {
		return len(nodes), err
	}

	err = retry.Do(ctx, "remove batch", w.retryConfig(), func() error {
		removed, err := w.queue.Remove(ctx, tx, len(nodes))
		if err != nil {
			return err
		}
		if removed != len(nodes) {
			return fmt.Errorf("removed %d of %d batch entries", removed, len(nodes))
		}
		return nil
	})
	if err != nil {
		return len(nodes), err
	}
	tx.Success()
	w.logger.Debug("batch processed", "entries", len(nodes))
	return len(nodes), nil
}

// exhausted is an entry that failed every attempt.
type exhausted struct {
	entry graphcoll.Properties
	cause error
}

func (w *Worker) handleBatch(ctx context.Context, tx graphcoll.Tx, entries []graphcoll.Properties) ([]exhausted, error) {
	if w.beforeBatch != nil {
		if err := w.beforeBatch(ctx, tx); err != nil {
			return nil, fmt.Errorf("before batch: %w", err)
		}
	}
	var failed []exhausted
	for _, entry := range entries {
		cause, err := w.handleEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		if cause != nil {
			failed = append(failed, exhausted{entry: entry, cause: cause})
		}
	}
	return failed, nil
}

// claim takes the queue's write lock for the rest of tx and checks that
// nodes are still the first entries of the queue.
func (w *Worker) claim(ctx context.Context, tx graphcoll.Tx, nodes []graphcoll.NodeID) error {
	err := retry.Do(ctx, "lock queue", w.retryConfig(), func() error {
		return w.queue.Lock(ctx, tx)
	})
	if err != nil {
		return err
	}
	head, err := w.queue.PeekN(ctx, tx, len(nodes))
	if err != nil {
		return err
	}
	if !slices.Equal(head, nodes) {
		return fmt.Errorf("%w: %d entries peeked", errHeadMoved, len(nodes))
	}
	return nil
}

// escalate hands the entries that used up their attempts to the entry error
// handler, in queue order.
func (w *Worker) escalate(ctx context.Context, tx graphcoll.Tx, failed []exhausted) error {
	for _, f := range failed {
		if err := w.onEntryError(ctx, tx, f.entry, f.cause); err != nil {
			return err
		}
	}
	return nil
}

// handleEntry gives entry up to MaxAttempts tries, RetryDelay apart. When all
// of them fail it returns the last failure as cause; err is only set when the
// worker halted in between.
func (w *Worker) handleEntry(ctx context.Context, entry graphcoll.Properties) (cause error, err error) {
	_, cause = backoff.Retry(w.halt, func() (struct{}, error) {
		if w.halted() {
			return struct{}{}, backoff.Permanent(ErrHalted)
		}
		err := w.invoke(ctx, entry)
		if err != nil {
			attemptFailures.WithLabelValues(w.cfg.Name).Inc()
			w.logger.Debug("entry attempt failed", "entry", EntryID(entry), "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(w.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if cause == nil {
		entriesProcessed.WithLabelValues(w.cfg.Name).Inc()
		return nil, nil
	}
	if w.halted() || errors.Is(cause, ErrHalted) {
		return nil, fmt.Errorf("%w: entry %s abandoned", ErrHalted, EntryID(entry))
	}
	entriesExhausted.WithLabelValues(w.cfg.Name).Inc()
	return cause, nil
}

// invoke calls the handler on a copy of entry, turning a panic into an error.
func (w *Worker) invoke(ctx context.Context, entry graphcoll.Properties) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.handle(ctx, entry.Clone())
}

func (w *Worker) retryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.Logger = w.logger
	return cfg
}
