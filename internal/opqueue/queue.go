// Package opqueue implements the BLE Operation Queue: a single serialized
// gate in front of the peripheral that every GATT read, write, subscribe,
// and MTU negotiation must pass through.
//
// The gate is a weight-1 golang.org/x/sync/semaphore.Weighted rather than
// a bare sync.Mutex specifically because Acquire is context-cancellable
// while queued -- a caller waiting for the peripheral must be able to give
// up without leaving a stranded operation, while an operation that has
// already acquired the gate runs to completion regardless of a later
// context cancellation (cancellation bounds waiting, not an in-flight
// critical section).
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrQueueClosed is returned by WithLock once Close has been called.
var ErrQueueClosed = errors.New("operation queue closed")

// Op is the unit of work serialized by the queue. It receives the context
// under which it was admitted and returns a result plus an error.
type Op[T any] func(ctx context.Context) (T, error)

// Queue serializes access to a single BLE peripheral.
type Queue struct {
	sem    *semaphore.Weighted
	logger *slog.Logger
	closed atomic.Bool
}

// New constructs a Queue. logger may be nil, in which case slog.Default()
// is used.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sem:    semaphore.NewWeighted(1),
		logger: logger,
	}
}

// WithLock serializes op against every other caller of WithLock on this
// Queue. If ctx is cancelled while op is still queued (has not yet
// acquired the gate), WithLock returns an error wrapping ctx.Err() without
// running op. Once admitted, op always runs to completion.
func WithLock[T any](ctx context.Context, q *Queue, op Op[T]) (T, error) {
	var zero T

	opID := uuid.NewString()

	if q.closed.Load() {
		return zero, ErrQueueClosed
	}

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.logger.Debug("operation abandoned while queued", slog.String("op_id", opID), slog.String("error", err.Error()))
		return zero, fmt.Errorf("acquire operation queue: %w", err)
	}
	defer q.sem.Release(1)

	result, err := op(ctx)
	if err != nil {
		return zero, fmt.Errorf("operation %s: %w", opID, err)
	}
	return result, nil
}

// Close marks the queue closed; subsequent WithLock calls fail fast with
// ErrQueueClosed. In-flight operations are not interrupted.
func (q *Queue) Close() {
	q.closed.Store(true)
}
