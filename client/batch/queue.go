// Package batch runs independent units of work concurrently under a
// concurrency limit and collects their results.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrQueueShutdown indicates the queue was shut down before the work started.
var ErrQueueShutdown = errors.New("queue shut down")

// WorkFunc is the signature for async work producing a T.
type WorkFunc[T any] func(ctx context.Context) (T, error)

// Queue runs work items with at most a fixed number in flight. The zero
// limit means unlimited.
type Queue[T any] struct {
	wg       sync.WaitGroup
	sem      *semaphore.Weighted
	shutdown atomic.Bool

	mu      sync.Mutex
	results []*Result[T]
}

// NewQueue creates a Queue with the given concurrency limit.
// If maxConcurrent <= 0, concurrency is unlimited.
func NewQueue[T any](maxConcurrent int) *Queue[T] {
	q := &Queue[T]{}
	if maxConcurrent > 0 {
		q.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return q
}

// Wait blocks until all work in the queue completes and returns the
// errors of failed items joined in submission order.
func (q *Queue[T]) Wait() error {
	q.wg.Wait()

	var errs []error
	for _, r := range q.Results() {
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return errors.Join(errs...)
}

// Results returns every item started so far, in submission order.
func (q *Queue[T]) Results() []*Result[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Result[T](nil), q.results...)
}

// Shutdown prevents work that has not yet started from executing.
func (q *Queue[T]) Shutdown() {
	q.shutdown.Store(true)
}

// Start launches fn in a new goroutine managed by the queue
// and returns a Result for tracking it.
func (q *Queue[T]) Start(ctx context.Context, fn WorkFunc[T]) *Result[T] {
	ctx, cancel := context.WithCancel(ctx)
	r := &Result[T]{
		done:   make(chan struct{}),
		cancel: cancel,
		queue:  q,
	}

	q.mu.Lock()
	r.index = len(q.results)
	q.results = append(q.results, r)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			close(r.done)
			q.wg.Done()
		}()

		if q.sem != nil {
			if err := q.sem.Acquire(ctx, 1); err != nil {
				r.err = err
				return
			}
			defer q.sem.Release(1)
		}

		if q.shutdown.Load() {
			r.err = ErrQueueShutdown
			return
		}

		r.value, r.err = fn(ctx)
	}()

	return r
}
