package batch

import (
	"context"
)

// Result represents an in-flight or completed unit of work.
type Result[T any] struct {
	index  int
	done   chan struct{}
	value  T
	err    error
	cancel context.CancelFunc
	queue  *Queue[T]
}

// Index is the position of the item in submission order.
func (r *Result[T]) Index() int { return r.index }

// Done returns a channel that is closed when the work completes.
func (r *Result[T]) Done() <-chan struct{} { return r.done }

// Err blocks until the work completes and returns its error.
func (r *Result[T]) Err() error {
	<-r.done
	return r.err
}

// Value blocks until the work completes and returns its value and error.
func (r *Result[T]) Value() (T, error) {
	<-r.done
	return r.value, r.err
}

// Wait blocks until all work in the queue completes.
// Returns all errors joined.
func (r *Result[T]) Wait() error {
	return r.queue.Wait()
}

// Cancel cancels this work item's context.
func (r *Result[T]) Cancel() {
	r.cancel()
}
