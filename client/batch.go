package client

import (
	"context"

	"github.com/adamwoolhether/cdsapi/client/batch"
)

// Batch runs independent retrievals concurrently. Each retrieval gets its
// own retry budgets; only the read-only client configuration is shared.
type Batch struct {
	c *Client
	q *batch.Queue[RemoteFile]
}

// Batch returns a Batch running at most maxConcurrent retrievals at once.
// If maxConcurrent <= 0, concurrency is unlimited.
func (c *Client) Batch(maxConcurrent int) *Batch {
	return &Batch{c: c, q: batch.NewQueue[RemoteFile](maxConcurrent)}
}

// Retrieve queues a retrieval and returns immediately.
func (b *Batch) Retrieve(ctx context.Context, dataset string, request any, opts ...RetrieveOption) *batch.Result[RemoteFile] {
	return b.q.Start(ctx, func(ctx context.Context) (RemoteFile, error) {
		return b.c.Retrieve(ctx, dataset, request, opts...)
	})
}

// Wait blocks until every queued retrieval finishes and joins their errors.
func (b *Batch) Wait() error {
	return b.q.Wait()
}

// Results returns the queued retrievals in submission order.
func (b *Batch) Results() []*batch.Result[RemoteFile] {
	return b.q.Results()
}

// Shutdown stops retrievals that have not started yet.
func (b *Batch) Shutdown() {
	b.q.Shutdown()
}
