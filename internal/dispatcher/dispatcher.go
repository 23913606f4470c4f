// Package dispatcher fans queued jobs out to the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawlquota/internal/crawler"
	"github.com/JakeFAU/crawlquota/internal/worker"
)

// closer is implemented by queues that can stop accepting work.
type closer interface {
	Close()
}

// Dispatcher owns the job queue and the workers draining it. Admission
// enqueues through it.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned. The queue is closed on the way out.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	if c, ok := d.queue.(closer); ok {
		c.Close()
	}
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
