package worker

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Gauge tracks the number of tasks in flight.
type Gauge interface {
	SetInflight(n int)
}

// Pool runs tasks on a bounded number of goroutines. Tasks never share
// state through the pool; each one owns its client and token.
type Pool struct {
	size   int
	gauge  Gauge
	logger *zap.Logger

	mu       sync.Mutex
	inflight int
	errs     *multierror.Error
}

// NewPool creates a pool of size workers. A non-positive size runs every
// task concurrently.
func NewPool(size int, gauge Gauge, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, gauge: gauge, logger: logger.Named("worker")}
}

// Run executes tasks and waits for all of them. The returned error
// aggregates every task failure.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	p.mu.Lock()
	p.errs = nil
	p.mu.Unlock()

	size := p.size
	if size <= 0 || size > len(tasks) {
		size = len(tasks)
	}

	queue := make(chan Task)
	var wg sync.WaitGroup
	p.Start(ctx, size, queue, &wg)

feed:
	for _, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		p.errs = multierror.Append(p.errs, ctx.Err())
	}
	return p.errs.ErrorOrNil()
}

// Start launches size workers consuming tasks until the channel closes or
// ctx is cancelled.
func (p *Pool) Start(ctx context.Context, size int, tasks <-chan Task, wg *sync.WaitGroup) {
	for i := 0; i < size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}
			if err := p.process(ctx, task, logger); err != nil {
				p.mu.Lock()
				p.errs = multierror.Append(p.errs, err)
				p.mu.Unlock()
			}

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
