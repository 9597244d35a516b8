package jobs

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"contia/internal/infrastructure/queue"
)

var jobQueueDropped, _ = jobMeter.Int64Counter("jobs.queue_dropped",
	metric.WithDescription("Jobs dropped because the in-process queue was full"))

// Pool is the in-process job queue: a bounded channel drained by a fixed set
// of worker goroutines. Used when no message broker is configured.
type Pool struct {
	dispatcher  *Dispatcher
	workerCount int
	jobs        chan Job
	quit        chan struct{}
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger
}

func NewPool(dispatcher *Dispatcher, workerCount, queueSize int, logger *zap.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dispatcher:  dispatcher,
		workerCount: workerCount,
		jobs:        make(chan Job, queueSize),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

func (p *Pool) Start() {
	p.logger.Info("starting job workers", zap.Int("workers", p.workerCount))
	for i := 1; i <= p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			p.process(id, job)
		case <-p.quit:
			// Drain what is already buffered, then exit. The jobs channel
			// is never closed; Enqueue stops once quit is closed.
			for {
				select {
				case job := <-p.jobs:
					p.process(id, job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) process(workerID int, job Job) {
	if err := p.dispatcher.Process(p.ctx, job); err != nil {
		p.logger.Error("job failed permanently",
			zap.Int("worker", workerID),
			zap.String("job", job.ID),
			zap.Error(err),
		)
	}
}

// Enqueue submits a job without blocking. Returns queue.ErrFull when the
// buffer is saturated so callers can still acknowledge within their deadline.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-p.quit:
		return queue.ErrShuttingDown
	default:
	}

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.jobs <- job:
		return nil
	default:
		jobQueueDropped.Add(ctx, 1)
		p.logger.Warn("job queue full, dropping",
			zap.String("job", job.ID), zap.String("kind", job.Kind))
		return queue.ErrFull
	}
}

// Shutdown rejects new jobs, drains the buffer, and stops the workers.
func (p *Pool) Shutdown(timeout time.Duration) {
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("job workers did not drain in time, forcing shutdown")
	}
	p.cancel()
}
