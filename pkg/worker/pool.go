package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lifelogd/lifelogd/pkg/metrics"
	"github.com/lifelogd/lifelogd/pkg/shared/logging"
)

// Job is one asset to push through the per-asset pipeline. JobID ties the
// work back to a ProcessingJob when the asset arrived via an archive.
type Job struct {
	Device string
	Path   string
	JobID  string
}

// Handler processes a single job end-to-end.
type Handler func(ctx context.Context, job Job)

// Pool is the bounded worker pool consuming pipeline jobs. Overflow is
// dropped with a warning; the reconciler re-queues dropped captures on its
// next sweep.
type Pool struct {
	queue   chan Job
	workers int
	handler Handler
	logger  *zap.Logger
	metrics *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a pool of the given size over a bounded queue.
func NewPool(workers, queueSize int, handler Handler, m *metrics.Metrics, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		queue:   make(chan Job, queueSize),
		workers: workers,
		handler: handler,
		logger:  logger,
		metrics: m,
	}
}

// Start launches the workers. Cancelling ctx or calling Stop drains them.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.run(ctx)
		}
	})
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.metrics.QueueDepth.Set(float64(len(p.queue)))
			p.handler(ctx, job)
		}
	}
}

// Enqueue adds a job without blocking. Returns false when the queue is full;
// the job is dropped and counted.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		p.metrics.JobsDropped.Inc()
		p.logger.Warn("processing queue full, dropping job",
			logging.NewFields().Component("worker-pool").Device(job.Device).Asset(job.Path).Zap()...)
		return false
	}
}

// Depth reports the number of queued jobs. The upload assembler consults it
// for backpressure.
func (p *Pool) Depth() int {
	return len(p.queue)
}

// Stop cancels the workers and waits for in-flight jobs to finish their
// current stage.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
	})
}
