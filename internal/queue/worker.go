package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/config"
	"github.com/nightjarhq/murmur/pkg/models"
	"golang.org/x/sync/errgroup"
)

// baseBackoff is doubled per failed attempt.
const baseBackoff = 30 * time.Second

// Handler executes one claimed job and returns the session it produced.
// backlog reports pending work the run did not cover; the pool schedules a
// follow-up job for it after completing this one.
type Handler func(ctx context.Context, job *models.AnalysisJob) (sessionID uuid.UUID, backlog bool, err error)

// WorkerPool runs a bounded set of pollers against the queue. Bounding the
// pool bounds concurrent analysis calls; within one job the pipeline is
// strictly sequential.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	cfg     config.QueueConfig
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool. Start it with Run.
func NewWorkerPool(q *Queue, handler Handler, cfg config.QueueConfig, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run starts cfg.Workers poll loops and blocks until ctx is cancelled and all
// in-flight jobs have finished.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.pollLoop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) pollLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain everything currently due before sleeping again.
			for {
				if ctx.Err() != nil {
					return
				}
				claimed := p.runOne(ctx, worker)
				if !claimed {
					break
				}
			}
		}
	}
}

// runOne claims and executes a single job. Returns false when the queue had
// nothing due.
func (p *WorkerPool) runOne(ctx context.Context, worker int) bool {
	job, err := p.queue.Claim(ctx, p.cfg.LeaseTime)
	if errors.Is(err, ErrJobNotFound) {
		return false
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("queue claim failed", "worker", worker, "error", err)
		}
		return false
	}

	p.logger.Info("job claimed",
		"worker", worker,
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"attempt", job.Attempts,
	)

	start := time.Now()
	sessionID, backlog, err := p.handler(ctx, job)
	if err != nil {
		backoff := baseBackoff << (job.Attempts - 1)
		p.logger.Error("job failed",
			"worker", worker,
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"attempt", job.Attempts,
			"error", err,
		)
		if failErr := p.queue.Fail(context.WithoutCancel(ctx), job, err, p.cfg.MaxAttempts, backoff); failErr != nil {
			p.logger.Error("recording job failure failed", "job_id", job.ID, "error", failErr)
		}
		return true
	}

	if err := p.queue.Complete(context.WithoutCancel(ctx), job.ID, sessionID); err != nil {
		p.logger.Error("recording job completion failed", "job_id", job.ID, "error", err)
		return true
	}

	// Records that arrived mid-run had their enqueue swallowed by this job's
	// running row. Now that the job is resolved, schedule their run.
	if backlog {
		if _, err := p.queue.Enqueue(context.WithoutCancel(ctx), job.TenantID, 0); err != nil {
			p.logger.Error("backlog re-enqueue failed",
				"tenant_id", job.TenantID, "job_id", job.ID, "error", err)
		} else {
			p.logger.Info("backlog re-enqueued", "tenant_id", job.TenantID)
		}
	}

	p.logger.Info("job completed",
		"worker", worker,
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"session_id", sessionID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
