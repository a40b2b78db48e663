// Package trigger decides when a tenant's accumulated metadata becomes an
// analysis job: immediately once the batch threshold is reached, or after the
// analysis interval via a one-shot timer marker. Exactly one of the two paths
// fires per accumulation cycle; the queue's per-tenant dedupe absorbs the
// races this deliberately does not lock against.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nightjarhq/murmur/internal/cache"
	"github.com/nightjarhq/murmur/internal/config"
)

// Submitter is the slice of the job queue the coordinator needs. Enqueue
// reports whether a pending job now covers the request; false means the
// tenant's job is mid-run and nothing new was scheduled.
type Submitter interface {
	Enqueue(ctx context.Context, tenantID uuid.UUID, delay time.Duration) (bool, error)
}

// Coordinator tracks per-tenant pending counters and timer markers in the
// coordination store.
type Coordinator struct {
	cache  cache.Cache
	queue  Submitter
	cfg    config.TriggerConfig
	logger *slog.Logger
}

// New creates a Coordinator.
func New(c cache.Cache, q Submitter, cfg config.TriggerConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cache:  c,
		queue:  q,
		cfg:    cfg,
		logger: logger,
	}
}

// RecordArrived notes one newly stored metadata record for the tenant.
// Counter and marker writes are atomic operations, never read-then-write.
// If the coordination store is unavailable, batching degrades to "always
// schedule a delayed job" — ingestion is never blocked and records are never
// silently dropped.
func (c *Coordinator) RecordArrived(ctx context.Context, tenantID uuid.UUID) error {
	markerTTL := c.cfg.AnalysisInterval + c.cfg.ScheduleGrace

	count, err := c.cache.Incr(ctx, cache.PendingCountKey(tenantID), markerTTL)
	if err != nil {
		c.logger.Warn("trigger counter unavailable, degrading to delayed schedule",
			"tenant_id", tenantID, "error", err)
		_, err := c.queue.Enqueue(ctx, tenantID, c.cfg.AnalysisInterval)
		return err
	}

	if count >= int64(c.cfg.BatchSize) {
		return c.fireThreshold(ctx, tenantID)
	}

	return c.maybeSchedule(ctx, tenantID, markerTTL)
}

// fireThreshold resets the cycle and submits an immediate job. Clearing the
// timer marker plus the queue's earlier-run_at-wins upsert cancels any
// outstanding delayed submission, so the cycle runs once, now.
func (c *Coordinator) fireThreshold(ctx context.Context, tenantID uuid.UUID) error {
	if err := c.cache.Delete(ctx, cache.PendingCountKey(tenantID)); err != nil {
		c.logger.Warn("trigger counter reset failed", "tenant_id", tenantID, "error", err)
	}
	if err := c.cache.Delete(ctx, cache.ScheduledKey(tenantID)); err != nil {
		c.logger.Warn("trigger marker clear failed", "tenant_id", tenantID, "error", err)
	}

	enqueued, err := c.queue.Enqueue(ctx, tenantID, 0)
	if err != nil {
		return fmt.Errorf("submit immediate job: %w", err)
	}
	if !enqueued {
		// The tenant's job is mid-run; the completing worker re-enqueues
		// when pending metadata remains.
		c.logger.Info("batch threshold reached during active run", "tenant_id", tenantID)
		return nil
	}

	c.logger.Info("batch threshold reached, job submitted", "tenant_id", tenantID)
	return nil
}

// maybeSchedule sets the timer marker and submits a delayed job, but only for
// the caller that created the marker. Losing the SetNX race means another
// arrival already scheduled this cycle.
func (c *Coordinator) maybeSchedule(ctx context.Context, tenantID uuid.UUID, markerTTL time.Duration) error {
	set, err := c.cache.SetNX(ctx, cache.ScheduledKey(tenantID), []byte("1"), markerTTL)
	if err != nil {
		c.logger.Warn("trigger marker unavailable, degrading to delayed schedule",
			"tenant_id", tenantID, "error", err)
		_, err := c.queue.Enqueue(ctx, tenantID, c.cfg.AnalysisInterval)
		return err
	}
	if !set {
		return nil
	}

	enqueued, err := c.queue.Enqueue(ctx, tenantID, c.cfg.AnalysisInterval)
	if err != nil {
		// Drop the marker so the next arrival can retry the schedule.
		if delErr := c.cache.Delete(ctx, cache.ScheduledKey(tenantID)); delErr != nil {
			c.logger.Warn("trigger marker rollback failed", "tenant_id", tenantID, "error", delErr)
		}
		return fmt.Errorf("submit delayed job: %w", err)
	}
	if !enqueued {
		// The tenant's job is mid-run, so no delayed job exists to back the
		// marker. Drop it; the completing worker re-enqueues when pending
		// metadata remains, and later arrivals can schedule a fresh cycle.
		if delErr := c.cache.Delete(ctx, cache.ScheduledKey(tenantID)); delErr != nil {
			c.logger.Warn("trigger marker rollback failed", "tenant_id", tenantID, "error", delErr)
		}
		return nil
	}

	c.logger.Debug("delayed analysis scheduled",
		"tenant_id", tenantID, "delay", c.cfg.AnalysisInterval)
	return nil
}
