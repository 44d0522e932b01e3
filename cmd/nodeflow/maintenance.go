package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

const (
	timeoutSweepSpec = "@every 1m"
	logPurgeSpec     = "@every 1h"
	sweepBatch       = 500
)

// timeoutMarker is the engine surface used by the watchdog.
type timeoutMarker interface {
	MarkTimeout(ctx context.Context, executionID, reason string) (*store.Execution, error)
}

// maintenance runs periodic housekeeping: the execution timeout watchdog
// and execution log retention.
type maintenance struct {
	store     store.Store
	marker    timeoutMarker
	timeout   time.Duration
	retention time.Duration
	// batch is how many executions one sweep query returns.
	batch  int
	logger *slog.Logger
	now    func() time.Time
}

func newMaintenance(s store.Store, marker timeoutMarker, cfg Config, logger *slog.Logger) *maintenance {
	return &maintenance{
		store:     s,
		marker:    marker,
		timeout:   cfg.ExecutionTimeout,
		retention: cfg.LogRetention,
		batch:     sweepBatch,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// schedule registers the enabled jobs on c.
func (m *maintenance) schedule(ctx context.Context, c *cron.Cron) error {
	if m.timeout > 0 {
		if _, err := c.AddFunc(timeoutSweepSpec, func() { m.sweepTimeouts(ctx) }); err != nil {
			return fmt.Errorf("schedule timeout sweep: %w", err)
		}
	}
	if m.retention > 0 {
		if _, err := c.AddFunc(logPurgeSpec, func() { m.purgeLogs(ctx) }); err != nil {
			return fmt.Errorf("schedule log purge: %w", err)
		}
	}
	return nil
}

// sweepTimeouts marks running executions started at or before now-timeout as
// timed out, oldest first, one batch at a time. Returns how many were marked.
func (m *maintenance) sweepTimeouts(ctx context.Context) int {
	running := schema.ExecutionStatusRunning
	cutoff := m.now().Add(-m.timeout)
	reason := fmt.Sprintf("exceeded %s", m.timeout)

	marked := 0
	for {
		execs, err := m.store.ListExecutions(ctx, store.ExecutionFilter{
			Status:        &running,
			StartedBefore: &cutoff,
			Limit:         m.batch,
		})
		if err != nil {
			m.logger.Error("timeout sweep: list executions", "error", err)
			break
		}

		n := 0
		for _, exec := range execs {
			if exec.StartedAt == nil || exec.StartedAt.After(cutoff) {
				continue
			}
			if _, err := m.marker.MarkTimeout(ctx, exec.ID, reason); err != nil {
				// The execution may have finished since it was listed.
				m.logger.Warn("timeout sweep: mark timeout", "execution_id", exec.ID, "error", err)
				continue
			}
			n++
		}
		marked += n
		// Marked rows leave the running set, so the next query returns the next batch.
		// Stop on a short batch or when nothing could be marked.
		if len(execs) < m.batch || n == 0 {
			break
		}
	}
	if marked > 0 {
		m.logger.Info("timeout sweep", "marked", marked)
	}
	return marked
}

// purgeLogs deletes execution logs older than the retention window.
func (m *maintenance) purgeLogs(ctx context.Context) int64 {
	n, err := m.store.DeleteExecutionLogsBefore(ctx, m.now().Add(-m.retention))
	if err != nil {
		m.logger.Error("log purge", "error", err)
		return 0
	}
	if n > 0 {
		m.logger.Info("log purge", "deleted", n)
	}
	return n
}
