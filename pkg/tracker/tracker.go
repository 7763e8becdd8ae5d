// Package tracker runs the periodic pipeline-counter reconciliation.
// The write path increments counters as a latency optimization; this
// pass recomputes them from the live row counts and overwrites them,
// healing any drift from crashes or lost increments.
package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/metrics"
	"github.com/feedlinehq/feedline/pkg/store"
)

// Tracker reconciles pipeline counters on a fixed cadence.
type Tracker struct {
	gateway  store.Gateway
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker with the given reconciliation interval.
func New(gateway store.Gateway, interval time.Duration, logger *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Tracker{
		gateway:  gateway,
		interval: interval,
		logger:   logger.With(zap.String("component", "pipeline_tracker")),
	}
}

// Start launches the reconciliation loop. Calling Start on a running
// tracker is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.logger.Warn("start ignored: tracker already running")
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.loop(runCtx)
	t.logger.Info("tracker started", zap.Duration("interval", t.interval))
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return nil
	}
	t.cancel()

	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.cancel = nil
	t.done = nil
	t.logger.Info("tracker stopped")
	return nil
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every connector's counters. Per-connector failures
// are logged and skipped; the pass is idempotent so the next cycle
// repairs anything missed.
func (t *Tracker) RunOnce(ctx context.Context) {
	ids, err := t.gateway.ConnectorIDs(ctx)
	if err != nil {
		t.logger.Error("failed to list connectors for reconciliation", zap.Error(err))
		return
	}

	for _, id := range ids {
		counters, err := t.gateway.ReconcileCounters(ctx, id)
		if err != nil {
			metrics.Reconciliations.WithLabelValues(id, "error").Inc()
			t.logger.Warn("reconciliation failed",
				zap.String("connector_id", id), zap.Error(err))
			continue
		}
		metrics.Reconciliations.WithLabelValues(id, "ok").Inc()
		t.logger.Debug("counters reconciled",
			zap.String("connector_id", id),
			zap.Int64("load_count", counters.LoadCount))
	}
}
