// Package worker runs background maintenance for the entitlement ledger.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Brahmajyot/story-time/internal/metrics"
)

// Pruner deletes processed billing event receipts.
type Pruner interface {
	PruneBillingEvents(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically removes processed billing event ids older than the
// retention window.
type Janitor struct {
	store  Pruner
	config Config
	logger *slog.Logger
	now    func() time.Time

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Janitor. It must be started with Start and stopped with Stop.
func New(store Pruner, config Config, logger *slog.Logger) (*Janitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Janitor{
		store:  store,
		config: config,
		logger: logger.With("component", "janitor"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}, nil
}

// Start runs one sweep immediately and then one per interval until Stop is
// called or ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.run(ctx)

	j.logger.Info("Janitor started",
		"interval", j.config.Interval,
		"retention", j.config.Retention,
	)
}

// Stop signals the loop to exit and waits for an in-progress sweep, up to
// the configured ShutdownTimeout.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("Janitor stopped gracefully")
	case <-time.After(j.config.ShutdownTimeout):
		j.logger.Warn("Janitor shutdown timeout exceeded, sweep may still be running")
	}
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.sweepOnce(ctx)
	for {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("Billing event sweep failed", "error", err)
	}
}

// Sweep deletes receipts processed before now minus the retention window
// and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, j.config.SweepTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.config.Retention)
	pruned, err := j.store.PruneBillingEvents(ctx, cutoff)
	if err != nil {
		metrics.JanitorFailed()
		return 0, fmt.Errorf("prune billing events: %w", err)
	}

	metrics.JanitorCompleted(pruned)
	if pruned > 0 {
		j.logger.Info("Pruned processed billing events", "count", pruned, "cutoff", cutoff)
	} else {
		j.logger.Debug("No billing events to prune", "cutoff", cutoff)
	}
	return pruned, nil
}
