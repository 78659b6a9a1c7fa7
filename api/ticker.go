/*
ticker.go - Recurring cleanup trigger

PURPOSE:
  Runs the cleanup passes on a fixed interval inside the server process.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Runs once immediately on Start
  - Overlapping runs are refused by the scheduler's guard; a refused tick
    is logged and skipped, not queued
  - Stop cancels an in-flight run and waits for it to return

USAGE:
  t := NewCleanupTicker(scheduler, 24*time.Hour, log)
  t.Start()
  // ... later
  t.Stop()
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/cleanup"
)

// Runner is the part of *cleanup.Scheduler the ticker drives.
type Runner interface {
	Run(ctx context.Context) (cleanup.Report, error)
}

// CleanupTicker handles the recurring cleanup run.
type CleanupTicker struct {
	runner   Runner
	interval time.Duration
	log      zerolog.Logger

	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCleanupTicker creates a ticker. It does nothing until Start.
func NewCleanupTicker(runner Runner, interval time.Duration, log zerolog.Logger) *CleanupTicker {
	return &CleanupTicker{
		runner:   runner,
		interval: interval,
		log:      log,
	}
}

// Start begins the recurring run. Calling Start twice is a no-op.
func (t *CleanupTicker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		return
	}
	if t.interval <= 0 {
		t.log.Warn().Dur("interval", t.interval).Msg("cleanup ticker disabled: non-positive interval")
		return
	}

	var ctx context.Context
	ctx, t.cancel = context.WithCancel(context.Background())
	t.ticker = time.NewTicker(t.interval)
	t.stop = make(chan struct{})
	t.wg.Add(1)

	go t.run(ctx)

	t.log.Info().Dur("interval", t.interval).Msg("cleanup ticker started")
}

// Stop stops the ticker and waits for an in-flight run.
func (t *CleanupTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	t.cancel()
	close(t.stop)
	t.wg.Wait()
	t.ticker = nil
	t.log.Info().Msg("cleanup ticker stopped")
}

func (t *CleanupTicker) run(ctx context.Context) {
	defer t.wg.Done()

	t.tick(ctx)

	for {
		select {
		case <-t.ticker.C:
			t.tick(ctx)
		case <-t.stop:
			return
		}
	}
}

func (t *CleanupTicker) tick(ctx context.Context) {
	report, err := t.runner.Run(ctx)
	switch {
	case errors.Is(err, cleanup.ErrAlreadyRunning):
		t.log.Info().Msg("cleanup run skipped: another run holds the lock")
		return
	case err != nil:
		t.log.Error().Err(err).Msg("cleanup run finished with errors")
	}
	t.log.Info().
		Int("refreshed", report.Refresh.Succeeded).
		Int("retired", report.Retire.Succeeded).
		Int("legacy_upgraded", report.Legacy.Succeeded).
		Int("failed", report.Refresh.Failed+report.Retire.Failed+report.Legacy.Failed).
		Msg("cleanup run completed")
}
