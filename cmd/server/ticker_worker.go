package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// tickerWorker is the generic periodic-task seam the teacher used for
// session-purge sweeps, generalized here to drive the recorder's
// auto-save, merge and retention-sweep timers with the same
// interface-seam-for-testability pattern.
type tickerWorker interface {
	Tick() error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func startTickerWorker(ctx context.Context, logger *slog.Logger, name string, work tickerWorker, interval time.Duration) func() {
	return startTickerWorkerWithTicker(ctx, logger, name, work, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startTickerWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	name string,
	work tickerWorker,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if work == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := work.Tick(); err != nil && logger != nil {
					logger.Error("periodic worker tick failed", "worker", name, "error", err)
				}
			}
		}
	}()

	// stop only cancels the worker; a tick already in progress finishes on
	// its own and the ticker is stopped when the goroutine exits.
	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}
