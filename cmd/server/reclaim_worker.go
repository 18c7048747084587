package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type sweepTicker interface {
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

type tickerFactory func(time.Duration) sweepTicker

// startReclaimWorker runs periodic stale-session sweeps until the context is
// cancelled. The returned stop function blocks until the worker exits and is
// safe to call more than once.
func startReclaimWorker(ctx context.Context, logger *slog.Logger, reclaimer sweeper, interval time.Duration) func() {
	return startReclaimWorkerWithTicker(ctx, logger, reclaimer, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReclaimWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reclaimer sweeper,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reclaimer == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if _, err := reclaimer.Sweep(workerCtx); err != nil && logger != nil {
					logger.Error("stale session sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
