package watcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/service"
)

// Ticker performs one bounded unit of sync work
type Ticker interface {
	Tick(ctx context.Context) (*service.TickResult, error)
}

type Config struct {
	PollInterval    time.Duration
	MaxTicksPerPoll int
}

type Watcher struct {
	cfg    Config
	ticker Ticker
	logger *zap.Logger
}

func New(cfg Config, ticker Ticker, logger *zap.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxTicksPerPoll <= 0 {
		cfg.MaxTicksPerPoll = 1
	}
	return &Watcher{cfg: cfg, ticker: ticker, logger: logger}
}

// Start begins watching for eligible sync jobs until ctx is canceled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting watcher for contact sync jobs",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("max_ticks_per_poll", w.cfg.MaxTicksPerPoll))

	// Pick up jobs left running by a previous process
	w.Poll(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher shutting down...")
			return ctx.Err()
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs ticks back to back until no job is eligible or the per-poll
// budget is spent. It returns the number of ticks that did work.
func (w *Watcher) Poll(ctx context.Context) int {
	worked := 0
	for i := 0; i < w.cfg.MaxTicksPerPoll; i++ {
		if ctx.Err() != nil {
			return worked
		}

		result, err := w.ticker.Tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return worked
			}
			w.logger.Error("Error processing sync tick", zap.Error(err))
			return worked
		}
		if result.Idle {
			return worked
		}

		worked++
		w.logger.Debug("Tick finished",
			zap.String("job_id", result.JobID),
			zap.String("status", string(result.Status)),
			zap.Int("pages", result.PagesFetched),
			zap.Bool("stopped", result.Stopped))
	}
	return worked
}
