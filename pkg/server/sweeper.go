package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/parlance-ai/sonicbridge/pkg/engine"
)

const (
	defaultSweepInterval = time.Minute
	defaultMaxIdle       = 5 * time.Minute
)

// Sweeper force-closes sessions that have seen no traffic for the idle
// window. It is a collaborator of the engine, not part of it.
type Sweeper struct {
	engine   *engine.Engine
	logger   *slog.Logger
	interval time.Duration
	maxIdle  time.Duration
}

func NewSweeper(eng *engine.Engine, logger *slog.Logger, interval, maxIdle time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	return &Sweeper{engine: eng, logger: logger, interval: interval, maxIdle: maxIdle}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Sweeper) sweep(now time.Time) {
	for _, id := range s.engine.ListActive() {
		last, ok := s.engine.LastActivity(id)
		if !ok {
			continue
		}
		if idle := now.Sub(last); idle > s.maxIdle {
			s.logger.Info("closing idle session", "session", id, "idle", idle)
			s.engine.CloseForced(id)
		}
	}
}
