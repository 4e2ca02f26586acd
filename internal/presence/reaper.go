package presence

import (
	"context"
	"log/slog"
	"time"

	"montage/api/internal/editing"
)

const DefaultReapInterval = 60 * time.Second

type idleReaper interface {
	ReapIdle(ctx context.Context, now time.Time, alive func(connID string) bool) []editing.Session
}

// Reaper periodically drops stale connections and expires idle edit
// sessions. Both passes take the same per-asset domains as interactive
// calls.
type Reaper struct {
	registry *Registry
	sessions idleReaper
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReaper(registry *Registry, sessions idleReaper, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		sessions: sessions,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("reaper started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reaper cycle.
func (r *Reaper) Sweep(ctx context.Context) (connections []string, sessions []editing.Session) {
	now := r.now()
	connections = r.registry.ReapStale(ctx, now)
	if r.sessions != nil {
		sessions = r.sessions.ReapIdle(ctx, now, r.registry.Alive)
	}
	return connections, sessions
}
