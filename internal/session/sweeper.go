package session

import (
	"context"
	"log/slog"
	"time"
)

// Evicter is a store that can drop idle sessions.
type Evicter interface {
	EvictIdle(cutoff time.Time, skip func(id string) bool) []string
}

// Sweeper periodically evicts sessions idle for longer than a TTL. It is
// the eviction policy for stores that would otherwise grow without bound.
type Sweeper struct {
	store    Evicter
	ttl      time.Duration
	interval time.Duration
	busy     func(id string) bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. Sessions for which busy returns true
// are never evicted; pass Locker.Held so a running turn keeps its
// session. A non-positive interval defaults to ttl/2.
func NewSweeper(store Evicter, ttl, interval time.Duration, busy func(id string) bool, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = ttl / 2
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		busy:     busy,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether the sweeper has a TTL to enforce.
func (s *Sweeper) Enabled() bool {
	return s.ttl > 0 && s.interval > 0
}

// Run sweeps every interval until ctx is cancelled. It returns
// immediately when the sweeper is disabled.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.logger.Info("session sweeper started", "idle_ttl", s.ttl, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts idle sessions once and returns how many were removed.
func (s *Sweeper) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	evicted := s.store.EvictIdle(s.now().Add(-s.ttl), s.busy)
	if len(evicted) > 0 {
		s.logger.Info("evicted idle sessions", "count", len(evicted), "sessions", evicted)
	}
	return len(evicted)
}
