// Package health tracks whether the model providers behind the chat loop
// are reachable.
//
// Each watched provider is checked in two phases. At startup the check is
// retried with exponential backoff (2s, 4s, 8s, ... capped at 60s) so a
// provider that is still booting is picked up quickly. After that the
// check runs on a fixed poll interval and logs each up/down transition.
//
// The monitor only reports. Turns are never refused because a provider
// looks down; the upstream error path handles that per request.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CheckFunc tests one provider. A nil return means reachable.
type CheckFunc func(ctx context.Context) error

// Backoff controls check timing.
type Backoff struct {
	// Initial is the delay after the first failed startup check.
	Initial time.Duration
	// Max caps the startup delay growth.
	Max time.Duration
	// Multiplier scales the delay after each failed startup check.
	Multiplier float64
	// Retries is the number of startup checks before switching to polling.
	Retries int
	// Poll is the steady-state check interval.
	Poll time.Duration
	// Timeout bounds each check call.
	Timeout time.Duration
}

// DefaultBackoff returns the production check schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Retries:    10,
		Poll:       60 * time.Second,
		Timeout:    10 * time.Second,
	}
}

// withDefaults replaces zero fields with DefaultBackoff values.
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.Retries <= 0 {
		b.Retries = d.Retries
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Status is the last observed state of one provider.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// ErrInvalidWatch is returned by Watch for an empty name or nil check.
var ErrInvalidWatch = errors.New("health: watch needs a name and a check func")

// Monitor runs one check goroutine per watched provider.
type Monitor struct {
	backoff Backoff
	logger  *slog.Logger

	// OnChange, if set before the first Watch, is called from the check
	// goroutine on every ready/down transition.
	OnChange func(name string, ready bool)

	mu      sync.RWMutex
	targets map[string]*Status
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. Zero Backoff fields take defaults.
func NewMonitor(backoff Backoff, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		backoff: backoff.withDefaults(),
		logger:  logger,
		targets: make(map[string]*Status),
	}
}

// Watch starts probing name until ctx is cancelled. Watching a name
// twice replaces nothing and returns nil.
func (m *Monitor) Watch(ctx context.Context, name string, fn CheckFunc) error {
	if name == "" || fn == nil {
		return ErrInvalidWatch
	}

	m.mu.Lock()
	if _, ok := m.targets[name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.targets[name] = &Status{Name: name}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, fn)
	}()
	return nil
}

// Wait blocks until every check goroutine has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Ready reports whether name answered its most recent check.
func (m *Monitor) Ready(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.targets[name]
	return ok && s.Ready
}

// Healthy reports whether every watched provider is ready. A nil or
// empty monitor is healthy.
func (m *Monitor) Healthy() bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.targets {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Status returns a snapshot of every provider sorted by name.
func (m *Monitor) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.targets))
	for _, s := range m.targets {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) run(ctx context.Context, name string, fn CheckFunc) {
	log := m.logger.With("provider", name)

	delay := m.backoff.Initial
	for attempt := 1; attempt <= m.backoff.Retries; attempt++ {
		err := m.check(ctx, name, fn)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == m.backoff.Retries {
			log.Warn("provider unreachable, falling back to polling", "attempts", attempt, "error", err)
			break
		}
		log.Debug("provider check failed, retrying", "attempt", attempt, "next_delay", delay, "error", err)

		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*m.backoff.Multiplier), m.backoff.Max)
	}

	ticker := time.NewTicker(m.backoff.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.check(ctx, name, fn); err != nil && ctx.Err() == nil {
				log.Debug("provider check failed", "error", err)
			}
		}
	}
}

// check calls fn once, records the result, and reports transitions.
func (m *Monitor) check(ctx context.Context, name string, fn CheckFunc) error {
	checkCtx, cancel := context.WithTimeout(ctx, m.backoff.Timeout)
	err := fn(checkCtx)
	cancel()

	m.mu.Lock()
	s := m.targets[name]
	was := s.Ready
	s.LastCheck = time.Now()
	s.Ready = err == nil
	if err != nil {
		s.LastError = err.Error()
		s.Failures++
	} else {
		s.LastError = ""
		s.Failures = 0
	}
	ready := s.Ready
	m.mu.Unlock()

	if was != ready {
		if ready {
			m.logger.Info("provider reachable", "provider", name)
		} else {
			m.logger.Warn("provider became unreachable", "provider", name, "error", err)
		}
		if m.OnChange != nil {
			m.OnChange(name, ready)
		}
	}
	return err
}

// sleep waits for d or until ctx is cancelled. It returns false if
// cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
