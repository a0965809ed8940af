package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/valhalla/internal/metrics"
	"github.com/p-blackswan/valhalla/lru"
)

// ManagerConfig bounds the live session set.
type ManagerConfig struct {
	DefaultProject string
	// IdleTTL ends a session this long after its last lookup.
	IdleTTL     time.Duration
	MaxSessions int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now for session timestamps and idle expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithMetrics publishes the live session count.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// Manager creates, finds and ends sessions. Idle sessions expire; at capacity
// the least recently used session is dropped.
type Manager struct {
	cfg      ManagerConfig
	store    Store
	model    Model
	sessions *lru.Cache[string, *Session]
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, store Store, model Model, logger zerolog.Logger, opts ...ManagerOption) *Manager {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1000
	}
	if cfg.DefaultProject == "" {
		cfg.DefaultProject = "HAVEN Platform"
	}
	m := &Manager{
		cfg:    cfg,
		store:  store,
		model:  model,
		now:    time.Now,
		logger: logger.With().Str("component", "session.manager").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	m.sessions = lru.New[string, *Session](cfg.MaxSessions, cfg.IdleTTL, lru.WithClock(func() time.Time { return m.now() }))
	return m
}

// Create starts a session on the default project.
func (m *Manager) Create() *Session {
	id := uuid.New().String()
	s := New(id, m.cfg.DefaultProject, m.store, m.model, m.logger, m.now)
	if evicted, ok := m.sessions.Put(id, s); ok {
		m.logger.Info().Str("session", evicted).Msg("session evicted at capacity")
	}
	m.metrics.SetSessions(m.sessions.Len())
	m.logger.Info().Str("session", id).Str("project", m.cfg.DefaultProject).Msg("session created")
	return s
}

// Get finds a live session and restarts its idle timer.
func (m *Manager) Get(id string) (*Session, bool) {
	s, ok := m.sessions.Touch(id)
	if !ok {
		m.metrics.SetSessions(m.sessions.Len())
		return nil, false
	}
	return s, true
}

// End removes a session. It reports whether the session existed.
func (m *Manager) End(id string) bool {
	ok := m.sessions.Delete(id)
	m.metrics.SetSessions(m.sessions.Len())
	if ok {
		m.logger.Info().Str("session", id).Msg("session ended")
	}
	return ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Sweep drops expired sessions and returns how many were removed.
func (m *Manager) Sweep() int {
	n := m.sessions.Purge()
	m.metrics.SetSessions(m.sessions.Len())
	if n > 0 {
		m.logger.Info().Int("count", n).Msg("expired sessions removed")
	}
	return n
}

// Run sweeps expired sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("session sweeper started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("session sweeper stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
