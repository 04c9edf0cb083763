// Package session tracks per-platform login health and keeps sessions fresh.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
)

// validTransitions defines the legal session status changes.
// A platform that has never been checked starts as stale.
var validTransitions = map[domain.SessionStatus]map[domain.SessionStatus]bool{
	domain.SessionActive: {
		domain.SessionActive: true, domain.SessionStale: true, domain.SessionExpired: true,
		domain.SessionChecking: true, domain.SessionPaused: true,
	},
	domain.SessionStale: {
		domain.SessionActive: true, domain.SessionExpired: true,
		domain.SessionChecking: true, domain.SessionPaused: true,
	},
	domain.SessionExpired: {
		domain.SessionExpired: true, domain.SessionActive: true,
		domain.SessionChecking: true, domain.SessionPaused: true,
	},
	domain.SessionChecking: {
		domain.SessionActive: true, domain.SessionExpired: true, domain.SessionStale: true,
	},
	domain.SessionPaused: {
		domain.SessionActive: true, domain.SessionChecking: true, domain.SessionExpired: true,
	},
}

// IsValidTransition checks if a session status change is legal.
func IsValidTransition(from, to domain.SessionStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Store persists session states.
type Store interface {
	SaveSession(ctx context.Context, s domain.SessionState) error
	LoadSessions(ctx context.Context) ([]domain.SessionState, error)
}

// LoginResult is what a login check observed.
type LoginResult struct {
	LoggedIn bool
	Username string
	Detail   string
}

// LoginChecker inspects the browser to decide whether a platform is logged in.
type LoginChecker interface {
	CheckLogin(ctx context.Context, platform string) (LoginResult, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Platforms []string
	Store     Store
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Manager owns the session state of every configured platform.
type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*domain.SessionState
}

// NewManager registers each platform as stale.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		sessions: make(map[string]*domain.SessionState, len(cfg.Platforms)),
	}
	for _, p := range cfg.Platforms {
		m.sessions[p] = &domain.SessionState{Platform: p, Status: domain.SessionStale}
	}
	return m
}

// Load restores persisted states for registered platforms. A session that
// was checking when the process stopped comes back stale.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	states, err := m.store.LoadSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		if _, ok := m.sessions[s.Platform]; !ok {
			continue
		}
		if _, known := validTransitions[s.Status]; !known || s.Status == domain.SessionChecking {
			s.Status = domain.SessionStale
		}
		st := s
		m.sessions[s.Platform] = &st
	}
	return nil
}

func (m *Manager) transition(ctx context.Context, platform string, to domain.SessionStatus, mutate func(*domain.SessionState)) error {
	m.mu.Lock()
	s, ok := m.sessions[platform]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, platform)
	}
	from := s.Status
	if !IsValidTransition(from, to) {
		m.mu.Unlock()
		return domain.NewEngineError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("%s: %s -> %s", platform, from, to))
	}
	s.Status = to
	if mutate != nil {
		mutate(s)
	}
	snapshot := *s
	m.mu.Unlock()

	if from != to {
		m.logger.Info("session transition", "platform", platform, "from", from, "to", to, "error", snapshot.Error)
	}
	if m.store != nil {
		if err := m.store.SaveSession(ctx, snapshot); err != nil {
			m.logger.Warn("persist session", "platform", platform, "error", err)
		}
	}
	return nil
}

// MarkActive records a healthy session and stamps the refresh time.
func (m *Manager) MarkActive(ctx context.Context, platform, username string) error {
	now := m.clock.Now().UnixMilli()
	return m.transition(ctx, platform, domain.SessionActive, func(s *domain.SessionState) {
		if username != "" {
			s.Username = username
		}
		if s.LastLogin == 0 || s.Error != "" {
			s.LastLogin = now
		}
		s.LastRefresh = now
		s.LastCheck = now
		s.Error = ""
	})
}

// MarkStale flags a session whose refresh interval elapsed.
func (m *Manager) MarkStale(ctx context.Context, platform string) error {
	return m.transition(ctx, platform, domain.SessionStale, nil)
}

// MarkExpired records a failed check or refresh.
func (m *Manager) MarkExpired(ctx context.Context, platform, reason string) error {
	now := m.clock.Now().UnixMilli()
	return m.transition(ctx, platform, domain.SessionExpired, func(s *domain.SessionState) {
		s.LastCheck = now
		s.Error = reason
	})
}

// MarkChecking flags a login check in progress.
func (m *Manager) MarkChecking(ctx context.Context, platform string) error {
	return m.transition(ctx, platform, domain.SessionChecking, nil)
}

// MarkPaused takes a platform out of rotation.
func (m *Manager) MarkPaused(ctx context.Context, platform, reason string) error {
	return m.transition(ctx, platform, domain.SessionPaused, func(s *domain.SessionState) {
		s.Error = reason
	})
}

// Get returns a copy of one session.
func (m *Manager) Get(platform string) (domain.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[platform]
	if !ok {
		return domain.SessionState{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, platform)
	}
	return *s, nil
}

// IsActive reports whether tasks may be scheduled for platform.
func (m *Manager) IsActive(platform string) bool {
	s, err := m.Get(platform)
	return err == nil && s.Status == domain.SessionActive
}

// List returns all sessions ordered by platform.
func (m *Manager) List() []domain.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

// ActivePlatforms returns the sorted names of active sessions.
func (m *Manager) ActivePlatforms() []string {
	var out []string
	for _, s := range m.List() {
		if s.Status == domain.SessionActive {
			out = append(out, s.Platform)
		}
	}
	return out
}

// VerifyLogin runs a login check, moving the session through checking to
// active or expired.
func (m *Manager) VerifyLogin(ctx context.Context, platform string, checker LoginChecker) (domain.SessionState, error) {
	if err := m.MarkChecking(ctx, platform); err != nil {
		return domain.SessionState{}, err
	}
	res, err := checker.CheckLogin(ctx, platform)
	switch {
	case err != nil:
		_ = m.MarkExpired(ctx, platform, err.Error())
		st, _ := m.Get(platform)
		return st, domain.WrapEngineError(domain.ErrLoginCheckFailed.Code, platform, err)
	case !res.LoggedIn:
		reason := res.Detail
		if reason == "" {
			reason = "not logged in"
		}
		_ = m.MarkExpired(ctx, platform, reason)
		st, _ := m.Get(platform)
		return st, domain.NewEngineError(domain.ErrLoginCheckFailed.Code, platform+": "+reason)
	}
	if err := m.MarkActive(ctx, platform, res.Username); err != nil {
		return domain.SessionState{}, err
	}
	return m.Get(platform)
}
