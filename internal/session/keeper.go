package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
)

// Refresher renews a platform session and returns the logged-in username.
type Refresher interface {
	Refresh(ctx context.Context, platform string) (string, error)
}

// KeeperConfig holds tunable parameters for the keeper loop.
type KeeperConfig struct {
	RefreshInterval time.Duration
	PollInterval    time.Duration
	// OnExpired is called after a refresh failure expires a session.
	OnExpired func(platform string, err error)
}

// Keeper periodically refreshes active sessions older than the refresh
// interval.
type Keeper struct {
	manager   *Manager
	refresher Refresher
	clock     clock.Clock
	cfg       KeeperConfig
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeeper creates a Keeper with defaults for zero-value config fields.
func NewKeeper(m *Manager, r Refresher, c clock.Clock, cfg KeeperConfig, logger *slog.Logger) *Keeper {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 2 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Minute
	}
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		manager:   m,
		refresher: r,
		clock:     c,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// CheckOnce refreshes every active session whose last refresh is older than
// the refresh interval and returns the platforms it attempted.
func (k *Keeper) CheckOnce(ctx context.Context) []string {
	now := k.clock.Now().UnixMilli()
	var attempted []string
	for _, s := range k.manager.List() {
		if s.Status != domain.SessionActive || now-s.LastRefresh <= k.cfg.RefreshInterval.Milliseconds() {
			continue
		}
		attempted = append(attempted, s.Platform)
		if err := k.manager.MarkStale(ctx, s.Platform); err != nil {
			k.logger.Warn("mark stale", "platform", s.Platform, "error", err)
			continue
		}
		username, err := k.refresher.Refresh(ctx, s.Platform)
		if err != nil {
			k.logger.Warn("session refresh failed", "platform", s.Platform, "error", err)
			_ = k.manager.MarkExpired(ctx, s.Platform, err.Error())
			if k.cfg.OnExpired != nil {
				k.cfg.OnExpired(s.Platform, err)
			}
			continue
		}
		if username == "" {
			username = s.Username
		}
		_ = k.manager.MarkActive(ctx, s.Platform, username)
	}
	return attempted
}

// StartMonitoring spawns a goroutine that polls on the configured interval.
func (k *Keeper) StartMonitoring(ctx context.Context) {
	ticker := k.clock.NewTicker(k.cfg.PollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-k.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				k.CheckOnce(ctx)
			}
		}
	}()
}

// StopMonitoring signals the monitoring goroutine to stop. Safe to call multiple times.
func (k *Keeper) StopMonitoring() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}
