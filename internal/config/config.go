// Package config loads the relay's runtime configuration from a JSON or YAML
// file, applies defaults, and validates it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rogersf/relay/internal/domain"
)

// BrowserConfig configures the controllable browser session.
type BrowserConfig struct {
	DebuggerURL         string   `json:"debugger_url" yaml:"debugger_url"`
	Bin                 string   `json:"bin" yaml:"bin"`
	Flags               []string `json:"flags" yaml:"flags"`
	Headless            bool     `json:"headless" yaml:"headless"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms" yaml:"navigation_timeout_ms"`
	SettleDelayMs       int      `json:"settle_delay_ms" yaml:"settle_delay_ms"`
}

// QueueConfig configures the browser task sequencer.
type QueueConfig struct {
	MaxConcurrent       int `json:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries          int `json:"max_retries" yaml:"max_retries"`
	RetryDelayMs        int `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	TaskTimeoutMs       int `json:"task_timeout_ms" yaml:"task_timeout_ms"`
	GenerationTimeoutMs int `json:"generation_timeout_ms" yaml:"generation_timeout_ms"`
	MaxCompleted        int `json:"max_completed" yaml:"max_completed"`
}

// OrchestratorConfig configures the control loop.
type OrchestratorConfig struct {
	CommentsPerHour             int  `json:"comments_per_hour" yaml:"comments_per_hour"`
	DiscoveryIntervalMinutes    int  `json:"discovery_interval_minutes" yaml:"discovery_interval_minutes"`
	SessionCheckIntervalMinutes int  `json:"session_check_interval_minutes" yaml:"session_check_interval_minutes"`
	QuietHoursStart             int  `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd               int  `json:"quiet_hours_end" yaml:"quiet_hours_end"`
	MaxConsecutiveErrors        int  `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	PauseOnError                bool `json:"pause_on_error" yaml:"pause_on_error"`
	RequireLoginVerification    bool `json:"require_login_verification" yaml:"require_login_verification"`
}

// PolicyConfig configures one rate/dedup policy.
type PolicyConfig struct {
	MinIntervalMs     int64 `json:"min_interval_ms" yaml:"min_interval_ms"`
	MaxPerHour        int   `json:"max_per_hour" yaml:"max_per_hour"`
	MaxPerDay         int   `json:"max_per_day" yaml:"max_per_day"`
	DedupeWindowMs    int64 `json:"dedupe_window_ms" yaml:"dedupe_window_ms"`
	CooldownPerUserMs int64 `json:"cooldown_per_user_ms" yaml:"cooldown_per_user_ms"`
}

// PoliciesConfig holds the per-action-kind policies.
type PoliciesConfig struct {
	Comment PolicyConfig `json:"comment" yaml:"comment"`
	DM      PolicyConfig `json:"dm" yaml:"dm"`
}

// SessionsConfig configures the session keeper.
type SessionsConfig struct {
	RefreshIntervalMinutes int `json:"refresh_interval_minutes" yaml:"refresh_interval_minutes"`
	PollIntervalMinutes    int `json:"poll_interval_minutes" yaml:"poll_interval_minutes"`
}

// Selectors are the CSS selectors used to drive and verify a platform.
type Selectors struct {
	LoggedIn      string `json:"logged_in" yaml:"logged_in"`
	Username      string `json:"username" yaml:"username"`
	CommentInput  string `json:"comment_input" yaml:"comment_input"`
	CommentSubmit string `json:"comment_submit" yaml:"comment_submit"`
	CommentThread string `json:"comment_thread" yaml:"comment_thread"`
	DMInput       string `json:"dm_input" yaml:"dm_input"`
	DMSubmit      string `json:"dm_submit" yaml:"dm_submit"`
	DMThread      string `json:"dm_thread" yaml:"dm_thread"`
}

// PlatformConfig describes one external platform.
type PlatformConfig struct {
	Enabled         bool      `json:"enabled" yaml:"enabled"`
	BaseURL         string    `json:"base_url" yaml:"base_url"`
	DMURLTemplate   string    `json:"dm_url_template" yaml:"dm_url_template"`
	DiscoveryURL    string    `json:"discovery_url" yaml:"discovery_url"`
	DiscoveryScript string    `json:"discovery_script" yaml:"discovery_script"`
	CommentsPerHour int       `json:"comments_per_hour" yaml:"comments_per_hour"`
	IntervalMinutes int       `json:"interval_minutes" yaml:"interval_minutes"`
	Selectors       Selectors `json:"selectors" yaml:"selectors"`
}

// ArtifactsConfig selects where screenshots and DOM snapshots are stored.
type ArtifactsConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string `json:"exporter" yaml:"exporter"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// TemplatesConfig holds text templates for the built-in content generator.
type TemplatesConfig struct {
	Comment []string `json:"comment" yaml:"comment"`
	DM      []string `json:"dm" yaml:"dm"`
}

// Config holds the relay's runtime configuration.
type Config struct {
	DBPath       string                    `json:"db_path" yaml:"db_path"`
	DataDir      string                    `json:"data_dir" yaml:"data_dir"`
	ListenAddr   string                    `json:"listen_addr" yaml:"listen_addr"`
	LogLevel     string                    `json:"log_level" yaml:"log_level"`
	LogFormat    string                    `json:"log_format" yaml:"log_format"`
	Browser      BrowserConfig             `json:"browser" yaml:"browser"`
	Queue        QueueConfig               `json:"queue" yaml:"queue"`
	Orchestrator OrchestratorConfig        `json:"orchestrator" yaml:"orchestrator"`
	Policies     PoliciesConfig            `json:"policies" yaml:"policies"`
	Sessions     SessionsConfig            `json:"sessions" yaml:"sessions"`
	Platforms    map[string]PlatformConfig `json:"platforms" yaml:"platforms"`
	Artifacts    ArtifactsConfig           `json:"artifacts" yaml:"artifacts"`
	Tracing      TracingConfig             `json:"tracing" yaml:"tracing"`
	Templates    TemplatesConfig           `json:"templates" yaml:"templates"`

	// AllowedOrigins are browser origins, besides localhost, that may call
	// the control API.
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Load reads a JSON or YAML config file, applies defaults, and validates.
// The format is chosen by file extension; anything other than .yaml/.yml is
// parsed as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "relay-data"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "relay.db")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:9810"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Browser.NavigationTimeoutMs == 0 {
		c.Browser.NavigationTimeoutMs = 30000
	}
	if c.Browser.SettleDelayMs == 0 {
		c.Browser.SettleDelayMs = 1500
	}

	if c.Queue.MaxConcurrent == 0 {
		c.Queue.MaxConcurrent = 1
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 2
	}
	if c.Queue.RetryDelayMs == 0 {
		c.Queue.RetryDelayMs = 5000
	}
	if c.Queue.TaskTimeoutMs == 0 {
		c.Queue.TaskTimeoutMs = 30000
	}
	if c.Queue.GenerationTimeoutMs == 0 {
		c.Queue.GenerationTimeoutMs = 5 * 60 * 1000
	}
	if c.Queue.MaxCompleted == 0 {
		c.Queue.MaxCompleted = 100
	}

	if c.Orchestrator.CommentsPerHour == 0 {
		c.Orchestrator.CommentsPerHour = 6
	}
	if c.Orchestrator.DiscoveryIntervalMinutes == 0 {
		c.Orchestrator.DiscoveryIntervalMinutes = 30
	}
	if c.Orchestrator.SessionCheckIntervalMinutes == 0 {
		c.Orchestrator.SessionCheckIntervalMinutes = 60
	}
	if c.Orchestrator.MaxConsecutiveErrors == 0 {
		c.Orchestrator.MaxConsecutiveErrors = 5
	}

	applyPolicyDefaults(&c.Policies.Comment, PolicyConfig{
		MinIntervalMs:  5 * 60 * 1000,
		MaxPerHour:     6,
		MaxPerDay:      40,
		DedupeWindowMs: 7 * 24 * 60 * 60 * 1000,
	})
	applyPolicyDefaults(&c.Policies.DM, PolicyConfig{
		MinIntervalMs:     10 * 60 * 1000,
		MaxPerHour:        3,
		MaxPerDay:         15,
		DedupeWindowMs:    30 * 24 * 60 * 60 * 1000,
		CooldownPerUserMs: 72 * 60 * 60 * 1000,
	})

	if c.Sessions.RefreshIntervalMinutes == 0 {
		c.Sessions.RefreshIntervalMinutes = 120
	}
	if c.Sessions.PollIntervalMinutes == 0 {
		c.Sessions.PollIntervalMinutes = 5
	}

	for name, p := range c.Platforms {
		if p.CommentsPerHour == 0 {
			p.CommentsPerHour = c.Orchestrator.CommentsPerHour
		}
		if p.IntervalMinutes == 0 && p.CommentsPerHour > 0 {
			p.IntervalMinutes = 60 / p.CommentsPerHour
		}
		c.Platforms[name] = p
	}

	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "local"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relay"
	}
}

func applyPolicyDefaults(p *PolicyConfig, d PolicyConfig) {
	if p.MinIntervalMs == 0 {
		p.MinIntervalMs = d.MinIntervalMs
	}
	if p.MaxPerHour == 0 {
		p.MaxPerHour = d.MaxPerHour
	}
	if p.MaxPerDay == 0 {
		p.MaxPerDay = d.MaxPerDay
	}
	if p.DedupeWindowMs == 0 {
		p.DedupeWindowMs = d.DedupeWindowMs
	}
	if p.CooldownPerUserMs == 0 {
		p.CooldownPerUserMs = d.CooldownPerUserMs
	}
}

func (c *Config) validate() error {
	var problems []string

	if len(c.Platforms) == 0 {
		problems = append(problems, "at least one platform is required")
	}
	for _, name := range c.PlatformNames() {
		p := c.Platforms[name]
		if p.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("platforms.%s.base_url is required", name))
		}
	}
	if c.Queue.MaxConcurrent < 1 {
		problems = append(problems, "queue.max_concurrent must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		problems = append(problems, "queue.max_retries must not be negative")
	}
	if c.Orchestrator.CommentsPerHour < 1 || c.Orchestrator.CommentsPerHour > 60 {
		problems = append(problems, "orchestrator.comments_per_hour must be between 1 and 60")
	}
	if !validHour(c.Orchestrator.QuietHoursStart) || !validHour(c.Orchestrator.QuietHoursEnd) {
		problems = append(problems, "orchestrator quiet hours must be between 0 and 23")
	}
	switch c.Artifacts.Backend {
	case "local":
	case "minio":
		if c.Artifacts.Endpoint == "" || c.Artifacts.Bucket == "" {
			problems = append(problems, "artifacts.endpoint and artifacts.bucket are required for the minio backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("artifacts.backend %q must be local or minio", c.Artifacts.Backend))
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		problems = append(problems, fmt.Sprintf("tracing.exporter %q must be none, stdout or otlphttp", c.Tracing.Exporter))
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

func validHour(h int) bool { return h >= 0 && h <= 23 }

// PlatformNames returns configured platform names in sorted order.
func (c *Config) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnabledPlatforms returns the sorted names of enabled platforms.
func (c *Config) EnabledPlatforms() []string {
	var names []string
	for _, name := range c.PlatformNames() {
		if c.Platforms[name].Enabled {
			names = append(names, name)
		}
	}
	return names
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// MinInterval returns the policy's global pacing interval.
func (p PolicyConfig) MinInterval() time.Duration { return ms(p.MinIntervalMs) }

// DedupeWindow returns the policy's duplicate rejection window.
func (p PolicyConfig) DedupeWindow() time.Duration { return ms(p.DedupeWindowMs) }

// CooldownPerUser returns the per-recipient cooldown.
func (p PolicyConfig) CooldownPerUser() time.Duration { return ms(p.CooldownPerUserMs) }

// RetryDelay returns the queue retry backoff.
func (q QueueConfig) RetryDelay() time.Duration { return ms(int64(q.RetryDelayMs)) }

// TaskTimeout returns the default per-task timeout.
func (q QueueConfig) TaskTimeout() time.Duration { return ms(int64(q.TaskTimeoutMs)) }

// GenerationTimeout returns the timeout for generation polling tasks.
func (q QueueConfig) GenerationTimeout() time.Duration { return ms(int64(q.GenerationTimeoutMs)) }

// NavigationTimeout returns the per-navigation timeout.
func (b BrowserConfig) NavigationTimeout() time.Duration { return ms(int64(b.NavigationTimeoutMs)) }

// SettleDelay returns the pause used to let page state settle between steps.
func (b BrowserConfig) SettleDelay() time.Duration { return ms(int64(b.SettleDelayMs)) }
