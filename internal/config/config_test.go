package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogersf/relay/internal/domain"
)

// validJSON returns a minimal valid configuration JSON string.
func validJSON() string {
	return `{
		"db_path": "/tmp/test.db",
		"platforms": {
			"threads": {
				"enabled": true,
				"base_url": "https://threads.example"
			}
		}
	}`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if len(cfg.Platforms) != 1 {
		t.Errorf("Platforms count = %d, want 1", len(cfg.Platforms))
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
db_path: /tmp/yaml.db
orchestrator:
  comments_per_hour: 4
  quiet_hours_start: 23
  quiet_hours_end: 7
policies:
  dm:
    cooldown_per_user_ms: 1000
platforms:
  threads:
    enabled: true
    base_url: https://threads.example
    selectors:
      comment_input: "textarea"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/yaml.db" {
		t.Errorf("DBPath = %q, want /tmp/yaml.db", cfg.DBPath)
	}
	if cfg.Orchestrator.CommentsPerHour != 4 {
		t.Errorf("CommentsPerHour = %d, want 4", cfg.Orchestrator.CommentsPerHour)
	}
	if cfg.Orchestrator.QuietHoursStart != 23 || cfg.Orchestrator.QuietHoursEnd != 7 {
		t.Errorf("quiet hours = %d-%d, want 23-7", cfg.Orchestrator.QuietHoursStart, cfg.Orchestrator.QuietHoursEnd)
	}
	if cfg.Policies.DM.CooldownPerUser() != time.Second {
		t.Errorf("DM cooldown = %v, want 1s", cfg.Policies.DM.CooldownPerUser())
	}
	if got := cfg.Platforms["threads"].Selectors.CommentInput; got != "textarea" {
		t.Errorf("comment_input = %q, want textarea", got)
	}
	if got := cfg.Platforms["threads"].IntervalMinutes; got != 15 {
		t.Errorf("IntervalMinutes = %d, want 15", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{not valid json}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestLoad_NoPlatforms(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"db_path": "/tmp/x.db"}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing platforms, got nil")
	}
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "at least one platform") {
		t.Errorf("error should mention platforms: %v", err)
	}
}

func TestLoad_MultipleProblems(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{
		"orchestrator": {"quiet_hours_start": 25},
		"artifacts": {"backend": "minio"},
		"platforms": {"x": {"enabled": true}}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"base_url", "quiet hours", "artifacts.endpoint"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %q", msg, want)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", validJSON())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.MaxConcurrent != 1 {
		t.Errorf("Queue.MaxConcurrent = %d, want 1", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.TaskTimeout() != 30*time.Second {
		t.Errorf("TaskTimeout = %v, want 30s", cfg.Queue.TaskTimeout())
	}
	if cfg.Queue.GenerationTimeout() != 5*time.Minute {
		t.Errorf("GenerationTimeout = %v, want 5m", cfg.Queue.GenerationTimeout())
	}
	if cfg.Orchestrator.MaxConsecutiveErrors != 5 {
		t.Errorf("MaxConsecutiveErrors = %d, want 5", cfg.Orchestrator.MaxConsecutiveErrors)
	}
	if cfg.Policies.Comment.MaxPerHour != 6 {
		t.Errorf("Comment.MaxPerHour = %d, want 6", cfg.Policies.Comment.MaxPerHour)
	}
	if cfg.Policies.DM.CooldownPerUser() != 72*time.Hour {
		t.Errorf("DM cooldown = %v, want 72h", cfg.Policies.DM.CooldownPerUser())
	}
	if cfg.Artifacts.Backend != "local" {
		t.Errorf("Artifacts.Backend = %q, want local", cfg.Artifacts.Backend)
	}
	if cfg.Tracing.Exporter != "none" {
		t.Errorf("Tracing.Exporter = %q, want none", cfg.Tracing.Exporter)
	}
}

func TestEnabledPlatforms_Sorted(t *testing.T) {
	cfg := &Config{Platforms: map[string]PlatformConfig{
		"zeta":  {Enabled: true},
		"alpha": {Enabled: true},
		"mid":   {Enabled: false},
	}}
	got := cfg.EnabledPlatforms()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Errorf("EnabledPlatforms = %v, want [alpha zeta]", got)
	}
}
