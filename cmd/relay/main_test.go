package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
data_dir: data
platforms:
  threads:
    enabled: true
    base_url: https://threads.example
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFindConfig_PrefersYAMLAndFirstDir(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "config.json"), "{}")
	writeFile(t, filepath.Join(second, "config.yaml"), "")

	got := findConfig([]string{first, second})
	if got != filepath.Join(first, "config.json") {
		t.Errorf("got %q, want config.json from the first dir", got)
	}

	writeFile(t, filepath.Join(first, "config.yaml"), "")
	got = findConfig([]string{first, second})
	if got != filepath.Join(first, "config.yaml") {
		t.Errorf("got %q, want config.yaml to win over config.json", got)
	}
}

func TestFindConfig_None(t *testing.T) {
	if got := findConfig([]string{t.TempDir()}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestLoadConfig_FlagOverridesEnv(t *testing.T) {
	dir := t.TempDir()
	fromFlag := filepath.Join(dir, "flag.yaml")
	writeFile(t, fromFlag, minimalConfig+"listen_addr: 127.0.0.1:1111\n")
	fromEnv := filepath.Join(dir, "env.yaml")
	writeFile(t, fromEnv, minimalConfig+"listen_addr: 127.0.0.1:2222\n")

	t.Setenv("RELAY_CONFIG", fromEnv)
	t.Cleanup(func() { configPath = "" })

	configPath = ""
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Errorf("env config: listen_addr = %q", cfg.ListenAddr)
	}

	configPath = fromFlag
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("load from flag: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:1111" {
		t.Errorf("flag config: listen_addr = %q", cfg.ListenAddr)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "platforms: {}\n")
	configPath = path
	t.Cleanup(func() { configPath = "" })

	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("expected load config error, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	logger.Warn("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, "", "text").Info("hi")
	if !strings.Contains(buf.String(), "msg=hi") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(out.String(), "relay "+version) {
		t.Errorf("unexpected version output %q", out.String())
	}
}
