package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnbridge/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromTurnbridgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tb")
	writeConfig(t, home, `
bind_addr: 127.0.0.1:9000
engine:
  command: my-engine
  args: [serve, --stdio]
  request_timeout_seconds: 15
approvals:
  grace_seconds: 30
events:
  max_events: 100
`)
	t.Setenv("TURNBRIDGE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir: %q", cfg.HomeDir)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("bind addr: %q", cfg.BindAddr)
	}
	if cfg.Engine.Command != "my-engine" || len(cfg.Engine.Args) != 2 {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if cfg.RequestTimeout() != 15*time.Second {
		t.Fatalf("request timeout: %v", cfg.RequestTimeout())
	}
	if cfg.ApprovalGrace() != 30*time.Second {
		t.Fatalf("grace: %v", cfg.ApprovalGrace())
	}
	if cfg.Events.MaxEvents != 100 || cfg.Events.ReplayPageSize != 500 {
		t.Fatalf("events: %+v", cfg.Events)
	}
	if cfg.Missing {
		t.Fatal("expected Missing=false when config.yaml exists")
	}
}

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Missing {
		t.Fatal("expected Missing=true")
	}
	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Fatalf("default bind: %q", cfg.BindAddr)
	}
	if cfg.Engine.Command != "codex" || cfg.Engine.Args[0] != "app-server" {
		t.Fatalf("default engine: %+v", cfg.Engine)
	}
	if cfg.DBPath != filepath.Join(home, "bridge.db") {
		t.Fatalf("db path: %q", cfg.DBPath)
	}
	if cfg.Attachments.Dir != filepath.Join(home, "attachments") {
		t.Fatalf("attachments dir: %q", cfg.Attachments.Dir)
	}
	if cfg.Telegram.BridgeURL != "ws://127.0.0.1:8787/ws" {
		t.Fatalf("bridge url: %q", cfg.Telegram.BridgeURL)
	}
	if cfg.ApprovalGrace() != 2*time.Minute {
		t.Fatalf("grace: %v", cfg.ApprovalGrace())
	}
	if !cfg.Events.Persist {
		t.Fatal("expected events to persist by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	t.Setenv("TURNBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("TURNBRIDGE_TOKEN", "tok-123")
	t.Setenv("TURNBRIDGE_ENGINE_COMMAND", "fake-engine --stdio")
	t.Setenv("TURNBRIDGE_APPROVAL_GRACE_SECONDS", "5")
	t.Setenv("TURNBRIDGE_ALLOW_QUERY_TOKEN", "true")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level: %q", cfg.LogLevel)
	}
	if cfg.Token != "tok-123" || cfg.Telegram.BridgeToken != "tok-123" {
		t.Fatalf("token not applied: %q / %q", cfg.Token, cfg.Telegram.BridgeToken)
	}
	if cfg.Engine.Command != "fake-engine" || len(cfg.Engine.Args) != 1 || cfg.Engine.Args[0] != "--stdio" {
		t.Fatalf("engine override: %+v", cfg.Engine)
	}
	if cfg.Approvals.GraceSeconds != 5 {
		t.Fatalf("grace override: %d", cfg.Approvals.GraceSeconds)
	}
	if !cfg.AllowQueryToken {
		t.Fatal("expected allow_query_token")
	}
}

func TestLoad_RejectsOpenBindWithoutToken(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 0.0.0.0:8787\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected error for non-loopback bind without token")
	}
	writeConfig(t, home, "bind_addr: 0.0.0.0:8787\ntoken: secret\n")
	if _, err := config.LoadFrom(home); err != nil {
		t.Fatalf("unexpected error with token: %v", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "engine: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("log level should not change the fingerprint")
	}
	b.Approvals.GraceSeconds = 1
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change with grace period")
	}
}
