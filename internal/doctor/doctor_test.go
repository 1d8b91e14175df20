package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/turnbridge/internal/config"
	"github.com/basket/turnbridge/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TURNBRIDGE_TOKEN", "")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.BindAddr = "127.0.0.1:0"
	return &cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("expected nil config to fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Fatalf("expected %s to be skipped, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckConfig_MissingFileWarns(t *testing.T) {
	cfg := testConfig(t)
	if r := checkConfig(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN for missing config.yaml, got %+v", r)
	}

	if err := os.WriteFile(filepath.Join(cfg.HomeDir, "config.yaml"), []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.LoadFrom(cfg.HomeDir)
	if err != nil {
		t.Fatal(err)
	}
	if r := checkConfig(context.Background(), &loaded); r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
}

func TestCheckEngine(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Command = "turnbridge-no-such-engine"
	if r := checkEngine(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing binary, got %+v", r)
	}

	cfg.Engine.Command = "sh"
	cfg.Engine.Env = map[string]string{"ENGINE_API_KEY": "sk-live-value", "ENGINE_MODE": "fast"}
	r := checkEngine(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("expected PASS for sh, got %+v", r)
	}
	if strings.Contains(r.Detail, "sk-live-value") || !strings.Contains(r.Detail, "ENGINE_MODE=fast") {
		t.Fatalf("engine env not redacted as expected: %q", r.Detail)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	r := checkDatabase(context.Background(), cfg)
	if r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.KVSet(ctx, "telegram:thread:42", "thr_1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendAudit(ctx, persistence.AuditRecord{Action: "approval.resolve", Decision: "accept"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	r = checkDatabase(ctx, cfg)
	if !strings.Contains(r.Detail, "telegram_chats=1") || !strings.Contains(r.Detail, "last_audit=approval.resolve/accept") {
		t.Fatalf("unexpected detail: %q", r.Detail)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	if r := checkPermissions(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if _, err := os.Stat(cfg.Attachments.Dir); err != nil {
		t.Fatalf("attachments dir not created: %v", err)
	}
}

func TestCheckBind(t *testing.T) {
	cfg := testConfig(t)
	if r := checkBind(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN without a token, got %+v", r)
	}

	cfg.Token = "secret"
	if r := checkBind(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg.BindAddr = ln.Addr().String()
	if r := checkBind(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN for busy port, got %+v", r)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := testConfig(t)
	if r := checkTelegram(context.Background(), cfg); r.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %+v", r)
	}
	cfg.Telegram.Token = "123:abc"
	if r := checkTelegram(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("expected WARN without allowed ids, got %+v", r)
	}
	cfg.Telegram.AllowedIDs = []int64{42}
	if r := checkTelegram(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", r)
	}
}
