package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/turnbridge/internal/config"
	"github.com/basket/turnbridge/internal/persistence"
	"github.com/basket/turnbridge/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkEngine,
		checkDatabase,
		checkPermissions,
		checkBind,
		checkTelegram,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml not found, using defaults",
			Detail:  filepath.Join(cfg.HomeDir, "config.yaml"),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  "fingerprint=" + cfg.Fingerprint(),
	}
}

func checkEngine(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Engine", Status: "SKIP", Message: "Config missing"}
	}
	command := cfg.Engine.Command
	if command == "" {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: "engine.command is empty"}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Engine",
			Status:  "FAIL",
			Message: fmt.Sprintf("%s not found on PATH", command),
			Detail:  "Install the engine or set engine.command / TURNBRIDGE_ENGINE_COMMAND",
		}
	}
	detail := strings.TrimSpace(path + " " + strings.Join(cfg.Engine.Args, " "))
	if env := engineEnv(cfg.Engine.Env); env != "" {
		detail += " env=" + env
	}
	return CheckResult{
		Name:    "Engine",
		Status:  "PASS",
		Message: fmt.Sprintf("%s resolved", command),
		Detail:  detail,
	}
}

func engineEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+shared.RedactEnvValue(k, env[k]))
	}
	return strings.Join(parts, ",")
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	first, last, err := store.EventBounds(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := fmt.Sprintf("events=%d..%d", first, last)
	if chats, err := store.KVList(ctx, "telegram:thread:"); err == nil && len(chats) > 0 {
		detail += fmt.Sprintf(" telegram_chats=%d", len(chats))
	}
	if recent, err := store.ListAudit(ctx, 1); err == nil && len(recent) > 0 {
		detail += fmt.Sprintf(" last_audit=%s/%s@%s", recent[0].Action, recent[0].Decision, recent[0].CreatedAt.Format(time.RFC3339))
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema v%d at %s", version, cfg.DBPath),
		Detail:  detail,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.Attachments.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and attachments directories writable"}
}

// checkBind reports whether the gateway address is free. A busy port is only
// a warning since it usually means a bridge is already running.
func checkBind(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		status := "WARN"
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) {
			status = "FAIL"
		}
		return CheckResult{
			Name:    "Bind",
			Status:  status,
			Message: fmt.Sprintf("Cannot listen on %s", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	msg := fmt.Sprintf("%s is available", cfg.BindAddr)
	if cfg.Token == "" {
		return CheckResult{Name: "Bind", Status: "WARN", Message: msg, Detail: "no token configured, any local client may connect"}
	}
	return CheckResult{Name: "Bind", Status: "PASS", Message: msg}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Telegram.Token == "" {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Not configured"}
	}
	if len(cfg.Telegram.AllowedIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Token set but telegram.allowed_ids is empty",
			Detail:  "Every chat will be refused until an id is allowed",
		}
	}
	return CheckResult{
		Name:    "Telegram",
		Status:  "PASS",
		Message: fmt.Sprintf("%d allowed chat(s)", len(cfg.Telegram.AllowedIDs)),
		Detail:  "bridge=" + cfg.Telegram.BridgeURL,
	}
}
