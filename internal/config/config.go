package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/turnbridge/internal/otel"
)

// EngineConfig describes the child process that speaks JSON-RPC on stdio.
type EngineConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
	// Eager starts the engine at boot instead of on the first call.
	Eager                 bool `yaml:"eager"`
	RequestTimeoutSeconds int  `yaml:"request_timeout_seconds"`
	StartTimeoutSeconds   int  `yaml:"start_timeout_seconds"`
}

type EventsConfig struct {
	MaxEvents      int  `yaml:"max_events"`
	MaxAgeSeconds  int  `yaml:"max_age_seconds"`
	ReplayPageSize int  `yaml:"replay_page_size"`
	Persist        bool `yaml:"persist"`
	// PruneSchedule is a cron expression or descriptor such as "@every 5m".
	PruneSchedule string `yaml:"prune_schedule"`
}

type ApprovalsConfig struct {
	// GraceSeconds is how long an approval for an unowned thread waits for
	// a session to claim the thread before it is cancelled.
	GraceSeconds int `yaml:"grace_seconds"`
}

type GatewayConfig struct {
	MaxConcurrentRequests int     `yaml:"max_concurrent_requests"`
	RateLimitPerSecond    float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"`
	SendQueueSize         int     `yaml:"send_queue_size"`
	MaxMessageBytes       int64   `yaml:"max_message_bytes"`
}

type AttachmentsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type RetentionConfig struct {
	AuditLogDays int    `yaml:"audit_log_days"`
	Schedule     string `yaml:"schedule"`
}

type TelegramConfig struct {
	Token              string  `yaml:"token"`
	AllowedIDs         []int64 `yaml:"allowed_ids"`
	BridgeURL          string  `yaml:"bridge_url"`
	BridgeToken        string  `yaml:"bridge_token"`
	TurnTimeoutSeconds int     `yaml:"turn_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// Token authenticates socket clients. Empty disables auth, which is only
	// accepted on loopback bind addresses.
	Token           string `yaml:"token"`
	AllowQueryToken bool   `yaml:"allow_query_token"`
	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Engine      EngineConfig      `yaml:"engine"`
	Events      EventsConfig      `yaml:"events"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Retention   RetentionConfig   `yaml:"retention"`
	Telemetry   otel.Config       `yaml:"telemetry"`
	Telegram    TelegramConfig    `yaml:"telegram"`

	// Missing is set when config.yaml did not exist and defaults are in use.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Engine.RequestTimeoutSeconds) * time.Second
}

func (c Config) StartTimeout() time.Duration {
	return time.Duration(c.Engine.StartTimeoutSeconds) * time.Second
}

func (c Config) EventMaxAge() time.Duration {
	return time.Duration(c.Events.MaxAgeSeconds) * time.Second
}

func (c Config) ApprovalGrace() time.Duration {
	return time.Duration(c.Approvals.GraceSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) AuditRetention() time.Duration {
	return time.Duration(c.Retention.AuditLogDays) * 24 * time.Hour
}

func (c Config) TurnTimeout() time.Duration {
	return time.Duration(c.Telegram.TurnTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that need a restart to
// take effect.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|engine=%s %v|dir=%s|events=%d/%d/%d|grace=%d|origins=%v|qtoken=%t|db=%s",
		c.BindAddr, c.Engine.Command, c.Engine.Args, c.Engine.Dir,
		c.Events.MaxEvents, c.Events.MaxAgeSeconds, c.Events.ReplayPageSize,
		c.Approvals.GraceSeconds, c.AllowOrigins, c.AllowQueryToken, c.DBPath)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8787",
		LogLevel:            "info",
		DrainTimeoutSeconds: 5,
		Engine: EngineConfig{
			Command:               "codex",
			Args:                  []string{"app-server"},
			RequestTimeoutSeconds: 60,
			StartTimeoutSeconds:   20,
		},
		Events: EventsConfig{
			MaxEvents:      5000,
			MaxAgeSeconds:  3600,
			ReplayPageSize: 500,
			Persist:        true,
			PruneSchedule:  "@every 5m",
		},
		Approvals: ApprovalsConfig{GraceSeconds: 120},
		Gateway: GatewayConfig{
			MaxConcurrentRequests: 8,
			RateLimitPerSecond:    20,
			RateLimitBurst:        40,
			SendQueueSize:         256,
			MaxMessageBytes:       16 << 20,
		},
		Attachments: AttachmentsConfig{MaxBytes: 10 << 20},
		Retention:   RetentionConfig{AuditLogDays: 90, Schedule: "0 3 * * *"},
		Telemetry:   otel.Config{Exporter: "none", ServiceName: "turnbridge", SampleRate: 1},
		Telegram:    TelegramConfig{TurnTimeoutSeconds: 300},
	}
}

func HomeDir() string {
	if override := os.Getenv("TURNBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnbridge")
}

// Load reads <home>/config.yaml, applies TURNBRIDGE_* overrides and fills
// defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create turnbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "bridge.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Engine.Command) == "" {
		cfg.Engine.Command = def.Engine.Command
		if len(cfg.Engine.Args) == 0 {
			cfg.Engine.Args = def.Engine.Args
		}
	}
	if cfg.Engine.RequestTimeoutSeconds <= 0 {
		cfg.Engine.RequestTimeoutSeconds = def.Engine.RequestTimeoutSeconds
	}
	if cfg.Engine.StartTimeoutSeconds <= 0 {
		cfg.Engine.StartTimeoutSeconds = def.Engine.StartTimeoutSeconds
	}
	if cfg.Events.MaxEvents <= 0 {
		cfg.Events.MaxEvents = def.Events.MaxEvents
	}
	if cfg.Events.MaxAgeSeconds <= 0 {
		cfg.Events.MaxAgeSeconds = def.Events.MaxAgeSeconds
	}
	if cfg.Events.ReplayPageSize <= 0 {
		cfg.Events.ReplayPageSize = def.Events.ReplayPageSize
	}
	if cfg.Events.PruneSchedule == "" {
		cfg.Events.PruneSchedule = def.Events.PruneSchedule
	}
	if cfg.Approvals.GraceSeconds <= 0 {
		cfg.Approvals.GraceSeconds = def.Approvals.GraceSeconds
	}
	if cfg.Gateway.MaxConcurrentRequests <= 0 {
		cfg.Gateway.MaxConcurrentRequests = def.Gateway.MaxConcurrentRequests
	}
	if cfg.Gateway.RateLimitPerSecond <= 0 {
		cfg.Gateway.RateLimitPerSecond = def.Gateway.RateLimitPerSecond
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = def.Gateway.RateLimitBurst
	}
	if cfg.Gateway.SendQueueSize <= 0 {
		cfg.Gateway.SendQueueSize = def.Gateway.SendQueueSize
	}
	if cfg.Gateway.MaxMessageBytes <= 0 {
		cfg.Gateway.MaxMessageBytes = def.Gateway.MaxMessageBytes
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = filepath.Join(cfg.HomeDir, "attachments")
	}
	if cfg.Attachments.MaxBytes <= 0 {
		cfg.Attachments.MaxBytes = def.Attachments.MaxBytes
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = def.Retention.Schedule
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telegram.TurnTimeoutSeconds <= 0 {
		cfg.Telegram.TurnTimeoutSeconds = def.Telegram.TurnTimeoutSeconds
	}
	if cfg.Telegram.BridgeURL == "" {
		cfg.Telegram.BridgeURL = "ws://" + cfg.BindAddr + "/ws"
	}
	if cfg.Telegram.BridgeToken == "" {
		cfg.Telegram.BridgeToken = cfg.Token
	}
}

func validate(cfg Config) error {
	if cfg.Token == "" && !isLoopback(cfg.BindAddr) {
		return fmt.Errorf("token is required when bind_addr %q is not a loopback address", cfg.BindAddr)
	}
	if cfg.Retention.AuditLogDays < 0 {
		return fmt.Errorf("retention.audit_log_days must not be negative")
	}
	return nil
}

func isLoopback(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TURNBRIDGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TURNBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TURNBRIDGE_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("TURNBRIDGE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TURNBRIDGE_ENGINE_COMMAND"); raw != "" {
		fields := strings.Fields(raw)
		cfg.Engine.Command = fields[0]
		cfg.Engine.Args = fields[1:]
	}
	if raw := os.Getenv("TURNBRIDGE_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TURNBRIDGE_APPROVAL_GRACE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approvals.GraceSeconds = v
		}
	}
	if raw := os.Getenv("TURNBRIDGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TURNBRIDGE_ALLOW_QUERY_TOKEN"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.AllowQueryToken = v
		}
	}
	if raw := os.Getenv("TURNBRIDGE_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = raw != "none"
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TURNBRIDGE_BRIDGE_URL"); raw != "" {
		cfg.Telegram.BridgeURL = raw
	}
}
