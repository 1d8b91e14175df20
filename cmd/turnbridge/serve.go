package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/basket/turnbridge/internal/audit"
	"github.com/basket/turnbridge/internal/config"
	"github.com/basket/turnbridge/internal/cron"
	"github.com/basket/turnbridge/internal/engine"
	"github.com/basket/turnbridge/internal/gateway"
	"github.com/basket/turnbridge/internal/hub"
	otelPkg "github.com/basket/turnbridge/internal/otel"
	"github.com/basket/turnbridge/internal/persistence"
	"github.com/basket/turnbridge/internal/telemetry"
)

type serveOptions struct {
	eager    bool
	bindAddr string
	quiet    bool
}

func parseServeArgs(args []string, stderr io.Writer) (serveOptions, error) {
	var opts serveOptions
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.eager, "eager", false, "start the engine at boot instead of on first use")
	fs.StringVar(&opts.bindAddr, "bind", "", "listen address (overrides bind_addr)")
	fs.BoolVar(&opts.quiet, "quiet", false, "log to file only")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

func runServeCommand(ctx context.Context, args []string) int {
	opts, err := parseServeArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return reportStartup(nil, startupFailure("E_CONFIG_LOAD", err))
	}
	if opts.bindAddr != "" {
		cfg.BindAddr = opts.bindAddr
	}
	if opts.eager {
		cfg.Engine.Eager = true
	}

	logs, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return reportStartup(nil, startupFailure("E_LOGGER_INIT", err))
	}
	defer logs.Close()
	logger := logs.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_missing", cfg.Missing)

	app, err := newBridgeApp(ctx, cfg, logger)
	if err != nil {
		return reportStartup(logger, err)
	}
	defer app.Close()

	watchConfig(ctx, cfg.HomeDir, logs)

	server := &http.Server{
		Handler:           app.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr))
		}
		return reportStartup(logger, startupFailure("E_LISTENER_BIND", err))
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	if cfg.Engine.Eager {
		if err := app.engine.Start(ctx); err != nil {
			logger.Error("eager engine start failed; will retry on first call", "error", err)
		}
	}
	app.scheduler.Start(ctx)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	// Stop intake first, then close sockets so clients reconnect elsewhere
	// and replay, then stop the engine.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	app.Close()
	logger.Info("shutdown complete")
	return exit
}

// bridgeApp owns every long-lived component of a running bridge.
type bridgeApp struct {
	logger    *slog.Logger
	otel      *otelPkg.Provider
	store     *persistence.Store
	audit     *audit.Recorder
	hub       *hub.Hub
	engine    *engine.Client
	gateway   *gateway.Server
	scheduler *cron.Scheduler

	closers []func()
	closed  bool
}

func newBridgeApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *bridgeApp, err error) {
	app := &bridgeApp{logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.otel, err = otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, startupFailure("E_OTEL_INIT", err)
	}
	app.closers = append(app.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.otel.Shutdown(shutdownCtx)
	})
	metrics, err := otelPkg.NewMetrics(app.otel.Meter)
	if err != nil {
		return nil, startupFailure("E_OTEL_INIT", err)
	}

	app.store, err = persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, startupFailure("E_STORE_OPEN", err)
	}
	app.closers = append(app.closers, func() { _ = app.store.Close() })

	app.audit, err = audit.Open(cfg.HomeDir, app.store, logger)
	if err != nil {
		return nil, startupFailure("E_AUDIT_INIT", err)
	}
	app.closers = append(app.closers, func() { _ = app.audit.Close() })

	hubCfg := hub.Config{
		MaxEvents:      cfg.Events.MaxEvents,
		MaxAge:         cfg.EventMaxAge(),
		ReplayPageSize: cfg.Events.ReplayPageSize,
		Logger:         logger,
		Metrics:        metrics,
	}
	if cfg.Events.Persist {
		hubCfg.Store = app.store
	}
	app.hub, err = hub.New(ctx, hubCfg)
	if err != nil {
		return nil, startupFailure("E_HUB_RESTORE", err)
	}
	logger.Info("startup phase", "phase", "hub_ready", "latest_event_id", app.hub.LatestEventID())

	app.engine = engine.New(engine.Config{
		Process: engine.ProcessSpec{
			Command: cfg.Engine.Command,
			Args:    cfg.Engine.Args,
			Env:     cfg.Engine.Env,
			Dir:     cfg.Engine.Dir,
			Logger:  logger,
		},
		RequestTimeout: cfg.RequestTimeout(),
		StartTimeout:   cfg.StartTimeout(),
		ClientVersion:  Version,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         app.otel.Tracer,
	})
	app.closers = append(app.closers, func() { _ = app.engine.Close() })

	app.gateway, err = gateway.New(gateway.Config{
		Engine:                app.engine,
		Hub:                   app.hub,
		Audit:                 app.audit,
		Token:                 cfg.Token,
		AllowQueryToken:       cfg.AllowQueryToken,
		AllowOrigins:          cfg.AllowOrigins,
		ApprovalGrace:         cfg.ApprovalGrace(),
		MaxConcurrentRequests: cfg.Gateway.MaxConcurrentRequests,
		RateLimitPerSecond:    cfg.Gateway.RateLimitPerSecond,
		RateLimitBurst:        cfg.Gateway.RateLimitBurst,
		SendQueueSize:         cfg.Gateway.SendQueueSize,
		MaxMessageBytes:       cfg.Gateway.MaxMessageBytes,
		AttachmentsDir:        cfg.Attachments.Dir,
		MaxAttachmentBytes:    cfg.Attachments.MaxBytes,
		Version:               Version,
		ConfigFingerprint:     cfg.Fingerprint(),
		Logger:                logger,
		Metrics:               metrics,
		Tracer:                app.otel.Tracer,
	})
	if err != nil {
		return nil, startupFailure("E_GATEWAY_INIT", err)
	}
	// Sessions close before the engine so no request races its shutdown.
	app.closers = append(app.closers, app.gateway.Close)

	app.scheduler, err = cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs:   maintenanceJobs(cfg, app.hub, app.store, logger),
	})
	if err != nil {
		return nil, startupFailure("E_SCHEDULER_INIT", err)
	}
	app.closers = append(app.closers, app.scheduler.Stop)
	return app, nil
}

// Close releases components in reverse order of creation. It is idempotent.
func (a *bridgeApp) Close() {
	if a.closed {
		return
	}
	a.closed = true
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func maintenanceJobs(cfg config.Config, h *hub.Hub, store *persistence.Store, logger *slog.Logger) []cron.Job {
	return []cron.Job{
		{
			Name: "event-prune",
			Spec: cfg.Events.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := h.Prune(ctx)
				if n > 0 {
					logger.Info("event log pruned", "dropped", n, "latest_event_id", h.LatestEventID())
				}
				return err
			},
		},
		{
			Name:       "retention",
			Spec:       cfg.Retention.Schedule,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				var eventAge time.Duration
				if cfg.Events.Persist {
					eventAge = cfg.EventMaxAge()
				}
				res, err := store.RunRetention(ctx, eventAge, cfg.AuditRetention())
				if err != nil {
					return err
				}
				if res.PurgedEvents+res.PurgedAuditLogs > 0 {
					logger.Info("retention job completed",
						"purged_events", res.PurgedEvents,
						"purged_audit_logs", res.PurgedAuditLogs,
					)
				}
				return nil
			},
		},
	}
}

// watchConfig applies log level changes from config.yaml without a restart.
// Other settings need one.
func watchConfig(ctx context.Context, homeDir string, logs *telemetry.Logger) {
	watcher := config.NewWatcher(homeDir, logs.Logger)
	if err := watcher.Start(ctx); err != nil {
		logs.Warn("config watcher unavailable", "error", err)
		return
	}
	go func() {
		for ev := range watcher.Events() {
			next, err := config.LoadFrom(homeDir)
			if err != nil {
				logs.Error("config.yaml reload rejected; keeping previous settings", "error", err)
				continue
			}
			logs.SetLevel(next.LogLevel)
			logs.Info("config.yaml reloaded", "op", ev.Op.String(), "log_level", next.LogLevel, "fingerprint", next.Fingerprint())
		}
	}()
}
