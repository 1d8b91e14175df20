package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/turnbridge/internal/channels"
	"github.com/basket/turnbridge/internal/client"
	"github.com/basket/turnbridge/internal/config"
	"github.com/basket/turnbridge/internal/persistence"
	"github.com/basket/turnbridge/internal/telemetry"
)

func runTelegramCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: turnbridge telegram")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return reportStartup(nil, startupFailure("E_CONFIG_LOAD", err))
	}
	if cfg.Telegram.Token == "" {
		return reportStartup(nil, startupFailure("E_TELEGRAM_TOKEN", errors.New("telegram.token is not set")))
	}

	logs, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return reportStartup(nil, startupFailure("E_LOGGER_INIT", err))
	}
	defer logs.Close()
	logger := logs.Logger
	slog.SetDefault(logger)

	// The bot keeps its own state next to the bridge database.
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return reportStartup(logger, startupFailure("E_STORE_OPEN", err))
	}
	defer store.Close()

	bridge := client.New(client.Config{
		URL:            cfg.Telegram.BridgeURL,
		Token:          cfg.Telegram.BridgeToken,
		RequestTimeout: cfg.RequestTimeout(),
		InitialEventID: channels.LoadHighWaterMark(ctx, store),
		Logger:         logger,
	})
	defer bridge.Close()

	bot := channels.NewTelegramChannel(channels.TelegramConfig{
		Token:       cfg.Telegram.Token,
		AllowedIDs:  cfg.Telegram.AllowedIDs,
		TurnTimeout: cfg.TurnTimeout(),
		Bridge:      bridge,
		Store:       store,
		Logger:      logger,
	})
	logger.Info("telegram client starting", "bridge_url", cfg.Telegram.BridgeURL, "allowed_chats", len(cfg.Telegram.AllowedIDs))
	if err := bot.Start(ctx); err != nil {
		logger.Error("telegram channel failed", "error", err)
		return 1
	}
	return 0
}
