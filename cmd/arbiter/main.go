package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/gateway"
	"arbiter/internal/notify"
	"arbiter/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arbiter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	// Secrets come from the environment; a .env file is convenient in
	// development and absent in production.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting arbiter",
		"mode", cfg.Mode,
		"pair", cfg.Session.Pair,
		"exchanges", strings.Join(cfg.ExchangeNames(), ","),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateways := make(map[string]gateway.Gateway, len(cfg.Exchanges))
	for name, exCfg := range cfg.Exchanges {
		gw, err := gateway.New(name, cfg.Mode, exCfg, cfg.Session.FeedBackoffCap, logger)
		if err != nil {
			return fmt.Errorf("create %s gateway: %w", name, err)
		}
		gateways[name] = gw
	}

	var repo database.Repository
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		pg := &database.PostgresRepository{Pool: pool}
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		repo = pg
	}

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		var senders []notify.Sender
		if cfg.Notify.TelegramToken != "" {
			senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		}
		notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	ctrl := session.NewController(cfg, gateways, repo, notifier, logger)
	summary, err := ctrl.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session: %w", err)
	}

	logger.Info("done",
		"profit_usd", summary.Stats.ProfitUSD,
		"profit_pct", summary.Stats.ProfitPct,
	)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
