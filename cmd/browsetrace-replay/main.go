package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/browsetrace-replay/internal/clicks"
	"github.com/vincentbai/browsetrace-replay/internal/config"
	"github.com/vincentbai/browsetrace-replay/internal/database"
	"github.com/vincentbai/browsetrace-replay/internal/engine"
	"github.com/vincentbai/browsetrace-replay/internal/server"
	"github.com/vincentbai/browsetrace-replay/internal/session"
	"github.com/vincentbai/browsetrace-replay/internal/transport"
)

func main() {
	// the returned config is usable even when some values were invalid
	cfg, configErr := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("falling back to defaults", "error", configErr)
	}

	databasePath := cfg.DatabasePath
	if databasePath == "" {
		databasePath = filepath.Join(applicationDirectory(), "replay.db")
	}

	// Initialize database
	db, err := database.NewDatabase(databasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// segments stay local unless an endpoint is configured
	var sink transport.Transport = db
	if cfg.Endpoint != "" {
		sink = transport.NewRetrying(
			transport.NewHTTP(cfg.Endpoint, nil, logger),
			transport.WithLogger(logger),
		)
	}

	eng := engine.New(engineOptions(cfg), engine.Deps{
		Storage:   db.Scope("default"),
		Transport: sink,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	srv := server.NewServer(eng, cfg.Address, logger)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Start(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		defer eng.Dispose()
		return eng.Stop(context.Background(), true, "shutdown")
	})
	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}

func applicationDirectory() string {
	// app data dir: platform-specific
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		log.Fatal("Failed to get user home directory:", err)
	}

	var directory string
	switch runtime.GOOS {
	case "darwin":
		directory = filepath.Join(homeDirectory, "Library", "Application Support", "BrowserTrace")
	case "windows":
		directory = filepath.Join(homeDirectory, "AppData", "Roaming", "BrowserTrace")
	default: // linux and others
		directory = filepath.Join(homeDirectory, ".local", "share", "BrowserTrace")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		log.Fatal("Failed to create application directory:", err)
	}
	return directory
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func engineOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		SessionSampleRate: cfg.SessionSampleRate,
		ErrorSampleRate:   cfg.ErrorSampleRate,
		StickySession:     cfg.StickySession,
		UseCompression:    cfg.UseCompression,
		Timeouts: session.Timeouts{
			SessionIdlePause:  cfg.SessionIdlePause,
			SessionIdleExpire: cfg.SessionIdleExpire,
			MaxReplayDuration: cfg.MaxReplayDuration,
		},
		MinReplayDuration:   cfg.MinReplayDuration,
		FlushMinDelay:       cfg.FlushMinDelay,
		FlushMaxDelay:       cfg.FlushMaxDelay,
		SessionPollInterval: cfg.SessionPollInterval,
		SlowClick: clicks.SlowClickConfig{
			Threshold:      cfg.SlowClickThreshold,
			Timeout:        cfg.SlowClickTimeout,
			ScrollTimeout:  cfg.SlowClickScrollTimeout,
			IgnoreSelector: cfg.IgnoreSelector(),
		},
		MutationBreadcrumbLimit: cfg.MutationBreadcrumbLimit,
		MutationLimit:           cfg.MutationLimit,
	}
}
