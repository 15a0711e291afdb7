// Package main is the entry point for the glomail server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shineum/glomail/internal/admin"
	"github.com/shineum/glomail/internal/config"
	"github.com/shineum/glomail/internal/router"
	"github.com/shineum/glomail/internal/server"
	"github.com/shineum/glomail/internal/store"
	"github.com/shineum/glomail/internal/store/disk"
	"github.com/shineum/glomail/internal/store/s3lost"
	"github.com/shineum/glomail/internal/store/sqlite"
)

// pinger is implemented by stores that can report their health from outside
// the event loop.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to YAML or TOML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	st, closeStore := selectStore(ctx, cfg)
	defer closeStore()
	lost := selectLostSink(ctx, cfg, st)

	srv := server.New(server.Config{
		ListenAddr:   cfg.Server.Listen,
		MaxFrameSize: cfg.Server.MaxFrameSize,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, server.NewDispatcher(st, router.New(cfg.Server.Domain, st, lost)))

	if cfg.Admin.Listen != "" {
		var health admin.HealthFunc
		if p, ok := st.(pinger); ok {
			health = p.Ping
		}
		go func() {
			if err := admin.New(cfg.Admin.Listen, health).ListenAndServe(ctx); err != nil {
				slog.Error("admin server error", "error", err)
			}
		}()
	}

	slog.Info("starting glomail",
		"listen", cfg.Server.Listen,
		"domain", cfg.Server.Domain,
		"backend", cfg.Storage.Backend,
		"lost_sink", cfg.Lost.Sink,
		"admin", cfg.Admin.Listen,
	)

	// Start the server (blocks until context is cancelled)
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		closeStore()
		os.Exit(1)
	}

	slog.Info("glomail stopped")
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectStore opens the configured mailbox backend. The returned func
// releases it.
func selectStore(ctx context.Context, cfg *config.Config) (store.Store, func()) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		slog.Info("using sqlite store", "path", cfg.Storage.SQLitePath)
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("failed to close sqlite store", "error", err)
			}
		}

	default:
		slog.Info("using filesystem store", "data_dir", cfg.Storage.DataDir)
		s, err := disk.New(cfg.Storage.DataDir)
		if err != nil {
			slog.Error("failed to open filesystem store", "error", err)
			os.Exit(1)
		}
		return s, func() {}
	}
}

// selectLostSink chooses where messages for unknown local recipients go.
func selectLostSink(ctx context.Context, cfg *config.Config, st store.Store) store.LostSink {
	switch cfg.Lost.Sink {
	case config.SinkS3:
		slog.Info("keeping lost messages in S3",
			"bucket", cfg.Lost.S3.Bucket,
			"region", cfg.Lost.S3.Region,
			"prefix", cfg.Lost.S3.Prefix,
		)
		a, err := s3lost.New(ctx, s3lost.Config{
			Bucket:          cfg.Lost.S3.Bucket,
			Region:          cfg.Lost.S3.Region,
			Endpoint:        cfg.Lost.S3.Endpoint,
			AccessKeyID:     cfg.Lost.S3.AccessKeyID,
			SecretAccessKey: cfg.Lost.S3.SecretAccessKey,
			Prefix:          cfg.Lost.S3.Prefix,
		})
		if err != nil {
			slog.Error("failed to create S3 lost-message archive", "error", err)
			os.Exit(1)
		}
		return a

	default:
		return st
	}
}
