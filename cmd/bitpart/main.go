// Command bitpart runs the conversation engine behind its HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitpart/bitpart"
	"github.com/bitpart/bitpart/api"
	"github.com/bitpart/bitpart/csml"
	"github.com/bitpart/bitpart/internal/config"
	"github.com/bitpart/bitpart/observer"
	"github.com/bitpart/bitpart/store/postgres"
	"github.com/bitpart/bitpart/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bitpart:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default bitpart.toml)")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st bitpart.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres pool: %w", err)
		}
		defer pool.Close()
		st = postgres.New(pool)
	default:
		st = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	opts := []bitpart.Option{bitpart.WithLogger(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		opts = append(opts, bitpart.WithTracer(observer.NewTracer()), bitpart.WithMetrics(observer.NewMetrics(inst)))
	}

	engine := bitpart.New(st, csml.New(), opts...)
	server := api.New(engine, st, cfg.Server.AuthToken)

	// Hourly expiry sweep.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PurgeExpired(ctx, bitpart.NowUnix()); err != nil {
					logger.Warn("purge expired failed", "error", err)
				} else if n > 0 {
					logger.Info("purged expired rows", "count", n)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen)
		errCh <- server.Start(cfg.Server.Listen)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
