// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/opentrusty/console/internal/audit"
	"github.com/opentrusty/console/internal/config"
	"github.com/opentrusty/console/internal/console"
	"github.com/opentrusty/console/internal/gateway"
	"github.com/opentrusty/console/internal/guard"
	"github.com/opentrusty/console/internal/observability/logger"
	"github.com/opentrusty/console/internal/observability/metrics"
	"github.com/opentrusty/console/internal/observability/tracing"
	"github.com/opentrusty/console/internal/session"
	"github.com/opentrusty/console/internal/store/memory"
	"github.com/opentrusty/console/internal/store/postgres"
	"github.com/opentrusty/console/internal/store/redis"
	"github.com/opentrusty/console/internal/store/seal"
	transportHTTP "github.com/opentrusty/console/internal/transport/http"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultResolveAttempts = 3

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTel:        cfg.Observability.OTELEnabled,
	})
	slog.Info("starting opentrusty console")

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
		Endpoint:       cfg.Observability.OTELEndpoint,
		Insecure:       cfg.Observability.OTELInsecure,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	// Initialize meter
	instruments, err := metrics.NewInstruments(metrics.New(metrics.Config{
		Enabled:     cfg.Observability.OTELEnabled,
		ServiceName: cfg.Observability.ServiceName,
	}))
	if err != nil {
		slog.Error("failed to initialize metrics", logger.Error(err))
		instruments = metrics.NoopInstruments()
	}

	gw, err := gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL:           cfg.Upstream.BaseURL,
		Timeout:           cfg.Upstream.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity api client: %w", err)
	}

	snapshots, closeSnapshots, err := openSnapshots(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	auditLogger := audit.NewSlogLogger()
	registry := console.NewRegistry(gw, snapshots, console.RegistryConfig{
		Engine: console.Config{
			Guard: guard.Config{
				RecheckAfter: cfg.Session.RecheckAfter,
				MaxAttempts:  defaultResolveAttempts,
			},
			WarningWindow: cfg.Session.WarningWindow,
		},
		IdleTimeout: cfg.Session.IdleTimeout,
	},
		console.WithAudit(auditLogger),
		console.WithMetrics(instruments),
		console.WithTracer(tracer),
	)

	loginLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	handler := transportHTTP.NewHandler(registry, auditLogger, transportHTTP.SessionConfig{
		CookieName:     cfg.Session.CookieName,
		CookieDomain:   cfg.Session.CookieDomain,
		CookiePath:     cfg.Session.CookiePath,
		CookieSecure:   cfg.Session.CookieSecure,
		CookieHTTPOnly: cfg.Session.CookieHTTPOnly,
		CookieSameSite: transportHTTP.ParseSameSite(cfg.Session.CookieSameSite),
		MaxAge:         cfg.Session.Lifetime,
	}, os.DirFS(cfg.Server.StaticDir))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      transportHTTP.NewRouter(handler, loginLimiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		loginLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("starting http server",
			logger.Component("server"),
			logger.Operation("listen"),
			logger.String("addr", server.Addr),
			logger.String("snapshot_backend", cfg.Snapshot.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", logger.Error(err))
		}
		registry.Close(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// openSnapshots opens the configured snapshot backend
func openSnapshots(ctx context.Context, cfg *config.Config) (session.SnapshotRepository, func(), error) {
	var codec seal.Codec
	if cfg.Snapshot.Key != "" {
		key, err := seal.ParseKey(cfg.Snapshot.Key)
		if err != nil {
			return nil, nil, err
		}
		sealer, err := seal.New(key)
		if err != nil {
			return nil, nil, err
		}
		codec = seal.NewCodec(sealer)
	} else if cfg.Snapshot.Backend != config.BackendMemory {
		slog.Warn("SNAPSHOT_KEY is not set; session tokens are stored unencrypted",
			logger.String("snapshot_backend", cfg.Snapshot.Backend),
		)
	}

	switch cfg.Snapshot.Backend {
	case config.BackendPostgres:
		db, err := postgres.New(ctx, postgresConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		slog.Info("connected to database")

		repo := postgres.NewSnapshotRepository(db, codec, cfg.Session.Lifetime)
		purgeCtx, stop := context.WithCancel(ctx)
		go purgeSnapshots(purgeCtx, repo)
		return repo, func() { stop(); db.Close() }, nil

	case config.BackendRedis:
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to redis")
		return redis.NewSnapshotRepository(client, codec, cfg.Session.Lifetime), func() { _ = client.Close() }, nil

	default:
		return memory.NewSnapshotRepository(), func() {}, nil
	}
}

func purgeSnapshots(ctx context.Context, repo *postgres.SnapshotRepository) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "failed to purge expired snapshots", logger.Error(err))
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "purged expired snapshots", slog.Int64("count", n))
			}
		}
	}
}
