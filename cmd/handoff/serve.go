package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medxp/handoff/internal/adapters/heliant"
	"github.com/medxp/handoff/internal/api"
	"github.com/medxp/handoff/internal/audit"
	"github.com/medxp/handoff/internal/inference"
	"github.com/medxp/handoff/internal/session"
	"github.com/medxp/handoff/internal/shared/config"
	"github.com/medxp/handoff/internal/shared/database"
	"github.com/medxp/handoff/internal/shared/events"
	"github.com/medxp/handoff/internal/shared/logging"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the session workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.Init("handoff", cfg.Server.Env, cfg.Log.Level)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var checks []api.Check

	var cache inference.Cache = inference.NewMemoryCache()
	if cfg.Redis.URL != "" {
		redisCache, err := inference.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisCache.Close()
		cache = redisCache
		checks = append(checks, api.Check{Name: "redis", Ping: redisCache.Ping})
	} else {
		checks = append(checks, api.Check{Name: "redis"})
	}

	client, err := inference.New(cfg.Inference, cache, logger)
	if err != nil {
		return fmt.Errorf("inference: %w", err)
	}

	p, err := buildPipeline(cfg, client, logger)
	if err != nil {
		return err
	}

	var repo session.Repository = session.NewMemoryRepository()
	if cfg.Database.Enabled() {
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if _, err := database.Migrate(ctx, db.Pool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo = session.NewPostgresRepository(db.Pool)
		checks = append(checks, api.Check{Name: "database", Ping: db.Health})
	} else {
		logger.Warn().Msg("database not configured, sessions are kept in memory")
		checks = append(checks, api.Check{Name: "database"})
	}

	bus, mode, err := events.NewEventBus(ctx, cfg.KurrentDB, logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer bus.Close()
	logger.Info().Str("mode", mode).Msg("event bus ready")

	var auditRepo audit.Repository = audit.NewMemoryRepository()
	if esdbBus, ok := bus.(*events.Bus); ok {
		auditRepo = audit.NewKurrentDBRepository(esdbBus.Client())
		checks = append(checks, api.Check{Name: "kurrentdb", Ping: func(context.Context) error { return bus.Health() }})
	} else {
		checks = append(checks, api.Check{Name: "kurrentdb"})
	}
	if err := auditRepo.Initialize(ctx); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := audit.NewSubscriber(auditRepo, bus, logger).Start(ctx); err != nil {
		return fmt.Errorf("audit subscriber: %w", err)
	}

	var profiles session.ProfileSource
	if cfg.PatientSource.Kind == "heliant" {
		source, err := heliant.Open(ctx, cfg.PatientSource.HeliantDSN, heliant.DefaultConfig(), logger)
		if err != nil {
			return fmt.Errorf("heliant: %w", err)
		}
		defer source.Close()
		profiles = source
		checks = append(checks, api.Check{Name: "heliant", Ping: source.Health})
	}

	svc := session.NewService(session.Deps{
		Repo:        repo,
		Assembler:   p.assembler,
		Ensemble:    p.ensemble,
		Synthesizer: p.synthesizer,
		Bus:         bus,
		Privacy:     p.privacy,
		Profiles:    profiles,
		Logger:      logger,
	}, session.Config{Workers: cfg.Pipeline.Workers, QueueSize: cfg.Pipeline.QueueSize})
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(api.Options{
			Sessions:       svc,
			Knowledge:      p.store,
			Audit:          auditRepo,
			Checks:         checks,
			Logger:         logger,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Str("inference", cfg.Inference.Provider).Msg("handoff listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
