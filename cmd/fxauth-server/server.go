package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/MrEthical07/fxauth"
	"github.com/MrEthical07/fxauth/accounts"
	"github.com/MrEthical07/fxauth/api"
	"github.com/MrEthical07/fxauth/cmd/fxauth-server/config"
	otelexport "github.com/MrEthical07/fxauth/metrics/export/otel"
	promexport "github.com/MrEthical07/fxauth/metrics/export/prometheus"
	"github.com/MrEthical07/fxauth/notify"
	"github.com/MrEthical07/fxauth/tokens"
)

// buildEngine opens the stores named by cfg and assembles the engine. The
// returned cleanup closes the engine and then the redis client.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*fxauth.Engine, func(), error) {
	engineCfg := cfg.Engine()
	builder := fxauth.New().
		WithConfig(engineCfg).
		WithLogger(logger.Named("engine"))

	var client redis.UniversalClient
	closeRedis := func() {}
	if cfg.TokenStore.Type == config.TokenStoreRedis || engineCfg.Customs.URL == "redis" {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closeRedis = func() { _ = client.Close() }
		if err := client.Ping(ctx).Err(); err != nil {
			closeRedis()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		builder.WithRedis(client)
	}

	if cfg.TokenStore.Type == config.TokenStoreBolt {
		store, err := tokens.OpenBoltStore(cfg.TokenStore.BoltPath, engineCfg.TokenOptions())
		if err != nil {
			closeRedis()
			return nil, nil, fmt.Errorf("open token store: %w", err)
		}
		builder.WithTokenStore(store)
	}

	accountStore, err := accounts.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		closeRedis()
		return nil, nil, err
	}
	builder.WithAccountStore(accountStore)

	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewSMTPMailer(cfg.SMTPMailerConfig())
		if err != nil {
			_ = accountStore.Close()
			closeRedis()
			return nil, nil, err
		}
		builder.WithMailer(mailer)
	} else {
		logger.Warn("smtp not configured, emails are written to the log")
		builder.WithMailer(notify.LogMailer{Logger: logger.Named("mailer")})
	}

	if cfg.Audit.Enabled {
		builder.WithAuditSink(fxauth.NewZapSink(logger.Named("audit")))
	}

	engine, err := builder.Build()
	if err != nil {
		_ = accountStore.Close()
		closeRedis()
		return nil, nil, fmt.Errorf("build engine: %w", err)
	}

	cleanup := func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close", zap.Error(err))
		}
		closeRedis()
	}
	return engine, cleanup, nil
}

func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.PurgeSchedule != "" {
		scheduler := newPurgeScheduler(engine, logger.Named("purge"))
		if err := scheduler.Schedule(cfg.PurgeSchedule); err != nil {
			return err
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(engine, logger.Named("http"))

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promexport.NewExporter(engine).Handler()))
	}
	if cfg.Metrics.OTel {
		// Instruments land on the global provider; embedders install theirs first.
		exporter, err := otelexport.NewExporter(otel.GetMeterProvider().Meter("github.com/MrEthical07/fxauth"), engine)
		if err != nil {
			return fmt.Errorf("init otel exporter: %w", err)
		}
		defer func() { _ = exporter.Close() }()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runPurge(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	engine, cleanup, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	return newPurgeJob(engine, logger).Run(ctx)
}
