package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/ratolabs/rato-license-server/api/routes"
	"github.com/ratolabs/rato-license-server/internal/licenses"
	"github.com/ratolabs/rato-license-server/pkg/config"
	"github.com/ratolabs/rato-license-server/pkg/db"
	"github.com/ratolabs/rato-license-server/pkg/logger"
	"github.com/ratolabs/rato-license-server/pkg/metrics"
	"github.com/ratolabs/rato-license-server/pkg/migrate"
	"github.com/ratolabs/rato-license-server/pkg/redis"
	"github.com/ratolabs/rato-license-server/pkg/tokens"
)

const shutdownGrace = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		closeResources(logg, dbClient, nil)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		closeResources(logg, dbClient, redisClient)
		os.Exit(1)
	}

	codec, err := tokens.NewCodec(cfg.License.Secret)
	if err != nil {
		logg.Error(context.Background(), "failed to build token codec", err)
		closeResources(logg, dbClient, redisClient)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	validationMetrics := metrics.NewValidationMetrics(registry)

	licenseRepo := licenses.NewRepository(dbClient.DB())
	licenseService, err := licenses.NewService(licenseRepo, codec, cfg.License, validationMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create license service", err)
		closeResources(logg, dbClient, redisClient)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, licenseService, registry),
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			closeResources(logg, dbClient, redisClient)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "error shutting down api server", err)
		}
	}

	closeResources(logg, dbClient, redisClient)
	logg.Info(ctx, "api server shutting down gracefully")
}

func closeResources(logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) {
	var closeErr error
	if dbClient != nil {
		closeErr = multierr.Append(closeErr, dbClient.Close())
	}
	if redisClient != nil {
		closeErr = multierr.Append(closeErr, redisClient.Close())
	}
	if closeErr != nil {
		logg.Error(context.Background(), "error closing resources", closeErr)
	}
}
