package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"fluentsync/internal/cache"
	"fluentsync/internal/config"
	"fluentsync/internal/database"
	"fluentsync/internal/logging"
	"fluentsync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

const failOpenRecheck = 30 * time.Second

func openDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.Open(cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.Database.Driver).Msg("init database")
		return nil, err
	}
	return db, nil
}

// loadManifest returns the precache list, read from cache.manifest_path when set.
func loadManifest(cfg config.CacheConfig, logger *zerolog.Logger) ([]string, error) {
	if cfg.ManifestPath == "" {
		return cfg.Precache, nil
	}

	data, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		logger.Error().Err(err).Str("manifest_path", cfg.ManifestPath).Msg("read manifest")
		return nil, err
	}

	var manifest struct {
		Precache []string `yaml:"precache"`
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		logger.Error().Err(err).Str("manifest_path", cfg.ManifestPath).Msg("parse manifest")
		return nil, err
	}

	return manifest.Precache, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := cache.NewRedisClient(cfg.Redis)
	if err := cache.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
