package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fluentsync/internal/api"
	"fluentsync/internal/cache"
	"fluentsync/internal/config"
	"fluentsync/internal/connectivity"
	"fluentsync/internal/database"
	"fluentsync/internal/domain"
	"fluentsync/internal/events"
	"fluentsync/internal/lifecycle"
	"fluentsync/internal/logging"
	"fluentsync/internal/models"
	"fluentsync/internal/queue"
	"fluentsync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var memory bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy, sync worker and control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg, opts.logger, memory)
		},
	}

	cmd.Flags().BoolVar(&memory, "memory", false, "keep the queue in memory instead of the configured database")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, baseLogger *zerolog.Logger, memory bool) error {
	logger := logging.Component(baseLogger, "serve")

	origin, err := parseOrigin(cfg.Cache.Origin)
	if err != nil {
		return err
	}

	var backend domain.QueueStore
	if memory {
		logger.Warn().Msg("queue kept in memory, pending items are lost on exit")
		backend = queue.NewMemoryStore()
	} else {
		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		backup := database.NewBackupService(db, cfg.Backup, logging.Component(baseLogger, "backup"))
		go backup.Start(ctx)
		backend = db
	}
	store := queue.NewFailOpenStore(backend, failOpenRecheck, logging.Component(baseLogger, "queue"))
	defer store.Close()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	responses := newResponseCache(redisClient)

	hub := events.NewHub(logging.Component(baseLogger, "hub"))
	syncWorker := newSyncWorker(cfg, store, hub, redisClient, baseLogger)

	precache, err := loadManifest(cfg.Cache, logger)
	if err != nil {
		return err
	}

	version := cfg.App.Version
	if cfg.Lifecycle.VersionFile != "" {
		if v, err := lifecycle.ReadVersion(cfg.Lifecycle.VersionFile); err == nil && v != "" {
			version = v
		} else if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Lifecycle.VersionFile).Msg("version file unreadable, using app.version")
		}
	}

	build := func(v string) (*lifecycle.Controller, error) {
		return lifecycle.NewController(lifecycle.Options{
			Version:     v,
			Prefix:      cfg.Cache.Prefix,
			Origin:      origin.String(),
			Precache:    precache,
			SkipWaiting: cfg.Lifecycle.SkipWaitingEnabled(),
			Cache:       responses,
			Client:      &http.Client{Timeout: 30 * time.Second},
			Sessions:    hub,
			Syncer:      syncWorker,
			Logger:      logging.Component(baseLogger, "lifecycle"),
		})
	}

	controller, err := build(version)
	if err != nil {
		return fmt.Errorf("create lifecycle controller: %w", err)
	}
	manager := lifecycle.NewManager(controller, build, logging.Component(baseLogger, "lifecycle"))
	hub.Subscribe(models.MessageSkipWaiting, manager.HandleMessage)
	hub.Subscribe(models.MessageSyncNow, manager.HandleMessage)

	if err := controller.Install(ctx); err != nil {
		logger.Error().Err(err).Str("version", version).Msg("install failed, serving without precache")
	}

	monitor := connectivity.NewMonitor(
		cfg.Connectivity.ProbeURL,
		cfg.Connectivity.Interval,
		nil,
		func() { syncWorker.Register(models.SyncTag) },
		logging.Component(baseLogger, "connectivity"),
	)

	go syncWorker.Start(ctx)
	go monitor.Start(ctx)
	syncWorker.Register(models.SyncTag)

	if cfg.Lifecycle.VersionFile != "" {
		watcher := lifecycle.NewVersionWatcher(cfg.Lifecycle.VersionFile, version, manager.Upgrade, logging.Component(baseLogger, "version-watcher"))
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("version watcher stopped")
			}
		}()
	}

	startMetrics(ctx, cfg, logger)

	interceptor := cache.NewInterceptor(http.DefaultTransport, responses, manager.Namespaces, rulesFromConfig(cfg.Cache), logging.Component(baseLogger, "cache"))
	proxyServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Cache.ProxyPort),
		Handler:           newProxy(origin, interceptor, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	apiServer := api.NewHTTPServer(ctx, cfg.API, api.Deps{
		Store: store,
		Hub:   hub,
		Version: func() (string, string) {
			current := manager.Current()
			return current.Version(), string(current.State())
		},
		Online:   monitor.Online,
		Syncing:  syncWorker.Running,
		LastSync: syncWorker.LastSync,
	}, logging.Component(baseLogger, "api"))

	return startServers(ctx, proxyServer, apiServer, cfg, logger)
}

func startServers(ctx context.Context, proxyServer *http.Server, apiServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("proxy server stopped")
		}
	}()

	go func() {
		if !cfg.API.Enabled {
			return
		}
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server stopped")
		}
	}()

	logger.Info().
		Int("proxy_port", cfg.Cache.ProxyPort).
		Int("api_port", cfg.API.HTTP.Port).
		Bool("api_enabled", cfg.API.Enabled).
		Str("origin", cfg.Cache.Origin).
		Msg("fluentsync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = proxyServer.Shutdown(shutdownCtx)
	_ = apiServer.Shutdown(shutdownCtx)

	logger.Info().Msg("fluentsync stopped")
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("cache.origin is required to serve")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cache.origin %q", raw)
	}
	return u, nil
}

func newResponseCache(client *redis.Client) domain.ResponseCache {
	if client == nil {
		return cache.NewMemoryCache()
	}
	return cache.NewRedisCache(client)
}

func newSyncWorker(cfg *config.Config, store domain.QueueStore, hub domain.Broadcaster, redisClient *redis.Client, logger *zerolog.Logger, extra ...worker.Option) *worker.SyncWorker {
	policy := worker.RetryPolicy{
		MaxRetries:  cfg.Sync.MaxRetries,
		BaseDelay:   cfg.Sync.BaseDelay,
		MaxDelay:    cfg.Sync.MaxDelay,
		JitterRatio: cfg.Sync.JitterRatio,
	}
	opts := []worker.Option{
		worker.WithRescheduleDelay(cfg.Sync.RescheduleDelay),
		worker.WithRequestTimeout(cfg.Sync.RequestTimeout),
	}
	if redisClient != nil {
		opts = append(opts, worker.WithRedis(redisClient, cfg.Redis.DeadLetterKey))
	}
	opts = append(opts, extra...)
	return worker.NewSyncWorker(store, http.DefaultClient, hub, policy, logging.Component(logger, "sync"), opts...)
}

func rulesFromConfig(cfg config.CacheConfig) cache.Rules {
	return cache.Rules{
		AnalyticsHosts:   cfg.AnalyticsHosts,
		InternalPrefix:   cfg.InternalPrefix,
		APIPrefix:        cfg.APIPrefix,
		StaticExtensions: cfg.StaticExtensions,
	}
}

// newProxy forwards every request to origin through the caching transport.
func newProxy(origin *url.URL, transport http.RoundTripper, logger *zerolog.Logger) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("origin unreachable")
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}
