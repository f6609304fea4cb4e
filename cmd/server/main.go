package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/accessible-dispatch/internal/config"
	"github.com/example/accessible-dispatch/internal/dispatch"
	"github.com/example/accessible-dispatch/internal/eta"
	"github.com/example/accessible-dispatch/internal/geo"
	httpapi "github.com/example/accessible-dispatch/internal/http"
	"github.com/example/accessible-dispatch/internal/ingest"
	"github.com/example/accessible-dispatch/internal/logging"
	"github.com/example/accessible-dispatch/internal/matcher"
	"github.com/example/accessible-dispatch/internal/models"
	"github.com/example/accessible-dispatch/internal/storage"
)

func main() {
	// a local .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchCfg, err := config.LoadDispatchConfig(cfg.DispatchConfigFile)
	if err != nil {
		return err
	}

	var checks []func(context.Context) error

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if pg, ok := store.(*storage.PostgresStore); ok {
		checks = append(checks, pg.Ping)
	}
	// the process config is authoritative at boot; PUT /api/v1/config changes it until restart
	if err := store.SetActiveConfig(ctx, dispatchCfg); err != nil {
		return err
	}

	regions := geo.NewIndex()
	if cfg.RegionsFile != "" {
		rs, err := config.LoadRegions(cfg.RegionsFile)
		if err != nil {
			return err
		}
		for _, r := range rs {
			regions.Upsert(models.RegionID(r.ID), r.Polygon)
		}
		logger.Info("regions loaded", "count", len(rs))
	}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	router, err := buildRouter(cfg, rc, logger)
	if err != nil {
		return err
	}

	ws := dispatch.NewWSRegistry()
	notifier := &dispatch.Fanout{WS: ws, Logger: logger.With("component", "notifier")}
	if cfg.PushEndpoint != "" {
		notifier.Webhook = dispatch.NewWebhookNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	svc := &matcher.Service{
		Store:              store,
		Router:             router,
		Regions:            regions,
		Notifier:           notifier,
		Logger:             logger.With("component", "matcher"),
		RouteTimeout:       cfg.RouteTimeout,
		RouteConcurrency:   cfg.RouteConcurrency,
		MaxRematchAttempts: cfg.MaxRematchAttempts,
	}

	opts := httpapi.Options{Engine: svc, Regions: regions, WS: ws, Logger: logger.With("component", "http")}
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewAsyncKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger.With("component", "events"))
		defer events.Close()
		svc.Events = events
		locations := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		defer locations.Close()
		opts.Locations = locations
	}
	opts.Ready = func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			errs = append(errs, check(ctx))
		}
		return errors.Join(errs...)
	}

	var queue *matcher.RematchQueue
	if cfg.RematchWorkers > 0 {
		queue = matcher.NewRematchQueue(svc, cfg.RematchWorkers, cfg.RematchBuffer)
		svc.Requeue = queue
		queue.Start(ctx)
	}
	go svc.RunSweeps(ctx, cfg.OfferSweepInterval, cfg.NoShowSweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(opts),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch listening", "addr", cfg.HTTPAddr)
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

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if queue != nil {
		queue.Wait()
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store; single node only")
		mem := storage.NewMemoryStore()
		if cfg.SeedFile != "" {
			if err := seedMemory(mem, cfg.SeedFile); err != nil {
				return nil, nil, err
			}
			logger.Info("memory store seeded", "file", cfg.SeedFile)
		}
		return mem, func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}

func seedMemory(mem *storage.MemoryStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fx, err := storage.ReadFixture(f)
	if err != nil {
		return err
	}
	return mem.Load(fx)
}

// buildRouter chains the configured routing engines in front of the
// straight-line estimate and puts a cache on top.
func buildRouter(cfg config.ServerConfig, rc *redis.Client, logger *slog.Logger) (eta.Router, error) {
	var router eta.Router = eta.HaversineRouter{SpeedMps: cfg.DefaultSpeedMps, Detour: 1.3}
	if cfg.GoogleMapsAPIKey != "" {
		g, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		router = eta.Fallback{Primary: g, Secondary: router}
		logger.Info("google directions routing enabled")
	}
	if cfg.OSRMEndpoint != "" {
		router = eta.Fallback{Primary: eta.NewOSRMClient(cfg.OSRMEndpoint), Secondary: router}
		logger.Info("osrm routing enabled", "endpoint", cfg.OSRMEndpoint)
	}

	var cache eta.RouteCache = eta.NewCache(cfg.ETACacheTTL)
	if rc != nil {
		cache = eta.NewRedisCache(rc, cfg.ETACacheTTL)
	}
	return &eta.CachedRouter{Next: router, Cache: cache}, nil
}

