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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leafsii/pm15-backend/internal/api"
	"github.com/leafsii/pm15-backend/internal/auth"
	"github.com/leafsii/pm15-backend/internal/config"
	gdb "github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/jobs"
	"github.com/leafsii/pm15-backend/internal/log"
	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices"
	"github.com/leafsii/pm15-backend/internal/prices/mock"
	"github.com/leafsii/pm15-backend/internal/prices/pyth"
	"github.com/leafsii/pm15-backend/internal/store"
	"github.com/leafsii/pm15-backend/internal/ws"
	"github.com/leafsii/pm15-backend/pkg/kv"
	_ "github.com/leafsii/pm15-backend/pkg/kv/memory"
	kvredis "github.com/leafsii/pm15-backend/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting pm15 API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"feed", cfg.Oracle.FeedID,
		"db", cfg.Database.Type,
		"kv", cfg.Cache.Backend,
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("Server exited", "error", err)
	}
	logger.Infow("Server stopped")
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("pm15-api")
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	// Record store
	database, err := gdb.NewDatabase(&gdb.Config{
		Type:     cfg.Database.Type,
		DSN:      cfg.Database.PostgresDSN,
		MaxConns: int(cfg.Database.MaxConns),
		MinConns: int(cfg.Database.MinConns),
	})
	if err != nil {
		return err
	}
	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := gdb.ConnectAndMigrate(setupCtx, database, markets.Tables()); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Disconnect(context.Background())
	logger.Infow("Database initialized", "type", cfg.Database.Type)

	// Key-value store for cache, keeper lock and replay guard
	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:  kv.Backend(cfg.Cache.Backend),
		RedisURL: cfg.Cache.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("setup kv store: %w", err)
	}
	defer kvStore.Close()
	cache := store.NewCache(kvStore, logger, metricsObj)

	// Pub/sub follows the kv backend so every replica sees every event
	var pubsub store.PubSub = store.NewPubSubHub()
	if rs, ok := kvStore.(*kvredis.Store); ok {
		pubsub = store.NewRedisPubSub(rs.Client(), logger)
	}

	// Oracle
	var inner prices.Oracle
	switch cfg.Oracle.Provider {
	case "pyth":
		inner = pyth.NewProvider(logger, cfg.Oracle.PythURL, cfg.Oracle.Timeout)
	default:
		inner = mock.NewGenerator(logger, cfg.Oracle.FeedID, cfg.Oracle.MockBasePrice, cfg.Oracle.MockExpo, cfg.Oracle.MockVolatility, 0)
	}
	oracle := prices.NewCachedOracle(inner, cache, cfg.Oracle.CacheTTL, logger, metricsObj)
	registry := prices.NewRegistry()

	engine, err := markets.NewEngine(markets.Options{
		DB:              database,
		Authority:       escrow.NewAuthority(cfg.Engine.ID),
		Oracle:          oracle,
		FeedID:          cfg.Oracle.FeedID,
		Publisher:       pubsub,
		Metrics:         metricsObj,
		Logger:          logger,
		CheckInvariants: cfg.Engine.CheckInvariants,
	})
	if err != nil {
		return err
	}
	if err := applyInitConfig(ctx, engine, cfg, logger); err != nil {
		return err
	}

	publisher := jobs.NewPricePublisher(oracle, cfg.Oracle.FeedID, registry, cache, pubsub, logger, metricsObj, jobs.PricePublisherConfig{
		Interval: cfg.Oracle.PollInterval,
		MaxAge:   time.Duration(markets.DefaultMaxStalenessSeconds) * time.Second,
		TTL:      30 * time.Minute,
		// ticks follow the bound markets are created and resolved under
		Bound: func(ctx context.Context) (time.Duration, bool) {
			engineCfg, err := engine.GetConfig(ctx)
			if err != nil {
				return 0, false
			}
			return engineCfg.MaxStaleness(), true
		},
	})
	wsHub := ws.NewHub(pubsub, []string{markets.EventsChannel, jobs.PriceChannel(publisher.Symbol())}, cfg.Security.CORSAllowedOrigins, logger, metricsObj)

	handler, err := api.NewHandler(api.Options{
		Engine:   engine,
		Verifier: auth.NewVerifier(cfg.Security.SignatureMaxSkew, kvStore),
		Cache:    cache,
		Hub:      wsHub,
		Prices:   publisher,
		Registry: registry,
		Checks: map[string]api.HealthCheck{
			"db": func(ctx context.Context) error {
				if !database.IsHealthy(ctx) {
					return errors.New("database unreachable")
				}
				return nil
			},
			"kv": cache.Ping,
		},
		Metrics:   metricsHandler,
		DevFaucet: cfg.Security.DevFaucet && cfg.IsDev(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("API server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down HTTP server")
		// Give outstanding requests 30 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			return server.Close()
		}
		return nil
	})
	g.Go(func() error { return ignoreCanceled(wsHub.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(publisher.Start(gctx)) })
	if cfg.Keeper.Enabled {
		keeper := jobs.NewKeeper(engine, kvStore, markets.SystemClock, logger, metricsObj, jobs.KeeperConfig{
			Interval: cfg.Keeper.Interval,
			LeadTime: cfg.Keeper.LeadTime,
			LockTTL:  cfg.Keeper.LockTTL,
		})
		g.Go(func() error { return ignoreCanceled(keeper.Run(gctx)) })
	}

	return g.Wait()
}

// applyInitConfig initializes a fresh store from init.json. A store that is
// already initialized is left alone.
func applyInitConfig(ctx context.Context, engine *markets.Engine, cfg *config.Config, logger *zap.SugaredLogger) error {
	if cfg.Init == nil {
		if _, err := engine.GetConfig(ctx); errors.Is(err, markets.ErrNotInitialized) {
			logger.Warnw("Engine not initialized; POST /v1/config or run the initializer")
		}
		return nil
	}
	_, err := engine.InitializeConfig(ctx, markets.InitParams{
		Authority:           cfg.Init.Authority,
		Treasury:            escrow.AccountID(cfg.Init.Treasury),
		FeeBps:              cfg.Init.FeeBps,
		MinBet:              cfg.Init.MinBet,
		MaxStalenessSeconds: cfg.Init.MaxStalenessSeconds,
	})
	switch {
	case err == nil:
		logger.Infow("Engine initialized from init config", "path", cfg.InitPath)
	case errors.Is(err, markets.ErrAlreadyInitialized):
		logger.Debugw("Engine already initialized", "path", cfg.InitPath)
	default:
		return fmt.Errorf("apply init config %s: %w", cfg.InitPath, err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
