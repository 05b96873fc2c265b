package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kodax/walletsnap/internal/admin"
	"github.com/kodax/walletsnap/internal/alert"
	"github.com/kodax/walletsnap/internal/config"
	"github.com/kodax/walletsnap/internal/discovery"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/headscan"
	"github.com/kodax/walletsnap/internal/logcrawl"
	"github.com/kodax/walletsnap/internal/multicall"
	"github.com/kodax/walletsnap/internal/priceoracle"
	"github.com/kodax/walletsnap/internal/provider"
	"github.com/kodax/walletsnap/internal/reconciliation"
	"github.com/kodax/walletsnap/internal/registry"
	"github.com/kodax/walletsnap/internal/snapshot"
	"github.com/kodax/walletsnap/internal/store/postgres"
	"github.com/kodax/walletsnap/internal/store/redis"
	"github.com/kodax/walletsnap/internal/tracing"
	"github.com/kodax/walletsnap/internal/tracked"
	"github.com/kodax/walletsnap/internal/walletcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// chainRuntime bundles the per-chain components a ChainProfile needs
// wired before its builder can be registered with the wallet cache.
type chainRuntime struct {
	profile  model.ChainProfile
	pool     *provider.Pool
	pipeline *discovery.Pipeline
	scanner  *headscan.Scanner
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	chainProfilesPath := os.Getenv("CHAIN_PROFILES_PATH")
	if chainProfilesPath == "" {
		chainProfilesPath = "config/chains.yaml"
	}
	chainSet, err := config.LoadChainProfiles(chainProfilesPath)
	if err != nil {
		logger.Error("failed to load chain profiles", "error", err, "path", chainProfilesPath)
		os.Exit(1)
	}
	logger.Info("chain profiles loaded", "chains", len(chainSet.Profiles), "sha256", chainSet.SHA256)

	tracingEndpoint := os.Getenv("TRACING_ENDPOINT")
	shutdownTracing, err := tracing.Init(context.Background(), "walletsnap", tracingEndpoint, os.Getenv("TRACING_INSECURE") == "true")
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations("migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	stream, err := redis.NewStream(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
		os.Exit(1)
	}
	defer stream.Close()

	tokenRepo := postgres.NewTokenRepo(db)
	walletCacheRepo := postgres.NewWalletCacheRepo(db)
	trackedWalletRepo := postgres.NewTrackedWalletRepo(db)
	blockSyncRepo := postgres.NewBlockSyncRepo(db)
	transactionRepo := postgres.NewTransactionRepo(db)
	syncCursorRepo := postgres.NewWalletSyncCursorRepo(db)

	alerters := []alert.Alerter{}
	if webhookURL := os.Getenv("SLACK_WEBHOOK_URL"); webhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(webhookURL))
	}
	if genericURL := os.Getenv("ALERT_WEBHOOK_URL"); genericURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(genericURL))
	}
	alerter := alert.NewMultiAlerter(5*time.Minute, logger, alerters...)

	oracle := priceoracle.NewHTTPOracle(envOr("PRICE_ORACLE_URL", "http://localhost:9100"), 5*time.Second)
	snapshotBuilder := snapshot.New(oracle)

	cacheService := walletcache.New(walletCacheRepo, walletcache.Config{
		TTL:           cfg.Cache.TTL,
		HardExpiry:    cfg.Cache.HardExpiry,
		SweepInterval: cfg.Cache.CleanupInterval,
		BuildTimeout:  cfg.RPC.Timeout * 9, // 10s default RPC timeout -> 90s build ceiling
	}, stream, logger)

	tokenRegistry := registry.New(tokenRepo, nil)

	runtimes := make(map[model.ChainID]*chainRuntime, len(chainSet.Profiles))
	for chainID, profile := range chainSet.Profiles {
		pool := provider.New(chainID, profile.Name, profile.RPCEndpoints, logger)
		mc := multicall.New(profile.Name, profile.MulticallContract, pool)
		chainTokenRegistry := registry.New(tokenRepo, mc)
		crawler := logcrawl.New(profile.Name, pool)
		if profile.ExplorerAPIBaseURL != "" {
			apiKey := config.ExplorerAPIKey(profile.ExplorerAPIKeyEnv)
			crawler.SetExplorer(logcrawl.NewHTTPExplorerClient(profile.ExplorerAPIBaseURL, apiKey, cfg.RPC.Timeout))
		}
		pipeline := discovery.New(profile, pool, mc, chainTokenRegistry, crawler, syncCursorRepo)

		profile := profile
		cacheService.RegisterBuilder(chainID, profile.Name, func(ctx context.Context, wallet string) (model.WalletSnapshot, error) {
			balances, blockNumber, err := pipeline.Discover(ctx, wallet, false)
			if err != nil {
				return model.WalletSnapshot{}, err
			}
			return snapshotBuilder.Build(ctx, profile, blockNumber, false, balances)
		})

		runtimes[chainID] = &chainRuntime{profile: profile, pool: pool, pipeline: pipeline}
	}

	trackedIndex := tracked.NewIndex(trackedWalletRepo, tracked.IndexConfig{})
	trackedRegistry := tracked.NewRegistry(trackedWalletRepo, trackedIndex, cacheService, logger)
	if err := trackedRegistry.Reload(context.Background()); err != nil {
		logger.Error("failed to reload tracked wallets", "error", err)
		os.Exit(1)
	}
	refresher := tracked.NewRefresher(trackedRegistry, cacheService, chainSet.Profiles, tracked.RefresherConfig{}, logger)

	reconcileTargets := make(map[model.ChainID]reconciliation.ChainTarget, len(runtimes))
	for chainID, rt := range runtimes {
		reconcileTargets[chainID] = reconciliation.ChainTarget{Profile: rt.profile, Discoverer: rt.pipeline}
	}
	reconcileInterval := cfg.Reconciliation.Interval
	reconciler := reconciliation.New(trackedRegistry, walletCacheRepo, snapshotBuilder, reconcileTargets, alerter, reconcileInterval, logger)

	for chainID, rt := range runtimes {
		rt.scanner = headscan.New(rt.profile, rt.pool, trackedRegistry, cacheService, blockSyncRepo, transactionRepo, alerter, logger)
		rt.scanner.SetTokenLookup(tokenRegistry)
		runtimes[chainID] = rt
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return runAdminServer(gCtx, cfg, chainSet.Profiles, runtimes, cacheService, trackedRegistry, tokenRegistry, transactionRepo, db, logger)
	})

	g.Go(func() error {
		if err := refresher.Run(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("refresher: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := cacheService.RunStuckSyncSweeper(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("stuck sync sweeper: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := cacheService.RunExpirySweeper(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("expiry sweeper: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := stream.SubscribeInvalidations(gCtx, cacheService.HandleRemoteInvalidation); err != nil && err != context.Canceled {
			return fmt.Errorf("invalidation subscriber: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := reconciler.Run(gCtx); err != nil && err != context.Canceled {
			return fmt.Errorf("reconciliation: %w", err)
		}
		return nil
	})

	for _, rt := range runtimes {
		rt := rt
		rt.pool.StartHealthProbe(gCtx)
		g.Go(func() error {
			if err := rt.scanner.Run(gCtx); err != nil && err != context.Canceled {
				return fmt.Errorf("head scanner %s: %w", rt.profile.Name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("walletsnap exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("walletsnap shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func runAdminServer(
	ctx context.Context,
	cfg *config.Config,
	profiles map[model.ChainID]model.ChainProfile,
	runtimes map[model.ChainID]*chainRuntime,
	cacheService *walletcache.Service,
	trackedRegistry *tracked.Registry,
	tokenRegistry *registry.Registry,
	transactionRepo *postgres.TransactionRepo,
	db *postgres.DB,
	logger *slog.Logger,
) error {
	opts := []admin.ServerOption{
		admin.WithWalletCache(cacheService),
		admin.WithTrackedWallets(trackedRegistry),
		admin.WithTokenSearcher(tokenRegistry),
		admin.WithTransactionLister(transactionRepo),
		admin.WithHealthPinger(db),
	}
	for chainID, rt := range runtimes {
		opts = append(opts, admin.WithProviderHealth(chainID, rt.pool))
	}

	server := admin.NewServer(profiles, logger, opts...)
	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	handler := admin.WithRequestTimeout(rateLimiter.Wrap(server.Handler()), cfg.Server.RequestTimeout)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", cfg.Server.AdminPort)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
