package tracked

import (
	"context"
	"log/slog"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// RefresherConfig tunes the proactive refresh sweep.
type RefresherConfig struct {
	Interval           time.Duration // default 60s
	DefaultConcurrency int           // fallback when a chain profile sets no ScannerConcurrency; default 4
}

func (c RefresherConfig) withDefaults() RefresherConfig {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 4
	}
	return c
}

// Refresher periodically walks every actively tracked wallet and asks
// the cache to refresh it on every chain it's tracked on. The cache's
// own stale-while-revalidate logic decides whether that's a no-op (the
// entry is still fresh) or a background build.
type Refresher struct {
	registry *Registry
	cache    Cache
	profiles map[model.ChainID]model.ChainProfile
	cfg      RefresherConfig
	logger   *slog.Logger
}

func NewRefresher(registry *Registry, cache Cache, profiles map[model.ChainID]model.ChainProfile, cfg RefresherConfig, logger *slog.Logger) *Refresher {
	return &Refresher{registry: registry, cache: cache, profiles: profiles, cfg: cfg.withDefaults(), logger: logger}
}

// Run ticks at the configured interval, sweeping every tracked wallet
// on every chain it's tracked on until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("tracked wallet refresher started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Warn("refresh sweep failed", "error", err)
			}
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) error {
	wallets, err := r.registry.ListWallets(ctx)
	if err != nil {
		return err
	}

	byChain := make(map[model.ChainID][]string)
	for _, tw := range wallets {
		for chainID := range tw.Chains {
			byChain[chainID] = append(byChain[chainID], tw.Wallet)
		}
	}

	for chainID, chainWallets := range byChain {
		r.sweepChain(ctx, chainID, chainWallets)
	}
	return nil
}

func (r *Refresher) sweepChain(ctx context.Context, chainID model.ChainID, wallets []string) {
	limit := r.cfg.DefaultConcurrency
	if profile, ok := r.profiles[chainID]; ok && profile.ScannerConcurrency > 0 {
		limit = profile.ScannerConcurrency
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, wallet := range wallets {
		wallet := wallet
		g.Go(func() error {
			if _, err := r.cache.Get(gCtx, chainID, wallet, false); err != nil {
				r.logger.Warn("proactive refresh failed", "chain_id", chainID, "wallet", wallet, "error", err)
			}
			// Always nil: one wallet's failure must never cancel the rest
			// of the sweep via errgroup's fail-fast context cancellation.
			return nil
		})
	}
	_ = g.Wait()

	metrics.RefresherTicksTotal.WithLabelValues(chainName(r.profiles, chainID)).Inc()
}

func chainName(profiles map[model.ChainID]model.ChainProfile, chainID model.ChainID) string {
	if profile, ok := profiles[chainID]; ok {
		return profile.Name
	}
	return "unknown"
}
