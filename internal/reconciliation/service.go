// Package reconciliation runs a periodic diagnostic pass that re-derives
// a tracked wallet's balance set from scratch and diffs it against the
// cached snapshot, surfacing drift between the cache and on-chain state
// without ever writing the diff back. The build path (walletcache.Service)
// remains the sole writer of the cache.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kodax/walletsnap/internal/alert"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/snapshot"
)

// WalletLister enumerates the wallets to audit, satisfied by
// *tracked.Registry.
type WalletLister interface {
	ListWallets(ctx context.Context) ([]model.TrackedWallet, error)
}

// CacheReader reads the durable cache row without going through the
// single-flight build coordinator, satisfied by the same Store
// *postgres.WalletCacheRepo passed to walletcache.Service.
type CacheReader interface {
	Get(ctx context.Context, chainID model.ChainID, wallet string) (model.CacheEntry, bool, error)
}

// Rediscoverer runs the two-phase discovery pipeline for one chain,
// satisfied by *discovery.Pipeline.
type Rediscoverer interface {
	Discover(ctx context.Context, wallet string, refresh bool) ([]snapshot.RawBalance, int64, error)
}

// SnapshotBuilder assembles a WalletSnapshot from raw balances,
// satisfied by *snapshot.Builder.
type SnapshotBuilder interface {
	Build(ctx context.Context, profile model.ChainProfile, blockNumber int64, syncing bool, balances []snapshot.RawBalance) (model.WalletSnapshot, error)
}

// ChainTarget bundles what one chain's reconciliation pass needs:
// the chain's profile and its discovery pipeline.
type ChainTarget struct {
	Profile    model.ChainProfile
	Discoverer Rediscoverer
}

// MismatchDetail describes one wallet/chain whose rebuilt balance set
// disagreed with the cached snapshot.
type MismatchDetail struct {
	ChainID        model.ChainID
	Wallet         string
	CachedTokens   int
	RebuiltTokens  int
	MissingTokens  []string // in rebuilt, absent from cached
	ExtraTokens    []string // in cached, absent from rebuilt
	DivergedTokens []string // present in both, balance differs
}

// RunResult summarizes one pass across every tracked wallet on every
// configured chain.
type RunResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Matched    int
	Mismatched int
	Errors     int
	Mismatches []MismatchDetail
}

// Service periodically rebuilds and diffs cached wallet snapshots. It
// never calls walletcache.Service.Invalidate or otherwise mutates the
// cache; a mismatch is reported, not repaired.
type Service struct {
	wallets  WalletLister
	cache    CacheReader
	builder  SnapshotBuilder
	chains   map[model.ChainID]ChainTarget
	alerter  alert.Alerter
	logger   *slog.Logger
	interval time.Duration
}

func New(wallets WalletLister, cache CacheReader, builder SnapshotBuilder, chains map[model.ChainID]ChainTarget, alerter alert.Alerter, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Service{
		wallets:  wallets,
		cache:    cache,
		builder:  builder,
		chains:   chains,
		alerter:  alerter,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
	}
}

// Run ticks every interval until ctx is cancelled, invoking RunOnce and
// logging its summary. It never returns a non-nil error except
// ctx.Err() on cancellation, matching the other background loops.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result := s.RunOnce(ctx)
			s.logger.Info("reconciliation pass completed",
				"total", result.Total, "matched", result.Matched,
				"mismatched", result.Mismatched, "errors", result.Errors,
			)
		}
	}
}

// RunOnce audits every actively tracked wallet against every chain it
// is tracked on, rebuilding its balance set from scratch and diffing it
// against the cached row. It is diagnostic only: a mismatch increments
// a counter and, if confirmed, fires an alert; the cache itself is
// never touched.
func (s *Service) RunOnce(ctx context.Context) RunResult {
	result := RunResult{StartedAt: time.Now()}

	wallets, err := s.wallets.ListWallets(ctx)
	if err != nil {
		s.logger.Warn("reconciliation: list wallets failed", "error", err)
		result.Errors++
		result.FinishedAt = time.Now()
		return result
	}

	for _, tw := range wallets {
		for chainID := range tw.Chains {
			target, ok := s.chains[chainID]
			if !ok {
				continue
			}

			result.Total++
			detail, matched, err := s.reconcileOne(ctx, target, chainID, tw.Wallet)
			if err != nil {
				result.Errors++
				s.logger.Warn("reconciliation: wallet check failed",
					"chain_id", chainID, "wallet", tw.Wallet, "error", err)
				continue
			}

			metrics.ReconciliationRunsTotal.WithLabelValues(target.Profile.Name).Inc()

			if matched {
				result.Matched++
				continue
			}

			result.Mismatched++
			result.Mismatches = append(result.Mismatches, detail)
			metrics.ReconciliationMismatchesTotal.WithLabelValues(target.Profile.Name).Inc()
		}
	}

	if len(result.Mismatches) > 0 && s.alerter != nil {
		s.alertOnMismatches(ctx, result)
	}

	result.FinishedAt = time.Now()
	return result
}

func (s *Service) reconcileOne(ctx context.Context, target ChainTarget, chainID model.ChainID, wallet string) (MismatchDetail, bool, error) {
	detail := MismatchDetail{ChainID: chainID, Wallet: wallet}

	entry, found, err := s.cache.Get(ctx, chainID, wallet)
	if err != nil {
		return detail, false, fmt.Errorf("reconciliation: read cache: %w", err)
	}
	if !found {
		// Nothing cached yet for this pair; discovery just hasn't built
		// it. Not a mismatch worth reporting on.
		return detail, true, nil
	}

	rawBalances, blockNumber, err := target.Discoverer.Discover(ctx, wallet, true)
	if err != nil {
		return detail, false, fmt.Errorf("reconciliation: rediscover: %w", err)
	}
	rebuilt, err := s.builder.Build(ctx, target.Profile, blockNumber, false, rawBalances)
	if err != nil {
		return detail, false, fmt.Errorf("reconciliation: rebuild snapshot: %w", err)
	}

	detail.CachedTokens = len(entry.Data.Result)
	detail.RebuiltTokens = len(rebuilt.Result)

	cached := make(map[string]model.TokenBalance, len(entry.Data.Result))
	for _, tb := range entry.Data.Result {
		cached[tb.TokenAddress] = tb
	}
	fresh := make(map[string]model.TokenBalance, len(rebuilt.Result))
	for _, tb := range rebuilt.Result {
		fresh[tb.TokenAddress] = tb
	}

	for addr, tb := range fresh {
		if _, ok := cached[addr]; !ok {
			detail.MissingTokens = append(detail.MissingTokens, symbolOrAddr(tb))
		}
	}
	for addr, tb := range cached {
		if _, ok := fresh[addr]; !ok {
			detail.ExtraTokens = append(detail.ExtraTokens, symbolOrAddr(tb))
		}
	}
	for addr, ftb := range fresh {
		if ctb, ok := cached[addr]; ok && ctb.Balance != ftb.Balance {
			detail.DivergedTokens = append(detail.DivergedTokens, symbolOrAddr(ftb))
		}
	}

	matched := len(detail.MissingTokens) == 0 && len(detail.ExtraTokens) == 0 && len(detail.DivergedTokens) == 0
	return detail, matched, nil
}

func symbolOrAddr(tb model.TokenBalance) string {
	if tb.Symbol != "" {
		return tb.Symbol
	}
	return tb.TokenAddress
}

func (s *Service) alertOnMismatches(ctx context.Context, result RunResult) {
	byChain := make(map[model.ChainID]int, len(s.chains))
	for _, m := range result.Mismatches {
		byChain[m.ChainID]++
	}

	for chainID, count := range byChain {
		target, ok := s.chains[chainID]
		if !ok {
			continue
		}
		if err := s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeReconcileErr,
			Chain:   target.Profile.Name,
			Title:   "cache/rebuild balance mismatch detected",
			Message: fmt.Sprintf("%d wallet(s) on %s disagree between cached and rebuilt balances", count, target.Profile.Name),
			Fields: map[string]string{
				"mismatched": fmt.Sprintf("%d", count),
				"total":      fmt.Sprintf("%d", result.Total),
			},
		}); err != nil {
			s.logger.Warn("reconciliation mismatch alert failed", "chain_id", chainID, "error", err)
		}
	}
}
