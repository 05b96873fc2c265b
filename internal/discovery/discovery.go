// Package discovery implements the two-phase Discovery Pipeline: a fast
// multicall sweep over already-known tokens, escalating to a log-crawl
// deep scan when the fast path finds too little (or the caller demands
// a refresh).
package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/kodax/walletsnap/internal/abi"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/logcrawl"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/multicall"
	"github.com/kodax/walletsnap/internal/provider"
	"github.com/kodax/walletsnap/internal/registry"
	"github.com/kodax/walletsnap/internal/rpc"
	"github.com/kodax/walletsnap/internal/snapshot"
	"github.com/kodax/walletsnap/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Phase2TokenThreshold is the default minimum count of non-native
// tokens found by Phase 1 below which Phase 2 runs.
const Phase2TokenThreshold = 3

// SyncCursor records how far the log crawler has progressed for a
// (chain, wallet) pair, so repeated refreshes only scan new blocks.
type SyncCursor interface {
	LastScannedBlock(ctx context.Context, chainID model.ChainID, wallet string) (int64, error)
	SetLastScannedBlock(ctx context.Context, chainID model.ChainID, wallet string, block int64) error
}

// Pipeline runs Phase 1 + Phase 2 discovery for one chain.
type Pipeline struct {
	profile   model.ChainProfile
	pool      *provider.Pool
	multicall *multicall.Engine
	registry  *registry.Registry
	crawler   *logcrawl.Crawler
	cursor    SyncCursor
}

func New(profile model.ChainProfile, pool *provider.Pool, mc *multicall.Engine, reg *registry.Registry, crawler *logcrawl.Crawler, cursor SyncCursor) *Pipeline {
	return &Pipeline{profile: profile, pool: pool, multicall: mc, registry: reg, crawler: crawler, cursor: cursor}
}

// Discover returns the union of non-zero balances found by Phase 1 and,
// when triggered, Phase 2.
func (p *Pipeline) Discover(ctx context.Context, wallet string, refresh bool) ([]snapshot.RawBalance, int64, error) {
	tracer := tracing.Tracer("discovery")
	ctx, span := tracer.Start(ctx, "discovery.discover", trace.WithAttributes(
		attribute.String("chain", p.profile.Name),
		attribute.String("wallet", wallet),
		attribute.Bool("refresh", refresh),
	))
	defer span.End()

	start := time.Now()
	defer func() { metrics.DiscoveryDuration.WithLabelValues(p.profile.Name).Observe(time.Since(start).Seconds()) }()

	latest, err := p.pool.BlockNumber(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: fetch latest block: %w", err)
	}

	phase1, err := p.phase1(ctx, wallet)
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: phase 1: %w", err)
	}

	nonNative := 0
	for _, b := range phase1 {
		if !b.NativeToken {
			nonNative++
		}
	}

	threshold := p.profile.Phase2TokenThreshold
	if threshold <= 0 {
		threshold = Phase2TokenThreshold
	}

	if nonNative >= threshold && !refresh {
		return phase1, latest, nil
	}

	metrics.DiscoveryPhase2TriggeredTotal.WithLabelValues(p.profile.Name).Inc()
	phase2, err := p.phase2(ctx, wallet, latest)
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: phase 2: %w", err)
	}

	return mergeBalances(phase1, phase2), latest, nil
}

// phase1 sweeps every verified token's balanceOf in one multicall pass,
// plus the native coin balance, keeping only non-zero results.
func (p *Pipeline) phase1(ctx context.Context, wallet string) ([]snapshot.RawBalance, error) {
	verified, err := p.registry.ListVerified(ctx, p.profile.ID)
	if err != nil {
		return nil, fmt.Errorf("list verified tokens: %w", err)
	}

	calls := make([]multicall.Call, 0, len(verified))
	for _, t := range verified {
		c, err := multicall.BalanceOf(t.Address, wallet)
		if err != nil {
			continue
		}
		calls = append(calls, c)
	}

	results, err := p.multicall.Execute(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("multicall balanceOf sweep: %w", err)
	}

	balances := make([]snapshot.RawBalance, 0, len(results)+1)
	nativeRaw, err := p.pool.GetBalance(ctx, wallet)
	if err == nil {
		if nativeBig, perr := rpc.ParseHexBigInt(nativeRaw); perr == nil && nativeBig.Sign() != 0 {
			v := nativeBig.String()
			balances = append(balances, snapshot.RawBalance{
				TokenAddress: model.NativeSentinel,
				Symbol:       p.profile.NativeSymbol,
				Name:         p.profile.NativeSymbol,
				Decimals:     p.profile.NativeDecimals,
				Balance:      v,
				NativeToken:  true,
			})
		}
	}

	for i, r := range results {
		if r.Err != nil {
			continue
		}
		amount, err := abi.DecodeUint256(r.Data)
		if err != nil || amount.Sign() == 0 {
			continue
		}
		t := verified[i]
		balances = append(balances, snapshot.RawBalance{
			TokenAddress: t.Address,
			Symbol:       t.Symbol,
			Name:         t.Name,
			Decimals:     t.Decimals,
			Balance:      amount.String(),
			PossibleSpam: t.PossibleSpam,
		})
	}
	return balances, nil
}

// phase2 runs the log crawler from the last scanned block (or the
// chain's discovery start block) to latest, upserts any newly-seen
// tokens into the registry, and sweeps their balances.
func (p *Pipeline) phase2(ctx context.Context, wallet string, latest int64) ([]snapshot.RawBalance, error) {
	fromBlock := p.profile.DiscoveryStartBlock
	if p.cursor != nil {
		if last, err := p.cursor.LastScannedBlock(ctx, p.profile.ID, wallet); err == nil && last+1 > fromBlock {
			fromBlock = last + 1
		}
	}

	tokenAddrs, err := p.crawler.Crawl(ctx, wallet, fromBlock, latest)
	if err != nil {
		return nil, fmt.Errorf("log crawl: %w", err)
	}

	if p.cursor != nil {
		_ = p.cursor.SetLastScannedBlock(ctx, p.profile.ID, wallet, latest)
	}

	newTokens := make([]model.TokenMeta, 0, len(tokenAddrs))
	for addr := range tokenAddrs {
		t, err := p.registry.UpsertDiscovered(ctx, p.profile.ID, addr)
		if err != nil {
			continue
		}
		newTokens = append(newTokens, t)
	}

	calls := make([]multicall.Call, 0, len(newTokens))
	for _, t := range newTokens {
		c, err := multicall.BalanceOf(t.Address, wallet)
		if err != nil {
			continue
		}
		calls = append(calls, c)
	}

	results, err := p.multicall.Execute(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("multicall balanceOf sweep (phase 2): %w", err)
	}

	balances := make([]snapshot.RawBalance, 0, len(results))
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		amount, err := abi.DecodeUint256(r.Data)
		if err != nil || amount.Sign() == 0 {
			continue
		}
		t := newTokens[i]
		balances = append(balances, snapshot.RawBalance{
			TokenAddress: t.Address,
			Symbol:       t.Symbol,
			Name:         t.Name,
			Decimals:     t.Decimals,
			Balance:      amount.String(),
			PossibleSpam: t.PossibleSpam,
		})
	}
	return balances, nil
}

// mergeBalances unions phase1 and phase2, preferring the phase2 entry
// when the same token appears in both (it reflects the more recent
// balanceOf call).
func mergeBalances(phase1, phase2 []snapshot.RawBalance) []snapshot.RawBalance {
	byAddr := make(map[string]snapshot.RawBalance, len(phase1)+len(phase2))
	for _, b := range phase1 {
		byAddr[b.TokenAddress] = b
	}
	for _, b := range phase2 {
		byAddr[b.TokenAddress] = b
	}
	out := make([]snapshot.RawBalance, 0, len(byAddr))
	for _, b := range byAddr {
		out = append(out, b)
	}
	return out
}
