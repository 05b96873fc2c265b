// Package walletcache implements the stale-while-revalidate cache and
// single-flight build coordinator in front of the Discovery Pipeline and
// Snapshot Builder: a hot in-process ShardedLRU layered over a
// persistent Postgres row, one build goroutine per (chain, wallet) pair
// no matter how many callers ask for it concurrently, and a persistent
// syncing flag two background sweepers use to self-heal after a crash.
package walletcache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/kodax/walletsnap/internal/cache"
	"github.com/kodax/walletsnap/internal/domain/event"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
)

// Config holds the cache's tuning parameters.
type Config struct {
	TTL              time.Duration // fresh window; default 60s
	HardExpiry       time.Duration // stale window ceiling; default 30m
	StuckThreshold   time.Duration // syncing=true older than this is crash-orphaned; default 5m
	SweepInterval    time.Duration // both sweepers' tick; default 10m
	BuildTimeout     time.Duration // per-build deadline; default 90s
	HotCacheCapacity int           // ShardedLRU total capacity; default 10000
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.HardExpiry <= 0 {
		c.HardExpiry = 30 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 90 * time.Second
	}
	if c.HotCacheCapacity <= 0 {
		c.HotCacheCapacity = 10000
	}
	return c
}

// Store is the persistence seam, satisfied by *postgres.WalletCacheRepo.
type Store interface {
	Get(ctx context.Context, chainID model.ChainID, wallet string) (model.CacheEntry, bool, error)
	Upsert(ctx context.Context, entry model.CacheEntry) error
	SetSyncing(ctx context.Context, chainID model.ChainID, wallet string, syncing bool) error
	MarkStale(ctx context.Context, chainID model.ChainID, wallet string) error
	ClearStuckSyncs(ctx context.Context, threshold time.Duration) (int64, error)
	DeleteExpiredUntracked(ctx context.Context, hardExpiry time.Duration) (int64, error)
}

// Publisher fans an invalidation out to every other process sharing this
// cache's Postgres backing store, satisfied by *redis.Stream.
type Publisher interface {
	PublishInvalidation(ctx context.Context, evt event.CacheInvalidated) error
}

// BuildFunc produces a fresh WalletSnapshot for wallet on one chain. It
// is expected to run discovery and snapshot assembly; registered once
// per chain at startup.
type BuildFunc func(ctx context.Context, wallet string) (model.WalletSnapshot, error)

type sharedBuild struct {
	done   chan struct{}
	result model.WalletSnapshot
	err    error
}

// Service is the single-flight, stale-while-revalidate coordinator for
// wallet snapshot builds.
type Service struct {
	store     Store
	hot       *cache.ShardedLRU[string, model.CacheEntry]
	cfg       Config
	publisher Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*sharedBuild

	buildersMu sync.RWMutex
	builders   map[model.ChainID]BuildFunc
	chainNames map[model.ChainID]string
}

func New(store Store, cfg Config, publisher Publisher, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:      store,
		hot:        cache.NewShardedLRU[string, model.CacheEntry](cfg.HotCacheCapacity, cfg.TTL, func(k string) string { return k }),
		cfg:        cfg,
		publisher:  publisher,
		logger:     logger.With("component", "walletcache"),
		pending:    make(map[string]*sharedBuild),
		builders:   make(map[model.ChainID]BuildFunc),
		chainNames: make(map[model.ChainID]string),
	}
}

// RegisterBuilder wires the build function for one chain. Must be
// called during startup wiring before Get is called for that chain.
func (s *Service) RegisterBuilder(chainID model.ChainID, chainName string, build BuildFunc) {
	s.buildersMu.Lock()
	defer s.buildersMu.Unlock()
	s.builders[chainID] = build
	s.chainNames[chainID] = chainName
}

func (s *Service) builder(chainID model.ChainID) (BuildFunc, bool) {
	s.buildersMu.RLock()
	defer s.buildersMu.RUnlock()
	b, ok := s.builders[chainID]
	return b, ok
}

func (s *Service) chainName(chainID model.ChainID) string {
	s.buildersMu.RLock()
	defer s.buildersMu.RUnlock()
	if name, ok := s.chainNames[chainID]; ok {
		return name
	}
	return "unknown"
}

func normalizeWallet(wallet string) string {
	norm, err := model.NormalizeAddress(wallet)
	if err != nil {
		return strings.ToLower(wallet)
	}
	return norm
}

func (s *Service) key(chainID model.ChainID, wallet string) string {
	return fmt.Sprintf("%d:%s", chainID, normalizeWallet(wallet))
}

// Get implements the freshness x refresh request contract:
//
//	state      refresh=false                 refresh=true
//	fresh      return cached                  join/start build, block, return new
//	stale      return cached, async refresh   join/start build, block, return new
//	expired    join/start build, block        join/start build, block
//	miss       join/start build, block        join/start build, block
func (s *Service) Get(ctx context.Context, chainID model.ChainID, wallet string, refresh bool) (model.WalletSnapshot, error) {
	key := s.key(chainID, wallet)
	chainName := s.chainName(chainID)

	entry, found := s.hot.Get(key)
	if !found {
		e, ok, err := s.store.Get(ctx, chainID, wallet)
		if err != nil {
			return model.WalletSnapshot{}, fmt.Errorf("walletcache: get: %w", err)
		}
		if ok {
			entry = e
			found = true
			s.hot.Put(key, entry)
		}
	}

	freshness := model.FreshnessMiss
	if found {
		freshness = entry.Classify(time.Now(), s.cfg.TTL, s.cfg.HardExpiry)
	}
	metrics.CacheLookupsTotal.WithLabelValues(chainName, freshness.String()).Inc()

	switch freshness {
	case model.FreshnessFresh:
		if !refresh {
			return entry.Data, nil
		}
		return s.buildOrServeStale(ctx, key, chainID, wallet, entry, found)
	case model.FreshnessStale:
		if !refresh {
			s.enqueueAsync(chainID, wallet)
			return entry.Data, nil
		}
		return s.buildOrServeStale(ctx, key, chainID, wallet, entry, found)
	default:
		return s.buildOrServeStale(ctx, key, chainID, wallet, entry, found)
	}
}

// buildOrServeStale runs (or joins) a build and, if it fails, degrades
// to the last known row rather than propagating the error, matching
// ProviderUnavailable and BuildTimeout's documented behavior of
// returning stale data with syncing true and only surfacing an error
// when nothing has ever been cached for this wallet.
func (s *Service) buildOrServeStale(ctx context.Context, key string, chainID model.ChainID, wallet string, entry model.CacheEntry, found bool) (model.WalletSnapshot, error) {
	snap, err := s.joinOrStart(ctx, key, chainID, wallet)
	if err == nil {
		return snap, nil
	}
	if !found {
		return model.WalletSnapshot{}, err
	}
	s.logger.Warn("build failed, serving stale cache entry", "chain_id", chainID, "wallet", wallet, "error", err)
	stale := entry.Data
	stale.Syncing = true
	return stale, nil
}

// Invalidate marks a (chain, wallet) row stale immediately (typically
// because the head scanner observed a Transfer log touching it),
// evicts it from the hot cache, fans the invalidation out to other
// instances, and enqueues a background refresh.
func (s *Service) Invalidate(ctx context.Context, chainID model.ChainID, wallet string, reason string) error {
	key := s.key(chainID, wallet)
	s.hot.Delete(key)

	if err := s.store.MarkStale(ctx, chainID, wallet); err != nil {
		return fmt.Errorf("walletcache: invalidate: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishInvalidation(ctx, event.CacheInvalidated{ChainID: chainID, Wallet: wallet, Reason: reason}); err != nil {
			s.logger.Warn("publish invalidation failed", "chain_id", chainID, "wallet", wallet, "error", err)
		}
	}

	s.enqueueAsync(chainID, wallet)
	return nil
}

// HandleRemoteInvalidation drops key from the hot cache in response to
// an invalidation published by another instance. The publishing
// instance already marked the row stale in the shared Postgres store,
// so this instance's next Get falls through to it.
func (s *Service) HandleRemoteInvalidation(evt event.CacheInvalidated) {
	s.hot.Delete(s.key(evt.ChainID, evt.Wallet))
}

func (s *Service) enqueueAsync(chainID model.ChainID, wallet string) {
	key := s.key(chainID, wallet)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in async cache refresh", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BuildTimeout)
		defer cancel()
		if _, err := s.joinOrStart(ctx, key, chainID, wallet); err != nil {
			s.logger.Warn("async cache refresh failed", "chain_id", chainID, "wallet", wallet, "error", err)
		}
	}()
}

// joinOrStart returns the result of the single in-flight build for key,
// starting one if none is running, and blocks until it completes or ctx
// is cancelled.
func (s *Service) joinOrStart(ctx context.Context, key string, chainID model.ChainID, wallet string) (model.WalletSnapshot, error) {
	s.mu.Lock()
	sb, ok := s.pending[key]
	if !ok {
		sb = &sharedBuild{done: make(chan struct{})}
		s.pending[key] = sb
		go s.runBuild(key, chainID, wallet, sb)
	}
	s.mu.Unlock()

	select {
	case <-sb.done:
		return sb.result, sb.err
	case <-ctx.Done():
		return model.WalletSnapshot{}, ctx.Err()
	}
}

func (s *Service) runBuild(key string, chainID model.ChainID, wallet string, sb *sharedBuild) {
	chainName := s.chainName(chainID)
	metrics.CacheBuildsInFlight.WithLabelValues(chainName).Inc()

	start := time.Now()
	defer func() {
		metrics.CacheBuildDuration.WithLabelValues(chainName).Observe(time.Since(start).Seconds())
		metrics.CacheBuildsInFlight.WithLabelValues(chainName).Dec()

		if r := recover(); r != nil {
			sb.err = fmt.Errorf("walletcache: build panicked: %v", r)
			s.logger.Error("cache build panic", "chain_id", chainID, "wallet", wallet, "panic", r, "stack", string(debug.Stack()))
			buildCtx, cancel := context.WithTimeout(context.Background(), s.cfg.BuildTimeout)
			_ = s.store.SetSyncing(buildCtx, chainID, wallet, false)
			cancel()
		}

		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		close(sb.done)
	}()

	buildCtx, cancel := context.WithTimeout(context.Background(), s.cfg.BuildTimeout)
	defer cancel()

	if err := s.store.SetSyncing(buildCtx, chainID, wallet, true); err != nil {
		s.logger.Warn("set syncing failed", "chain_id", chainID, "wallet", wallet, "error", err)
	}

	build, ok := s.builder(chainID)
	if !ok {
		sb.err = fmt.Errorf("walletcache: no builder registered for chain %d", chainID)
		_ = s.store.SetSyncing(buildCtx, chainID, wallet, false)
		return
	}

	snap, err := build(buildCtx, wallet)
	if err != nil {
		sb.err = fmt.Errorf("walletcache: build: %w", err)
		_ = s.store.SetSyncing(buildCtx, chainID, wallet, false)
		return
	}

	now := time.Now()
	entry := model.CacheEntry{
		ChainID:     chainID,
		Wallet:      normalizeWallet(wallet),
		Data:        snap,
		LastUpdated: now,
		ExpiresAt:   now.Add(s.cfg.HardExpiry),
		Syncing:     false,
	}
	if err := s.store.Upsert(buildCtx, entry); err != nil {
		sb.err = fmt.Errorf("walletcache: persist: %w", err)
		return
	}

	s.hot.Put(key, entry)
	sb.result = snap
}

// RunStuckSyncSweeper periodically clears a persistent syncing flag left
// behind by a process that crashed mid-build; within a live process the
// in-memory single-flight map is authoritative, so this only matters
// across restarts. Blocks until ctx is cancelled.
func (s *Service) RunStuckSyncSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("stuck sync sweeper started", "interval", s.cfg.SweepInterval, "threshold", s.cfg.StuckThreshold)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.store.ClearStuckSyncs(ctx, s.cfg.StuckThreshold)
			if err != nil {
				s.logger.Warn("stuck sync sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.CacheStuckSyncRecoveredTotal.WithLabelValues("all").Add(float64(n))
				s.logger.Info("cleared stuck cache syncs", "count", n)
			}
		}
	}
}

// RunExpirySweeper periodically deletes hard-expired rows that no
// active tracked wallet still references. Blocks until ctx is
// cancelled.
func (s *Service) RunExpirySweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started", "interval", s.cfg.SweepInterval, "hard_expiry", s.cfg.HardExpiry)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.store.DeleteExpiredUntracked(ctx, s.cfg.HardExpiry)
			if err != nil {
				s.logger.Warn("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				metrics.CacheExpiredRowsSweptTotal.WithLabelValues("all").Add(float64(n))
				s.logger.Info("swept expired cache rows", "count", n)
			}
		}
	}
}
