// Package tracked implements the tracked-wallet registry: a 3-tier
// in-memory membership index (bloom filter, LRU, database) in front of
// the tracked_wallets table, and a Refresher that proactively keeps
// every tracked wallet's cache entry warm.
package tracked

import (
	"context"
	"fmt"
	"time"

	"github.com/kodax/walletsnap/internal/cache"
	"github.com/kodax/walletsnap/internal/domain/model"
)

// IndexConfig sizes the bloom filter and LRU negative/positive cache
// backing the tracked-wallet index.
type IndexConfig struct {
	BloomExpectedItems int
	BloomFPR           float64
	LRUCapacity        int
	LRUTTL             time.Duration
}

func (c IndexConfig) withDefaults() IndexConfig {
	if c.BloomExpectedItems <= 0 {
		c.BloomExpectedItems = 1_000_000
	}
	if c.BloomFPR <= 0 {
		c.BloomFPR = 0.001
	}
	if c.LRUCapacity <= 0 {
		c.LRUCapacity = 100_000
	}
	if c.LRUTTL <= 0 {
		c.LRUTTL = 10 * time.Minute
	}
	return c
}

// Store is the persistence seam for the tracked-wallet set, satisfied
// by *postgres.TrackedWalletRepo.
type Store interface {
	Add(ctx context.Context, wallet string, chains []model.ChainID) (model.TrackedWallet, error)
	Remove(ctx context.Context, wallet string) error
	Get(ctx context.Context, wallet string) (model.TrackedWallet, bool, error)
	ListActive(ctx context.Context) ([]model.TrackedWallet, error)
	CountActive(ctx context.Context) (int, error)
}

// Index is a 3-tier wallet membership test:
//
//	Tier 1: bloom filter -- definite negative, O(1)
//	Tier 2: LRU cache -- cached positive or negative result
//	Tier 3: Store -- authoritative lookup, result cached in the LRU
type Index struct {
	bloom *bloomFilter
	lru   *cache.LRU[string, *model.TrackedWallet] // nil value = negative cache
	store Store
}

func NewIndex(store Store, cfg IndexConfig) *Index {
	cfg = cfg.withDefaults()
	return &Index{
		bloom: newBloomFilter(cfg.BloomExpectedItems, cfg.BloomFPR),
		lru:   cache.NewLRU[string, *model.TrackedWallet](cfg.LRUCapacity, cfg.LRUTTL),
		store: store,
	}
}

// Contains reports whether wallet is (probably, pending DB
// verification on a bloom hit) an actively tracked wallet.
func (idx *Index) Contains(ctx context.Context, wallet string) bool {
	return idx.Lookup(ctx, wallet) != nil
}

// Lookup returns the TrackedWallet if wallet is actively tracked, or
// nil otherwise, consulting bloom -> LRU -> store in order.
func (idx *Index) Lookup(ctx context.Context, wallet string) *model.TrackedWallet {
	key := normalizeKey(wallet)

	if !idx.bloom.mayContain(key) {
		return nil
	}

	if tw, ok := idx.lru.Get(key); ok {
		return tw
	}

	tw, found, err := idx.store.Get(ctx, wallet)
	if err != nil {
		// Ambiguous on error: assume tracked so a reactive head-scanner
		// invalidation isn't silently dropped.
		return &model.TrackedWallet{Wallet: wallet}
	}
	if !found {
		idx.lru.Put(key, nil)
		return nil
	}
	idx.lru.Put(key, &tw)
	return &tw
}

// Put updates the index for a single wallet without a full reload,
// used right after Add/Remove to keep the hot tiers in sync.
func (idx *Index) Put(tw model.TrackedWallet) {
	key := normalizeKey(tw.Wallet)
	idx.bloom.add(key)
	idx.lru.Put(key, &tw)
}

// Evict removes wallet from the LRU tier (the bloom filter has no
// removal; a stale bloom positive just falls through to the store,
// which will report not-found).
func (idx *Index) Evict(wallet string) {
	idx.lru.Delete(normalizeKey(wallet))
}

// Reload rebuilds the bloom filter and warms the LRU from every active
// tracked wallet in the store.
func (idx *Index) Reload(ctx context.Context) error {
	wallets, err := idx.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("tracked index reload: %w", err)
	}

	idx.bloom.reset()
	for i := range wallets {
		key := normalizeKey(wallets[i].Wallet)
		idx.bloom.add(key)
		idx.lru.Put(key, &wallets[i])
	}
	return nil
}

func normalizeKey(wallet string) string {
	if norm, err := model.NormalizeAddress(wallet); err == nil {
		return norm
	}
	return wallet
}
