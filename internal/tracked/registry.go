package tracked

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// Cache is the seam into the stale-while-revalidate cache, satisfied
// by *walletcache.Service. Registry uses it to kick off an immediate
// build for a newly tracked wallet instead of waiting for the next
// scheduled refresh.
type Cache interface {
	Get(ctx context.Context, chainID model.ChainID, wallet string, refresh bool) (model.WalletSnapshot, error)
}

// Registry is the tracked-wallet set: the durable Store, the fast
// membership Index kept in sync with it, and the Cache used to warm a
// newly added wallet immediately.
type Registry struct {
	store  Store
	index  *Index
	cache  Cache
	logger *slog.Logger
}

func NewRegistry(store Store, index *Index, cache Cache, logger *slog.Logger) *Registry {
	return &Registry{store: store, index: index, cache: cache, logger: logger}
}

// AddWallet registers wallet for chains, unions it with any chains it
// is already tracked on, updates the membership index immediately, and
// fires a background build per chain so the first read after adding
// doesn't pay the full build latency.
func (r *Registry) AddWallet(ctx context.Context, wallet string, chains []model.ChainID) (model.TrackedWallet, error) {
	tw, err := r.store.Add(ctx, wallet, chains)
	if err != nil {
		return model.TrackedWallet{}, fmt.Errorf("tracked registry add: %w", err)
	}

	r.index.Put(tw)

	for chainID := range tw.Chains {
		go r.warm(chainID, tw.Wallet)
	}

	return tw, nil
}

func (r *Registry) warm(chainID model.ChainID, wallet string) {
	if _, err := r.cache.Get(context.Background(), chainID, wallet, true); err != nil {
		r.logger.Warn("warm build for newly tracked wallet failed", "chain_id", chainID, "wallet", wallet, "error", err)
	}
}

// RemoveWallet soft-deletes wallet and evicts it from the membership
// index.
func (r *Registry) RemoveWallet(ctx context.Context, wallet string) error {
	if err := r.store.Remove(ctx, wallet); err != nil {
		return fmt.Errorf("tracked registry remove: %w", err)
	}
	r.index.Evict(wallet)
	return nil
}

// ListWallets returns every actively tracked wallet.
func (r *Registry) ListWallets(ctx context.Context) ([]model.TrackedWallet, error) {
	wallets, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("tracked registry list: %w", err)
	}
	return wallets, nil
}

// GetWallet returns the tracked wallet's record, or found=false if it
// isn't tracked.
func (r *Registry) GetWallet(ctx context.Context, wallet string) (model.TrackedWallet, bool, error) {
	return r.store.Get(ctx, wallet)
}

// IsTracked reports whether wallet is actively tracked, via the fast
// membership index rather than a direct store round trip.
func (r *Registry) IsTracked(ctx context.Context, wallet string) bool {
	return r.index.Contains(ctx, wallet)
}

// CountActive returns the number of actively tracked wallets, used to
// drive the tracked_active_wallets gauge.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	return r.store.CountActive(ctx)
}

// Reload rebuilds the membership index from the store, called once at
// startup before the index is trusted.
func (r *Registry) Reload(ctx context.Context) error {
	return r.index.Reload(ctx)
}
