package tracked

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistryCache struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRegistryCache) Get(ctx context.Context, chainID model.ChainID, wallet string, refresh bool) (model.WalletSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, wallet)
	return model.WalletSnapshot{ChainID: chainID}, nil
}

func (f *fakeRegistryCache) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRegistry_AddWallet_RegistersAndWarmsEveryChain(t *testing.T) {
	store := newFakeIndexStore()
	idx := NewIndex(store, IndexConfig{})
	cache := &fakeRegistryCache{}
	reg := NewRegistry(store, idx, cache, discardLogger())

	tw, err := reg.AddWallet(context.Background(), testWallet, []model.ChainID{1, 2})
	require.NoError(t, err)
	require.Len(t, tw.Chains, 2)
	require.True(t, reg.IsTracked(context.Background(), testWallet))

	require.Eventually(t, func() bool { return cache.callCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_RemoveWallet_EvictsFromIndex(t *testing.T) {
	store := newFakeIndexStore()
	idx := NewIndex(store, IndexConfig{})
	reg := NewRegistry(store, idx, &fakeRegistryCache{}, discardLogger())
	ctx := context.Background()

	_, err := reg.AddWallet(ctx, testWallet, []model.ChainID{1})
	require.NoError(t, err)
	require.NoError(t, reg.RemoveWallet(ctx, testWallet))

	require.False(t, reg.IsTracked(ctx, testWallet))
}

func TestRegistry_ListWallets_ReturnsAllActive(t *testing.T) {
	store := newFakeIndexStore()
	idx := NewIndex(store, IndexConfig{})
	reg := NewRegistry(store, idx, &fakeRegistryCache{}, discardLogger())
	ctx := context.Background()

	_, err := reg.AddWallet(ctx, testWallet, []model.ChainID{1})
	require.NoError(t, err)

	wallets, err := reg.ListWallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
}

func TestRegistry_Reload_WarmsIndexFromStore(t *testing.T) {
	store := newFakeIndexStore()
	ctx := context.Background()
	_, err := store.Add(ctx, testWallet, []model.ChainID{1})
	require.NoError(t, err)

	idx := NewIndex(store, IndexConfig{})
	reg := NewRegistry(store, idx, &fakeRegistryCache{}, discardLogger())

	require.False(t, reg.IsTracked(ctx, testWallet))
	require.NoError(t, reg.Reload(ctx))
	require.True(t, reg.IsTracked(ctx, testWallet))
}
