package tracked

import (
	"context"
	"sync"
	"testing"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/stretchr/testify/require"
)

type fakeIndexStore struct {
	mu      sync.Mutex
	wallets map[string]model.TrackedWallet
	getErr  error
}

func newFakeIndexStore() *fakeIndexStore {
	return &fakeIndexStore{wallets: make(map[string]model.TrackedWallet)}
}

func (f *fakeIndexStore) Add(ctx context.Context, wallet string, chains []model.ChainID) (model.TrackedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tw := model.TrackedWallet{Wallet: wallet, Chains: model.ChainSet(chains...), Active: true}
	f.wallets[wallet] = tw
	return tw, nil
}

func (f *fakeIndexStore) Remove(ctx context.Context, wallet string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.wallets, wallet)
	return nil
}

func (f *fakeIndexStore) Get(ctx context.Context, wallet string) (model.TrackedWallet, bool, error) {
	if f.getErr != nil {
		return model.TrackedWallet{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tw, ok := f.wallets[wallet]
	return tw, ok, nil
}

func (f *fakeIndexStore) ListActive(ctx context.Context) ([]model.TrackedWallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TrackedWallet, 0, len(f.wallets))
	for _, tw := range f.wallets {
		out = append(out, tw)
	}
	return out, nil
}

func (f *fakeIndexStore) CountActive(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.wallets), nil
}

const testWallet = "0x000000000000000000000000000000000000aa"

func TestIndex_Lookup_UnknownWalletReturnsNil(t *testing.T) {
	idx := NewIndex(newFakeIndexStore(), IndexConfig{})
	require.Nil(t, idx.Lookup(context.Background(), testWallet))
}

func TestIndex_Lookup_FallsThroughToStoreOnBloomHit(t *testing.T) {
	store := newFakeIndexStore()
	ctx := context.Background()
	_, err := store.Add(ctx, testWallet, []model.ChainID{1})
	require.NoError(t, err)

	idx := NewIndex(store, IndexConfig{})
	idx.bloom.add(normalizeKey(testWallet))

	tw := idx.Lookup(ctx, testWallet)
	require.NotNil(t, tw)
	require.Equal(t, testWallet, tw.Wallet)
}

func TestIndex_Put_MakesWalletFindableWithoutStoreRoundTrip(t *testing.T) {
	store := newFakeIndexStore()
	idx := NewIndex(store, IndexConfig{})

	idx.Put(model.TrackedWallet{Wallet: testWallet, Chains: model.ChainSet(1), Active: true})

	require.True(t, idx.Contains(context.Background(), testWallet))
}

func TestIndex_Evict_RemovesFromLRUButBloomStillMayHit(t *testing.T) {
	store := newFakeIndexStore()
	idx := NewIndex(store, IndexConfig{})
	idx.Put(model.TrackedWallet{Wallet: testWallet, Chains: model.ChainSet(1), Active: true})

	idx.Evict(testWallet)

	require.False(t, idx.Contains(context.Background(), testWallet))
}

func TestIndex_Reload_RebuildsFromStore(t *testing.T) {
	store := newFakeIndexStore()
	ctx := context.Background()
	_, err := store.Add(ctx, testWallet, []model.ChainID{1, 2})
	require.NoError(t, err)

	idx := NewIndex(store, IndexConfig{})
	require.False(t, idx.Contains(ctx, testWallet))

	require.NoError(t, idx.Reload(ctx))
	require.True(t, idx.Contains(ctx, testWallet))
}
