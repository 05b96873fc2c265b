//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/store/postgres"
	"github.com/stretchr/testify/require"
)

func TestTrackedWalletRepo_AddThenGet(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)
	ctx := context.Background()
	wallet := "0x0000000000000000000000000000000000aaaa"

	tw, err := repo.Add(ctx, wallet, []model.ChainID{1, 56})
	require.NoError(t, err)
	require.Len(t, tw.Chains, 2)
	require.True(t, tw.Active)

	got, found, err := repo.Get(ctx, wallet)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, got.Chains, model.ChainID(1))
	require.Contains(t, got.Chains, model.ChainID(56))
}

func TestTrackedWalletRepo_Add_UnionsChainsOnRepeatedAdd(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)
	ctx := context.Background()
	wallet := "0x0000000000000000000000000000000000bbbb"

	_, err := repo.Add(ctx, wallet, []model.ChainID{1})
	require.NoError(t, err)
	tw, err := repo.Add(ctx, wallet, []model.ChainID{137})
	require.NoError(t, err)

	require.Len(t, tw.Chains, 2)
	require.Contains(t, tw.Chains, model.ChainID(1))
	require.Contains(t, tw.Chains, model.ChainID(137))
}

func TestTrackedWalletRepo_Get_MissingWalletNotFound(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)

	_, found, err := repo.Get(context.Background(), "0x0000000000000000000000000000000000cccc")
	require.NoError(t, err)
	require.False(t, found)
}

func TestTrackedWalletRepo_Remove_SoftDeletesAndHidesFromGetAndListActive(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)
	ctx := context.Background()
	wallet := "0x0000000000000000000000000000000000dddd"

	_, err := repo.Add(ctx, wallet, []model.ChainID{1})
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx, wallet))

	_, found, err := repo.Get(ctx, wallet)
	require.NoError(t, err)
	require.False(t, found)

	wallets, err := repo.ListActive(ctx)
	require.NoError(t, err)
	for _, tw := range wallets {
		require.NotEqual(t, wallet, tw.Wallet)
	}
}

func TestTrackedWalletRepo_Remove_ThenAddReactivates(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)
	ctx := context.Background()
	wallet := "0x0000000000000000000000000000000000eeee"

	_, err := repo.Add(ctx, wallet, []model.ChainID{1})
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx, wallet))

	tw, err := repo.Add(ctx, wallet, []model.ChainID{1})
	require.NoError(t, err)
	require.True(t, tw.Active)

	_, found, err := repo.Get(ctx, wallet)
	require.NoError(t, err)
	require.True(t, found)
}

func TestTrackedWalletRepo_CountActive(t *testing.T) {
	db := testDB(t)
	repo := postgres.NewTrackedWalletRepo(db)
	ctx := context.Background()

	before, err := repo.CountActive(ctx)
	require.NoError(t, err)

	_, err = repo.Add(ctx, "0x0000000000000000000000000000000000ffff", []model.ChainID{1})
	require.NoError(t, err)

	after, err := repo.CountActive(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, after)
}
