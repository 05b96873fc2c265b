package postgres

import (
	"context"
	"testing"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/stretchr/testify/require"
)

// These exercise pure validation/pagination logic that doesn't need a
// live connection; full round-trip coverage lives in the
// testcontainers-backed integration suite (see integration_test.go).

func TestTokenRepo_UpsertDiscovered_RejectsInvalidToken(t *testing.T) {
	repo := &TokenRepo{}
	err := repo.UpsertDiscovered(context.Background(), model.TokenMeta{
		ChainID: 1,
		Address: "0x000000000000000000000000000000000000aa",
		Symbol:  "",
		Decimals: 18,
	})
	require.Error(t, err)
}
