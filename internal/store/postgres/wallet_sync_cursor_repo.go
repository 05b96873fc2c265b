package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// WalletSyncCursorRepo persists how far the log crawler has progressed
// for one (chain, wallet) pair, so a repeated Phase 2 discovery run
// only scans blocks it hasn't already crawled.
type WalletSyncCursorRepo struct {
	db *DB
}

func NewWalletSyncCursorRepo(db *DB) *WalletSyncCursorRepo {
	return &WalletSyncCursorRepo{db: db}
}

// LastScannedBlock returns 0 if the pair has never been scanned.
func (r *WalletSyncCursorRepo) LastScannedBlock(ctx context.Context, chainID model.ChainID, wallet string) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var block int64
	err := r.db.QueryRowContext(ctx, `
		SELECT last_scanned_block FROM wallet_sync_cursor WHERE chain_id = $1 AND wallet = $2
	`, int64(chainID), wallet).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wallet sync cursor get: %w", err)
	}
	return block, nil
}

func (r *WalletSyncCursorRepo) SetLastScannedBlock(ctx context.Context, chainID model.ChainID, wallet string, block int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_sync_cursor (chain_id, wallet, last_scanned_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id, wallet) DO UPDATE SET
			last_scanned_block = EXCLUDED.last_scanned_block,
			updated_at = now()
	`, int64(chainID), wallet, block)
	if err != nil {
		return fmt.Errorf("wallet sync cursor set: %w", err)
	}
	return nil
}
