package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// BlockSyncRepo persists each chain's head-scanner progress so a
// restarted scanner resumes from synced_block instead of re-crawling
// from genesis.
type BlockSyncRepo struct {
	db *DB
}

func NewBlockSyncRepo(db *DB) *BlockSyncRepo {
	return &BlockSyncRepo{db: db}
}

// Get returns a chain's sync status, or found=false if it has never
// been recorded.
func (r *BlockSyncRepo) Get(ctx context.Context, chainID model.ChainID) (model.BlockSyncStatus, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var status model.BlockSyncStatus
	var statusStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT chain_id, latest_block, synced_block, last_sync, status
		FROM block_sync_status WHERE chain_id = $1
	`, int64(chainID)).Scan(&status.ChainID, &status.LatestBlock, &status.SyncedBlock, &status.LastSync, &statusStr)
	if err == sql.ErrNoRows {
		return model.BlockSyncStatus{}, false, nil
	}
	if err != nil {
		return model.BlockSyncStatus{}, false, fmt.Errorf("block sync get: %w", err)
	}
	status.Status = model.SyncStatus(statusStr)
	return status, true, nil
}

// Upsert persists the current sync status for a chain.
func (r *BlockSyncRepo) Upsert(ctx context.Context, status model.BlockSyncStatus) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO block_sync_status (chain_id, latest_block, synced_block, last_sync, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id) DO UPDATE SET
			latest_block = EXCLUDED.latest_block,
			synced_block = EXCLUDED.synced_block,
			last_sync = EXCLUDED.last_sync,
			status = EXCLUDED.status
	`, int64(status.ChainID), status.LatestBlock, status.SyncedBlock, status.LastSync, string(status.Status))
	if err != nil {
		return fmt.Errorf("block sync upsert: %w", err)
	}
	return nil
}

// AdvanceSynced moves synced_block forward for a chain after a batch
// of blocks has been scanned without error.
func (r *BlockSyncRepo) AdvanceSynced(ctx context.Context, chainID model.ChainID, syncedBlock, latestBlock int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO block_sync_status (chain_id, latest_block, synced_block, last_sync, status)
		VALUES ($1, $2, $3, now(), 'active')
		ON CONFLICT (chain_id) DO UPDATE SET
			latest_block = EXCLUDED.latest_block,
			synced_block = EXCLUDED.synced_block,
			last_sync = now(),
			status = 'active'
	`, int64(chainID), latestBlock, syncedBlock)
	if err != nil {
		return fmt.Errorf("block sync advance: %w", err)
	}
	return nil
}

// MarkError records that a chain's scan loop hit an error it could not
// recover from within the current poll cycle.
func (r *BlockSyncRepo) MarkError(ctx context.Context, chainID model.ChainID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE block_sync_status SET status = 'error', last_sync = now() WHERE chain_id = $1
	`, int64(chainID))
	if err != nil {
		return fmt.Errorf("block sync mark error: %w", err)
	}
	return nil
}
