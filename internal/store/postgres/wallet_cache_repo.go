package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// WalletCacheRepo backs the stale-while-revalidate cache row for one
// (chain, wallet) pair.
type WalletCacheRepo struct {
	db *DB
}

func NewWalletCacheRepo(db *DB) *WalletCacheRepo {
	return &WalletCacheRepo{db: db}
}

// Get returns the cache row for (chainID, wallet), or found=false if no
// row exists yet.
func (r *WalletCacheRepo) Get(ctx context.Context, chainID model.ChainID, wallet string) (model.CacheEntry, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var data []byte
	var entry model.CacheEntry
	err := r.db.QueryRowContext(ctx, `
		SELECT data, last_updated, expires_at, syncing
		FROM wallet_cache
		WHERE chain_id = $1 AND wallet = $2
	`, int64(chainID), wallet).Scan(&data, &entry.LastUpdated, &entry.ExpiresAt, &entry.Syncing)
	if err == sql.ErrNoRows {
		return model.CacheEntry{}, false, nil
	}
	if err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("wallet cache get: %w", err)
	}
	if err := json.Unmarshal(data, &entry.Data); err != nil {
		return model.CacheEntry{}, false, fmt.Errorf("wallet cache get: decode snapshot: %w", err)
	}
	entry.ChainID = chainID
	entry.Wallet = wallet
	return entry, true, nil
}

// Upsert writes a fully-built cache row, replacing any existing one.
func (r *WalletCacheRepo) Upsert(ctx context.Context, entry model.CacheEntry) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	data, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("wallet cache upsert: encode snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO wallet_cache (chain_id, wallet, data, last_updated, expires_at, syncing)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_id, wallet) DO UPDATE SET
			data = EXCLUDED.data,
			last_updated = EXCLUDED.last_updated,
			expires_at = EXCLUDED.expires_at,
			syncing = EXCLUDED.syncing
	`, int64(entry.ChainID), entry.Wallet, data, entry.LastUpdated, entry.ExpiresAt, entry.Syncing)
	if err != nil {
		return fmt.Errorf("wallet cache upsert: %w", err)
	}
	return nil
}

// SetSyncing flips the persistent syncing flag, creating a placeholder
// row (empty snapshot, syncing=true) the first time a build starts for
// a (chain, wallet) pair that has never been cached before.
func (r *WalletCacheRepo) SetSyncing(ctx context.Context, chainID model.ChainID, wallet string, syncing bool) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_cache (chain_id, wallet, data, last_updated, expires_at, syncing)
		VALUES ($1, $2, '{}'::jsonb, now(), now(), $3)
		ON CONFLICT (chain_id, wallet) DO UPDATE SET syncing = EXCLUDED.syncing
	`, int64(chainID), wallet, syncing)
	if err != nil {
		return fmt.Errorf("wallet cache set syncing: %w", err)
	}
	return nil
}

// MarkStale forces a cache row to be classified stale (or expired) on
// its next read by rewinding last_updated to the epoch, a no-op if the
// row doesn't exist yet.
func (r *WalletCacheRepo) MarkStale(ctx context.Context, chainID model.ChainID, wallet string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE wallet_cache SET last_updated = to_timestamp(0)
		WHERE chain_id = $1 AND wallet = $2
	`, int64(chainID), wallet)
	if err != nil {
		return fmt.Errorf("wallet cache mark stale: %w", err)
	}
	return nil
}

// ClearStuckSyncs clears syncing=true on rows whose last_updated is
// older than threshold, self-healing after a process crash mid-build.
// Returns the number of rows cleared.
func (r *WalletCacheRepo) ClearStuckSyncs(ctx context.Context, threshold time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		UPDATE wallet_cache SET syncing = false
		WHERE syncing = true AND last_updated < now() - ($1 || ' seconds')::interval
	`, threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("wallet cache clear stuck syncs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpiredUntracked deletes rows past hardExpiry that have no
// corresponding active TrackedWallet on that chain. Returns the number
// of rows deleted.
func (r *WalletCacheRepo) DeleteExpiredUntracked(ctx context.Context, hardExpiry time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM wallet_cache wc
		WHERE wc.last_updated < now() - ($1 || ' seconds')::interval
		  AND NOT EXISTS (
		      SELECT 1 FROM tracked_wallets tw
		      WHERE tw.wallet = wc.wallet AND tw.active = true AND wc.chain_id = ANY(tw.chains)
		  )
	`, hardExpiry.Seconds())
	if err != nil {
		return 0, fmt.Errorf("wallet cache delete expired: %w", err)
	}
	return result.RowsAffected()
}
