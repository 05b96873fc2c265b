package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/lib/pq"
)

// TrackedWalletRepo backs the tracked-wallet set: wallets registered
// for proactive background refresh and reactive head-scanner
// invalidation.
type TrackedWalletRepo struct {
	db *DB
}

func NewTrackedWalletRepo(db *DB) *TrackedWalletRepo {
	return &TrackedWalletRepo{db: db}
}

// Add registers wallet for chains, unioning with any chains it is
// already tracked on and reactivating a soft-deleted row.
func (r *TrackedWalletRepo) Add(ctx context.Context, wallet string, chains []model.ChainID) (model.TrackedWallet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	ids := make(pq.Int64Array, len(chains))
	for i, c := range chains {
		ids[i] = int64(c)
	}

	var chainsOut pq.Int64Array
	var firstSeen, lastSeen time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO tracked_wallets (wallet, chains, first_seen, last_seen, active)
		VALUES ($1, $2, now(), now(), true)
		ON CONFLICT (wallet) DO UPDATE SET
			chains = (
				SELECT array_agg(DISTINCT c) FROM unnest(tracked_wallets.chains || EXCLUDED.chains) AS c
			),
			last_seen = now(),
			active = true
		RETURNING chains, first_seen, last_seen
	`, wallet, ids).Scan(&chainsOut, &firstSeen, &lastSeen)
	if err != nil {
		return model.TrackedWallet{}, fmt.Errorf("tracked wallet add: %w", err)
	}

	set := make(map[model.ChainID]struct{}, len(chainsOut))
	for _, c := range chainsOut {
		set[model.ChainID(c)] = struct{}{}
	}
	return model.TrackedWallet{Wallet: wallet, Chains: set, FirstSeen: firstSeen, LastSeen: lastSeen, Active: true}, nil
}

// Remove soft-deletes wallet, marking it inactive rather than dropping
// the row (preserves FirstSeen/LastSeen for audit and reconciliation
// with the cache's expiry sweep).
func (r *TrackedWalletRepo) Remove(ctx context.Context, wallet string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE tracked_wallets SET active = false, last_seen = now() WHERE wallet = $1
	`, wallet)
	if err != nil {
		return fmt.Errorf("tracked wallet remove: %w", err)
	}
	return nil
}

// Get returns a single tracked wallet, or found=false if it isn't
// active.
func (r *TrackedWalletRepo) Get(ctx context.Context, wallet string) (model.TrackedWallet, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var chainsOut pq.Int64Array
	var firstSeen, lastSeen time.Time
	err := r.db.QueryRowContext(ctx, `
		SELECT chains, first_seen, last_seen FROM tracked_wallets WHERE wallet = $1 AND active = true
	`, wallet).Scan(&chainsOut, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return model.TrackedWallet{}, false, nil
	}
	if err != nil {
		return model.TrackedWallet{}, false, fmt.Errorf("tracked wallet get: %w", err)
	}

	set := make(map[model.ChainID]struct{}, len(chainsOut))
	for _, c := range chainsOut {
		set[model.ChainID(c)] = struct{}{}
	}
	return model.TrackedWallet{Wallet: wallet, Chains: set, FirstSeen: firstSeen, LastSeen: lastSeen, Active: true}, true, nil
}

// ListActive returns every active tracked wallet.
func (r *TrackedWalletRepo) ListActive(ctx context.Context) ([]model.TrackedWallet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT wallet, chains, first_seen, last_seen FROM tracked_wallets WHERE active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("tracked wallet list active: %w", err)
	}
	defer rows.Close()

	var out []model.TrackedWallet
	for rows.Next() {
		var wallet string
		var chainsOut pq.Int64Array
		var firstSeen, lastSeen time.Time
		if err := rows.Scan(&wallet, &chainsOut, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("tracked wallet scan: %w", err)
		}
		set := make(map[model.ChainID]struct{}, len(chainsOut))
		for _, c := range chainsOut {
			set[model.ChainID(c)] = struct{}{}
		}
		out = append(out, model.TrackedWallet{Wallet: wallet, Chains: set, FirstSeen: firstSeen, LastSeen: lastSeen, Active: true})
	}
	return out, rows.Err()
}

// CountActive returns the number of active tracked wallets, used to
// drive the tracked_active_wallets gauge.
func (r *TrackedWalletRepo) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM tracked_wallets WHERE active = true`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tracked wallet count active: %w", err)
	}
	return n, nil
}
