// Package postgres holds the repositories backing the Token Registry,
// the wallet cache, the tracked-wallet set, and per-chain sync status.
// Built around upsert via
// ON CONFLICT ... RETURNING, pq.Array for batched IN-style lookups, and
// withTimeout/DefaultQueryTimeout for every non-transactional query.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/lib/pq"
)

type TokenRepo struct {
	db *DB
}

func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

// Get batches a lookup of addrs for chainID, returning only tokens
// found in the registry.
func (r *TokenRepo) Get(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]model.TokenMeta, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if len(addrs) == 0 {
		return map[string]model.TokenMeta{}, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT chain_id, address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM tokens
		WHERE chain_id = $1 AND address = ANY($2)
	`, int64(chainID), pq.Array(addrs))
	if err != nil {
		return nil, fmt.Errorf("token registry get: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.TokenMeta, len(addrs))
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out[t.Address] = t
	}
	return out, rows.Err()
}

// ListVerified returns every verified token address for chainID.
func (r *TokenRepo) ListVerified(ctx context.Context, chainID model.ChainID) ([]model.TokenMeta, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT chain_id, address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM tokens
		WHERE chain_id = $1 AND verified = true
	`, int64(chainID))
	if err != nil {
		return nil, fmt.Errorf("token registry list verified: %w", err)
	}
	defer rows.Close()

	var out []model.TokenMeta
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SearchResult is a page of tokens plus pagination metadata.
type SearchResult struct {
	Tokens      []model.TokenMeta
	Total       int
	HasNextPage bool
}

// SearchFilter narrows Search beyond the free-text query. A nil pointer
// means "don't filter on this field".
type SearchFilter struct {
	Verified *bool
	Spam     *bool
}

// Search matches case-insensitive substrings of symbol/name, or an
// exact (lowercased) address match, paginating 1-indexed with
// limit clamped to [1,100]. An empty query matches every token for the
// chain, so this also serves the full paginated listing endpoint.
func (r *TokenRepo) Search(ctx context.Context, chainID model.ChainID, query string, filter SearchFilter, page, limit int) (SearchResult, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	offset := (page - 1) * limit

	where := `chain_id = $1 AND (lower(symbol) LIKE '%' || $2 || '%' OR lower(name) LIKE '%' || $2 || '%' OR address = $2)`
	args := []interface{}{int64(chainID), needle}
	if filter.Verified != nil {
		args = append(args, *filter.Verified)
		where += fmt.Sprintf(" AND verified = $%d", len(args))
	}
	if filter.Spam != nil {
		args = append(args, *filter.Spam)
		where += fmt.Sprintf(" AND possible_spam = $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM tokens WHERE `+where, args...).Scan(&total); err != nil {
		return SearchResult{}, fmt.Errorf("token registry search count: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), limit, offset)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chain_id, address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM tokens
		WHERE %s
		ORDER BY symbol ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return SearchResult{}, fmt.Errorf("token registry search: %w", err)
	}
	defer rows.Close()

	var out []model.TokenMeta
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return SearchResult{}, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, err
	}

	return SearchResult{
		Tokens:      out,
		Total:       total,
		HasNextPage: offset+len(out) < total,
	}, nil
}

// UpsertDiscovered inserts or refreshes one token's metadata, as
// fetched during deep discovery via the multicall engine.
func (r *TokenRepo) UpsertDiscovered(ctx context.Context, t model.TokenMeta) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if err := t.Validate(); err != nil {
		return fmt.Errorf("upsert discovered token: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tokens (chain_id, address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (chain_id, address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			updated_at = now()
	`, int64(t.ChainID), t.Address, t.Symbol, t.Name, t.Decimals, t.Logo, t.Verified, t.PossibleSpam)
	if err != nil {
		return fmt.Errorf("upsert discovered token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(rows rowScanner) (model.TokenMeta, error) {
	var t model.TokenMeta
	var chainID int64
	var createdAt, updatedAt time.Time
	if err := rows.Scan(&chainID, &t.Address, &t.Symbol, &t.Name, &t.Decimals, &t.Logo, &t.Verified, &t.PossibleSpam, &createdAt, &updatedAt); err != nil {
		return model.TokenMeta{}, fmt.Errorf("scan token: %w", err)
	}
	t.ChainID = model.ChainID(chainID)
	t.CreatedAt = createdAt
	t.UpdatedAt = updatedAt
	return t, nil
}
