package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// TransactionRepo backs wallet_transactions: the head scanner's record
// of normalized transfers touching tracked wallets, serving the
// /transactions endpoint without re-crawling logs on every request.
type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// Insert records one transfer. Idempotent on (chain_id, transaction_hash,
// log_index, wallet): a log re-observed after a reorg rewind is a no-op.
func (r *TransactionRepo) Insert(ctx context.Context, tx model.WalletTransaction) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	amount, ok := new(big.Int).SetString(tx.Amount, 10)
	if !ok {
		return fmt.Errorf("transaction insert: invalid amount %q", tx.Amount)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(chain_id, wallet, token_address, counter_party, direction, amount, block_number, transaction_hash, log_index, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (chain_id, transaction_hash, log_index, wallet) DO NOTHING
	`, int64(tx.ChainID), tx.Wallet, tx.TokenAddress, tx.CounterParty, string(tx.Direction), amount.String(), tx.BlockNumber, tx.TransactionHash, tx.LogIndex)
	if err != nil {
		return fmt.Errorf("transaction insert: %w", err)
	}
	return nil
}

// TransactionPage is a page of wallet transactions plus pagination
// metadata, mirroring SearchResult's shape for the admin HTTP layer.
type TransactionPage struct {
	Transactions []model.WalletTransaction
	Total        int
	HasNextPage  bool
}

// ListByWallet returns a wallet's transfers on one chain, newest block
// first, 1-indexed with limit clamped to [1,100].
func (r *TransactionRepo) ListByWallet(ctx context.Context, chainID model.ChainID, wallet string, page, limit int) (TransactionPage, error) {
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
	offset := (page - 1) * limit

	var total int
	if err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM wallet_transactions WHERE chain_id = $1 AND wallet = $2
	`, int64(chainID), wallet).Scan(&total); err != nil {
		return TransactionPage{}, fmt.Errorf("transaction list count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT chain_id, wallet, token_address, counter_party, direction, amount, block_number, transaction_hash, log_index, observed_at
		FROM wallet_transactions
		WHERE chain_id = $1 AND wallet = $2
		ORDER BY block_number DESC, log_index DESC
		LIMIT $3 OFFSET $4
	`, int64(chainID), wallet, limit, offset)
	if err != nil {
		return TransactionPage{}, fmt.Errorf("transaction list: %w", err)
	}
	defer rows.Close()

	var out []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var chainIDRaw int64
		var direction string
		var amount string
		if err := rows.Scan(&chainIDRaw, &t.Wallet, &t.TokenAddress, &t.CounterParty, &direction, &amount, &t.BlockNumber, &t.TransactionHash, &t.LogIndex, &t.ObservedAt); err != nil {
			return TransactionPage{}, fmt.Errorf("transaction list scan: %w", err)
		}
		t.ChainID = model.ChainID(chainIDRaw)
		t.Direction = model.TransferDirection(direction)
		t.Amount = amount
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return TransactionPage{}, err
	}

	return TransactionPage{
		Transactions: out,
		Total:        total,
		HasNextPage:  offset+len(out) < total,
	}, nil
}
