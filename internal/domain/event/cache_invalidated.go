// Package event holds small value types passed between the head scanner,
// the cache layer, and cross-instance invalidation fan-out: a small,
// one-struct-per-file event package.
package event

import "github.com/kodax/walletsnap/internal/domain/model"

// CacheInvalidated signals that a (chain, wallet) cache row should be
// treated as stale and rebuilt, typically because the head scanner saw a
// Transfer log touching the wallet.
type CacheInvalidated struct {
	ChainID model.ChainID
	Wallet  string
	Reason  string
}
