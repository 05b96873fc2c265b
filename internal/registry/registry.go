// Package registry implements the Token Registry: batched lookups,
// paginated search, the verified-token set used by discovery's fast
// path, and upserting newly-discovered tokens whose metadata is
// fetched on demand via the multicall engine.
package registry

import (
	"context"
	"fmt"

	"github.com/kodax/walletsnap/internal/abi"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/multicall"
	"github.com/kodax/walletsnap/internal/store/postgres"
)

// Store is the persistence seam the registry depends on, satisfied by
// *postgres.TokenRepo.
type Store interface {
	Get(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]model.TokenMeta, error)
	ListVerified(ctx context.Context, chainID model.ChainID) ([]model.TokenMeta, error)
	Search(ctx context.Context, chainID model.ChainID, query string, filter postgres.SearchFilter, page, limit int) (postgres.SearchResult, error)
	UpsertDiscovered(ctx context.Context, t model.TokenMeta) error
}

// Registry wraps a Store with the multicall engine needed to fetch
// metadata for tokens seen for the first time.
type Registry struct {
	store     Store
	multicall *multicall.Engine
}

func New(store Store, engine *multicall.Engine) *Registry {
	return &Registry{store: store, multicall: engine}
}

func (r *Registry) Get(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]model.TokenMeta, error) {
	return r.store.Get(ctx, chainID, addrs)
}

func (r *Registry) ListVerified(ctx context.Context, chainID model.ChainID) ([]model.TokenMeta, error) {
	return r.store.ListVerified(ctx, chainID)
}

func (r *Registry) Search(ctx context.Context, chainID model.ChainID, query string, filter postgres.SearchFilter, page, limit int) (postgres.SearchResult, error) {
	return r.store.Search(ctx, chainID, query, filter, page, limit)
}

// UpsertDiscovered fetches symbol/name/decimals for addr via the
// multicall engine when addr isn't already a known token, then persists
// the result. Tokens fetched this way are never marked verified.
func (r *Registry) UpsertDiscovered(ctx context.Context, chainID model.ChainID, addr string) (model.TokenMeta, error) {
	existing, err := r.store.Get(ctx, chainID, []string{addr})
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("upsert discovered: lookup existing: %w", err)
	}
	if t, ok := existing[addr]; ok {
		return t, nil
	}

	results, err := r.multicall.Execute(ctx, []multicall.Call{
		multicall.Symbol(addr),
		multicall.Name(addr),
		multicall.Decimals(addr),
	})
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("upsert discovered: fetch metadata: %w", err)
	}

	symbol, name, decimals := decodeMetadata(results)
	if symbol == "" {
		return model.TokenMeta{}, fmt.Errorf("upsert discovered: token %s has no symbol, treating as non-ERC20", addr)
	}

	t := model.TokenMeta{
		ChainID:  chainID,
		Address:  addr,
		Symbol:   symbol,
		Name:     name,
		Decimals: decimals,
	}
	if err := r.store.UpsertDiscovered(ctx, t); err != nil {
		return model.TokenMeta{}, err
	}
	return t, nil
}

func decodeMetadata(results []multicall.Result) (symbol, name string, decimals int) {
	if len(results) != 3 {
		return "", "", 0
	}
	if results[0].Err == nil {
		if s, err := abi.DecodeStringOrBytes32(results[0].Data); err == nil {
			symbol = s
		}
	}
	if results[1].Err == nil {
		if n, err := abi.DecodeStringOrBytes32(results[1].Data); err == nil {
			name = n
		}
	}
	decimals = 18
	if results[2].Err == nil {
		if v, err := abi.DecodeUint256(results[2].Data); err == nil {
			decimals = int(v.Int64())
		}
	}
	return symbol, name, decimals
}
