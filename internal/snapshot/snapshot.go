// Package snapshot implements the Snapshot Builder: joining non-zero
// balances with USD prices, formatting decimals exactly, computing
// portfolio percentages, and assembling the canonical WalletSnapshot
// document.
package snapshot

import (
	"context"
	"fmt"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/priceoracle"
)

// RawBalance is one non-zero balance surfaced by the discovery
// pipeline, prior to USD pricing.
type RawBalance struct {
	TokenAddress string
	Symbol       string
	Name         string
	Decimals     int
	Balance      string // raw integer, decimal string
	NativeToken  bool
	PossibleSpam bool
}

// Builder assembles WalletSnapshot documents from raw balances.
type Builder struct {
	oracle priceoracle.Oracle
}

func New(oracle priceoracle.Oracle) *Builder {
	return &Builder{oracle: oracle}
}

// Build fetches prices for every non-native balance in one batched
// call, formats decimals, computes usd_value and portfolio percentage,
// sorts per the canonical ordering, and assembles the snapshot.
func (b *Builder) Build(ctx context.Context, profile model.ChainProfile, blockNumber int64, syncing bool, balances []RawBalance) (model.WalletSnapshot, error) {
	addrs := make([]string, 0, len(balances))
	for _, bal := range balances {
		if !bal.NativeToken {
			addrs = append(addrs, bal.TokenAddress)
		}
	}

	prices, err := b.oracle.GetPrices(ctx, profile.ID, addrs)
	if err != nil {
		return model.WalletSnapshot{}, fmt.Errorf("snapshot builder: fetch prices: %w", err)
	}

	entries := make([]model.TokenBalance, 0, len(balances))
	var nativeBalance string
	for _, bal := range balances {
		formatted, err := model.FormatBalance(bal.Balance, bal.Decimals)
		if err != nil {
			return model.WalletSnapshot{}, fmt.Errorf("snapshot builder: format balance for %s: %w", bal.TokenAddress, err)
		}

		price := prices[bal.TokenAddress]
		usdValue, err := model.USDValueOf(bal.Balance, bal.Decimals, price)
		if err != nil {
			return model.WalletSnapshot{}, fmt.Errorf("snapshot builder: usd value for %s: %w", bal.TokenAddress, err)
		}

		entries = append(entries, model.TokenBalance{
			TokenAddress:      bal.TokenAddress,
			Symbol:            bal.Symbol,
			Name:              bal.Name,
			Decimals:          bal.Decimals,
			Balance:           bal.Balance,
			BalanceFormatted:  formatted,
			NativeToken:       bal.NativeToken,
			PossibleSpam:      bal.PossibleSpam,
			USDPrice:          price,
			USDValue:          usdValue,
		})

		if bal.NativeToken {
			nativeBalance = bal.Balance
		}
	}

	model.ApplyPortfolioPercentages(entries)
	entries = model.SortResult(entries)

	return model.WalletSnapshot{
		ChainID:     profile.ID,
		ChainName:   profile.Name,
		Native:      nativeBalance,
		Result:      entries,
		BlockNumber: blockNumber,
		Syncing:     syncing,
	}, nil
}
