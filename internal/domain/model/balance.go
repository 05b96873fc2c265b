package model

import (
	"fmt"
	"math/big"
	"sort"
)

// TokenBalance is one row of a WalletSnapshot.Result. Balance is the raw
// on-chain integer as a decimal string; BalanceFormatted is exactly
// Balance / 10^Decimals; USDValue is BalanceFormatted * USDPrice.
type TokenBalance struct {
	TokenAddress        string
	Symbol              string
	Name                string
	Decimals            int
	Balance             string
	BalanceFormatted    string
	NativeToken         bool
	PossibleSpam        bool
	USDPrice            float64
	USDValue            float64
	PortfolioPercentage float64
}

// FormatBalance renders raw (a base-10 integer string) as a decimal string
// with exactly `decimals` fractional digits, satisfying the invariant
// balance_formatted * 10^decimals == balance (as integers).
func FormatBalance(raw string, decimals int) (string, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return "", fmt.Errorf("invalid raw balance %q", raw)
	}
	neg := v.Sign() < 0
	if neg {
		v = new(big.Int).Neg(v)
	}
	s := v.String()

	if decimals == 0 {
		if neg {
			return "-" + s, nil
		}
		return s, nil
	}

	for len(s) <= decimals {
		s = "0" + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := s[len(s)-decimals:]
	out := intPart + "." + fracPart
	if neg {
		out = "-" + out
	}
	return out, nil
}

// USDValueOf returns formatted * price using exact rational arithmetic,
// converted to float64 only at the boundary for the API response.
func USDValueOf(raw string, decimals int, price float64) (float64, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, fmt.Errorf("invalid raw balance %q", raw)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	amount := new(big.Rat).SetFrac(v, scale)
	priceRat := new(big.Rat).SetFloat64(price)
	if priceRat == nil {
		priceRat = new(big.Rat)
	}
	result := new(big.Rat).Mul(amount, priceRat)
	f, _ := result.Float64()
	return f, nil
}

// WalletSnapshot is the canonical portfolio document for a (chain, wallet)
// pair.
type WalletSnapshot struct {
	ChainID   ChainID
	ChainName string
	Native    string
	Result    []TokenBalance
	BlockNumber int64
	Syncing   bool
}

// Count returns len(Result), matching the API's `count` field.
func (s WalletSnapshot) Count() int {
	return len(s.Result)
}

// SortResult orders non-native entries by usd_value descending, tie-break
// by symbol ascending; a native entry (if present) is moved to the front.
func SortResult(entries []TokenBalance) []TokenBalance {
	var native *TokenBalance
	rest := make([]TokenBalance, 0, len(entries))
	for i := range entries {
		if entries[i].NativeToken {
			e := entries[i]
			native = &e
			continue
		}
		rest = append(rest, entries[i])
	}

	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].USDValue != rest[j].USDValue {
			return rest[i].USDValue > rest[j].USDValue
		}
		return rest[i].Symbol < rest[j].Symbol
	})

	if native == nil {
		return rest
	}
	out := make([]TokenBalance, 0, len(rest)+1)
	out = append(out, *native)
	out = append(out, rest...)
	return out
}

// ApplyPortfolioPercentages computes each non-spam entry's share of total
// non-spam USD value, mutating entries in place. Spam entries always get 0.
func ApplyPortfolioPercentages(entries []TokenBalance) {
	var total float64
	for _, e := range entries {
		if !e.PossibleSpam {
			total += e.USDValue
		}
	}
	for i := range entries {
		if entries[i].PossibleSpam || total <= 0 {
			entries[i].PortfolioPercentage = 0
			continue
		}
		entries[i].PortfolioPercentage = (entries[i].USDValue / total) * 100
	}
}
