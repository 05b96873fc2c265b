package model

import (
	"fmt"
	"time"
)

// TokenMeta is the registry row for a (chain, address) token. Primary key
// is (ChainID, Address). Symbol must be non-empty; Decimals is in [0, 38].
// Verified and PossibleSpam are independent flags.
type TokenMeta struct {
	ChainID      ChainID
	Address      string
	Symbol       string
	Name         string
	Decimals     int
	Logo         string
	Verified     bool
	PossibleSpam bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the TokenMeta invariants: symbol non-empty, decimals
// within a plausible ERC-20 range.
func (t TokenMeta) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("token %d/%s: symbol must be non-empty", t.ChainID, t.Address)
	}
	if t.Decimals < 0 || t.Decimals > 38 {
		return fmt.Errorf("token %d/%s: decimals %d out of range [0,38]", t.ChainID, t.Address, t.Decimals)
	}
	return nil
}
