package model

import "time"

// TransferDirection classifies a WalletTransaction relative to the
// wallet it is listed under.
type TransferDirection string

const (
	TransferDirectionIn   TransferDirection = "in"
	TransferDirectionOut  TransferDirection = "out"
	TransferDirectionSelf TransferDirection = "self"
)

// WalletTransaction is one normalized ERC-20 transfer touching a tracked
// wallet, persisted as it is observed by the head scanner so
// /transactions can serve history without re-crawling logs.
type WalletTransaction struct {
	ChainID         ChainID
	Wallet          string
	TokenAddress    string
	CounterParty    string
	Direction       TransferDirection
	Amount          string
	BlockNumber     int64
	TransactionHash string
	LogIndex        int64
	ObservedAt      time.Time
}

// DirectionFor classifies a transfer between from and to relative to
// wallet. from == to (self-transfers) resolve to TransferDirectionSelf.
func DirectionFor(wallet, from, to string) TransferDirection {
	switch {
	case from == to:
		return TransferDirectionSelf
	case to == wallet:
		return TransferDirectionIn
	default:
		return TransferDirectionOut
	}
}
