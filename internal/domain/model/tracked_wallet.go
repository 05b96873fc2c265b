package model

import "time"

// TrackedWallet is a wallet registered for proactive refresh and reactive
// head-scanner invalidation. Invariant: Chains is non-empty while Active.
type TrackedWallet struct {
	Wallet    string
	Chains    map[ChainID]struct{}
	FirstSeen time.Time
	LastSeen  time.Time
	Active    bool
}

// ChainSet builds a TrackedWallet.Chains set from a slice of chain IDs.
func ChainSet(ids ...ChainID) map[ChainID]struct{} {
	set := make(map[ChainID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// UnionChains returns the union of a and b as a fresh set.
func UnionChains(a, b map[ChainID]struct{}) map[ChainID]struct{} {
	out := make(map[ChainID]struct{}, len(a)+len(b))
	for id := range a {
		out[id] = struct{}{}
	}
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}

// BlockSyncStatus tracks the head scanner's progress for one chain.
// Invariant: SyncedBlock <= LatestBlock.
type BlockSyncStatus struct {
	ChainID      ChainID
	LatestBlock  int64
	SyncedBlock  int64
	LastSync     time.Time
	Status       SyncStatus
}

type SyncStatus string

const (
	SyncStatusActive SyncStatus = "active"
	SyncStatusPaused SyncStatus = "paused"
	SyncStatusError  SyncStatus = "error"
)

// RpcProviderHealth is the in-memory (opportunistically persisted) health
// record for one (chain, provider url).
type RpcProviderHealth struct {
	ChainID              ChainID
	URL                  string
	Healthy              bool
	LastCheck            time.Time
	ResponseTimeMS       float64
	ConsecutiveErrors    int
}
