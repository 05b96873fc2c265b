// Package headscan implements the reactive half of wallet freshness: a
// per-chain poll loop that watches the chain tip, scans newly produced
// blocks for Transfer events touching any tracked wallet, and
// invalidates that wallet's cache entry the moment a log is seen,
// instead of waiting for its TTL to lapse.
package headscan

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"time"

	"github.com/kodax/walletsnap/internal/abi"
	"github.com/kodax/walletsnap/internal/alert"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/provider"
	"github.com/kodax/walletsnap/internal/rpc"
	"github.com/kodax/walletsnap/internal/walleterr"
)

const defaultSoftCap = 10000

// WalletLister is the seam into the tracked-wallet set, satisfied by
// *tracked.Registry.
type WalletLister interface {
	ListWallets(ctx context.Context) ([]model.TrackedWallet, error)
}

// Invalidator is the seam into the cache, satisfied by
// *walletcache.Service.
type Invalidator interface {
	Invalidate(ctx context.Context, chainID model.ChainID, wallet string, reason string) error
}

// TransactionRecorder persists a normalized transfer, satisfied by
// *postgres.TransactionRepo.
type TransactionRecorder interface {
	Insert(ctx context.Context, tx model.WalletTransaction) error
}

// SyncStore persists a chain's scan progress, satisfied by
// *postgres.BlockSyncRepo.
type SyncStore interface {
	Get(ctx context.Context, chainID model.ChainID) (model.BlockSyncStatus, bool, error)
	AdvanceSynced(ctx context.Context, chainID model.ChainID, syncedBlock, latestBlock int64) error
	MarkError(ctx context.Context, chainID model.ChainID) error
}

// TokenLookup resolves metadata for the tokens touched by a batch of
// transfers, satisfied by *registry.Registry. Wired via SetTokenLookup
// rather than New so existing callers are unaffected when it's absent.
type TokenLookup interface {
	Get(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]model.TokenMeta, error)
}

// Scanner watches one chain's head and invalidates tracked wallets'
// cache entries as Transfer events touching them are observed.
type Scanner struct {
	profile model.ChainProfile
	pool    *provider.Pool
	tracked WalletLister
	cache   Invalidator
	sync    SyncStore
	txs     TransactionRecorder
	alerter alert.Alerter
	logger  *slog.Logger
	quorum  int
	softCap int
	tokens  TokenLookup
}

// SetTokenLookup wires the token registry used to flag transfers of
// possibly-spam tokens. Skipped entirely if never called.
func (s *Scanner) SetTokenLookup(t TokenLookup) {
	s.tokens = t
}

func New(profile model.ChainProfile, pool *provider.Pool, tracked WalletLister, cache Invalidator, syncStore SyncStore, txs TransactionRecorder, alerter alert.Alerter, logger *slog.Logger) *Scanner {
	return &Scanner{
		profile: profile,
		pool:    pool,
		tracked: tracked,
		cache:   cache,
		sync:    syncStore,
		txs:     txs,
		alerter: alerter,
		logger:  logger.With("component", "headscan", "chain", profile.Name),
		quorum:  2,
		softCap: defaultSoftCap,
	}
}

// Run polls at the chain's configured interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	interval := s.profile.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("head scanner started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.poll(ctx); err != nil {
				s.logger.Warn("poll failed", "error", err)
				if markErr := s.sync.MarkError(ctx, s.profile.ID); markErr != nil {
					s.logger.Warn("mark error failed", "error", markErr)
				}
			}
		}
	}
}

func (s *Scanner) poll(ctx context.Context) error {
	metrics.HeadScannerPolls.WithLabelValues(s.profile.Name).Inc()

	latest, err := s.pool.LatestBlockQuorum(ctx, s.quorum)
	if err != nil {
		return fmt.Errorf("headscan: latest block: %w", err)
	}

	status, found, err := s.sync.Get(ctx, s.profile.ID)
	if err != nil {
		return fmt.Errorf("headscan: get sync status: %w", err)
	}
	synced := status.SyncedBlock
	if !found {
		synced = latest - 1
		if synced < 0 {
			synced = 0
		}
	}

	reorgDepth := s.profile.ReorgDepth
	if reorgDepth <= 0 {
		reorgDepth = 32
	}
	if latest < synced {
		rewound := latest - reorgDepth
		if rewound < 0 {
			rewound = 0
		}
		s.logger.Warn("reorg detected", "latest_block", latest, "synced_block", synced, "rewound_to", rewound)
		metrics.HeadScannerReorgsTotal.WithLabelValues(s.profile.Name).Inc()
		if s.alerter != nil {
			_ = s.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeReorg,
				Chain:   s.profile.Name,
				Title:   "chain reorg detected",
				Message: fmt.Sprintf("latest block %d fell behind synced block %d, rewinding to %d", latest, synced, rewound),
			})
		}
		synced = rewound
	}

	maxCatchup := s.profile.MaxCatchupBlocks
	if maxCatchup <= 0 {
		maxCatchup = 200
	}

	fromBlock := synced + 1
	toBlock := latest
	if toBlock-fromBlock+1 > maxCatchup {
		toBlock = fromBlock + maxCatchup - 1
	}

	metrics.HeadScannerLag.WithLabelValues(s.profile.Name).Set(float64(latest - synced))

	if fromBlock > toBlock {
		return s.sync.AdvanceSynced(ctx, s.profile.ID, synced, latest)
	}

	wallets, err := s.tracked.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("headscan: list tracked wallets: %w", err)
	}
	addresses := make([]string, 0, len(wallets))
	for _, tw := range wallets {
		if _, onChain := tw.Chains[s.profile.ID]; onChain {
			addresses = append(addresses, tw.Wallet)
		}
	}
	if len(addresses) == 0 {
		return s.sync.AdvanceSynced(ctx, s.profile.ID, toBlock, latest)
	}

	topicAddrs := make([]interface{}, 0, len(addresses))
	for _, addr := range addresses {
		topic, err := abi.TopicAddress(addr)
		if err != nil {
			continue
		}
		topicAddrs = append(topicAddrs, topic)
	}

	hits := make(map[string]struct{})
	var transfers []model.WalletTransaction
	var skipped int
	for _, direction := range []string{"to", "from"} {
		if err := s.scanDirection(ctx, direction, fromBlock, toBlock, depthFor(toBlock-fromBlock+1), topicAddrs, hits, &transfers, &skipped); err != nil {
			return err
		}
	}
	if skipped > 0 {
		s.logger.Warn("skipped irrecoverable log ranges this poll", "count", skipped, "from_block", fromBlock, "to_block", toBlock)
	}

	if s.txs != nil {
		for _, tx := range transfers {
			if err := s.txs.Insert(ctx, tx); err != nil {
				s.logger.Warn("record transaction failed", "wallet", tx.Wallet, "tx_hash", tx.TransactionHash, "error", err)
			}
		}
	}

	if s.tokens != nil && s.alerter != nil && len(transfers) > 0 {
		s.alertOnSpamTokens(ctx, transfers)
	}

	for wallet := range hits {
		if err := s.cache.Invalidate(ctx, s.profile.ID, wallet, "transfer log observed"); err != nil {
			s.logger.Warn("invalidate failed", "wallet", wallet, "error", err)
			continue
		}
		metrics.HeadScannerInvalidationsTotal.WithLabelValues(s.profile.Name).Inc()
	}

	return s.sync.AdvanceSynced(ctx, s.profile.ID, toBlock, latest)
}

// scanDirection scans one direction ("to" or "from") over a block
// range, bisecting on provider range-limit errors or oversized result
// sets. A range still irrecoverable at the smallest possible size or
// past its bisection depth budget is skipped rather than aborting the
// poll: it is tallied into *skipped so the scan's progress cursor can
// still advance past it.
func (s *Scanner) scanDirection(ctx context.Context, direction string, fromBlock, toBlock int64, depthBudget int, topicAddrs []interface{}, hits map[string]struct{}, transfers *[]model.WalletTransaction, skipped *int) error {
	var topics []interface{}
	if direction == "to" {
		topics = []interface{}{abi.TransferTopic0, nil, topicAddrs}
	} else {
		topics = []interface{}{abi.TransferTopic0, topicAddrs, nil}
	}

	logs, err := s.pool.QueryLogs(ctx, rpc.LogFilter{
		FromBlock: hexBlock(fromBlock),
		ToBlock:   hexBlock(toBlock),
		Topics:    topics,
	})

	rangeTooWide := err != nil && provider.IsRangeLimitError(err)
	tooManyResults := err == nil && len(logs) > s.softCap

	if rangeTooWide || tooManyResults {
		if fromBlock == toBlock || depthBudget <= 0 {
			metrics.HeadScannerIrrecoverableTotal.WithLabelValues(s.profile.Name).Inc()
			*skipped++
			s.logger.Warn("skipping irrecoverable log range", "from_block", fromBlock, "to_block", toBlock, "direction", direction,
				"error", walleterr.New(walleterr.KindLogRangeIrrecover, "range exceeds provider limits with no bisection budget left", err))
			return nil
		}
		mid := fromBlock + (toBlock-fromBlock)/2
		if err := s.scanDirection(ctx, direction, fromBlock, mid, depthBudget-1, topicAddrs, hits, transfers, skipped); err != nil {
			return err
		}
		return s.scanDirection(ctx, direction, mid+1, toBlock, depthBudget-1, topicAddrs, hits, transfers, skipped)
	}
	if err != nil {
		return fmt.Errorf("headscan: getLogs [%d,%d] %s: %w", fromBlock, toBlock, direction, err)
	}

	for _, l := range logs {
		if len(l.Topics) < 3 {
			continue
		}
		from := abi.AddressFromTopic(l.Topics[1])
		to := abi.AddressFromTopic(l.Topics[2])
		wallet := to
		if direction == "from" {
			wallet = from
		}
		hits[wallet] = struct{}{}

		blockNumber, err := rpc.ParseHexInt64(l.BlockNumber)
		if err != nil {
			continue
		}
		logIndex, err := rpc.ParseHexInt64(l.LogIndex)
		if err != nil {
			continue
		}
		amount, err := abi.DecodeUint256(l.Data)
		if err != nil {
			continue
		}
		counterParty := from
		if direction == "from" {
			counterParty = to
		}
		*transfers = append(*transfers, model.WalletTransaction{
			ChainID:         s.profile.ID,
			Wallet:          wallet,
			TokenAddress:    l.Address,
			CounterParty:    counterParty,
			Direction:       model.DirectionFor(wallet, from, to),
			Amount:          amount.String(),
			BlockNumber:     blockNumber,
			TransactionHash: l.TransactionHash,
			LogIndex:        logIndex,
		})
	}
	return nil
}

// alertOnSpamTokens looks up the tokens touched by transfers observed
// this poll and fires one alert per poll if any is flagged spam in the
// registry, rather than a per-transfer alert that would defeat the
// alerter's own cooldown.
func (s *Scanner) alertOnSpamTokens(ctx context.Context, transfers []model.WalletTransaction) {
	addrs := make([]string, 0, len(transfers))
	seen := make(map[string]struct{}, len(transfers))
	for _, tx := range transfers {
		if _, ok := seen[tx.TokenAddress]; ok {
			continue
		}
		seen[tx.TokenAddress] = struct{}{}
		addrs = append(addrs, tx.TokenAddress)
	}

	metas, err := s.tokens.Get(ctx, s.profile.ID, addrs)
	if err != nil {
		s.logger.Warn("token spam lookup failed", "error", err)
		return
	}

	var spamSymbols []string
	for _, addr := range addrs {
		if meta, ok := metas[addr]; ok && meta.PossibleSpam {
			spamSymbols = append(spamSymbols, meta.Symbol)
		}
	}
	if len(spamSymbols) == 0 {
		return
	}

	if err := s.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeScamToken,
		Chain:   s.profile.Name,
		Title:   "transfer of possibly-spam token observed",
		Message: fmt.Sprintf("%d tracked wallet transfer(s) touched a token flagged possible_spam", len(transfers)),
		Fields:  map[string]string{"tokens": strings.Join(spamSymbols, ",")},
	}); err != nil {
		s.logger.Warn("spam token alert failed", "error", err)
	}
}

func depthFor(span int64) int {
	if span <= 1 {
		return 0
	}
	return bits.Len64(uint64(span - 1))
}

func hexBlock(block int64) string {
	return fmt.Sprintf("0x%x", block)
}
