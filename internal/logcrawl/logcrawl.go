// Package logcrawl implements enumeration of ERC-20 Transfer events
// touching a wallet across a block range via recursive bisection, so a
// single per-provider range/result-size limit never blocks discovery
// outright.
//
// Modeled on a divide-and-retry worker shape, generalized from a
// streaming cursor walk to range bisection.
package logcrawl

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"strconv"

	"github.com/kodax/walletsnap/internal/abi"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/provider"
	"github.com/kodax/walletsnap/internal/rpc"
	"github.com/kodax/walletsnap/internal/tracing"
	"github.com/kodax/walletsnap/internal/walleterr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SoftCap bounds the number of log entries tolerated from a single
// getLogs call before the range is bisected anyway, even absent an
// explicit range-limit error from the provider.
const SoftCap = 10000

// Crawler scans Transfer logs for one chain's provider pool.
type Crawler struct {
	chainName string
	pool      *provider.Pool
	explorer  ExplorerClient
}

func New(chainName string, pool *provider.Pool) *Crawler {
	return &Crawler{chainName: chainName, pool: pool}
}

// SetExplorer wires an optional block-explorer accelerator. Skipped
// entirely if never called, in which case Crawl always uses raw
// eth_getLogs bisection.
func (c *Crawler) SetExplorer(explorer ExplorerClient) {
	c.explorer = explorer
}

// Crawl returns the distinct set of token contract addresses that
// emitted a Transfer with wallet as either `to` or `from`, between
// fromBlock and toBlock inclusive.
func (c *Crawler) Crawl(ctx context.Context, wallet string, fromBlock, toBlock int64) (map[string]struct{}, error) {
	tracer := tracing.Tracer("logcrawl")
	ctx, span := tracer.Start(ctx, "logcrawl.crawl", trace.WithAttributes(
		attribute.String("chain", c.chainName),
		attribute.String("wallet", wallet),
		attribute.Int64("from_block", fromBlock),
		attribute.Int64("to_block", toBlock),
	))
	defer span.End()

	if toBlock < fromBlock {
		return map[string]struct{}{}, nil
	}

	if c.explorer != nil {
		tokens, err := c.crawlViaExplorer(ctx, wallet, fromBlock, toBlock)
		if err == nil {
			metrics.LogCrawlExplorerHitsTotal.WithLabelValues(c.chainName).Inc()
			return tokens, nil
		}
		metrics.LogCrawlExplorerFallbacksTotal.WithLabelValues(c.chainName).Inc()
		span.AddEvent("explorer fallback to eth_getLogs bisection")
	}

	maxDepth := depthFor(toBlock - fromBlock + 1)

	seen := make(map[string]struct{})
	tokens := make(map[string]struct{})

	var skipped int
	for _, direction := range []string{"to", "from"} {
		if err := c.crawlDirection(ctx, wallet, direction, fromBlock, toBlock, maxDepth, seen, tokens, &skipped); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	if skipped > 0 {
		span.AddEvent("some ranges skipped as log-range irrecoverable", trace.WithAttributes(attribute.Int("skipped_ranges", skipped)))
	}
	return tokens, nil
}

// crawlViaExplorer enumerates touched token contracts through the
// configured block-explorer API instead of raw eth_getLogs, returning
// an error on any explorer failure so the caller can fall back.
func (c *Crawler) crawlViaExplorer(ctx context.Context, wallet string, fromBlock, toBlock int64) (map[string]struct{}, error) {
	addrs, err := c.explorer.TokenTransferContracts(ctx, wallet, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("logcrawl: explorer crawl: %w", err)
	}
	tokens := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		tokens[a] = struct{}{}
	}
	return tokens, nil
}

// crawlDirection scans one direction ("to" or "from") over a block
// range, bisecting on provider range-limit errors or oversized result
// sets. A range that is still irrecoverable at the smallest possible
// size or past its bisection depth budget is skipped rather than
// aborting the caller: it is tallied into *skipped and scanning
// continues with the sibling half.
func (c *Crawler) crawlDirection(ctx context.Context, wallet, direction string, fromBlock, toBlock int64, depthBudget int, seen map[string]struct{}, tokens map[string]struct{}, skipped *int) error {
	metrics.LogCrawlRangesTotal.WithLabelValues(c.chainName).Inc()

	topicWallet, err := abi.TopicAddress(wallet)
	if err != nil {
		return walleterr.Invalid(fmt.Sprintf("invalid wallet address %q", wallet))
	}

	var topics []interface{}
	if direction == "to" {
		topics = []interface{}{abi.TransferTopic0, nil, topicWallet}
	} else {
		topics = []interface{}{abi.TransferTopic0, topicWallet, nil}
	}

	logs, err := c.pool.QueryLogs(ctx, rpc.LogFilter{
		FromBlock: hexBlock(fromBlock),
		ToBlock:   hexBlock(toBlock),
		Topics:    topics,
	})

	rangeTooWide := err != nil && isRangeLimit(err)
	tooManyResults := err == nil && len(logs) > SoftCap

	if rangeTooWide || tooManyResults {
		if fromBlock == toBlock {
			metrics.LogCrawlIrrecoverableTotal.WithLabelValues(c.chainName).Inc()
			*skipped++
			return nil
		}
		if depthBudget <= 0 {
			metrics.LogCrawlIrrecoverableTotal.WithLabelValues(c.chainName).Inc()
			*skipped++
			return nil
		}
		metrics.LogCrawlBisectionsTotal.WithLabelValues(c.chainName).Inc()
		mid := fromBlock + (toBlock-fromBlock)/2
		if err := c.crawlDirection(ctx, wallet, direction, fromBlock, mid, depthBudget-1, seen, tokens, skipped); err != nil {
			return err
		}
		return c.crawlDirection(ctx, wallet, direction, mid+1, toBlock, depthBudget-1, seen, tokens, skipped)
	}
	if err != nil {
		return fmt.Errorf("logcrawl: getLogs [%d,%d] %s: %w", fromBlock, toBlock, direction, err)
	}

	for _, l := range logs {
		key := l.TransactionHash + ":" + l.LogIndex
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if addr, err := model.NormalizeAddress(l.Address); err == nil {
			tokens[addr] = struct{}{}
		}
	}
	return nil
}

// depthFor computes a ⌈log2(span)⌉ recursion-depth bound.
func depthFor(span int64) int {
	if span <= 1 {
		return 0
	}
	return bits.Len64(uint64(span - 1))
}

func isRangeLimit(err error) bool {
	return provider.IsRangeLimitError(err)
}

func hexBlock(block int64) string {
	return "0x" + strconv.FormatInt(block, 16)
}

// SortedTokens returns tokens' keys sorted ascending, useful for
// deterministic downstream processing and tests.
func SortedTokens(tokens map[string]struct{}) []string {
	out := make([]string, 0, len(tokens))
	for t := range tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
