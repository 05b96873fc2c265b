package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kodax/walletsnap/internal/rpc"
)

// IsRangeLimitError reports whether err looks like a provider-imposed
// getLogs range/result-size limit, exported for the log crawler.
func IsRangeLimitError(err error) bool {
	return isRangeLimitError(err)
}

// BlockNumber issues eth_blockNumber through the pool with failover.
func (p *Pool) BlockNumber(ctx context.Context) (int64, error) {
	raw, err := p.Call(ctx, "eth_blockNumber", nil, Options{})
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("unmarshal eth_blockNumber: %w", err)
	}
	return rpc.ParseHexInt64(hex)
}

// LatestBlockQuorum issues eth_blockNumber requiring agreement across
// quorum distinct providers, for callers (the head scanner) that need
// confidence a single lagging or forked provider hasn't been trusted
// for the chain tip.
func (p *Pool) LatestBlockQuorum(ctx context.Context, quorum int) (int64, error) {
	raw, err := p.Call(ctx, "eth_blockNumber", nil, Options{Quorum: quorum})
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("unmarshal eth_blockNumber: %w", err)
	}
	return rpc.ParseHexInt64(hex)
}

// EthCall issues eth_call through the pool with failover.
func (p *Pool) EthCall(ctx context.Context, to, data string) (string, error) {
	raw, err := p.Call(ctx, "eth_call", []interface{}{
		map[string]interface{}{"to": to, "data": data},
		"latest",
	}, Options{})
	if err != nil {
		return "", err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("unmarshal eth_call: %w", err)
	}
	return hex, nil
}

// GetBalance issues eth_getBalance through the pool with failover.
func (p *Pool) GetBalance(ctx context.Context, address string) (string, error) {
	raw, err := p.Call(ctx, "eth_getBalance", []interface{}{address, "latest"}, Options{})
	if err != nil {
		return "", err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("unmarshal eth_getBalance: %w", err)
	}
	return hex, nil
}

// QueryLogs issues eth_getLogs through the pool with failover. Callers
// (the log crawler) are responsible for bisecting on range-limit
// errors; this method does not retry with a smaller range itself.
func (p *Pool) QueryLogs(ctx context.Context, filter rpc.LogFilter) ([]rpc.Log, error) {
	raw, err := p.Call(ctx, "eth_getLogs", []interface{}{filter}, Options{})
	if err != nil {
		return nil, err
	}
	var logs []rpc.Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal eth_getLogs: %w", err)
	}
	return logs, nil
}
