package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ParseHexInt64 parses a "0x..." quantity into an int64.
func ParseHexInt64(value string) (int64, error) {
	s := strings.TrimPrefix(value, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex int64 %q: %w", value, err)
	}
	return v, nil
}

// ParseHexBigInt parses a "0x..." quantity into a *big.Int.
func ParseHexBigInt(value string) (*big.Int, error) {
	s := strings.TrimPrefix(value, "0x")
	s = strings.TrimPrefix(s, "0X")
	if s == "" {
		return nil, fmt.Errorf("empty hex value")
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("parse hex bigint %q", value)
	}
	return v, nil
}

func toBlockTag(block int64) string {
	if block < 0 {
		return "latest"
	}
	return "0x" + strconv.FormatInt(block, 16)
}

// BlockNumber issues eth_blockNumber.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	raw, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("unmarshal eth_blockNumber: %w", err)
	}
	return ParseHexInt64(hex)
}

// EthCall issues eth_call against `to` with `data`, at the given block
// (negative means "latest").
func (c *Client) EthCall(ctx context.Context, to, data string, block int64) (string, error) {
	callObj := map[string]interface{}{
		"to":   to,
		"data": data,
	}
	raw, err := c.Call(ctx, "eth_call", []interface{}{callObj, toBlockTag(block)})
	if err != nil {
		return "", err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("unmarshal eth_call: %w", err)
	}
	return hex, nil
}

// GetBalance issues eth_getBalance for a wallet's native coin balance at
// the given block.
func (c *Client) GetBalance(ctx context.Context, address string, block int64) (*big.Int, error) {
	raw, err := c.Call(ctx, "eth_getBalance", []interface{}{address, toBlockTag(block)})
	if err != nil {
		return nil, err
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return nil, fmt.Errorf("unmarshal eth_getBalance: %w", err)
	}
	return ParseHexBigInt(hex)
}

// GetLogs issues eth_getLogs with the given filter.
func (c *Client) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	raw, err := c.Call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}
	var logs []Log
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal eth_getLogs: %w", err)
	}
	return logs, nil
}
