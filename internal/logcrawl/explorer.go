package logcrawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// ExplorerClient enumerates the token contracts that touched a wallet
// with a Transfer between two blocks, backed by a block-explorer API.
// It is a faster alternative to raw eth_getLogs bisection when a chain
// profile configures one; Crawler falls back to bisection on any error.
type ExplorerClient interface {
	TokenTransferContracts(ctx context.Context, wallet string, fromBlock, toBlock int64) ([]string, error)
}

// HTTPExplorerClient calls an Etherscan-family "account/tokentx" style
// endpoint, shared by Etherscan, Polygonscan, Arbiscan, Basescan and
// BscScan.
type HTTPExplorerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPExplorerClient(baseURL, apiKey string, timeout time.Duration) *HTTPExplorerClient {
	return &HTTPExplorerClient{baseURL: baseURL, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type explorerTokenTxResponse struct {
	Status  string               `json:"status"`
	Message string               `json:"message"`
	Result  []explorerTokenTxRow `json:"result"`
}

type explorerTokenTxRow struct {
	ContractAddress string `json:"contractAddress"`
}

// TokenTransferContracts returns the distinct set of token contract
// addresses with at least one Transfer touching wallet in
// [fromBlock, toBlock]. An explorer "no transactions found" response is
// not an error, it means an empty set.
func (c *HTTPExplorerClient) TokenTransferContracts(ctx context.Context, wallet string, fromBlock, toBlock int64) ([]string, error) {
	url := fmt.Sprintf("%s?module=account&action=tokentx&address=%s&startblock=%d&endblock=%d&sort=asc&apikey=%s",
		c.baseURL, wallet, fromBlock, toBlock, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("explorer client: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer client: unexpected status %d", resp.StatusCode)
	}

	var body explorerTokenTxResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("explorer client: decode response: %w", err)
	}

	if body.Status == "0" && body.Message != "No transactions found" {
		return nil, fmt.Errorf("explorer client: api error: %s", body.Message)
	}

	seen := make(map[string]struct{}, len(body.Result))
	out := make([]string, 0, len(body.Result))
	for _, row := range body.Result {
		addr, err := model.NormalizeAddress(row.ContractAddress)
		if err != nil {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
