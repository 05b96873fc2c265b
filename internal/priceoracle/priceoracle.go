// Package priceoracle fetches USD prices for token addresses. The
// Snapshot Builder treats a price older than its freshness window as
// missing and defaults it to zero rather than stalling a build on a
// flaky upstream.
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kodax/walletsnap/internal/domain/model"
)

// MaxPriceAge is how old a price quote may be before it's treated as
// missing.
const MaxPriceAge = 5 * time.Minute

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_oracle.go -package=mocks github.com/kodax/walletsnap/internal/priceoracle Oracle

// Oracle fetches USD prices for a batch of token addresses on one
// chain.
type Oracle interface {
	GetPrices(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]float64, error)
}

// HTTPOracle calls an external price API over HTTP, batching all
// addresses into one request per chain.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type priceQuote struct {
	Address   string  `json:"address"`
	USDPrice  float64 `json:"usd_price"`
	QuotedAt  string  `json:"quoted_at"`
}

// GetPrices fetches a batch of quotes and filters out anything older
// than MaxPriceAge, so callers get a clean map<addr,price> with stale
// entries simply absent (and thus defaulted to 0 downstream).
func (o *HTTPOracle) GetPrices(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(addrs))
	if len(addrs) == 0 {
		return out, nil
	}

	url := fmt.Sprintf("%s/prices?chain_id=%d&addresses=%s", o.baseURL, chainID, strings.Join(addrs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("price oracle: build request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price oracle: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price oracle: unexpected status %d", resp.StatusCode)
	}

	var quotes []priceQuote
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return nil, fmt.Errorf("price oracle: decode response: %w", err)
	}

	now := time.Now()
	for _, q := range quotes {
		quotedAt, err := time.Parse(time.RFC3339, q.QuotedAt)
		if err != nil || now.Sub(quotedAt) > MaxPriceAge {
			continue
		}
		out[q.Address] = q.USDPrice
	}
	return out, nil
}
