package logcrawl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kodax/walletsnap/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type jsonrpcHandler func(method string, params []json.RawMessage) (interface{}, error)

func fakeRPC(t *testing.T, handler jsonrpcHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int               `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, err := handler(req.Method, req.Params)
		if err != nil {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32005,"message":%q}}`, req.ID, err.Error())
			return
		}
		b, _ := json.Marshal(result)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, string(b))
	}))
}

type fakeLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func TestCrawler_Crawl_SingleRangeNoBisection(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		if method == "eth_getLogs" {
			return []fakeLog{
				{Address: "0x00000000000000000000000000000000000000aa", TransactionHash: "0xabc", LogIndex: "0x0"},
			}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	c := New("ethereum", pool)

	tokens, err := c.Crawl(context.Background(), "0x00000000000000000000000000000000000000bb", 100, 200)
	require.NoError(t, err)
	assert.Contains(t, tokens, "0x00000000000000000000000000000000000000aa")
}

func TestCrawler_Crawl_BisectsOnRangeLimitError(t *testing.T) {
	calls := 0
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		if method != "eth_getLogs" {
			return nil, fmt.Errorf("unexpected method %s", method)
		}
		calls++
		var filter struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		_ = json.Unmarshal(params[0], &filter)
		if filter.FromBlock == "0x0" && filter.ToBlock == "0x3" {
			return nil, fmt.Errorf("query returned more than 10000 results")
		}
		return []fakeLog{}, nil
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	c := New("ethereum", pool)

	_, err := c.Crawl(context.Background(), "0x00000000000000000000000000000000000000bb", 0, 3)
	require.NoError(t, err)
	assert.Greater(t, calls, 2)
}

func TestCrawler_Crawl_SkipsIrrecoverableRangeAndReturnsPartialResults(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		if method != "eth_getLogs" {
			return nil, fmt.Errorf("unexpected method %s", method)
		}
		var filter struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		_ = json.Unmarshal(params[0], &filter)
		if filter.FromBlock == "0x0" {
			return nil, fmt.Errorf("query returned more than 10000 results")
		}
		switch filter.FromBlock {
		case "0x1":
			return []fakeLog{{Address: "0x000000000000000000000000000000000000aaa1", TransactionHash: "0x1", LogIndex: "0x0"}}, nil
		case "0x2":
			return []fakeLog{{Address: "0x000000000000000000000000000000000000aaa2", TransactionHash: "0x2", LogIndex: "0x0"}}, nil
		}
		return []fakeLog{}, nil
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	c := New("ethereum", pool)

	tokens, err := c.Crawl(context.Background(), "0x00000000000000000000000000000000000000bb", 0, 3)
	require.NoError(t, err)
	assert.Contains(t, tokens, "0x000000000000000000000000000000000000aaa1")
	assert.Contains(t, tokens, "0x000000000000000000000000000000000000aaa2")
}

func TestDepthFor_BoundsRecursion(t *testing.T) {
	assert.Equal(t, 0, depthFor(1))
	assert.Equal(t, 1, depthFor(2))
	assert.Equal(t, 2, depthFor(3))
	assert.Equal(t, 4, depthFor(16))
}

func TestSortedTokens_Deterministic(t *testing.T) {
	tokens := map[string]struct{}{"0xb": {}, "0xa": {}}
	assert.Equal(t, []string{"0xa", "0xb"}, SortedTokens(tokens))
}
