package headscan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kodax/walletsnap/internal/alert"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/provider"
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
}

const trackedWallet = "0x00000000000000000000000000000000000000aa"
const transferTopic0 = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

func toTopic(addr string) string {
	return "0x000000000000000000000000" + addr[2:]
}

type fakeWalletLister struct {
	wallets []model.TrackedWallet
}

func (f fakeWalletLister) ListWallets(ctx context.Context) ([]model.TrackedWallet, error) {
	return f.wallets, nil
}

type fakeInvalidator struct {
	mu      sync.Mutex
	invoked []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, chainID model.ChainID, wallet string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, wallet)
	return nil
}

type fakeSyncStore struct {
	mu     sync.Mutex
	status model.BlockSyncStatus
	found  bool
}

func (f *fakeSyncStore) Get(ctx context.Context, chainID model.ChainID) (model.BlockSyncStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.found, nil
}

func (f *fakeSyncStore) AdvanceSynced(ctx context.Context, chainID model.ChainID, syncedBlock, latestBlock int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = model.BlockSyncStatus{ChainID: chainID, SyncedBlock: syncedBlock, LatestBlock: latestBlock, Status: model.SyncStatusActive}
	f.found = true
	return nil
}

func (f *fakeSyncStore) MarkError(ctx context.Context, chainID model.ChainID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Status = model.SyncStatusError
	return nil
}

func testProfile() model.ChainProfile {
	return model.ChainProfile{ID: 1, Name: "ethereum", ReorgDepth: 32, MaxCatchupBlocks: 200, PollInterval: time.Hour}
}

type fakeTransactionRecorder struct {
	mu      sync.Mutex
	inserts []model.WalletTransaction
}

func (f *fakeTransactionRecorder) Insert(ctx context.Context, tx model.WalletTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, tx)
	return nil
}

type fakeTokenLookup struct {
	metas map[string]model.TokenMeta
}

func (f fakeTokenLookup) Get(ctx context.Context, chainID model.ChainID, addrs []string) (map[string]model.TokenMeta, error) {
	out := make(map[string]model.TokenMeta, len(addrs))
	for _, a := range addrs {
		if m, ok := f.metas[a]; ok {
			out[a] = m
		}
	}
	return out, nil
}

type fakeAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (f *fakeAlerter) Send(ctx context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	return nil
}

func TestScanner_Poll_InvalidatesWalletSeenInTransferLog(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x64", nil
		case "eth_getLogs":
			var filter struct {
				Topics []interface{} `json:"topics"`
			}
			_ = json.Unmarshal(params[0], &filter)
			toFilter, _ := filter.Topics[2].([]interface{})
			if len(toFilter) > 0 {
				return []fakeLog{{
					Address:         "0x000000000000000000000000000000000000bb",
					Topics:          []string{transferTopic0, toTopic("0x000000000000000000000000000000000000cc"), toTopic(trackedWallet)},
					TransactionHash: "0xabc",
					LogIndex:        "0x0",
				}}, nil
			}
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	invalidator := &fakeInvalidator{}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}

	s := New(testProfile(), pool, wallets, invalidator, syncStore, nil, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))

	invalidator.mu.Lock()
	defer invalidator.mu.Unlock()
	require.Contains(t, invalidator.invoked, trackedWallet)
}

func TestScanner_Poll_RecordsTransactionForWalletSeenInTransferLog(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x64", nil
		case "eth_getLogs":
			var filter struct {
				Topics []interface{} `json:"topics"`
			}
			_ = json.Unmarshal(params[0], &filter)
			toFilter, _ := filter.Topics[2].([]interface{})
			if len(toFilter) > 0 {
				return []fakeLog{{
					Address:         "0x000000000000000000000000000000000000bb",
					Topics:          []string{transferTopic0, toTopic("0x000000000000000000000000000000000000cc"), toTopic(trackedWallet)},
					Data:            "0x00000000000000000000000000000000000000000000000000000000000003e8",
					BlockNumber:     "0x32",
					TransactionHash: "0xabc",
					LogIndex:        "0x0",
				}}, nil
			}
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}
	recorder := &fakeTransactionRecorder{}

	s := New(testProfile(), pool, wallets, &fakeInvalidator{}, syncStore, recorder, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.inserts, 1)
	tx := recorder.inserts[0]
	require.Equal(t, trackedWallet, tx.Wallet)
	require.Equal(t, model.TransferDirectionIn, tx.Direction)
	require.Equal(t, "1000", tx.Amount)
	require.Equal(t, int64(50), tx.BlockNumber)
}

func TestScanner_Poll_AlertsOnSpamTokenTransfer(t *testing.T) {
	const spamToken = "0x000000000000000000000000000000000000bb"

	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x64", nil
		case "eth_getLogs":
			var filter struct {
				Topics []interface{} `json:"topics"`
			}
			_ = json.Unmarshal(params[0], &filter)
			toFilter, _ := filter.Topics[2].([]interface{})
			if len(toFilter) > 0 {
				return []fakeLog{{
					Address:         spamToken,
					Topics:          []string{transferTopic0, toTopic("0x000000000000000000000000000000000000cc"), toTopic(trackedWallet)},
					Data:            "0x00000000000000000000000000000000000000000000000000000000000003e8",
					BlockNumber:     "0x32",
					TransactionHash: "0xabc",
					LogIndex:        "0x0",
				}}, nil
			}
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}
	alerter := &fakeAlerter{}

	s := New(testProfile(), pool, wallets, &fakeInvalidator{}, syncStore, nil, alerter, discardLogger())
	s.quorum = 1
	s.SetTokenLookup(fakeTokenLookup{metas: map[string]model.TokenMeta{
		spamToken: {ChainID: 1, Address: spamToken, Symbol: "SCAM", PossibleSpam: true},
	}})

	require.NoError(t, s.poll(context.Background()))

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Len(t, alerter.sent, 1)
	require.Equal(t, alert.AlertTypeScamToken, alerter.sent[0].Type)
	require.Contains(t, alerter.sent[0].Fields["tokens"], "SCAM")
}

func TestScanner_Poll_NoAlertWhenTokenLookupUnset(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x64", nil
		case "eth_getLogs":
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}
	alerter := &fakeAlerter{}

	s := New(testProfile(), pool, wallets, &fakeInvalidator{}, syncStore, nil, alerter, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Empty(t, alerter.sent)
}

func TestScanner_Poll_NoTrackedWalletsSkipsLogQuery(t *testing.T) {
	called := false
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0x64", nil
		case "eth_getLogs":
			called = true
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}

	s := New(testProfile(), pool, fakeWalletLister{}, &fakeInvalidator{}, syncStore, nil, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))
	require.False(t, called)
}

func TestScanner_Poll_ReorgRewindsSyncedBlock(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		if method == "eth_blockNumber" {
			return "0x32", nil // 50
		}
		if method == "eth_getLogs" {
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 500}}

	s := New(testProfile(), pool, fakeWalletLister{}, &fakeInvalidator{}, syncStore, nil, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))

	syncStore.mu.Lock()
	defer syncStore.mu.Unlock()
	// Latest (50) is behind synced (500): the poll rewinds to 50-32 and
	// then replays from there up to the tip.
	require.Equal(t, int64(50), syncStore.status.SyncedBlock)
}

func TestScanner_Poll_CapsCatchupRange(t *testing.T) {
	var seenFrom, seenTo string
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		if method == "eth_blockNumber" {
			return "0x3e8", nil // 1000
		}
		if method == "eth_getLogs" {
			var filter struct {
				FromBlock string `json:"fromBlock"`
				ToBlock   string `json:"toBlock"`
			}
			_ = json.Unmarshal(params[0], &filter)
			seenFrom, seenTo = filter.FromBlock, filter.ToBlock
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}

	profile := testProfile()
	profile.MaxCatchupBlocks = 200
	s := New(profile, pool, wallets, &fakeInvalidator{}, syncStore, nil, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))
	require.Equal(t, "0x1", seenFrom)
	require.Equal(t, fmt.Sprintf("0x%x", 200), seenTo)
}

func TestScanner_Poll_SkipsIrrecoverableRangeAndStillAdvancesSynced(t *testing.T) {
	srv := fakeRPC(t, func(method string, params []json.RawMessage) (interface{}, error) {
		switch method {
		case "eth_blockNumber":
			return "0xc8", nil // 200
		case "eth_getLogs":
			var filter struct {
				FromBlock string `json:"fromBlock"`
			}
			_ = json.Unmarshal(params[0], &filter)
			if filter.FromBlock == "0x1" {
				return nil, fmt.Errorf("query returned more than 10000 results")
			}
			return []fakeLog{}, nil
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	})
	defer srv.Close()

	pool := provider.New(1, "ethereum", []string{srv.URL}, discardLogger())
	wallets := fakeWalletLister{wallets: []model.TrackedWallet{{Wallet: trackedWallet, Chains: model.ChainSet(1), Active: true}}}
	syncStore := &fakeSyncStore{found: true, status: model.BlockSyncStatus{ChainID: 1, SyncedBlock: 0}}

	s := New(testProfile(), pool, wallets, &fakeInvalidator{}, syncStore, nil, nil, discardLogger())
	s.quorum = 1

	require.NoError(t, s.poll(context.Background()))

	syncStore.mu.Lock()
	defer syncStore.mu.Unlock()
	require.Equal(t, int64(200), syncStore.status.SyncedBlock)
}

func TestDepthFor_BoundsRecursion(t *testing.T) {
	require.Equal(t, 0, depthFor(1))
	require.Equal(t, 1, depthFor(2))
	require.Equal(t, 4, depthFor(16))
}
