// Package admin implements the public-facing wallet snapshot HTTP API:
// single and multi-chain snapshot lookups, wallet transaction history,
// token search, tracked-wallet management, and health/provider status,
// built on the standard library's method-prefixed ServeMux and a small
// functional-options seam so tests can wire fakes for any capability.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/store/postgres"
	"github.com/kodax/walletsnap/internal/walleterr"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// WalletCache is the seam into the stale-while-revalidate cache,
// satisfied by *walletcache.Service.
type WalletCache interface {
	Get(ctx context.Context, chainID model.ChainID, wallet string, refresh bool) (model.WalletSnapshot, error)
}

// TrackedWallets is the seam into the tracked-wallet set, satisfied by
// *tracked.Registry.
type TrackedWallets interface {
	AddWallet(ctx context.Context, wallet string, chains []model.ChainID) (model.TrackedWallet, error)
	RemoveWallet(ctx context.Context, wallet string) error
	ListWallets(ctx context.Context) ([]model.TrackedWallet, error)
}

// TokenSearcher is the seam into the token registry, satisfied by
// *registry.Registry.
type TokenSearcher interface {
	Search(ctx context.Context, chainID model.ChainID, query string, filter postgres.SearchFilter, page, limit int) (postgres.SearchResult, error)
}

// TransactionLister is the seam into wallet transaction history,
// satisfied by *postgres.TransactionRepo.
type TransactionLister interface {
	ListByWallet(ctx context.Context, chainID model.ChainID, wallet string, page, limit int) (postgres.TransactionPage, error)
}

// HealthPinger checks the backing datastore's reachability, satisfied
// by *postgres.DB (which embeds *sql.DB).
type HealthPinger interface {
	PingContext(ctx context.Context) error
}

// ProviderHealthSource reports RPC provider health per chain, satisfied
// by *provider.Pool.
type ProviderHealthSource interface {
	Health() []model.RpcProviderHealth
}

// Server is the admin/public HTTP API for wallet snapshots.
type Server struct {
	cache     WalletCache
	tracked   TrackedWallets
	tokens    TokenSearcher
	txs       TransactionLister
	db        HealthPinger
	chains    map[model.ChainID]model.ChainProfile
	providers map[model.ChainID]ProviderHealthSource
	logger    *slog.Logger
}

// NewServer creates the admin API server. chains is the resolved chain
// profile set used to translate {chain} path segments (numeric ID or
// case-insensitive name) into a model.ChainID.
func NewServer(chains map[model.ChainID]model.ChainProfile, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		chains:    chains,
		providers: make(map[model.ChainID]ProviderHealthSource),
		logger:    logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies on the admin server.
type ServerOption func(*Server)

func WithWalletCache(c WalletCache) ServerOption {
	return func(s *Server) { s.cache = c }
}

func WithTrackedWallets(t TrackedWallets) ServerOption {
	return func(s *Server) { s.tracked = t }
}

func WithTokenSearcher(t TokenSearcher) ServerOption {
	return func(s *Server) { s.tokens = t }
}

func WithTransactionLister(t TransactionLister) ServerOption {
	return func(s *Server) { s.txs = t }
}

func WithHealthPinger(db HealthPinger) ServerOption {
	return func(s *Server) { s.db = db }
}

func WithProviderHealth(chainID model.ChainID, src ProviderHealthSource) ServerOption {
	return func(s *Server) { s.providers[chainID] = src }
}

// Handler returns the HTTP handler for the wallet snapshot API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/wallet/{chain}/{address}/transactions", s.handleWalletTransactions)
	mux.HandleFunc("GET /api/wallet/{chain}/{address}", s.handleWalletSnapshot)
	mux.HandleFunc("GET /api/wallet/{address}", s.handleWalletAggregate)
	mux.HandleFunc("GET /api/tokens/{chainId}", s.handleTokensList)
	mux.HandleFunc("GET /api/tokens", s.handleTokensSearch)
	mux.HandleFunc("POST /api/wallets/add-wallet", s.handleAddWallet)
	mux.HandleFunc("GET /api/wallets/get-wallet", s.handleGetWallets)
	mux.HandleFunc("DELETE /api/wallets/remove-wallet/{address}", s.handleRemoveWallet)
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var werr *walleterr.Error
	if errors.As(err, &werr) {
		switch werr.Kind {
		case walleterr.KindInvalidInput, walleterr.KindUnsupportedChain:
			status = http.StatusBadRequest
		case walleterr.KindNotTracked:
			status = http.StatusNotFound
		case walleterr.KindBuildTimeout:
			status = http.StatusGatewayTimeout
		case walleterr.KindProviderUnavailable, walleterr.KindProviderDisagree:
			status = http.StatusServiceUnavailable
		case walleterr.KindDatabaseError, walleterr.KindCallFailed, walleterr.KindLogRangeIrrecover:
			status = http.StatusInternalServerError
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeJSONBody reads and decodes a JSON request body into v.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// resolveChain interprets raw as either a numeric chain ID or a
// case-insensitive chain name.
func (s *Server) resolveChain(raw string) (model.ChainProfile, bool) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		p, ok := s.chains[model.ChainID(id)]
		return p, ok
	}
	for _, p := range s.chains {
		if strings.EqualFold(p.Name, raw) {
			return p, true
		}
	}
	return model.ChainProfile{}, false
}

func requireAddress(w http.ResponseWriter, raw string) (string, bool) {
	addr, err := model.NormalizeAddress(raw)
	if err != nil {
		writeError(w, walleterr.Invalid(err.Error()))
		return "", false
	}
	return addr, true
}

func paginationParams(r *http.Request) (page, limit int) {
	page, limit = 1, 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return page, limit
}

// --- Wallet snapshot endpoints ---

type tokenBalanceResponse struct {
	TokenAddress        string  `json:"token_address"`
	Symbol              string  `json:"symbol"`
	Name                string  `json:"name"`
	Decimals            int     `json:"decimals"`
	Balance             string  `json:"balance"`
	BalanceFormatted    string  `json:"balance_formatted"`
	NativeToken         bool    `json:"native_token"`
	PossibleSpam        bool    `json:"possible_spam"`
	USDPrice            float64 `json:"usd_price"`
	USDValue            float64 `json:"usd_value"`
	PortfolioPercentage float64 `json:"portfolio_percentage"`
}

type walletSnapshotResponse struct {
	ChainID     int64                   `json:"chain_id"`
	ChainName   string                  `json:"chain_name"`
	Native      string                  `json:"native"`
	Result      []tokenBalanceResponse  `json:"result"`
	Count       int                     `json:"count"`
	BlockNumber int64                   `json:"block_number"`
	Syncing     bool                    `json:"syncing"`
}

func toSnapshotResponse(snap model.WalletSnapshot) walletSnapshotResponse {
	result := make([]tokenBalanceResponse, len(snap.Result))
	for i, tb := range snap.Result {
		result[i] = tokenBalanceResponse{
			TokenAddress:        tb.TokenAddress,
			Symbol:              tb.Symbol,
			Name:                tb.Name,
			Decimals:            tb.Decimals,
			Balance:             tb.Balance,
			BalanceFormatted:    tb.BalanceFormatted,
			NativeToken:         tb.NativeToken,
			PossibleSpam:        tb.PossibleSpam,
			USDPrice:            tb.USDPrice,
			USDValue:            tb.USDValue,
			PortfolioPercentage: tb.PortfolioPercentage,
		}
	}
	return walletSnapshotResponse{
		ChainID:     int64(snap.ChainID),
		ChainName:   snap.ChainName,
		Native:      snap.Native,
		Result:      result,
		Count:       snap.Count(),
		BlockNumber: snap.BlockNumber,
		Syncing:     snap.Syncing,
	}
}

func (s *Server) handleWalletSnapshot(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.resolveChain(r.PathValue("chain"))
	if !ok {
		writeError(w, walleterr.UnsupportedChain("unknown chain: "+r.PathValue("chain")))
		return
	}
	addr, ok := requireAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	refresh := r.URL.Query().Get("refresh") == "true"

	snap, err := s.cache.Get(r.Context(), profile.ID, addr, refresh)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(snap))
}

type walletAggregateResponse struct {
	Wallet      string                    `json:"wallet"`
	TotalUSD    float64                   `json:"total_usd"`
	TotalTokens int                       `json:"total_tokens"`
	ChainsCount int                       `json:"chains_count"`
	Chains      []walletSnapshotResponse  `json:"chains"`
}

func (s *Server) handleWalletAggregate(w http.ResponseWriter, r *http.Request) {
	addr, ok := requireAddress(w, r.PathValue("address"))
	if !ok {
		return
	}

	resp := walletAggregateResponse{Wallet: addr}
	for chainID, profile := range s.chains {
		snap, err := s.cache.Get(r.Context(), chainID, addr, false)
		if err != nil {
			s.logger.Warn("aggregate snapshot failed, degrading", "chain_id", chainID, "wallet", addr, "error", err)
			snap = model.WalletSnapshot{ChainID: chainID, ChainName: profile.Name, Syncing: true, Result: []model.TokenBalance{}}
		}
		for _, tb := range snap.Result {
			resp.TotalUSD += tb.USDValue
		}
		resp.TotalTokens += snap.Count()
		resp.Chains = append(resp.Chains, toSnapshotResponse(snap))
	}
	resp.ChainsCount = len(resp.Chains)

	writeJSON(w, http.StatusOK, resp)
}

type walletTransactionResponse struct {
	ChainID         int64  `json:"chain_id"`
	Wallet          string `json:"wallet"`
	TokenAddress    string `json:"token_address"`
	CounterParty    string `json:"counter_party"`
	Direction       string `json:"direction"`
	Amount          string `json:"amount"`
	BlockNumber     int64  `json:"block_number"`
	TransactionHash string `json:"transaction_hash"`
	LogIndex        int64  `json:"log_index"`
	ObservedAt      string `json:"observed_at"`
}

type walletTransactionsPageResponse struct {
	Transactions []walletTransactionResponse `json:"transactions"`
	Total        int                         `json:"total"`
	Page         int                         `json:"page"`
	Limit        int                         `json:"limit"`
	HasNextPage  bool                        `json:"has_next_page"`
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	if s.txs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transaction history not available"})
		return
	}
	profile, ok := s.resolveChain(r.PathValue("chain"))
	if !ok {
		writeError(w, walleterr.UnsupportedChain("unknown chain: "+r.PathValue("chain")))
		return
	}
	addr, ok := requireAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	page, limit := paginationParams(r)

	result, err := s.txs.ListByWallet(r.Context(), profile.ID, addr, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	txs := make([]walletTransactionResponse, len(result.Transactions))
	for i, tx := range result.Transactions {
		txs[i] = walletTransactionResponse{
			ChainID:         int64(tx.ChainID),
			Wallet:          tx.Wallet,
			TokenAddress:    tx.TokenAddress,
			CounterParty:    tx.CounterParty,
			Direction:       string(tx.Direction),
			Amount:          tx.Amount,
			BlockNumber:     tx.BlockNumber,
			TransactionHash: tx.TransactionHash,
			LogIndex:        tx.LogIndex,
			ObservedAt:      tx.ObservedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}

	writeJSON(w, http.StatusOK, walletTransactionsPageResponse{
		Transactions: txs,
		Total:        result.Total,
		Page:         page,
		Limit:        limit,
		HasNextPage:  result.HasNextPage,
	})
}

// --- Token endpoints ---

type tokenMetaResponse struct {
	ChainID      int64  `json:"chain_id"`
	Address      string `json:"address"`
	Symbol       string `json:"symbol"`
	Name         string `json:"name"`
	Decimals     int    `json:"decimals"`
	Logo         string `json:"logo"`
	Verified     bool   `json:"verified"`
	PossibleSpam bool   `json:"possible_spam"`
}

type tokenSearchResponse struct {
	Tokens      []tokenMetaResponse `json:"tokens"`
	Total       int                 `json:"total"`
	Page        int                 `json:"page"`
	Limit       int                 `json:"limit"`
	HasNextPage bool                `json:"has_next_page"`
}

func toTokenSearchResponse(result postgres.SearchResult, page, limit int) tokenSearchResponse {
	tokens := make([]tokenMetaResponse, len(result.Tokens))
	for i, t := range result.Tokens {
		tokens[i] = tokenMetaResponse{
			ChainID: int64(t.ChainID), Address: t.Address, Symbol: t.Symbol, Name: t.Name,
			Decimals: t.Decimals, Logo: t.Logo, Verified: t.Verified, PossibleSpam: t.PossibleSpam,
		}
	}
	return tokenSearchResponse{Tokens: tokens, Total: result.Total, Page: page, Limit: limit, HasNextPage: result.HasNextPage}
}

func parseBoolQuery(r *http.Request, key string) *bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

func (s *Server) handleTokensSearch(w http.ResponseWriter, r *http.Request) {
	rawChain := r.URL.Query().Get("chainId")
	if rawChain == "" {
		writeError(w, walleterr.Invalid("chainId query parameter is required"))
		return
	}
	profile, ok := s.resolveChain(rawChain)
	if !ok {
		writeError(w, walleterr.UnsupportedChain("unknown chain: "+rawChain))
		return
	}

	filter := postgres.SearchFilter{
		Verified: parseBoolQuery(r, "isVerified"),
		Spam:     parseBoolQuery(r, "isSpam"),
	}
	page, limit := paginationParams(r)

	result, err := s.tokens.Search(r.Context(), profile.ID, r.URL.Query().Get("searchQuery"), filter, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenSearchResponse(result, page, limit))
}

func (s *Server) handleTokensList(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.resolveChain(r.PathValue("chainId"))
	if !ok {
		writeError(w, walleterr.UnsupportedChain("unknown chain: "+r.PathValue("chainId")))
		return
	}
	page, limit := paginationParams(r)

	result, err := s.tokens.Search(r.Context(), profile.ID, "", postgres.SearchFilter{}, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenSearchResponse(result, page, limit))
}

// --- Tracked wallet endpoints ---

type addWalletRequest struct {
	Address string  `json:"address"`
	Chains  []int64 `json:"chains"`
}

type trackedWalletResponse struct {
	Wallet string  `json:"wallet"`
	Chains []int64 `json:"chains"`
}

func (s *Server) handleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req addWalletRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	addr, ok := requireAddress(w, req.Address)
	if !ok {
		return
	}
	if len(req.Chains) == 0 {
		writeError(w, walleterr.Invalid("chains must contain at least one chain id"))
		return
	}
	chains := make([]model.ChainID, 0, len(req.Chains))
	for _, id := range req.Chains {
		chainID := model.ChainID(id)
		if _, ok := s.chains[chainID]; !ok {
			writeError(w, walleterr.UnsupportedChain(fmt.Sprintf("unknown chain: %d", id)))
			return
		}
		chains = append(chains, chainID)
	}

	tw, err := s.tracked.AddWallet(r.Context(), addr, chains)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := trackedWalletResponse{Wallet: tw.Wallet}
	for id := range tw.Chains {
		resp.Chains = append(resp.Chains, int64(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.tracked.ListWallets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]trackedWalletResponse, len(wallets))
	for i, tw := range wallets {
		item := trackedWalletResponse{Wallet: tw.Wallet}
		for id := range tw.Chains {
			item.Chains = append(item.Chains, int64(id))
		}
		resp[i] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	addr, ok := requireAddress(w, r.PathValue("address"))
	if !ok {
		return
	}
	if err := s.tracked.RemoveWallet(r.Context(), addr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Health and provider status ---

type providerHealthResponse struct {
	ChainID           int64   `json:"chain_id"`
	URL               string  `json:"url"`
	Healthy           bool    `json:"healthy"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string][]providerHealthResponse, len(s.providers))
	for chainID, src := range s.providers {
		profile := s.chains[chainID]
		entries := make([]providerHealthResponse, 0, len(src.Health()))
		for _, h := range src.Health() {
			entries = append(entries, providerHealthResponse{
				ChainID: int64(h.ChainID), URL: h.URL, Healthy: h.Healthy,
				ResponseTimeMS: h.ResponseTimeMS, ConsecutiveErrors: h.ConsecutiveErrors,
			})
		}
		resp[profile.Name] = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	dbHealthy := true
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			dbHealthy = false
			status = "degraded"
		}
	}

	providers := make(map[string]bool, len(s.providers))
	for chainID, src := range s.providers {
		healthy := false
		for _, h := range src.Health() {
			if h.Healthy {
				healthy = true
				break
			}
		}
		if !healthy {
			status = "degraded"
		}
		providers[s.chains[chainID].Name] = healthy
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"db":        dbHealthy,
		"providers": providers,
	})
}
