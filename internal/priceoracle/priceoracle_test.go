package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracle_GetPrices_FiltersStaleQuotes(t *testing.T) {
	fresh := time.Now().Format(time.RFC3339)
	stale := time.Now().Add(-10 * time.Minute).Format(time.RFC3339)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotes := []priceQuote{
			{Address: "0xaa", USDPrice: 1.5, QuotedAt: fresh},
			{Address: "0xbb", USDPrice: 99.0, QuotedAt: stale},
		}
		_ = json.NewEncoder(w).Encode(quotes)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, time.Second)
	prices, err := oracle.GetPrices(context.Background(), 1, []string{"0xaa", "0xbb"})
	require.NoError(t, err)
	assert.Equal(t, 1.5, prices["0xaa"])
	_, hasStale := prices["0xbb"]
	assert.False(t, hasStale)
}

func TestHTTPOracle_GetPrices_EmptyAddrsNoRequest(t *testing.T) {
	oracle := NewHTTPOracle("http://unreachable.invalid", time.Second)
	prices, err := oracle.GetPrices(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, prices)
}

func TestHTTPOracle_GetPrices_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL, time.Second)
	_, err := oracle.GetPrices(context.Background(), 1, []string{"0xaa"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%d", http.StatusInternalServerError))
}
