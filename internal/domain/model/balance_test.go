package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBalance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"0", 18, "0.000000000000000000"},
		{"1000000000000000000", 18, "1.000000000000000000"},
		{"123", 0, "123"},
		{"1", 6, "0.000001"},
		{"-500000", 6, "-0.500000"},
	}

	for _, tc := range tests {
		got, err := FormatBalance(tc.raw, tc.decimals)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestFormatBalance_InvalidInput(t *testing.T) {
	t.Parallel()
	_, err := FormatBalance("not-a-number", 18)
	assert.Error(t, err)
}

func TestSortResult_NativeFirstThenUSDDescSymbolAsc(t *testing.T) {
	t.Parallel()

	entries := []TokenBalance{
		{Symbol: "BBB", USDValue: 10},
		{Symbol: "AAA", USDValue: 10},
		{Symbol: "ETH", USDValue: 0, NativeToken: true},
		{Symbol: "ZZZ", USDValue: 50},
	}

	sorted := SortResult(entries)
	require.Len(t, sorted, 4)
	assert.True(t, sorted[0].NativeToken)
	assert.Equal(t, "ZZZ", sorted[1].Symbol)
	assert.Equal(t, "AAA", sorted[2].Symbol)
	assert.Equal(t, "BBB", sorted[3].Symbol)
}

func TestApplyPortfolioPercentages_SumsTo100(t *testing.T) {
	t.Parallel()

	entries := []TokenBalance{
		{Symbol: "A", USDValue: 25},
		{Symbol: "B", USDValue: 75},
		{Symbol: "SPAM", USDValue: 1000, PossibleSpam: true},
	}
	ApplyPortfolioPercentages(entries)

	var sum float64
	for _, e := range entries {
		if !e.PossibleSpam {
			sum += e.PortfolioPercentage
		}
	}
	assert.InDelta(t, 100, sum, 0.01)
	assert.Equal(t, float64(0), entries[2].PortfolioPercentage)
}

func TestApplyPortfolioPercentages_AllZeroUSDValue(t *testing.T) {
	t.Parallel()

	entries := []TokenBalance{{Symbol: "A", USDValue: 0}, {Symbol: "B", USDValue: 0}}
	ApplyPortfolioPercentages(entries)
	for _, e := range entries {
		assert.Equal(t, float64(0), e.PortfolioPercentage)
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	got, err := NormalizeAddress("0xAbC000000000000000000000000000000000000D")
	require.NoError(t, err)
	assert.Equal(t, "0xabc000000000000000000000000000000000000d", got)

	_, err = NormalizeAddress("0x1234")
	assert.Error(t, err)

	_, err = NormalizeAddress("zzzz000000000000000000000000000000000zzzz")
	assert.Error(t, err)
}
