package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"ProviderCallsTotal", ProviderCallsTotal},
		{"ProviderCallLatency", ProviderCallLatency},
		{"ProviderHealthStatus", ProviderHealthStatus},
		{"ProviderRateLimitWaits", ProviderRateLimitWaits},
		{"ProviderQuorumFailures", ProviderQuorumFailures},
		{"MulticallBatchesTotal", MulticallBatchesTotal},
		{"MulticallBisectionsTotal", MulticallBisectionsTotal},
		{"MulticallEntryFailuresTotal", MulticallEntryFailuresTotal},
		{"LogCrawlRangesTotal", LogCrawlRangesTotal},
		{"LogCrawlBisectionsTotal", LogCrawlBisectionsTotal},
		{"LogCrawlIrrecoverableTotal", LogCrawlIrrecoverableTotal},
		{"LogCrawlExplorerHitsTotal", LogCrawlExplorerHitsTotal},
		{"LogCrawlExplorerFallbacksTotal", LogCrawlExplorerFallbacksTotal},
		{"DiscoveryPhase2TriggeredTotal", DiscoveryPhase2TriggeredTotal},
		{"DiscoveryDuration", DiscoveryDuration},
		{"CacheLookupsTotal", CacheLookupsTotal},
		{"CacheBuildsInFlight", CacheBuildsInFlight},
		{"CacheBuildDuration", CacheBuildDuration},
		{"CacheStuckSyncRecoveredTotal", CacheStuckSyncRecoveredTotal},
		{"CacheExpiredRowsSweptTotal", CacheExpiredRowsSweptTotal},
		{"TrackedWalletsActive", TrackedWalletsActive},
		{"RefresherTicksTotal", RefresherTicksTotal},
		{"HeadScannerPolls", HeadScannerPolls},
		{"HeadScannerInvalidationsTotal", HeadScannerInvalidationsTotal},
		{"HeadScannerReorgsTotal", HeadScannerReorgsTotal},
		{"HeadScannerIrrecoverableTotal", HeadScannerIrrecoverableTotal},
		{"HeadScannerLag", HeadScannerLag},
		{"AlertsSentTotal", AlertsSentTotal},
		{"AlertsCooldownSkipped", AlertsCooldownSkipped},
		{"ReconciliationRunsTotal", ReconciliationRunsTotal},
		{"ReconciliationMismatchesTotal", ReconciliationMismatchesTotal},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrementNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { ProviderCallsTotal.WithLabelValues("ethereum", "primary", "eth_call", "ok").Inc() })
	assert.NotPanics(t, func() { ProviderRateLimitWaits.WithLabelValues("ethereum", "primary").Inc() })
	assert.NotPanics(t, func() { ProviderQuorumFailures.WithLabelValues("ethereum", "eth_blockNumber").Inc() })
	assert.NotPanics(t, func() { MulticallBatchesTotal.WithLabelValues("ethereum", "ok").Inc() })
	assert.NotPanics(t, func() { MulticallBisectionsTotal.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { LogCrawlRangesTotal.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { LogCrawlIrrecoverableTotal.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { DiscoveryPhase2TriggeredTotal.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { CacheLookupsTotal.WithLabelValues("ethereum", "fresh").Inc() })
	assert.NotPanics(t, func() { HeadScannerPolls.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { HeadScannerReorgsTotal.WithLabelValues("ethereum").Inc() })
	assert.NotPanics(t, func() { HeadScannerIrrecoverableTotal.WithLabelValues("ethereum").Inc() })
}

func TestMetrics_HistogramObserveNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { ProviderCallLatency.WithLabelValues("ethereum", "primary", "eth_call").Observe(0.2) })
	assert.NotPanics(t, func() { DiscoveryDuration.WithLabelValues("ethereum").Observe(1.5) })
	assert.NotPanics(t, func() { CacheBuildDuration.WithLabelValues("ethereum").Observe(1.5) })
}

func TestMetrics_GaugeSetNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { ProviderHealthStatus.WithLabelValues("ethereum", "primary").Set(1) })
	assert.NotPanics(t, func() { CacheBuildsInFlight.WithLabelValues("ethereum").Set(3) })
	assert.NotPanics(t, func() { TrackedWalletsActive.Set(42) })
	assert.NotPanics(t, func() { HeadScannerLag.WithLabelValues("ethereum").Set(5) })
}
