// Package metrics defines the Prometheus instrumentation surface for the
// wallet snapshot engine. All metrics share the "walletsnap" namespace and
// are partitioned by subsystem, following the component boundaries in
// internal/provider, internal/multicall, internal/logcrawl,
// internal/discovery, internal/walletcache and internal/headscan.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Provider pool
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Total RPC calls issued per chain/provider/method/status",
	}, []string{"chain", "provider", "method", "status"})

	ProviderCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletsnap",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "RPC call latency",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"chain", "provider", "method"})

	ProviderHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletsnap",
		Subsystem: "provider",
		Name:      "healthy",
		Help:      "Provider health (1=healthy, 0=unhealthy)",
	}, []string{"chain", "provider"})

	ProviderRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "provider",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a call had to wait on the per-provider limiter",
	}, []string{"chain", "provider"})

	ProviderQuorumFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "provider",
		Name:      "quorum_failures_total",
		Help:      "Total quorum calls whose first attempt failed to reach a majority",
	}, []string{"chain", "method"})

	// Multicall
	MulticallBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "multicall",
		Name:      "batches_total",
		Help:      "Total multicall batches executed",
	}, []string{"chain", "status"})

	MulticallBisectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "multicall",
		Name:      "bisections_total",
		Help:      "Total times a reverted batch was bisected",
	}, []string{"chain"})

	MulticallEntryFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "multicall",
		Name:      "entry_failures_total",
		Help:      "Total per-entry CallFailed results after bisection",
	}, []string{"chain"})

	// Log crawler
	LogCrawlRangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "logcrawl",
		Name:      "ranges_total",
		Help:      "Total block ranges fetched (including bisected sub-ranges)",
	}, []string{"chain"})

	LogCrawlBisectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "logcrawl",
		Name:      "bisections_total",
		Help:      "Total range-limit-triggered bisections",
	}, []string{"chain"})

	LogCrawlIrrecoverableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "logcrawl",
		Name:      "irrecoverable_total",
		Help:      "Total single-block ranges that failed and were skipped",
	}, []string{"chain"})

	LogCrawlExplorerHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "logcrawl",
		Name:      "explorer_hits_total",
		Help:      "Total crawls served by the block-explorer accelerator instead of eth_getLogs bisection",
	}, []string{"chain"})

	LogCrawlExplorerFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "logcrawl",
		Name:      "explorer_fallbacks_total",
		Help:      "Total crawls that fell back to eth_getLogs bisection after an explorer error",
	}, []string{"chain"})

	// Discovery pipeline
	DiscoveryPhase2TriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "discovery",
		Name:      "phase2_triggered_total",
		Help:      "Total discovery runs that triggered phase 2 (deep discovery)",
	}, []string{"chain"})

	DiscoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletsnap",
		Subsystem: "discovery",
		Name:      "duration_seconds",
		Help:      "Total duration of a discovery run",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"chain"})

	// Cache & single-flight
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total cache lookups by freshness classification",
	}, []string{"chain", "state"})

	CacheBuildsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletsnap",
		Subsystem: "cache",
		Name:      "builds_in_flight",
		Help:      "Number of in-flight single-flight builds",
	}, []string{"chain"})

	CacheBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "walletsnap",
		Subsystem: "cache",
		Name:      "build_duration_seconds",
		Help:      "Snapshot build duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"chain"})

	CacheStuckSyncRecoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "cache",
		Name:      "stuck_sync_recovered_total",
		Help:      "Total rows whose syncing flag was cleared by the stuck-sync sweeper",
	}, []string{"chain"})

	CacheExpiredRowsSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "cache",
		Name:      "expired_rows_swept_total",
		Help:      "Total expired, untracked cache rows deleted by the expiry sweeper",
	}, []string{"chain"})

	// Tracked wallets
	TrackedWalletsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "walletsnap",
		Subsystem: "tracked",
		Name:      "active_wallets",
		Help:      "Number of active tracked wallets",
	})

	RefresherTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "tracked",
		Name:      "refresher_ticks_total",
		Help:      "Total refresher sweep ticks",
	}, []string{"chain"})

	// Head scanner
	HeadScannerPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "headscan",
		Name:      "polls_total",
		Help:      "Total head-scanner poll iterations",
	}, []string{"chain"})

	HeadScannerInvalidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "headscan",
		Name:      "invalidations_total",
		Help:      "Total tracked-wallet cache invalidations from the head scanner",
	}, []string{"chain"})

	HeadScannerReorgsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "headscan",
		Name:      "reorgs_total",
		Help:      "Total reorgs detected (latest_block < synced_block)",
	}, []string{"chain"})

	HeadScannerIrrecoverableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "headscan",
		Name:      "irrecoverable_total",
		Help:      "Total single-block ranges that failed and were skipped during a poll",
	}, []string{"chain"})

	HeadScannerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "walletsnap",
		Subsystem: "headscan",
		Name:      "lag_blocks",
		Help:      "latest_block - synced_block",
	}, []string{"chain"})

	// Alerts (kept from the ambient alerter)
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Reconciliation
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total reconciliation runs executed",
	}, []string{"chain"})

	ReconciliationMismatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletsnap",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Total snapshot/rebuild mismatches detected during reconciliation",
	}, []string{"chain"})
)
