// Package provider implements a per-chain pool of RPC endpoints with
// health, latency, and error counters, exposing one call surface with
// retry, failover, and an optional quorum mode.
//
// Built around internal/rpc.Client for transport, internal/circuitbreaker
// for per-endpoint health state, and a per-endpoint token-bucket limiter
// for throttling and error classification.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kodax/walletsnap/internal/circuitbreaker"
	"github.com/kodax/walletsnap/internal/domain/model"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/rpc"
	"github.com/kodax/walletsnap/internal/tracing"
	"github.com/kodax/walletsnap/internal/walleterr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout       = 4 * time.Second
	unhealthyThreshold   = 3
	coolDown             = 30 * time.Second
	probeInterval        = 60 * time.Second
	defaultRPS           = 20.0
	defaultBurst         = 40
)

// endpoint bundles one provider's transport, health, throttle and error
// counters.
type endpoint struct {
	url     string
	client  *rpc.Client
	breaker *circuitbreaker.Breaker
	limit   *limiter

	mu             sync.Mutex
	consecutiveErr int
	lastCheck      time.Time
	responseTimeMS float64
}

func (e *endpoint) healthy() bool {
	return e.breaker.Allow() == nil
}

func (e *endpoint) recordSuccess(elapsed time.Duration) {
	e.breaker.RecordSuccess()
	e.mu.Lock()
	e.consecutiveErr = 0
	e.lastCheck = time.Now()
	e.responseTimeMS = float64(elapsed.Microseconds()) / 1000.0
	e.mu.Unlock()
}

func (e *endpoint) recordFailure() {
	e.mu.Lock()
	e.consecutiveErr++
	e.lastCheck = time.Now()
	e.mu.Unlock()
	e.breaker.RecordFailure()
}

func (e *endpoint) snapshot(chainID model.ChainID) model.RpcProviderHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.RpcProviderHealth{
		ChainID:           chainID,
		URL:               e.url,
		Healthy:           e.breaker.Allow() == nil,
		LastCheck:         e.lastCheck,
		ResponseTimeMS:    e.responseTimeMS,
		ConsecutiveErrors: e.consecutiveErr,
	}
}

// Options configures a Call.
type Options struct {
	Quorum  int
	Timeout time.Duration
	Retries int
}

// Pool is the per-chain provider pool. Endpoints are held in priority
// order; a call picks the first healthy one and fails over on error.
type Pool struct {
	chainID   model.ChainID
	chainName string
	endpoints []*endpoint
	logger    *slog.Logger

	stopProbe chan struct{}
	probeOnce sync.Once
}

// New builds a Pool for a chain from an ordered list of RPC URLs.
func New(chainID model.ChainID, chainName string, urls []string, logger *slog.Logger) *Pool {
	eps := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, &endpoint{
			url:     u,
			client:  rpc.NewClient(u, defaultTimeout),
			breaker: circuitbreaker.New(circuitbreaker.Config{FailureThreshold: unhealthyThreshold, OpenTimeout: coolDown}),
			limit:   newLimiter(defaultRPS, defaultBurst, chainName, u),
		})
	}
	p := &Pool{
		chainID:   chainID,
		chainName: chainName,
		endpoints: eps,
		logger:    logger.With("component", "provider_pool", "chain", chainName),
		stopProbe: make(chan struct{}),
	}
	return p
}

// StartHealthProbe launches the background probe loop (every 60s,
// issue a cheap eth_blockNumber to restore unhealthy providers). Call
// Stop to release it.
func (p *Pool) StartHealthProbe(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopProbe:
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

func (p *Pool) Stop() {
	p.probeOnce.Do(func() { close(p.stopProbe) })
}

func (p *Pool) probeAll(ctx context.Context) {
	for _, ep := range p.endpoints {
		func(ep *endpoint) {
			cctx, cancel := context.WithTimeout(ctx, defaultTimeout)
			defer cancel()
			start := time.Now()
			_, err := ep.client.BlockNumber(cctx)
			if err != nil {
				p.logger.Debug("health probe failed", "provider", ep.url, "error", err)
				return
			}
			ep.recordSuccess(time.Since(start))
			metrics.ProviderHealthStatus.WithLabelValues(p.chainName, ep.url).Set(1)
		}(ep)
	}
}

// Health returns a snapshot of every configured endpoint's health.
func (p *Pool) Health() []model.RpcProviderHealth {
	out := make([]model.RpcProviderHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.snapshot(p.chainID))
	}
	return out
}

// Call issues method(params) against the pool, honoring failover and an
// optional quorum requirement.
func (p *Pool) Call(ctx context.Context, method string, params []interface{}, opts Options) (json.RawMessage, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries <= 0 {
		opts.Retries = len(p.endpoints)
	}
	if opts.Quorum >= 2 {
		return p.callQuorum(ctx, method, params, opts)
	}
	return p.callFailover(ctx, method, params, opts)
}

func (p *Pool) callFailover(ctx context.Context, method string, params []interface{}, opts Options) (json.RawMessage, error) {
	tracer := tracing.Tracer("provider")
	ctx, span := tracer.Start(ctx, "provider.call", trace.WithAttributes(
		attribute.String("chain", p.chainName),
		attribute.String("method", method),
	))
	defer span.End()

	var lastErr error
	attempts := 0
	for _, ep := range p.orderedHealthy() {
		if attempts >= opts.Retries {
			break
		}
		attempts++
		result, err := p.callOne(ctx, ep, method, params, opts.Timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no healthy providers for chain %s", p.chainName)
	}
	return nil, walleterr.New(walleterr.KindProviderUnavailable, "all providers exhausted", lastErr)
}

// callQuorum issues the call against opts.Quorum distinct providers and
// requires a strict majority to agree on the raw JSON result. If that
// fails it retries once with quorum+1 (when the pool has that many
// endpoints) before returning ProviderUnavailable.
func (p *Pool) callQuorum(ctx context.Context, method string, params []interface{}, opts Options) (json.RawMessage, error) {
	result, err := p.tryQuorum(ctx, method, params, opts.Quorum, opts.Timeout)
	if err == nil {
		return result, nil
	}
	metrics.ProviderQuorumFailures.WithLabelValues(p.chainName, method).Inc()

	bigger := opts.Quorum + 1
	if bigger <= len(p.endpoints) {
		result, err2 := p.tryQuorum(ctx, method, params, bigger, opts.Timeout)
		if err2 == nil {
			return result, nil
		}
	}
	return nil, walleterr.New(walleterr.KindProviderUnavailable, "quorum failed, treating as provider-unavailable", err)
}

func (p *Pool) tryQuorum(ctx context.Context, method string, params []interface{}, quorum int, timeout time.Duration) (json.RawMessage, error) {
	healthy := p.orderedHealthy()
	if len(healthy) < quorum {
		return nil, walleterr.New(walleterr.KindProviderUnavailable, "not enough healthy providers for quorum", nil)
	}

	type callResult struct {
		raw json.RawMessage
		err error
	}
	results := make([]callResult, quorum)
	var wg sync.WaitGroup
	for i := 0; i < quorum; i++ {
		wg.Add(1)
		go func(idx int, ep *endpoint) {
			defer wg.Done()
			raw, err := p.callOne(ctx, ep, method, params, timeout)
			results[idx] = callResult{raw: raw, err: err}
		}(i, healthy[i])
	}
	wg.Wait()

	counts := make(map[string]int)
	var sample json.RawMessage
	okCount := 0
	for _, r := range results {
		if r.err != nil {
			continue
		}
		okCount++
		key := string(r.raw)
		counts[key]++
		if counts[key] > counts[string(sample)] {
			sample = r.raw
		}
	}
	if okCount == 0 {
		return nil, fmt.Errorf("quorum: all %d calls failed", quorum)
	}
	majority := quorum/2 + 1
	if counts[string(sample)] >= majority {
		return sample, nil
	}
	return nil, walleterr.New(walleterr.KindProviderDisagree, "providers disagreed on result", nil)
}

func (p *Pool) callOne(ctx context.Context, ep *endpoint, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	if err := ep.limit.wait(ctx); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := ep.client.Call(cctx, method, params)
	elapsed := time.Since(start)

	status := classifyRPCError(err)
	metrics.ProviderCallsTotal.WithLabelValues(p.chainName, ep.url, method, status).Inc()
	metrics.ProviderCallLatency.WithLabelValues(p.chainName, ep.url, method).Observe(elapsed.Seconds())

	if err != nil {
		ep.recordFailure()
		metrics.ProviderHealthStatus.WithLabelValues(p.chainName, ep.url).Set(boolToFloat(ep.healthy()))
		return nil, err
	}
	ep.recordSuccess(elapsed)
	metrics.ProviderHealthStatus.WithLabelValues(p.chainName, ep.url).Set(1)
	return result, nil
}

// orderedHealthy returns endpoints in priority order, healthy ones first
// but with unhealthy endpoints still included as a last resort so a
// transient network blip doesn't leave a call with zero candidates.
func (p *Pool) orderedHealthy() []*endpoint {
	healthy := make([]*endpoint, 0, len(p.endpoints))
	unhealthy := make([]*endpoint, 0)
	for _, ep := range p.endpoints {
		if ep.healthy() {
			healthy = append(healthy, ep)
		} else {
			unhealthy = append(unhealthy, ep)
		}
	}
	return append(healthy, unhealthy...)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
