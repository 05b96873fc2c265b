package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kodax/walletsnap/internal/metrics"
	"golang.org/x/time/rate"
)

// limiter wraps a token-bucket rate limiter for one provider's RPC calls.
type limiter struct {
	rl     *rate.Limiter
	chain  string
	server string
}

func newLimiter(rps float64, burst int, chain, server string) *limiter {
	return &limiter{
		rl:     rate.NewLimiter(rate.Limit(rps), burst),
		chain:  chain,
		server: server,
	}
}

// wait blocks until the limiter allows one event, or ctx is done. Uses
// Reserve() to guarantee exactly one token is consumed per call.
func (l *limiter) wait(ctx context.Context) error {
	r := l.rl.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.ProviderRateLimitWaits.WithLabelValues(l.chain, l.server).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

// classifyRPCError classifies an RPC error into a metric-label category.
func classifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "413") || strings.Contains(lower, "query returned more than"):
		return "range_limit"
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "client_error"
	}
}

// isRangeLimitError reports whether err looks like a provider-imposed
// getLogs range/result-size limit.
func isRangeLimitError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "query returned more than") ||
		strings.Contains(lower, "413") ||
		strings.Contains(lower, "block range") && strings.Contains(lower, "exceed") ||
		strings.Contains(lower, "limit exceeded") ||
		strings.Contains(lower, "too many results")
}
