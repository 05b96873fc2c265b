// Package multicall implements batching of many view-function calls
// against a deployed multicall contract, tolerating per-entry failures,
// and bisecting on a full-batch revert.
//
// Modeled on a worker-pool shape (per-item error isolation, one span per
// unit of work) adapted from a streaming job channel to a fixed-size
// batch call.
package multicall

import (
	"context"
	"fmt"

	"github.com/kodax/walletsnap/internal/abi"
	"github.com/kodax/walletsnap/internal/metrics"
	"github.com/kodax/walletsnap/internal/provider"
	"github.com/kodax/walletsnap/internal/tracing"
	"github.com/kodax/walletsnap/internal/walleterr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxBatchSize is the largest number of calls issued against the
// multicall contract in one RPC round-trip.
const MaxBatchSize = 100

// Call is one (target, call-data) tuple to aggregate.
type Call struct {
	Target   string
	CallData string
}

// Result is the outcome of one Call: either Data is populated, or Err
// explains why that single entry failed. A failing entry never aborts
// the rest of the batch.
type Result struct {
	Data string
	Err  error
}

// Engine executes batches of Calls against one chain's multicall
// contract via its Provider Pool.
type Engine struct {
	chainName         string
	multicallContract string
	pool              *provider.Pool
}

// New builds an Engine for one chain. multicallContract is the address
// of the deployed aggregation contract (e.g. Multicall3).
func New(chainName, multicallContract string, pool *provider.Pool) *Engine {
	return &Engine{chainName: chainName, multicallContract: multicallContract, pool: pool}
}

// Execute runs calls in batches of at most MaxBatchSize, returning one
// Result per input call in the same order.
func (e *Engine) Execute(ctx context.Context, calls []Call) ([]Result, error) {
	results := make([]Result, len(calls))
	for start := 0; start < len(calls); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(calls) {
			end = len(calls)
		}
		batch := calls[start:end]
		batchResults, err := e.runBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		copy(results[start:end], batchResults)
	}
	return results, nil
}

// runBatch issues one aggregated call. On a whole-batch revert it
// bisects recursively down to singletons.
func (e *Engine) runBatch(ctx context.Context, batch []Call) ([]Result, error) {
	tracer := tracing.Tracer("multicall")
	ctx, span := tracer.Start(ctx, "multicall.batch", trace.WithAttributes(
		attribute.String("chain", e.chainName),
		attribute.Int("size", len(batch)),
	))
	defer span.End()

	raw, err := e.aggregateCall(ctx, batch)
	if err == nil {
		metrics.MulticallBatchesTotal.WithLabelValues(e.chainName, "ok").Inc()
		return decodeAggregateResult(batch, raw), nil
	}
	metrics.MulticallBatchesTotal.WithLabelValues(e.chainName, "error").Inc()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if len(batch) == 1 {
		metrics.MulticallEntryFailuresTotal.WithLabelValues(e.chainName).Inc()
		return []Result{{Err: walleterr.New(walleterr.KindCallFailed, fmt.Sprintf("call to %s reverted", batch[0].Target), err)}}, nil
	}

	metrics.MulticallBisectionsTotal.WithLabelValues(e.chainName).Inc()
	mid := len(batch) / 2
	left, lerr := e.runBatch(ctx, batch[:mid])
	if lerr != nil {
		return nil, lerr
	}
	right, rerr := e.runBatch(ctx, batch[mid:])
	if rerr != nil {
		return nil, rerr
	}
	return append(left, right...), nil
}

// aggregateCall encodes and issues the Multicall3 aggregate3 call,
// returning its raw per-entry return data still packed as ABI bytes.
// The aggregate3 ABI layout ((bool,bytes)[]) is decoded by
// decodeAggregateResult.
func (e *Engine) aggregateCall(ctx context.Context, batch []Call) (string, error) {
	data, err := encodeAggregate3(batch)
	if err != nil {
		return "", err
	}
	raw, err := e.pool.Call(ctx, "eth_call", []interface{}{
		map[string]interface{}{"to": e.multicallContract, "data": data},
		"latest",
	}, provider.Options{})
	if err != nil {
		return "", err
	}
	var hexResult string
	if err := unmarshalJSONString(raw, &hexResult); err != nil {
		return "", fmt.Errorf("multicall: decode eth_call result: %w", err)
	}
	return hexResult, nil
}

// decodeAggregateResult pairs the aggregate3 return data back up with
// the original calls. An entry the contract reports as unsuccessful gets
// a CallFailed Result for that index only; if the return data as a whole
// cannot be decoded, every entry of the batch gets a CallFailed Result.
// Neither case triggers a bisection.
func decodeAggregateResult(batch []Call, raw string) []Result {
	entries, err := decodeAggregate3(raw, len(batch))
	if err != nil {
		results := make([]Result, len(batch))
		for i := range results {
			results[i] = Result{Err: walleterr.New(walleterr.KindCallFailed, "decode aggregate3 return data", err)}
		}
		return results
	}
	results := make([]Result, len(batch))
	for i, entry := range entries {
		if !entry.success {
			results[i] = Result{Err: walleterr.New(walleterr.KindCallFailed, fmt.Sprintf("call to %s reverted", batch[i].Target), nil)}
			continue
		}
		results[i] = Result{Data: entry.returnData}
	}
	return results
}

// BalanceOf builds a balanceOf(address) Call for a token held by
// wallet.
func BalanceOf(token, wallet string) (Call, error) {
	data, err := abi.EncodeAddressCall("balanceOf(address)", wallet)
	if err != nil {
		return Call{}, err
	}
	return Call{Target: token, CallData: data}, nil
}

// Decimals builds a decimals() Call for a token.
func Decimals(token string) Call {
	return Call{Target: token, CallData: abi.EncodeNoArgCall("decimals()")}
}

// Symbol builds a symbol() Call for a token.
func Symbol(token string) Call {
	return Call{Target: token, CallData: abi.EncodeNoArgCall("symbol()")}
}

// Name builds a name() Call for a token.
func Name(token string) Call {
	return Call{Target: token, CallData: abi.EncodeNoArgCall("name()")}
}
