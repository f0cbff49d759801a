// Package executor runs one inference call with bounded, jittered retry.
// Provider throttling marks the model cooled, backs off, and reselects
// through the fallback chain; every other failure surfaces immediately. This
// is the single chokepoint feeding call telemetry to the metrics sink.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/metrics"
	"github.com/gil906/witnessreplay-inference/provider"
)

const (
	defaultMaxRetries = 3
	defaultBackoffCap = 30 * time.Second
)

// Reselector is the selection surface the retry loop uses after a throttle.
type Reselector interface {
	MarkThrottled(model string)
	SelectForTask(ctx context.Context, task string) (string, error)
}

// Sink receives one record per terminal attempt outcome.
type Sink interface {
	Observe(rec metrics.Record)
}

// Options tunes an Executor; zero values select the defaults.
type Options struct {
	MaxRetries int
	BackoffCap time.Duration
}

// Executor is stateless between calls and safe for concurrent use.
type Executor struct {
	maxRetries int
	backoffCap time.Duration
	selector   Reselector
	sink       Sink
	log        *logging.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// New returns an Executor that reports throttles to selector and telemetry
// to sink. sink may be nil when no metrics are collected.
func New(selector Reselector, sink Sink, opts Options) *Executor {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoffCap := opts.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}

	return &Executor{
		maxRetries: maxRetries,
		backoffCap: backoffCap,
		selector:   selector,
		sink:       sink,
		log:        logging.New("executor"),
		sleep:      sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rand.Float64() * float64(time.Second))
		},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffFor returns the capped exponential delay for a failed attempt,
// plus up to one second of jitter.
func (e *Executor) backoffFor(attempt int) time.Duration {
	base := e.backoffCap
	if attempt < 20 {
		if d := time.Duration(1<<uint(attempt)) * time.Second; d < base {
			base = d
		}
	}
	return base + e.jitter()
}

// Execute invokes the model, retrying up to MaxRetries times on throttling
// with capped exponential backoff and chain reselection. Non-retryable
// failures return immediately as a *provider.Error; a throttle that survives
// all retries is returned as-is. Success and terminal failures are observed
// by the sink; intermediate throttled attempts are not.
func (e *Executor) Execute(ctx context.Context, invoker provider.Invoker, model, taskType string, req provider.Request) (*provider.Result, error) {
	callID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := invoker.Invoke(ctx, model, req)
		latency := time.Since(start)

		if err == nil {
			e.observe(metrics.Record{
				ID:       callID,
				Model:    model,
				TaskType: taskType,
				Success:  true,
				Latency:  latency,
			}, res)
			return res, nil
		}

		kind := provider.Classify(err)
		perr := asProviderError(err, model, kind)

		if !kind.Retryable() {
			e.observe(metrics.Record{
				ID:        callID,
				Model:     model,
				TaskType:  taskType,
				Latency:   latency,
				ErrorKind: kind.String(),
			}, nil)
			e.log.Error("Call failed", "model", model, "task", taskType, "kind", kind, "error", err)
			return nil, perr
		}

		e.selector.MarkThrottled(model)

		if attempt >= e.maxRetries {
			e.observe(metrics.Record{
				ID:        callID,
				Model:     model,
				TaskType:  taskType,
				Latency:   latency,
				ErrorKind: kind.String(),
			}, nil)
			e.log.Error("Retries exhausted", "model", model, "task", taskType, "attempts", attempt+1)
			return nil, perr
		}

		delay := e.backoffFor(attempt)
		e.log.Warn("Throttled, backing off",
			"model", model, "task", taskType, "attempt", attempt+1, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry wait: %w", err)
		}

		// The throttled model is now cooling down, so reselection walks
		// past it when an alternative exists.
		if next, serr := e.selector.SelectForTask(ctx, taskType); serr == nil && next != "" {
			if next != model {
				e.log.Info("Switching model after throttle", "from", model, "to", next)
			}
			model = next
		}
	}
}

// observe forwards one record to the sink, stamping token usage from the
// result when present.
func (e *Executor) observe(rec metrics.Record, res *provider.Result) {
	if e.sink == nil {
		return
	}
	if res != nil && res.Usage != nil {
		rec.InputTokens = res.Usage.InputTokens
		rec.OutputTokens = res.Usage.OutputTokens
	}
	e.sink.Observe(rec)
}

func asProviderError(err error, model string, kind provider.ErrorKind) error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}
	return provider.NewError("execute", model, kind, err)
}
