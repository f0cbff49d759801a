// Package broker assembles the inference core. One Broker owns the quota
// tracker, metrics collector, budget allocator, model selector, retry
// executor, request queue, response cache and verifier. It exposes the
// operation entry points and runs the background loops that keep state
// flushed and quota pressure visible.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gil906/witnessreplay-inference/budget"
	"github.com/gil906/witnessreplay-inference/cache"
	"github.com/gil906/witnessreplay-inference/config"
	"github.com/gil906/witnessreplay-inference/executor"
	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/metrics"
	"github.com/gil906/witnessreplay-inference/persist"
	"github.com/gil906/witnessreplay-inference/provider"
	"github.com/gil906/witnessreplay-inference/queue"
	"github.com/gil906/witnessreplay-inference/quota"
	"github.com/gil906/witnessreplay-inference/selector"
	"github.com/gil906/witnessreplay-inference/verify"
)

var (
	// ErrQuotaExhausted means the model has no request headroom right now.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrBudgetExhausted means the current time-of-day window spent its
	// share of the daily quota.
	ErrBudgetExhausted = errors.New("budget window exhausted")
)

// fanoutSink forwards each record to every attached sink.
type fanoutSink []executor.Sink

func (s fanoutSink) Observe(rec metrics.Record) {
	for _, sink := range s {
		sink.Observe(rec)
	}
}

// Broker is the single entry point the application talks to.
type Broker struct {
	cfg      *config.Config
	invoker  provider.Invoker
	tracker  *quota.Tracker
	metrics  *metrics.Collector
	budget   *budget.Allocator
	selector *selector.Selector
	executor *executor.Executor
	queue    *queue.RequestQueue
	cache    *cache.ResponseCache
	verifier *verify.Verifier

	store    persist.Store
	archive  *persist.Archive
	snapshot *persist.SnapshotWriter

	log *logging.Logger
	now func() time.Time

	mu          sync.Mutex
	started     bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// Option customizes a Broker at construction time.
type Option func(*Broker)

// WithStore sets the snapshot store; the default discards state.
func WithStore(store persist.Store) Option {
	return func(b *Broker) { b.store = store }
}

// WithArchive attaches a metric archive as a second telemetry sink.
func WithArchive(archive *persist.Archive) Option {
	return func(b *Broker) { b.archive = archive }
}

// WithSnapshotWriter attaches the daily S3 usage snapshot.
func WithSnapshotWriter(w *persist.SnapshotWriter) Option {
	return func(b *Broker) { b.snapshot = w }
}

// WithClock overrides the time source for the tracker and the broker's own
// scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New wires the components from cfg. invoker performs the actual upstream
// calls; embedder may be nil, which disables the semantic cache tier.
func New(cfg *config.Config, invoker provider.Invoker, embedder cache.Embedder, opts ...Option) *Broker {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.LogLevel != "" {
		logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	}

	b := &Broker{
		cfg:         cfg,
		invoker:     invoker,
		store:       persist.NewNopStore(),
		log:         logging.New("broker"),
		now:         time.Now,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.tracker = quota.NewWithClock(quotaLimits(cfg.Models), b.now)
	b.metrics = metrics.New(0)
	b.budget = budget.New(
		budgetWindows(cfg.Budget.Windows),
		budget.ParseAction(cfg.Budget.ExceedAction),
		func(model string) int {
			q, _ := b.tracker.Limits(model)
			return q.RequestsPerDay
		},
	)
	b.selector = selector.New(cfg.Chains, b.tracker, b.metrics, selector.Options{
		Optimize:    cfg.Selector.Optimize,
		Cooldown:    cfg.Selector.Cooldown,
		WaitTimeout: cfg.Selector.WaitTimeout,
	})

	sinks := fanoutSink{b.metrics}
	if b.archive != nil {
		sinks = append(sinks, b.archive)
	}
	b.executor = executor.New(b.selector, sinks, executor.Options{
		MaxRetries: cfg.Executor.MaxRetries,
		BackoffCap: cfg.Executor.BackoffCap,
	})

	b.queue = queue.New(b.tracker.CanAdmit, queue.Options{
		Capacity:      cfg.Queue.Capacity,
		DrainInterval: cfg.Queue.DrainInterval,
		BatchSize:     cfg.Queue.BatchSize,
		Retention:     cfg.Queue.Retention,
	})
	b.cache = cache.New(embedder, cache.Options{
		Capacity:            cfg.Cache.Capacity,
		DefaultTTL:          cfg.Cache.DefaultTTL,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	})
	b.verifier = verify.New(bookedRunner{b}, invoker, verify.Options{
		Enabled:           cfg.Verify.Enabled,
		PrimaryModel:      cfg.Verify.PrimaryModel,
		SecondaryModel:    cfg.Verify.SecondaryModel,
		SecondaryAdmitted: b.tracker.CanAdmit,
	})

	return b
}

// bookedRunner routes verification calls through the broker's booking path
// so they count against quota and budget like any other call.
type bookedRunner struct{ b *Broker }

func (r bookedRunner) Execute(ctx context.Context, _ provider.Invoker, model, taskType string, req provider.Request) (*provider.Result, error) {
	return r.b.executeOn(ctx, model, taskType, req)
}

func quotaLimits(models map[string]config.ModelLimits) map[string]quota.Quota {
	limits := make(map[string]quota.Quota, len(models))
	for name, m := range models {
		limits[name] = quota.Quota{
			RequestsPerMinute: m.RequestsPerMinute,
			RequestsPerDay:    m.RequestsPerDay,
			TokensPerMinute:   m.TokensPerMinute,
			TokensPerDay:      m.TokensPerDay,
		}
	}
	return limits
}

func budgetWindows(windows []config.BudgetWindow) []budget.Window {
	out := make([]budget.Window, len(windows))
	for i, w := range windows {
		out[i] = budget.Window{
			Name:      w.Name,
			StartHour: w.StartHour,
			EndHour:   w.EndHour,
			Percent:   w.Percent,
			Peak:      w.Peak,
		}
	}
	return out
}

// SelectModel picks the model the fallback chain for task resolves to right
// now, without executing anything.
func (b *Broker) SelectModel(ctx context.Context, task string) (string, error) {
	return b.selector.SelectForTask(ctx, task)
}

// Execute runs one inference call. An empty model selects from the task's
// fallback chain first. The call is gated on quota admission and the current
// budget window; denial surfaces as ErrQuotaExhausted or ErrBudgetExhausted
// so callers can tell capacity problems from transport failures.
func (b *Broker) Execute(ctx context.Context, taskType, model string, req provider.Request) (*provider.Result, error) {
	if model == "" {
		m, err := b.selector.SelectForTask(ctx, taskType)
		if err != nil {
			return nil, err
		}
		model = m
	}

	if !b.tracker.CanAdmit(model) {
		return nil, fmt.Errorf("%w: %s has no request headroom", ErrQuotaExhausted, model)
	}
	if allowed, reason, action := b.budget.Check(model, 1); !allowed {
		if action == budget.Reject {
			b.budget.RecordRejected(model)
		}
		return nil, fmt.Errorf("%w: %s", ErrBudgetExhausted, reason)
	}

	return b.executeOn(ctx, model, taskType, req)
}

// executeOn runs the call without admission gates and books the usage. The
// tracker counts one request per Execute, not per retry attempt, so the
// local estimate drifts low when retries hit the provider.
func (b *Broker) executeOn(ctx context.Context, model, taskType string, req provider.Request) (*provider.Result, error) {
	res, err := b.executor.Execute(ctx, b.invoker, model, taskType, req)
	if err != nil {
		b.tracker.Record(model, 0)
		b.budget.RecordUsage(model, 1)
		return nil, err
	}

	served := res.Model
	if served == "" {
		served = model
	}
	b.tracker.Record(served, res.Tokens())
	b.budget.RecordUsage(served, 1)
	return res, nil
}

// ExecuteOrQueue runs the call immediately when quota and budget allow it.
// Work denied admission is enqueued for the drain loop instead; deliver, when
// non-nil, receives the eventual outcome of queued work. Critical work never
// queues: it waits briefly for headroom and then runs regardless.
//
// Exactly one of the three results is meaningful: an inline result, a queued
// request handle, or an error.
func (b *Broker) ExecuteOrQueue(ctx context.Context, taskType string, req provider.Request, priority queue.Priority, deliver func(*provider.Result, error)) (*provider.Result, *queue.Request, error) {
	model, err := b.selector.SelectForTask(ctx, taskType)
	if err != nil {
		return nil, nil, err
	}

	if priority == queue.Critical {
		if !b.tracker.CanAdmit(model) {
			b.log.Warn("Critical request waiting for quota", "model", model)
			b.tracker.WaitForQuota(ctx, model, b.cfg.Selector.WaitTimeout)
		}
		res, err := b.executeOn(ctx, model, taskType, req)
		return res, nil, err
	}

	denied := ""
	if !b.tracker.CanAdmit(model) {
		denied = "quota"
	} else if allowed, reason, action := b.budget.Check(model, 1); !allowed {
		if action == budget.Reject {
			b.budget.RecordRejected(model)
			return nil, nil, fmt.Errorf("%w: %s", ErrBudgetExhausted, reason)
		}
		denied = "budget"
	}

	if denied == "" {
		res, err := b.executeOn(ctx, model, taskType, req)
		return res, nil, err
	}

	fn := func(ctx context.Context) error {
		res, err := b.executeOn(ctx, model, taskType, req)
		if deliver != nil {
			deliver(res, err)
		}
		return err
	}
	qreq, err := b.queue.Enqueue(taskType, model, priority, 0, fn)
	if err != nil {
		return nil, nil, err
	}
	b.budget.RecordQueued(model)
	b.log.Info("Request deferred to queue",
		"task", taskType, "model", model, "priority", priority.String(), "reason", denied)
	return nil, &qreq, nil
}

// QueueStatus reports one queued request.
func (b *Broker) QueueStatus(id string) (queue.Request, error) {
	return b.queue.StatusOf(id)
}

// CancelQueued cancels a pending queued request.
func (b *Broker) CancelQueued(id string) error {
	return b.queue.Cancel(id)
}

// CacheLookup checks the response cache. A zero threshold uses the configured
// similarity threshold.
func (b *Broker) CacheLookup(ctx context.Context, query, scope string, threshold float64) (string, float64, bool) {
	return b.cache.Get(ctx, query, scope, threshold)
}

// CacheStore saves a response. A zero ttl uses the configured default.
func (b *Broker) CacheStore(ctx context.Context, query, response, scope string, ttl time.Duration) {
	b.cache.Set(ctx, query, response, scope, ttl)
}

// Verify runs the dual-model verification flow through the retry executor.
func (b *Broker) Verify(ctx context.Context, prompt string, p verify.Params) (*verify.Outcome, error) {
	return b.verifier.Verify(ctx, prompt, p)
}

// QuotaStatus snapshots per-model quota usage.
func (b *Broker) QuotaStatus() map[string]quota.Usage {
	return b.tracker.Status()
}

// QueueStats snapshots queue depth and counters.
func (b *Broker) QueueStats() queue.Stats {
	return b.queue.Stats()
}

// BudgetDashboard snapshots per-model window budgets.
func (b *Broker) BudgetDashboard() map[string]budget.ModelDashboard {
	return b.budget.Dashboard()
}

// CacheStats snapshots cache hit rates.
func (b *Broker) CacheStats() cache.Stats {
	return b.cache.Stats()
}

// MetricsSnapshot snapshots per-model success rates and latency.
func (b *Broker) MetricsSnapshot() map[string]metrics.ModelMetrics {
	return b.metrics.Snapshot()
}

// ModelStatuses reports availability of every chain model.
func (b *Broker) ModelStatuses() []selector.ModelStatus {
	return b.selector.Statuses()
}

// SetQuota replaces one model's limits at runtime.
func (b *Broker) SetQuota(model string, q quota.Quota) {
	b.tracker.SetQuota(model, q)
}
