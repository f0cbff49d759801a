// Package metrics collects per-call telemetry: a bounded ring of recent
// records per model for rolling success-rate and latency, plus daily
// aggregates that reset lazily on UTC date change. The collector owns no
// quota state; selection code reads it through snapshot calls only.
package metrics

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the per-model ring when no capacity is given.
const DefaultCapacity = 512

// Record is one observed inference call.
type Record struct {
	ID           string        `json:"id" db:"id"`
	Model        string        `json:"model" db:"model"`
	TaskType     string        `json:"task_type" db:"task_type"`
	Success      bool          `json:"success" db:"success"`
	Latency      time.Duration `json:"latency" db:"latency_ns"`
	InputTokens  int           `json:"input_tokens" db:"input_tokens"`
	OutputTokens int           `json:"output_tokens" db:"output_tokens"`
	ErrorKind    string        `json:"error_kind,omitempty" db:"error_kind"`
	At           time.Time     `json:"at" db:"at"`
}

// DailyStats aggregates one model's calls for one UTC date.
type DailyStats struct {
	Model        string         `json:"model"`
	Date         string         `json:"date"`
	Requests     int            `json:"requests"`
	Successes    int            `json:"successes"`
	Failures     int            `json:"failures"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalLatency time.Duration  `json:"total_latency"`
	FailureKinds map[string]int `json:"failure_kinds,omitempty"`
}

// ModelMetrics is the per-model view returned by Snapshot.
type ModelMetrics struct {
	Model       string        `json:"model"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	RecentCount int           `json:"recent_count"`
	Daily       DailyStats    `json:"daily"`
}

// ring is a fixed-capacity circular buffer; the oldest record is overwritten
// once full.
type ring struct {
	buf  []Record
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Record, capacity)}
}

func (r *ring) push(rec Record) {
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) each(fn func(Record)) {
	start := r.head - r.n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.n; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

// Collector aggregates records behind a single mutex.
type Collector struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*ring
	daily    map[string]*DailyStats
	now      func() time.Time
}

// New returns a Collector whose per-model rings hold capacity records;
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{
		capacity: capacity,
		rings:    make(map[string]*ring),
		daily:    make(map[string]*DailyStats),
		now:      time.Now,
	}
}

func (c *Collector) dailyLocked(model string, now time.Time) *DailyStats {
	today := now.UTC().Format("2006-01-02")
	st, ok := c.daily[model]
	if !ok || st.Date != today {
		st = &DailyStats{Model: model, Date: today, FailureKinds: make(map[string]int)}
		c.daily[model] = st
	}
	return st
}

// Observe appends one record to the model's ring and daily aggregate. A zero
// At is stamped with the current time.
func (c *Collector) Observe(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if rec.At.IsZero() {
		rec.At = now
	}

	r, ok := c.rings[rec.Model]
	if !ok {
		r = newRing(c.capacity)
		c.rings[rec.Model] = r
	}
	r.push(rec)

	st := c.dailyLocked(rec.Model, now)
	st.Requests++
	st.InputTokens += rec.InputTokens
	st.OutputTokens += rec.OutputTokens
	st.TotalLatency += rec.Latency
	if rec.Success {
		st.Successes++
	} else {
		st.Failures++
		if rec.ErrorKind != "" {
			st.FailureKinds[rec.ErrorKind]++
		}
	}
}

// SuccessRate returns the fraction of successful calls in the model's ring.
// A model with no observations scores 1.0 so fresh models are not penalized
// during selection.
func (c *Collector) SuccessRate(model string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successRateLocked(model)
}

func (c *Collector) successRateLocked(model string) float64 {
	r, ok := c.rings[model]
	if !ok || r.n == 0 {
		return 1.0
	}
	successes := 0
	r.each(func(rec Record) {
		if rec.Success {
			successes++
		}
	})
	return float64(successes) / float64(r.n)
}

// AvgLatency returns the mean latency over the model's ring, or 0 with no
// observations.
func (c *Collector) AvgLatency(model string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avgLatencyLocked(model)
}

func (c *Collector) avgLatencyLocked(model string) time.Duration {
	r, ok := c.rings[model]
	if !ok || r.n == 0 {
		return 0
	}
	var total time.Duration
	r.each(func(rec Record) {
		total += rec.Latency
	})
	return total / time.Duration(r.n)
}

// Score returns the rolling pair selection uses, plus the observation count.
func (c *Collector) Score(model string) (successRate float64, avgLatency time.Duration, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate = c.successRateLocked(model)
	avgLatency = c.avgLatencyLocked(model)
	if r, ok := c.rings[model]; ok {
		n = r.n
	}
	return successRate, avgLatency, n
}

// Snapshot returns the per-model view across every observed model.
func (c *Collector) Snapshot() map[string]ModelMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]ModelMetrics, len(c.rings))
	for model, r := range c.rings {
		out[model] = ModelMetrics{
			Model:       model,
			SuccessRate: c.successRateLocked(model),
			AvgLatency:  c.avgLatencyLocked(model),
			RecentCount: r.n,
			Daily:       copyDaily(c.dailyLocked(model, now)),
		}
	}
	for model := range c.daily {
		if _, ok := out[model]; !ok {
			out[model] = ModelMetrics{
				Model:       model,
				SuccessRate: 1.0,
				Daily:       copyDaily(c.dailyLocked(model, now)),
			}
		}
	}
	return out
}

// DailySnapshot returns a copy of every model's aggregate for the current
// UTC date, for persistence and the end-of-day report.
func (c *Collector) DailySnapshot() []DailyStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]DailyStats, 0, len(c.daily))
	for model := range c.daily {
		out = append(out, copyDaily(c.dailyLocked(model, now)))
	}
	return out
}

// SeedDaily restores previously persisted aggregates. Entries for past dates
// are ignored; the ring buffers always start empty.
func (c *Collector) SeedDaily(stats []DailyStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	today := c.now().UTC().Format("2006-01-02")
	for _, st := range stats {
		if st.Date != today || st.Model == "" {
			continue
		}
		cp := copyDaily(&st)
		c.daily[st.Model] = &cp
	}
}

func copyDaily(st *DailyStats) DailyStats {
	cp := *st
	cp.FailureKinds = make(map[string]int, len(st.FailureKinds))
	for k, v := range st.FailureKinds {
		cp.FailureKinds[k] = v
	}
	return cp
}
