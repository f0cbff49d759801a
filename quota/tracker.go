// Package quota tracks local per-model usage against configured limits. It is
// the single owner of admission bookkeeping: a 60-second sliding window of
// request timestamps plus daily request and token counters that reset lazily
// on the first operation of a new UTC day.
//
// The counts are local estimates of the provider-side quota and may drift;
// callers treat a denial here as "hold or reroute", not as ground truth.
package quota

import (
	"context"
	"sync"
	"time"
)

const (
	windowSize   = time.Minute
	pollInterval = time.Second
)

// Quota holds the limits for one model. Zero means unlimited for that
// dimension. Admission gates on the request limits only; token totals are
// tracked for reporting.
type Quota struct {
	RequestsPerMinute int
	RequestsPerDay    int
	TokensPerMinute   int
	TokensPerDay      int
}

// Usage is a point-in-time snapshot of one model's tracked state.
type Usage struct {
	Model          string `json:"model"`
	WindowRequests int    `json:"window_requests"`
	DailyRequests  int    `json:"daily_requests"`
	DailyTokens    int    `json:"daily_tokens"`
	Limits         Quota  `json:"limits"`
	RemainingToday int    `json:"remaining_today"` // -1 when RequestsPerDay is 0
	ResetDate      string `json:"reset_date"`
}

// DailyFraction returns the used fraction of the daily request limit, or 0
// when the limit is unlimited.
func (u Usage) DailyFraction() float64 {
	if u.Limits.RequestsPerDay <= 0 {
		return 0
	}
	return float64(u.DailyRequests) / float64(u.Limits.RequestsPerDay)
}

type modelState struct {
	window    []time.Time
	dayReqs   int
	dayTokens int
	resetDate string
}

// Tracker serializes all quota bookkeeping behind one mutex. Models absent
// from the limits table are admitted unconditionally but still tracked.
type Tracker struct {
	mu     sync.Mutex
	limits map[string]Quota
	state  map[string]*modelState
	now    func() time.Time
}

// New returns a Tracker over the given limits table. The table is copied;
// later changes go through SetQuota.
func New(limits map[string]Quota) *Tracker {
	return NewWithClock(limits, time.Now)
}

// NewWithClock is New with an injected time source, for tests that steer the
// sliding window and day rollover.
func NewWithClock(limits map[string]Quota, now func() time.Time) *Tracker {
	t := &Tracker{
		limits: make(map[string]Quota, len(limits)),
		state:  make(map[string]*modelState, len(limits)),
		now:    now,
	}
	for model, q := range limits {
		t.limits[model] = q
	}
	return t
}

// stateLocked returns the model's mutable state, creating it and applying the
// lazy day rollover. Callers hold the mutex.
func (t *Tracker) stateLocked(model string, now time.Time) *modelState {
	st, ok := t.state[model]
	if !ok {
		st = &modelState{resetDate: utcDate(now)}
		t.state[model] = st
	}

	// Lazy rollover: the first operation after a UTC date change clears the
	// daily counters. Repeated checks on the same date are no-ops, so an
	// idle process self-heals on its next call.
	if today := utcDate(now); st.resetDate != today {
		st.dayReqs = 0
		st.dayTokens = 0
		st.resetDate = today
	}

	// Drop window entries older than 60s.
	cutoff := now.Add(-windowSize)
	keep := 0
	for _, at := range st.window {
		if at.After(cutoff) {
			st.window[keep] = at
			keep++
		}
	}
	st.window = st.window[:keep]

	return st
}

// CanAdmit reports whether one more call to model fits inside both the
// sliding-window and daily request limits.
func (t *Tracker) CanAdmit(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(model, t.now())
	q := t.limits[model]

	if q.RequestsPerMinute > 0 && len(st.window) >= q.RequestsPerMinute {
		return false
	}
	if q.RequestsPerDay > 0 && st.dayReqs >= q.RequestsPerDay {
		return false
	}
	return true
}

// Record books one admitted call: a window timestamp, the daily request
// counter, and the daily token total.
func (t *Tracker) Record(model string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	st := t.stateLocked(model, now)
	st.window = append(st.window, now)
	st.dayReqs++
	st.dayTokens += tokens
}

// Remaining returns how many requests the model may still make today, or -1
// when the daily limit is unlimited.
func (t *Tracker) Remaining(model string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(model, t.now())
	q := t.limits[model]
	if q.RequestsPerDay <= 0 {
		return -1
	}
	if rem := q.RequestsPerDay - st.dayReqs; rem > 0 {
		return rem
	}
	return 0
}

// Limits returns the configured quota for model.
func (t *Tracker) Limits(model string) (Quota, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.limits[model]
	return q, ok
}

// SetQuota replaces the limits for one model. This is the only mutation path
// for the table after construction.
func (t *Tracker) SetQuota(model string, q Quota) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[model] = q
}

// Models returns the names in the limits table.
func (t *Tracker) Models() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.limits))
	for model := range t.limits {
		names = append(names, model)
	}
	return names
}

// Usage returns the snapshot for a single model.
func (t *Tracker) Usage(model string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageLocked(model, t.now())
}

// Status returns a snapshot of every tracked model, including limit-table
// entries that have not been used yet.
func (t *Tracker) Status() map[string]Usage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make(map[string]Usage, len(t.limits))

	for model := range t.limits {
		out[model] = t.usageLocked(model, now)
	}
	for model := range t.state {
		if _, ok := out[model]; !ok {
			out[model] = t.usageLocked(model, now)
		}
	}
	return out
}

func (t *Tracker) usageLocked(model string, now time.Time) Usage {
	st := t.stateLocked(model, now)
	q := t.limits[model]

	remaining := -1
	if q.RequestsPerDay > 0 {
		remaining = q.RequestsPerDay - st.dayReqs
		if remaining < 0 {
			remaining = 0
		}
	}

	return Usage{
		Model:          model,
		WindowRequests: len(st.window),
		DailyRequests:  st.dayReqs,
		DailyTokens:    st.dayTokens,
		Limits:         q,
		RemainingToday: remaining,
		ResetDate:      st.resetDate,
	}
}

// WaitForQuota polls CanAdmit at one-second intervals until it passes, the
// timeout elapses, or ctx is cancelled. It is the last-resort path when every
// model in a chain is exhausted.
func (t *Tracker) WaitForQuota(ctx context.Context, model string, timeout time.Duration) bool {
	if t.CanAdmit(model) {
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if t.CanAdmit(model) {
				return true
			}
		}
	}
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
