// Package budget spreads a model's daily request quota across named
// time-of-day windows, so a single busy period cannot consume the whole
// day's allowance before off-peak hours arrive. It is a policy layer on top
// of the hard quota tracking, never a replacement for it.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action is the verdict for a request that exceeds its window budget.
type Action int

const (
	// Allow lets the request through and only tracks the overage.
	Allow Action = iota
	// Queue tells the caller to hold the request until capacity returns.
	Queue
	// Reject tells the caller to refuse the request outright.
	Reject
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Queue:
		return "queue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps a config string to an Action; unknown values fall back to
// Queue.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow
	case "reject":
		return Reject
	default:
		return Queue
	}
}

// Window is a named UTC hour range holding a percentage of the daily quota.
// EndHour is exclusive; a range with StartHour >= EndHour wraps midnight.
type Window struct {
	Name      string
	StartHour int
	EndHour   int
	Percent   float64
	Peak      bool
}

func (w Window) contains(hour int) bool {
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// WindowUsage is one window's bookkeeping for one model and day.
type WindowUsage struct {
	Window   string `json:"window"`
	Peak     bool   `json:"peak"`
	Budget   int    `json:"budget"`
	Used     int    `json:"used"`
	Queued   int    `json:"queued"`
	Rejected int    `json:"rejected"`
}

// ModelDashboard is the per-model view returned by Dashboard.
type ModelDashboard struct {
	Model   string        `json:"model"`
	Date    string        `json:"date"`
	Current string        `json:"current_window"`
	Windows []WindowUsage `json:"windows"`
}

type modelBudget struct {
	date    string
	windows []*WindowUsage // parallel to the allocator's window config
}

// Allocator books per-window usage behind a single mutex. Budgets derive once
// per UTC day from dailyLimit(model) × Percent/100; models without a daily
// limit are never constrained.
type Allocator struct {
	mu         sync.Mutex
	windows    []Window
	exceed     Action
	dailyLimit func(model string) int
	state      map[string]*modelBudget
	now        func() time.Time
}

// New returns an Allocator over the given windows. dailyLimit reports a
// model's configured requests-per-day; zero or negative means unlimited.
func New(windows []Window, exceed Action, dailyLimit func(model string) int) *Allocator {
	return &Allocator{
		windows:    append([]Window(nil), windows...),
		exceed:     exceed,
		dailyLimit: dailyLimit,
		state:      make(map[string]*modelBudget),
		now:        time.Now,
	}
}

func (a *Allocator) stateLocked(model string, now time.Time) *modelBudget {
	today := now.UTC().Format("2006-01-02")
	mb, ok := a.state[model]
	if ok && mb.date == today {
		return mb
	}

	daily := a.dailyLimit(model)
	mb = &modelBudget{date: today, windows: make([]*WindowUsage, len(a.windows))}
	for i, w := range a.windows {
		budget := 0
		if daily > 0 {
			budget = int(float64(daily) * w.Percent / 100.0)
		}
		mb.windows[i] = &WindowUsage{Window: w.Name, Peak: w.Peak, Budget: budget}
	}
	a.state[model] = mb
	return mb
}

// currentLocked returns the usage slot for the window containing the current
// UTC hour, or nil when no window covers it.
func (a *Allocator) currentLocked(mb *modelBudget, now time.Time) *WindowUsage {
	hour := now.UTC().Hour()
	for i, w := range a.windows {
		if w.contains(hour) {
			return mb.windows[i]
		}
	}
	return nil
}

// Check compares n estimated requests against the current window's remaining
// budget. When the budget does not cover them, allowed is false and action
// carries the configured exceed policy; the caller decides what Queue and
// Allow mean operationally.
func (a *Allocator) Check(model string, n int) (allowed bool, reason string, action Action) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	if a.dailyLimit(model) <= 0 {
		return true, "no daily limit configured", Allow
	}

	mb := a.stateLocked(model, now)
	wu := a.currentLocked(mb, now)
	if wu == nil {
		return true, "no budget window covers the current hour", Allow
	}

	remaining := wu.Budget - wu.Used
	if n <= remaining {
		return true, "", Allow
	}

	reason = fmt.Sprintf("window %s budget exhausted (%d/%d used)", wu.Window, wu.Used, wu.Budget)
	return false, reason, a.exceed
}

// RecordUsage books n admitted requests against the current window. Under the
// Allow policy Used may exceed Budget; the overage stays visible on the
// dashboard.
func (a *Allocator) RecordUsage(model string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if wu := a.currentLocked(a.stateLocked(model, now), now); wu != nil {
		wu.Used += n
	}
}

// RecordQueued notes a request deferred because of this window's budget.
func (a *Allocator) RecordQueued(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if wu := a.currentLocked(a.stateLocked(model, now), now); wu != nil {
		wu.Queued++
	}
}

// RecordRejected notes a request refused because of this window's budget.
func (a *Allocator) RecordRejected(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if wu := a.currentLocked(a.stateLocked(model, now), now); wu != nil {
		wu.Rejected++
	}
}

// Dashboard returns the day's window usage for every model that has been
// checked or recorded today.
func (a *Allocator) Dashboard() map[string]ModelDashboard {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	hour := now.UTC().Hour()

	current := ""
	for _, w := range a.windows {
		if w.contains(hour) {
			current = w.Name
			break
		}
	}

	out := make(map[string]ModelDashboard, len(a.state))
	for model := range a.state {
		mb := a.stateLocked(model, now)
		windows := make([]WindowUsage, len(mb.windows))
		for i, wu := range mb.windows {
			windows[i] = *wu
		}
		out[model] = ModelDashboard{
			Model:   model,
			Date:    mb.date,
			Current: current,
			Windows: windows,
		}
	}
	return out
}
