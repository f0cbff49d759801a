// Package selector picks a model from an ordered fallback chain per task
// type. Selection honors quota admission and 60-second throttle cooldowns;
// with optimization enabled it scores admissible candidates on rolling
// metrics instead of strict chain order.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/quota"
)

// ErrUnknownTaskType reports a task type with no configured chain.
var ErrUnknownTaskType = errors.New("unknown task type")

const (
	defaultCooldown    = 60 * time.Second
	defaultWaitTimeout = 5 * time.Second
)

// Admitter is the quota view selection needs.
type Admitter interface {
	CanAdmit(model string) bool
	Usage(model string) quota.Usage
	WaitForQuota(ctx context.Context, model string, timeout time.Duration) bool
}

// Scorer is the metrics view used when optimization is enabled.
type Scorer interface {
	Score(model string) (successRate float64, avgLatency time.Duration, n int)
}

// ModelStatus is one model's availability view.
type ModelStatus struct {
	Model             string        `json:"model"`
	Admitted          bool          `json:"admitted"`
	CoolingDown       bool          `json:"cooling_down"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}

// Options tunes a Selector; zero values select the defaults.
type Options struct {
	Optimize    bool
	Cooldown    time.Duration
	WaitTimeout time.Duration
}

// Selector owns the throttle cooldown table behind one mutex. Quota and
// metric reads happen outside it.
type Selector struct {
	chains      map[string][]string
	admitter    Admitter
	scorer      Scorer
	optimize    bool
	cooldown    time.Duration
	waitTimeout time.Duration
	log         *logging.Logger

	mu        sync.Mutex
	throttled map[string]time.Time
	now       func() time.Time
}

// New returns a Selector over the given task-type chains. scorer may be nil;
// optimization then falls back to chain order.
func New(chains map[string][]string, admitter Admitter, scorer Scorer, opts Options) *Selector {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	waitTimeout := opts.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}

	copied := make(map[string][]string, len(chains))
	for task, chain := range chains {
		copied[task] = append([]string(nil), chain...)
	}

	return &Selector{
		chains:      copied,
		admitter:    admitter,
		scorer:      scorer,
		optimize:    opts.Optimize && scorer != nil,
		cooldown:    cooldown,
		waitTimeout: waitTimeout,
		log:         logging.New("selector"),
		throttled:   make(map[string]time.Time),
		now:         time.Now,
	}
}

// Chain returns the configured fallback chain for a task type.
func (s *Selector) Chain(task string) ([]string, bool) {
	chain, ok := s.chains[task]
	if !ok {
		return nil, false
	}
	return append([]string(nil), chain...), true
}

// MarkThrottled puts a model into its cooldown; expiry is lazy, checked on
// each selection.
func (s *Selector) MarkThrottled(model string) {
	s.mu.Lock()
	s.throttled[model] = s.now()
	s.mu.Unlock()

	s.log.Warn("Model throttled, cooling down", "model", model, "cooldown", s.cooldown)
}

// coolingDown reports whether the model is inside its cooldown and the time
// remaining; an expired entry is removed.
func (s *Selector) coolingDown(model string) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.throttled[model]
	if !ok {
		return false, 0
	}
	elapsed := s.now().Sub(at)
	if elapsed >= s.cooldown {
		delete(s.throttled, model)
		return false, 0
	}
	return true, s.cooldown - elapsed
}

// SelectForTask returns the model to use for a task type. It walks the chain
// for the first candidate that is neither cooling down nor quota-denied; with
// optimization enabled it scores all such candidates and picks the best. When
// every candidate is unavailable it waits briefly for quota on the chain head
// and returns the head regardless; callers still handle a later throttle.
func (s *Selector) SelectForTask(ctx context.Context, task string) (string, error) {
	chain, ok := s.chains[task]
	if !ok || len(chain) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, task)
	}

	var candidates []string
	for _, model := range chain {
		if cooled, _ := s.coolingDown(model); cooled {
			continue
		}
		if !s.admitter.CanAdmit(model) {
			continue
		}
		if !s.optimize {
			s.log.Debug("Selected by chain order", "task", task, "model", model)
			return model, nil
		}
		candidates = append(candidates, model)
	}

	if len(candidates) > 0 {
		best := candidates[0]
		bestScore := s.score(best)
		for _, model := range candidates[1:] {
			if sc := s.score(model); sc > bestScore {
				best, bestScore = model, sc
			}
		}
		s.log.Debug("Selected by score", "task", task, "model", best, "score", fmt.Sprintf("%.3f", bestScore))
		return best, nil
	}

	// Last resort: every model in the chain is cooled down or denied. Wait
	// briefly on the chain head, then hand it back either way.
	head := chain[0]
	if s.admitter.WaitForQuota(ctx, head, s.waitTimeout) {
		s.log.Info("Quota freed while waiting", "task", task, "model", head)
	} else {
		s.log.Warn("Entire chain unavailable, returning head", "task", task, "model", head)
	}
	return head, nil
}

// score combines rolling success rate (50%), a latency score (30%) and the
// inverse of current rate-limit pressure (20%).
func (s *Selector) score(model string) float64 {
	successRate, avgLatency, _ := s.scorer.Score(model)
	latencyScore := 1.0 / (1.0 + avgLatency.Seconds())

	pressure := 0.0
	usage := s.admitter.Usage(model)
	if rpm := usage.Limits.RequestsPerMinute; rpm > 0 {
		pressure = float64(usage.WindowRequests) / float64(rpm)
		if pressure > 1 {
			pressure = 1
		}
	}

	return 0.5*successRate + 0.3*latencyScore + 0.2*(1.0-pressure)
}

// Statuses returns the availability view for every model appearing in any
// chain, sorted by name.
func (s *Selector) Statuses() []ModelStatus {
	seen := make(map[string]bool)
	var models []string
	for _, chain := range s.chains {
		for _, model := range chain {
			if !seen[model] {
				seen[model] = true
				models = append(models, model)
			}
		}
	}
	sort.Strings(models)

	out := make([]ModelStatus, 0, len(models))
	for _, model := range models {
		cooled, remaining := s.coolingDown(model)
		out = append(out, ModelStatus{
			Model:             model,
			Admitted:          s.admitter.CanAdmit(model),
			CoolingDown:       cooled,
			CooldownRemaining: remaining,
		})
	}
	return out
}
