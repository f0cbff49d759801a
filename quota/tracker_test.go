package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{at: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

var testStart = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestTracker(limits map[string]Quota) (*Tracker, *fakeClock) {
	clock := newFakeClock(testStart)
	return NewWithClock(limits, clock.Now), clock
}

func TestSlidingWindow(t *testing.T) {
	tr, clock := newTestTracker(map[string]Quota{
		"flash": {RequestsPerMinute: 3},
	})

	tr.Record("flash", 100)
	clock.Advance(10 * time.Second)
	tr.Record("flash", 100)
	clock.Advance(10 * time.Second)
	tr.Record("flash", 100)

	assert.False(t, tr.CanAdmit("flash"))

	// 59s after the first admission it is still inside the window.
	clock.Advance(39 * time.Second)
	assert.False(t, tr.CanAdmit("flash"))

	// Once the oldest admission ages past 60s a slot frees up.
	clock.Advance(2 * time.Second)
	assert.True(t, tr.CanAdmit("flash"))

	status := tr.Status()["flash"]
	assert.Equal(t, 2, status.WindowRequests)
	assert.Equal(t, 3, status.DailyRequests)
	assert.Equal(t, 300, status.DailyTokens)
}

func TestDailyLimit(t *testing.T) {
	tr, clock := newTestTracker(map[string]Quota{
		"pro": {RequestsPerMinute: 100, RequestsPerDay: 2},
	})

	require.True(t, tr.CanAdmit("pro"))
	tr.Record("pro", 50)
	tr.Record("pro", 50)
	assert.False(t, tr.CanAdmit("pro"))
	assert.Equal(t, 0, tr.Remaining("pro"))

	// Window entries age out but the daily counter still blocks.
	clock.Advance(2 * time.Minute)
	assert.False(t, tr.CanAdmit("pro"))

	// The next UTC day clears the counters.
	clock.Advance(24 * time.Hour)
	assert.True(t, tr.CanAdmit("pro"))
	assert.Equal(t, 2, tr.Remaining("pro"))
}

func TestRolloverIdempotent(t *testing.T) {
	tr, clock := newTestTracker(map[string]Quota{
		"pro": {RequestsPerDay: 10},
	})

	tr.Record("pro", 500)
	clock.Advance(25 * time.Hour)

	first := tr.Status()["pro"]
	second := tr.Status()["pro"]

	assert.Equal(t, 0, first.DailyRequests)
	assert.Equal(t, first, second)
	assert.Equal(t, "2026-03-15", second.ResetDate)

	tr.Record("pro", 10)
	assert.Equal(t, 1, tr.Status()["pro"].DailyRequests)
}

func TestUnknownModelAdmitted(t *testing.T) {
	tr, _ := newTestTracker(map[string]Quota{})

	assert.True(t, tr.CanAdmit("mystery"))
	tr.Record("mystery", 42)
	assert.True(t, tr.CanAdmit("mystery"))

	status := tr.Status()["mystery"]
	assert.Equal(t, 1, status.DailyRequests)
	assert.Equal(t, -1, status.RemainingToday)
	assert.Equal(t, -1, tr.Remaining("mystery"))
}

func TestSetQuota(t *testing.T) {
	tr, _ := newTestTracker(map[string]Quota{
		"flash": {RequestsPerMinute: 10},
	})

	tr.Record("flash", 0)
	require.True(t, tr.CanAdmit("flash"))

	tr.SetQuota("flash", Quota{RequestsPerMinute: 1})
	assert.False(t, tr.CanAdmit("flash"))

	q, ok := tr.Limits("flash")
	require.True(t, ok)
	assert.Equal(t, 1, q.RequestsPerMinute)
}

func TestDailyFraction(t *testing.T) {
	u := Usage{DailyRequests: 80, Limits: Quota{RequestsPerDay: 100}}
	assert.InDelta(t, 0.8, u.DailyFraction(), 1e-9)
	assert.Zero(t, Usage{DailyRequests: 5}.DailyFraction())
}

func TestWaitForQuotaTimeout(t *testing.T) {
	tr, _ := newTestTracker(map[string]Quota{
		"flash": {RequestsPerMinute: 1},
	})
	tr.Record("flash", 0)

	start := time.Now()
	ok := tr.WaitForQuota(context.Background(), "flash", 150*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForQuotaCancel(t *testing.T) {
	tr, _ := newTestTracker(map[string]Quota{
		"flash": {RequestsPerMinute: 1},
	})
	tr.Record("flash", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, tr.WaitForQuota(ctx, "flash", 10*time.Second))
}

func TestWaitForQuotaRelease(t *testing.T) {
	tr, clock := newTestTracker(map[string]Quota{
		"flash": {RequestsPerMinute: 1},
	})
	tr.Record("flash", 0)

	go func() {
		time.Sleep(50 * time.Millisecond)
		clock.Advance(61 * time.Second)
	}()

	assert.True(t, tr.WaitForQuota(context.Background(), "flash", 5*time.Second))
}
