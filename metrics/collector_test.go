package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveAggregates(t *testing.T) {
	c := New(8)

	c.Observe(Record{Model: "flash", Success: true, Latency: 100 * time.Millisecond, InputTokens: 10, OutputTokens: 20})
	c.Observe(Record{Model: "flash", Success: true, Latency: 300 * time.Millisecond, InputTokens: 5, OutputTokens: 5})
	c.Observe(Record{Model: "flash", Success: false, Latency: 200 * time.Millisecond, ErrorKind: "network"})

	assert.InDelta(t, 2.0/3.0, c.SuccessRate("flash"), 1e-9)
	assert.Equal(t, 200*time.Millisecond, c.AvgLatency("flash"))

	snap := c.Snapshot()["flash"]
	assert.Equal(t, 3, snap.RecentCount)
	assert.Equal(t, 3, snap.Daily.Requests)
	assert.Equal(t, 1, snap.Daily.Failures)
	assert.Equal(t, 15, snap.Daily.InputTokens)
	assert.Equal(t, 25, snap.Daily.OutputTokens)
	assert.Equal(t, 1, snap.Daily.FailureKinds["network"])
}

func TestRingEviction(t *testing.T) {
	c := New(4)

	// Four failures, then four successes: the failures fall out of the ring
	// but stay in the daily aggregate.
	for i := 0; i < 4; i++ {
		c.Observe(Record{Model: "flash", Success: false, ErrorKind: "unknown"})
	}
	for i := 0; i < 4; i++ {
		c.Observe(Record{Model: "flash", Success: true, Latency: 50 * time.Millisecond})
	}

	assert.Equal(t, 1.0, c.SuccessRate("flash"))
	assert.Equal(t, 50*time.Millisecond, c.AvgLatency("flash"))

	snap := c.Snapshot()["flash"]
	assert.Equal(t, 4, snap.RecentCount)
	assert.Equal(t, 8, snap.Daily.Requests)
	assert.Equal(t, 4, snap.Daily.Failures)
}

func TestNoObservationsNeutral(t *testing.T) {
	c := New(0)

	assert.Equal(t, 1.0, c.SuccessRate("never-seen"))
	assert.Zero(t, c.AvgLatency("never-seen"))

	rate, lat, n := c.Score("never-seen")
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, lat)
	assert.Zero(t, n)
}

func TestDailyRollover(t *testing.T) {
	c := New(8)
	at := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	c.Observe(Record{Model: "flash", Success: true})
	require.Equal(t, 1, c.Snapshot()["flash"].Daily.Requests)

	at = at.Add(2 * time.Minute)
	snap := c.Snapshot()["flash"]
	assert.Equal(t, 0, snap.Daily.Requests)
	assert.Equal(t, "2026-03-15", snap.Daily.Date)
	// The ring is unaffected by the date change.
	assert.Equal(t, 1, snap.RecentCount)
}

func TestSeedDaily(t *testing.T) {
	c := New(8)
	fixed := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.SeedDaily([]DailyStats{
		{Model: "flash", Date: "2026-03-14", Requests: 40, Successes: 38, Failures: 2},
		{Model: "pro", Date: "2026-03-13", Requests: 99},
	})

	snap := c.Snapshot()
	assert.Equal(t, 40, snap["flash"].Daily.Requests)
	// Stale dates are dropped.
	_, ok := snap["pro"]
	assert.False(t, ok)

	c.Observe(Record{Model: "flash", Success: true})
	assert.Equal(t, 41, c.Snapshot()["flash"].Daily.Requests)
}

func TestDailySnapshotCopies(t *testing.T) {
	c := New(8)
	c.Observe(Record{Model: "flash", Success: false, ErrorKind: "rate_limited"})

	out := c.DailySnapshot()
	require.Len(t, out, 1)
	out[0].FailureKinds["rate_limited"] = 99

	assert.Equal(t, 1, c.Snapshot()["flash"].Daily.FailureKinds["rate_limited"])
}
