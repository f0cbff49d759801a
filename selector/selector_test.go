package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gil906/witnessreplay-inference/quota"
)

type stubAdmitter struct {
	denied map[string]bool
	usage  map[string]quota.Usage
	waitOK bool
	waits  int
}

func (s *stubAdmitter) CanAdmit(model string) bool { return !s.denied[model] }

func (s *stubAdmitter) Usage(model string) quota.Usage { return s.usage[model] }

func (s *stubAdmitter) WaitForQuota(ctx context.Context, model string, timeout time.Duration) bool {
	s.waits++
	return s.waitOK
}

type stubScore struct {
	rate float64
	lat  time.Duration
}

type stubScorer map[string]stubScore

func (s stubScorer) Score(model string) (float64, time.Duration, int) {
	sc, ok := s[model]
	if !ok {
		return 1.0, 0, 0
	}
	return sc.rate, sc.lat, 10
}

var testChains = map[string][]string{
	"chat": {"alpha", "beta", "gamma"},
}

func TestChainOrder(t *testing.T) {
	adm := &stubAdmitter{}
	s := New(testChains, adm, nil, Options{})

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "alpha", model)
}

func TestUnknownTask(t *testing.T) {
	s := New(testChains, &stubAdmitter{}, nil, Options{})

	_, err := s.SelectForTask(context.Background(), "divination")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestCooldownFallsBack(t *testing.T) {
	adm := &stubAdmitter{}
	s := New(testChains, adm, nil, Options{})

	s.MarkThrottled("alpha")
	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "beta", model)

	s.MarkThrottled("beta")
	model, err = s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "gamma", model)
}

func TestAllCooledReturnsHead(t *testing.T) {
	adm := &stubAdmitter{}
	s := New(testChains, adm, nil, Options{WaitTimeout: 10 * time.Millisecond})

	s.MarkThrottled("alpha")
	s.MarkThrottled("beta")
	s.MarkThrottled("gamma")

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "alpha", model)
	assert.Equal(t, 1, adm.waits)
}

func TestCooldownExpires(t *testing.T) {
	adm := &stubAdmitter{}
	s := New(testChains, adm, nil, Options{})

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.MarkThrottled("alpha")
	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	require.Equal(t, "beta", model)

	at = at.Add(61 * time.Second)
	model, err = s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "alpha", model)
}

func TestQuotaDeniedSkips(t *testing.T) {
	adm := &stubAdmitter{denied: map[string]bool{"alpha": true, "beta": true}}
	s := New(testChains, adm, nil, Options{})

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "gamma", model)
}

func TestOptimizedPicksBestSuccessRate(t *testing.T) {
	adm := &stubAdmitter{}
	scorer := stubScorer{
		"alpha": {rate: 0.4},
		"beta":  {rate: 1.0},
		"gamma": {rate: 0.9},
	}
	s := New(testChains, adm, scorer, Options{Optimize: true})

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "beta", model)
}

func TestOptimizedLatencyTieBreak(t *testing.T) {
	adm := &stubAdmitter{}
	scorer := stubScorer{
		"alpha": {rate: 1.0, lat: 4 * time.Second},
		"beta":  {rate: 1.0, lat: 100 * time.Millisecond},
		"gamma": {rate: 1.0, lat: 2 * time.Second},
	}
	s := New(testChains, adm, scorer, Options{Optimize: true})

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "beta", model)
}

func TestOptimizedAvoidsPressure(t *testing.T) {
	adm := &stubAdmitter{usage: map[string]quota.Usage{
		"alpha": {WindowRequests: 10, Limits: quota.Quota{RequestsPerMinute: 10}},
		"beta":  {WindowRequests: 1, Limits: quota.Quota{RequestsPerMinute: 10}},
	}}
	scorer := stubScorer{
		"alpha": {rate: 1.0},
		"beta":  {rate: 1.0},
		"gamma": {rate: 0.1},
	}
	s := New(testChains, adm, scorer, Options{Optimize: true})

	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.Equal(t, "beta", model)
}

func TestOptimizedSkipsCooled(t *testing.T) {
	adm := &stubAdmitter{}
	scorer := stubScorer{"beta": {rate: 1.0}}
	s := New(testChains, adm, scorer, Options{Optimize: true})

	s.MarkThrottled("beta")
	model, err := s.SelectForTask(context.Background(), "chat")
	require.NoError(t, err)
	assert.NotEqual(t, "beta", model)
}

func TestStatuses(t *testing.T) {
	adm := &stubAdmitter{denied: map[string]bool{"gamma": true}}
	s := New(testChains, adm, nil, Options{})
	s.MarkThrottled("beta")

	statuses := s.Statuses()
	require.Len(t, statuses, 3)

	assert.Equal(t, "alpha", statuses[0].Model)
	assert.True(t, statuses[0].Admitted)
	assert.False(t, statuses[0].CoolingDown)

	assert.Equal(t, "beta", statuses[1].Model)
	assert.True(t, statuses[1].CoolingDown)
	assert.Greater(t, statuses[1].CooldownRemaining, time.Duration(0))

	assert.False(t, statuses[2].Admitted)
}

func TestChainCopy(t *testing.T) {
	s := New(testChains, &stubAdmitter{}, nil, Options{})

	chain, ok := s.Chain("chat")
	require.True(t, ok)
	chain[0] = "mutated"

	fresh, _ := s.Chain("chat")
	assert.Equal(t, "alpha", fresh[0])

	_, ok = s.Chain("divination")
	assert.False(t, ok)
}
