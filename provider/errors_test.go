package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyText(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"429 status", errors.New("model API returned status 429"), KindRateLimited},
		{"resource exhausted", errors.New("rpc error: code = ResourceExhausted desc = Resource exhausted"), KindRateLimited},
		{"quota exceeded", errors.New("Quota exceeded for quota metric 'GenerateContent'"), KindRateLimited},
		{"too many requests", errors.New("HTTP 429 Too Many Requests"), KindRateLimited},
		{"bad api key", errors.New("invalid API key provided"), KindAuthentication},
		{"permission", errors.New("permission denied for project"), KindAuthentication},
		{"safety block", errors.New("response blocked by safety settings"), KindContentFiltered},
		{"bad json", errors.New("failed to unmarshal response body"), KindInvalidResponse},
		{"conn refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), KindNetwork},
		{"503", errors.New("upstream returned 503 service unavailable"), KindNetwork},
		{"mystery", errors.New("something odd happened"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyStructuredWins(t *testing.T) {
	// A wrapped *Error keeps its kind even when the text looks like
	// something else.
	inner := NewError("execute", "flash", KindContentFiltered, errors.New("status 429"))
	wrapped := fmt.Errorf("call failed: %w", inner)

	assert.Equal(t, KindContentFiltered, Classify(wrapped))
}

func TestClassifySentinels(t *testing.T) {
	assert.Equal(t, KindRateLimited, Classify(fmt.Errorf("attempt 3: %w", ErrRateLimited)))
	assert.Equal(t, KindNetwork, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestErrorIsSentinel(t *testing.T) {
	err := NewError("execute", "flash", KindRateLimited, errors.New("status 429"))

	require.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrNetwork)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.ErrorIs(t, wrapped, ErrRateLimited)

	var perr *Error
	require.ErrorAs(t, wrapped, &perr)
	assert.Equal(t, "flash", perr.Model)
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindRateLimited.Retryable())
	assert.False(t, KindNetwork.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestResultTokens(t *testing.T) {
	var r *Result
	assert.Equal(t, 0, r.Tokens())

	r = &Result{Text: "ok"}
	assert.Equal(t, 0, r.Tokens())

	r.Usage = &Usage{InputTokens: 120, OutputTokens: 80}
	assert.Equal(t, 200, r.Tokens())
}
