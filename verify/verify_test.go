package verify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gil906/witnessreplay-inference/provider"
)

type stubRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	models    []string
	lastReq   provider.Request
}

func (r *stubRunner) Execute(ctx context.Context, invoker provider.Invoker, model, taskType string, req provider.Request) (*provider.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append(r.models, model)
	r.lastReq = req
	if err, ok := r.errs[model]; ok {
		return nil, err
	}
	return &provider.Result{Text: r.responses[model], Model: model}, nil
}

func (r *stubRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.models...)
}

func dualVerifier(runner Runner) *Verifier {
	return New(runner, nil, Options{
		Enabled:        true,
		PrimaryModel:   "pro",
		SecondaryModel: "flash",
	})
}

func TestConsistentOutcome(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   `{"name": "John Smith", "age": 34, "items": ["wallet", "keys"]}`,
		"flash": `{"name": "  john  SMITH ", "age": 34.2, "items": ["keys", "wallet"]}`,
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "extract the witness details", Params{
		ComparisonFields: []string{"name", "age", "items"},
	})
	require.NoError(t, err)

	assert.Equal(t, KindConsistent, out.Kind)
	assert.Equal(t, 1.0, out.Confidence)
	assert.Empty(t, out.Discrepancies)
	assert.ElementsMatch(t, []string{"pro", "flash"}, runner.called())
}

func TestDiscrepancyOutcome(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   `{"color": "red", "direction": "north"}`,
		"flash": `{"color": "blue", "direction": "south"}`,
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "what did the witness see", Params{
		ComparisonFields: []string{"color", "direction"},
	})
	require.NoError(t, err)

	assert.Equal(t, KindDiscrepancy, out.Kind)
	assert.Equal(t, 0.3, out.Confidence)
	require.Len(t, out.Discrepancies, 2)
	assert.Equal(t, "color", out.Discrepancies[0].Field)
	assert.Equal(t, "red", out.Discrepancies[0].Primary)
	assert.Equal(t, "blue", out.Discrepancies[0].Secondary)
}

func TestPartialOutcome(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   `{"a": 1, "b": 2, "c": 3, "d": "four"}`,
		"flash": `{"a": 1, "b": 2, "c": 3, "d": "five"}`,
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{
		ComparisonFields: []string{"a", "b", "c", "d"},
	})
	require.NoError(t, err)

	assert.Equal(t, KindPartial, out.Kind)
	assert.InDelta(t, 0.75, out.Confidence, 1e-9)
	assert.Len(t, out.Discrepancies, 1)
}

func TestNumericToleranceBoundary(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   `{"speed": 100, "distance": 100}`,
		"flash": `{"speed": 100.9, "distance": 103}`,
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{
		ComparisonFields: []string{"speed", "distance"},
	})
	require.NoError(t, err)

	// 0.9% passes the 1% tolerance, 3% does not.
	require.Len(t, out.Discrepancies, 1)
	assert.Equal(t, "distance", out.Discrepancies[0].Field)
}

func TestDisabledUsesSingleModel(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{"pro": "answer"}}
	v := New(runner, nil, Options{
		Enabled:        false,
		PrimaryModel:   "pro",
		SecondaryModel: "flash",
	})

	out, err := v.Verify(context.Background(), "p", Params{})
	require.NoError(t, err)

	assert.Equal(t, KindSingleModel, out.Kind)
	assert.Equal(t, singleModelConfidence, out.Confidence)
	assert.Equal(t, "answer", out.PrimaryText)
	assert.Equal(t, []string{"pro"}, runner.called())
}

func TestSecondaryQuotaDeniedUsesSingleModel(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{"pro": "answer"}}
	v := New(runner, nil, Options{
		Enabled:           true,
		PrimaryModel:      "pro",
		SecondaryModel:    "flash",
		SecondaryAdmitted: func(model string) bool { return false },
	})

	out, err := v.Verify(context.Background(), "p", Params{})
	require.NoError(t, err)

	assert.Equal(t, KindSingleModel, out.Kind)
	assert.Equal(t, []string{"pro"}, runner.called())
}

func TestOneCallFailingDegrades(t *testing.T) {
	runner := &stubRunner{
		responses: map[string]string{"pro": "the answer"},
		errs:      map[string]error{"flash": errors.New("boom")},
	}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{})
	require.NoError(t, err)

	assert.Equal(t, KindSingleModel, out.Kind)
	assert.Equal(t, "pro", out.PrimaryModel)
	assert.Equal(t, "the answer", out.PrimaryText)
	assert.Equal(t, singleModelConfidence, out.Confidence)
}

func TestBothCallsFailing(t *testing.T) {
	boom := errors.New("boom")
	runner := &stubRunner{errs: map[string]error{"pro": boom, "flash": boom}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{})
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, KindError, out.Kind)
	assert.Zero(t, out.Confidence)
}

func TestRawTextComparison(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   "The witness saw a red car.",
		"flash": "the witness saw a red car",
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{})
	require.NoError(t, err)
	assert.Equal(t, KindConsistent, out.Kind)

	runner.responses["flash"] = "a completely different account of events entirely"
	out, err = v.Verify(context.Background(), "p", Params{})
	require.NoError(t, err)
	assert.Equal(t, KindDiscrepancy, out.Kind)
	assert.Equal(t, 0.3, out.Confidence)
	require.Len(t, out.Discrepancies, 1)
	assert.Equal(t, "text", out.Discrepancies[0].Field)
}

func TestInvalidJSONFallsBackToText(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{
		"pro":   "not json at all",
		"flash": "not json at all",
	}}
	v := dualVerifier(runner)

	out, err := v.Verify(context.Background(), "p", Params{
		ComparisonFields: []string{"name"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindConsistent, out.Kind)
}

func TestSchemaForwarded(t *testing.T) {
	runner := &stubRunner{responses: map[string]string{"pro": "{}"}}
	v := New(runner, nil, Options{PrimaryModel: "pro"})

	_, err := v.Verify(context.Background(), "p", Params{Schema: "witness_details"})
	require.NoError(t, err)
	assert.Equal(t, "witness_details", runner.lastReq.Options["response_schema"])
}
