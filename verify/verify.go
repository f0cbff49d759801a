// Package verify cross-checks a high-stakes structured extraction by asking
// two models the same question and diffing their answers field by field. A
// Discrepancy outcome tells the caller to refuse the primary result rather
// than silently trust it.
package verify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gil906/witnessreplay-inference/logging"
	"github.com/gil906/witnessreplay-inference/provider"
)

// Kind classifies a verification outcome.
type Kind int

const (
	// KindConsistent means both models agreed on every compared field.
	KindConsistent Kind = iota
	// KindPartial means a minority of fields disagreed.
	KindPartial
	// KindDiscrepancy means half or more of the fields disagreed.
	KindDiscrepancy
	// KindSingleModel means only one model answered, by policy or failure.
	KindSingleModel
	// KindError means both calls failed.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConsistent:
		return "consistent"
	case KindPartial:
		return "partial"
	case KindDiscrepancy:
		return "discrepancy"
	case KindSingleModel:
		return "single_model"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

const singleModelConfidence = 0.7

// Discrepancy is one field the models disagreed on.
type Discrepancy struct {
	Field     string `json:"field"`
	Primary   any    `json:"primary"`
	Secondary any    `json:"secondary"`
}

// Outcome is the verification verdict with both raw responses attached.
type Outcome struct {
	Kind           Kind          `json:"kind"`
	PrimaryModel   string        `json:"primary_model"`
	SecondaryModel string        `json:"secondary_model,omitempty"`
	PrimaryText    string        `json:"primary_text,omitempty"`
	SecondaryText  string        `json:"secondary_text,omitempty"`
	Discrepancies  []Discrepancy `json:"discrepancies,omitempty"`
	Confidence     float64       `json:"confidence"`
}

// Runner executes one model call with retry; satisfied by the executor.
type Runner interface {
	Execute(ctx context.Context, invoker provider.Invoker, model, taskType string, req provider.Request) (*provider.Result, error)
}

// Params tunes one verification call. Zero values take the verifier's
// configured defaults.
type Params struct {
	TaskType         string
	PrimaryModel     string
	SecondaryModel   string
	ComparisonFields []string
	// Schema is an application-defined response format hint forwarded to
	// the model; with no schema the responses compare as raw text.
	Schema string
}

// Options configures a Verifier.
type Options struct {
	Enabled        bool
	PrimaryModel   string
	SecondaryModel string
	// SecondaryAdmitted gates the dual-call path; nil always admits.
	SecondaryAdmitted func(model string) bool
}

// Verifier issues the two calls concurrently through independent executor
// invocations; their relative order never matters, only joint completion.
type Verifier struct {
	runner    Runner
	invoker   provider.Invoker
	enabled   bool
	primary   string
	secondary string
	admitted  func(model string) bool
	log       *logging.Logger
}

// New returns a Verifier that runs calls through runner against invoker.
func New(runner Runner, invoker provider.Invoker, opts Options) *Verifier {
	admitted := opts.SecondaryAdmitted
	if admitted == nil {
		admitted = func(string) bool { return true }
	}
	return &Verifier{
		runner:    runner,
		invoker:   invoker,
		enabled:   opts.Enabled,
		primary:   opts.PrimaryModel,
		secondary: opts.SecondaryModel,
		admitted:  admitted,
		log:       logging.New("verify"),
	}
}

// Verify runs the dual-model check. When verification is disabled or the
// secondary model is quota-denied it degrades to a single primary call with
// reduced confidence. Both calls failing yields a KindError outcome together
// with the primary call's error.
func (v *Verifier) Verify(ctx context.Context, prompt string, p Params) (*Outcome, error) {
	primary := p.PrimaryModel
	if primary == "" {
		primary = v.primary
	}
	secondary := p.SecondaryModel
	if secondary == "" {
		secondary = v.secondary
	}
	task := p.TaskType
	if task == "" {
		task = "extraction"
	}

	req := provider.Request{Prompt: prompt}
	if p.Schema != "" {
		req.Options = map[string]any{"response_schema": p.Schema}
	}

	if !v.enabled || secondary == "" || !v.admitted(secondary) {
		res, err := v.runner.Execute(ctx, v.invoker, primary, task, req)
		if err != nil {
			return nil, err
		}
		v.log.Debug("Verification skipped, single call", "model", primary)
		return &Outcome{
			Kind:         KindSingleModel,
			PrimaryModel: primary,
			PrimaryText:  res.Text,
			Confidence:   singleModelConfidence,
		}, nil
	}

	type callResult struct {
		res *provider.Result
		err error
	}
	var pr, sr callResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pr.res, pr.err = v.runner.Execute(ctx, v.invoker, primary, task, req)
	}()
	go func() {
		defer wg.Done()
		sr.res, sr.err = v.runner.Execute(ctx, v.invoker, secondary, task, req)
	}()
	wg.Wait()

	switch {
	case pr.err != nil && sr.err != nil:
		v.log.Error("Both verification calls failed",
			"primary", primary, "secondary", secondary, "error", pr.err)
		return &Outcome{
			Kind:           KindError,
			PrimaryModel:   primary,
			SecondaryModel: secondary,
		}, pr.err
	case pr.err != nil:
		v.log.Warn("Primary verification call failed, using secondary",
			"primary", primary, "error", pr.err)
		return &Outcome{
			Kind:         KindSingleModel,
			PrimaryModel: secondary,
			PrimaryText:  sr.res.Text,
			Confidence:   singleModelConfidence,
		}, nil
	case sr.err != nil:
		v.log.Warn("Secondary verification call failed, using primary",
			"secondary", secondary, "error", sr.err)
		return &Outcome{
			Kind:         KindSingleModel,
			PrimaryModel: primary,
			PrimaryText:  pr.res.Text,
			Confidence:   singleModelConfidence,
		}, nil
	}

	outcome := v.classify(pr.res.Text, sr.res.Text, p.ComparisonFields)
	outcome.PrimaryModel = primary
	outcome.SecondaryModel = secondary

	if outcome.Kind == KindDiscrepancy {
		v.log.Warn("Verification found discrepancies",
			"primary", primary, "secondary", secondary,
			"fields", len(outcome.Discrepancies), "confidence", outcome.Confidence)
	}
	return outcome, nil
}

// classify diffs the two responses. With comparison fields both responses
// decode as JSON objects and compare field-wise; otherwise, or when either
// side is not valid JSON, the raw texts compare by token similarity.
func (v *Verifier) classify(primaryText, secondaryText string, fields []string) *Outcome {
	outcome := &Outcome{
		PrimaryText:   primaryText,
		SecondaryText: secondaryText,
	}

	if len(fields) > 0 {
		var pObj, sObj map[string]any
		pErr := json.Unmarshal([]byte(primaryText), &pObj)
		sErr := json.Unmarshal([]byte(secondaryText), &sObj)
		if pErr == nil && sErr == nil {
			for _, field := range fields {
				pv, sv := pObj[field], sObj[field]
				if !fuzzyEqual(pv, sv) {
					outcome.Discrepancies = append(outcome.Discrepancies, Discrepancy{
						Field:     field,
						Primary:   pv,
						Secondary: sv,
					})
				}
			}
			return scoreOutcome(outcome, len(fields))
		}
		v.log.Debug("Response not valid JSON, falling back to text comparison")
	}

	if sim := jaccard(primaryText, secondaryText); sim < jaccardThreshold {
		outcome.Discrepancies = append(outcome.Discrepancies, Discrepancy{
			Field:     "text",
			Primary:   primaryText,
			Secondary: secondaryText,
		})
	}
	return scoreOutcome(outcome, 1)
}

// scoreOutcome derives kind and confidence from the discrepancy fraction:
// none is Consistent at 1.0, a minority is Partial at 1-fraction, and half
// or more is Discrepancy floored at 0.3.
func scoreOutcome(outcome *Outcome, compared int) *Outcome {
	if len(outcome.Discrepancies) == 0 {
		outcome.Kind = KindConsistent
		outcome.Confidence = 1.0
		return outcome
	}

	fraction := float64(len(outcome.Discrepancies)) / float64(compared)
	if fraction < 0.5 {
		outcome.Kind = KindPartial
		outcome.Confidence = 1.0 - fraction
		return outcome
	}

	outcome.Kind = KindDiscrepancy
	outcome.Confidence = 1.0 - fraction
	if outcome.Confidence < 0.3 {
		outcome.Confidence = 0.3
	}
	return outcome
}
