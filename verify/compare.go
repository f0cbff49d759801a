package verify

import (
	"fmt"
	"math"
	"strings"
)

const (
	numericTolerance = 0.01
	jaccardThreshold = 0.8
)

// normalizeText lowercases and collapses all whitespace runs to single
// spaces.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// fuzzyEqual compares two JSON-decoded values with the tolerance the
// verification pass allows: case and whitespace differences in strings,
// element order in lists, and up to 1% relative difference in numbers.
func fuzzyEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return normalizeText(av) == normalizeText(bv)
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return numbersClose(av, bv)
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return setEqual(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv
		}
	case nil:
		return b == nil
	}
	// Mixed or unhandled types compare by normalized string form.
	return normalizeText(fmt.Sprint(a)) == normalizeText(fmt.Sprint(b))
}

func numbersClose(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return true
	}
	return math.Abs(a-b) <= numericTolerance*scale
}

// setEqual is order-insensitive equality over the elements' canonical forms.
func setEqual(a, b []any) bool {
	as := make(map[string]bool, len(a))
	for _, v := range a {
		as[canonical(v)] = true
	}
	bs := make(map[string]bool, len(b))
	for _, v := range b {
		bs[canonical(v)] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for k := range as {
		if !bs[k] {
			return false
		}
	}
	return true
}

func canonical(v any) string {
	if s, ok := v.(string); ok {
		return normalizeText(s)
	}
	return normalizeText(fmt.Sprint(v))
}

// jaccard is the token-set similarity of two texts; both empty counts as
// identical.
func jaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1.0
	}

	intersection := 0
	for tok := range as {
		if bs[tok] {
			intersection++
		}
	}
	union := len(as) + len(bs) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(tok, ".,!?;:\"'()[]{}")] = true
	}
	delete(set, "")
	return set
}
