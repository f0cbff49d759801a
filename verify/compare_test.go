package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFuzzyEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"case and whitespace folded", "John  Smith", "john smith", true},
		{"different strings", "red", "blue", false},
		{"numbers within one percent", 100.0, 100.9, true},
		{"numbers outside one percent", 100.0, 103.0, false},
		{"both zero", 0.0, 0.0, true},
		{"lists order insensitive", []any{"a", "b"}, []any{"b", "a"}, true},
		{"lists different members", []any{"a", "b"}, []any{"a", "c"}, false},
		{"lists subset", []any{"a"}, []any{"a", "b"}, false},
		{"bools", true, true, true},
		{"nil both", nil, nil, true},
		{"nil one side", nil, "x", false},
		{"mixed types via print", "42", 42.0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fuzzyEqual(tc.a, tc.b))
		})
	}
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard("", ""))
	assert.Equal(t, 1.0, jaccard("Red car.", "red car"))
	assert.InDelta(t, 0.75, jaccard(
		"the witness saw a red car",
		"the witness saw a red car near the bank",
	), 1e-9)
	assert.Zero(t, jaccard("alpha beta", "gamma delta"))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "john smith", normalizeText("  John \t SMITH\n"))
}
