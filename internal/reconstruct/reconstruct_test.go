package reconstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplay_StructuredJSON(t *testing.T) {
	raw := `{"summary":"S","details":"D","key_points":["A","B"],"status":"ok"}`
	got := Display(raw)

	assert.Equal(t, "S\n\nD\n\nKey Points:\n- A\n- B", got)
}

func TestDisplay_JSONWrappedInProse(t *testing.T) {
	raw := "Sure, here is the answer:\n" +
		`{"summary":"Quarterly results","details":"Revenue grew.","key_points":["Up 12%"]}` +
		"\nLet me know if you need more."
	got := Display(raw)

	assert.Contains(t, got, "Quarterly results")
	assert.Contains(t, got, "Revenue grew.")
	assert.Contains(t, got, "- Up 12%")
	assert.NotContains(t, got, "Sure, here is")
}

func TestDisplay_FreeformText(t *testing.T) {
	assert.Equal(t, "Hello world", Display("Hello   world"))
}

func TestDisplay_NearJSONFieldRecovery(t *testing.T) {
	// Truncated output: closing braces never arrived.
	raw := `{"summary":"Partial answer","details":"The stream was cut short","key_points":["one",`
	got := Display(raw)

	assert.Contains(t, got, "Partial answer")
	assert.Contains(t, got, "The stream was cut short")
}

func TestDisplay_Idempotent(t *testing.T) {
	inputs := []string{
		`{"summary":"S","details":"D","key_points":["A","B"],"status":"ok"}`,
		"Hello   world",
		"Costs $ 5 and grew 12 % to 1, 000 units.No spacing here",
		"plain text\nwith\nnewlines",
		`{"summary":"Wrapped","details":"In prose"} trailing`,
		"",
	}
	for _, in := range inputs {
		once := Display(in)
		assert.Equal(t, once, Display(once), "input %q", in)
	}
}

func TestDisplay_CosmeticFixes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"currency", "It costs $ 5 today", "It costs $5 today"},
		{"percent", "growth of 12 % overall", "growth of 12% overall"},
		{"thousands", "sold 1, 000 units", "sold 1,000 units"},
		{"sentence boundary", "First sentence.Second sentence", "First sentence. Second sentence"},
		{"space before punctuation", "odd , spacing !", "odd, spacing!"},
		{"collapsed tabs", "a\t\tb", "a b"},
		{"newlines preserved", "line one\nline two", "line one\nline two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Display(tt.in))
		})
	}
}

func TestDisplay_InvisibleCharacters(t *testing.T) {
	raw := "Hello​world with nbsp and\uFEFF bom"
	got := Display(raw)
	assert.Equal(t, "Hello world with nbsp and bom", got)
}

func TestDisplay_InvisibleCharactersInsideJSON(t *testing.T) {
	raw := "\uFEFF" + `{"summary":"S","details":"D"}`
	got := Display(raw)
	assert.Contains(t, got, "S")
	assert.Contains(t, got, "D")
}

func TestDisplay_NeverFails(t *testing.T) {
	inputs := []string{
		"",
		"{",
		"}",
		"{}",
		`{"summary":12}`,
		"{{{}}}",
		`{"key_points":["no","summary"]}`,
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Display(in) }, "input %q", in)
	}
}

func TestParse(t *testing.T) {
	s, ok := Parse(`{"summary":"S","details":"D","key_points":["A"],"status":"ok"}`)
	require.True(t, ok)
	assert.Equal(t, "S", s.Summary)
	assert.Equal(t, "D", s.Details)
	assert.Equal(t, []string{"A"}, s.KeyPoints)
	assert.Equal(t, "ok", s.Status)

	_, ok = Parse("just text")
	assert.False(t, ok)
}
