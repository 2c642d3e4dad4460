// Package reconstruct turns accumulated raw model output into display text.
//
// Models intermittently answer with JSON, near-JSON, or JSON buried in prose.
// Display tries progressively weaker recovery and never fails: strict parse
// of the first {...} span, then field-level pattern extraction, then cosmetic
// cleanup of the raw text as-is.
package reconstruct

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Structured is the shape models are asked to answer in.
type Structured struct {
	Summary   string
	Details   string
	KeyPoints []string
	Status    string
}

// Display derives display text from raw accumulated output.
//
// Idempotent: Display(Display(x)) == Display(x). Rendered output contains no
// JSON braces, so a second pass falls through to cosmetic cleanup, which is
// a no-op on already-cleaned text.
func Display(raw string) string {
	text := normalizeInvisible(raw)

	if s, ok := parseStructured(text); ok {
		return renderStructured(s)
	}
	if s, ok := extractFields(text); ok {
		return renderStructured(s)
	}
	return cleanup(text)
}

// Parse exposes the structured recovery result without rendering.
func Parse(raw string) (Structured, bool) {
	text := normalizeInvisible(raw)
	if s, ok := parseStructured(text); ok {
		return s, true
	}
	return extractFields(text)
}

// invisibleReplacer maps zero-width and non-breaking characters that break
// JSON parsing and layout to a plain space.
var invisibleReplacer = strings.NewReplacer(
	"​", " ", // zero-width space
	"‌", " ", // zero-width non-joiner
	"‍", " ", // zero-width joiner
	"\uFEFF", " ", // byte-order mark
	" ", " ", // non-breaking space
)

func normalizeInvisible(s string) string {
	return invisibleReplacer.Replace(s)
}

// parseStructured parses the first-{ to last-} span as strict JSON.
func parseStructured(text string) (Structured, bool) {
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first < 0 || last <= first {
		return Structured{}, false
	}
	span := text[first : last+1]
	if !gjson.Valid(span) {
		return Structured{}, false
	}
	obj := gjson.Parse(span)
	summary := obj.Get("summary")
	if !summary.Exists() || summary.Type != gjson.String {
		return Structured{}, false
	}

	s := Structured{
		Summary: summary.String(),
		Details: obj.Get("details").String(),
		Status:  obj.Get("status").String(),
	}
	for _, kp := range obj.Get("key_points").Array() {
		if v := kp.String(); v != "" {
			s.KeyPoints = append(s.KeyPoints, v)
		}
	}
	return s, true
}

var (
	summaryPattern   = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	detailsPattern   = regexp.MustCompile(`"details"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	keyPointsPattern = regexp.MustCompile(`"key_points"\s*:\s*\[([^\]]*)\]`)
	stringPattern    = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
)

// extractFields recovers fields from near-JSON by pattern matching. Both
// summary and details must be found; key points are best-effort. Lossy on
// purpose: it exists for output that almost parsed.
func extractFields(text string) (Structured, bool) {
	summary := summaryPattern.FindStringSubmatch(text)
	details := detailsPattern.FindStringSubmatch(text)
	if summary == nil || details == nil {
		return Structured{}, false
	}

	s := Structured{
		Summary: unescape(summary[1]),
		Details: unescape(details[1]),
	}
	if kp := keyPointsPattern.FindStringSubmatch(text); kp != nil {
		for _, m := range stringPattern.FindAllStringSubmatch(kp[1], -1) {
			if v := unescape(m[1]); v != "" {
				s.KeyPoints = append(s.KeyPoints, v)
			}
		}
	}
	return s, true
}

func unescape(s string) string {
	r := strings.NewReplacer(`\"`, `"`, `\n`, "\n", `\t`, "\t", `\\`, `\`)
	return r.Replace(s)
}

// renderStructured lays out summary heading, details paragraph, and a
// bulleted key-points list, in that fixed order.
func renderStructured(s Structured) string {
	var b strings.Builder
	b.WriteString(cleanup(s.Summary))
	if s.Details != "" {
		b.WriteString("\n\n")
		b.WriteString(cleanup(s.Details))
	}
	if len(s.KeyPoints) > 0 {
		b.WriteString("\n\nKey Points:")
		for _, kp := range s.KeyPoints {
			b.WriteString("\n- ")
			b.WriteString(cleanup(kp))
		}
	}
	return b.String()
}

var (
	horizontalSpace  = regexp.MustCompile(`[ \t]+`)
	currencySpace    = regexp.MustCompile(`\$\s+(\d)`)
	percentSpace     = regexp.MustCompile(`(\d)\s+%`)
	thousandsSpace   = regexp.MustCompile(`(\d),\s+(\d{3})\b`)
	spaceBeforePunct = regexp.MustCompile(`[ \t]+([.,!?;:])`)
	sentenceBoundary = regexp.MustCompile(`([.!?])([A-Z])`)
)

// cleanup applies cosmetic fixes only. Newlines are preserved so structured
// layout survives a second pass; every rule eliminates its own match, which
// is what makes Display idempotent.
func cleanup(text string) string {
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	text = currencySpace.ReplaceAllString(text, "$$$1")
	text = percentSpace.ReplaceAllString(text, "$1%")
	text = thousandsSpace.ReplaceAllString(text, "$1,$2")
	text = sentenceBoundary.ReplaceAllString(text, "$1 $2")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
