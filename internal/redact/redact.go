// Package redact masks credentials and common PII before text reaches the logs.
package redact

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

type rule struct {
	re   *regexp.Regexp
	mark string
}

// Card before phone, otherwise card numbers match as phone numbers.
var rules = []rule{
	{bearerPattern, "Bearer [REDACTED]"},
	{apiKeyPattern, "[REDACTED_KEY]"},
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// String masks secrets and PII in input and reports whether anything changed.
func String(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.re.ReplaceAllString(out, r.mark)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// Log is String without the flag, for use inline in log fields.
func Log(input string) string {
	out, _ := String(input)
	return out
}
