package sanitize

import (
	"math"
	"regexp"
	"strings"
)

// Sentinel is substituted for fully-redacted values.
const Sentinel = "SANITIZED"

// ErrorSentinel replaces a body that could not be sanitized safely at all;
// raw bytes are never passed through on a failure path.
const ErrorSentinel = "[SANITIZE_ERROR]"

// shapePattern describes a redaction rule that preserves the first/last N
// characters of a match and masks the interior, used for structured
// identifiers like card and document numbers.
type shapePattern struct {
	name    string
	re      *regexp.Regexp
	keep    int // characters kept at each end
	validate func(string) bool
}

// maskPattern describes a redaction rule that fully replaces a match with
// the sentinel.
type maskPattern struct {
	name string
	re   *regexp.Regexp
}

// shapePatterns are structured identifiers masked with first-N/last-N
// preserved, so the shape of the identifier stays visible while the digits
// are unrecoverable.
var shapePatterns = []shapePattern{
	{
		name:     "card",
		re:       regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		keep:     2,
		validate: validateLuhn,
	},
	{
		// National document number: a generic 6-12 digit grouped identifier,
		// distinguished from cards by requiring a separator.
		name: "document",
		re:   regexp.MustCompile(`\b\d{2,4}[- ]\d{2,4}[- ]\d{2,4}\b`),
		keep: 2,
	},
}

// maskPatterns are fully replaced with Sentinel.
var maskPatterns = []maskPattern{
	{name: "email", re: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{name: "phone", re: regexp.MustCompile(`(?:\+[1-9]\d{1,14})|(?:\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4})`)},
	{name: "jwt", re: regexp.MustCompile(`Bearer\s+[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
	{name: "uuid", re: regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}`)},
	{name: "ipv4", re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\b`)},
	{name: "credential", re: regexp.MustCompile(`(?i)(?:password|pwd|pass|secret)\s*[=:]\s*\S+`)},
}

// opaqueTokenPattern matches generic opaque tokens of length >= 20 that are
// gated by a Shannon-entropy floor to avoid flagging
// ordinary long words.
var opaqueTokenPattern = regexp.MustCompile(`[A-Za-z0-9]{20,}`)

// patternMatcher applies every configured pattern to text, replacing matches
// with their policy-appropriate redaction. entropyThreshold gates the
// generic opaque-token pattern.
type patternMatcher struct {
	entropyThreshold float64
}

func newPatternMatcher(entropyThreshold float64) *patternMatcher {
	if entropyThreshold <= 0 {
		entropyThreshold = 3.5
	}
	return &patternMatcher{entropyThreshold: entropyThreshold}
}

// isSensitive reports whether text contains any redaction-pattern match.
func (p *patternMatcher) isSensitive(text string) bool {
	if text == "" {
		return false
	}
	for _, sp := range shapePatterns {
		if loc := sp.re.FindString(text); loc != "" {
			if sp.validate == nil || sp.validate(loc) {
				return true
			}
		}
	}
	for _, mp := range maskPatterns {
		if mp.re.MatchString(text) {
			return true
		}
	}
	for _, m := range opaqueTokenPattern.FindAllString(text, -1) {
		if shannonEntropy(m) >= p.entropyThreshold {
			return true
		}
	}
	return false
}

// redact replaces every sensitive substring of text with its redacted form.
func (p *patternMatcher) redact(text string) string {
	if text == "" {
		return text
	}
	result := text

	for _, sp := range shapePatterns {
		result = sp.re.ReplaceAllStringFunc(result, func(match string) string {
			if sp.validate != nil && !sp.validate(match) {
				return match
			}
			return maskShape(match, sp.keep)
		})
	}

	for _, mp := range maskPatterns {
		result = mp.re.ReplaceAllString(result, Sentinel)
	}

	result = opaqueTokenPattern.ReplaceAllStringFunc(result, func(match string) string {
		if shannonEntropy(match) >= p.entropyThreshold {
			return Sentinel
		}
		return match
	})

	return result
}

// maskShape preserves the first/last `keep` non-separator characters and
// masks everything between with '*', leaving separators in place so the
// shape of the identifier remains visible (e.g. "41** **** **11").
func maskShape(s string, keep int) string {
	var b strings.Builder
	digitIdx := 0
	total := countDigits(s)
	for _, r := range s {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		if digitIdx < keep || digitIdx >= total-keep {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
		digitIdx++
	}
	return b.String()
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// validateLuhn strips non-digits and checks the Luhn checksum so arbitrary
// digit runs are not flagged as card numbers.
func validateLuhn(match string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)
	n := len(cleaned)
	if n < 13 || n > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(cleaned[i] - '0')
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// shannonEntropy computes the Shannon entropy of a string in bits per
// character, used as a floor to avoid flagging ordinary long words as
// opaque secrets.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]float64)
	for _, r := range s {
		freq[r]++
	}
	length := float64(len([]rune(s)))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
