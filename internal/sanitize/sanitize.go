package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/allaspects/meshmock/internal/model"
)

// Sanitizer redacts sensitive content from headers, bodies, and query
// strings.
type Sanitizer struct {
	headerNames map[string]bool // lowercased sensitive header names
	fieldNames  map[string]bool // lowercased sensitive JSON/form field names
	patterns    *patternMatcher
}

// New builds a Sanitizer from the configured sensitive-header and
// sensitive-field name lists and an entropy threshold for generic
// high-entropy token detection.
func New(sensitiveHeaders, sensitiveFields []string, entropyThreshold float64) *Sanitizer {
	s := &Sanitizer{
		headerNames: make(map[string]bool, len(sensitiveHeaders)),
		fieldNames:  make(map[string]bool, len(sensitiveFields)),
		patterns:    newPatternMatcher(entropyThreshold),
	}
	for _, h := range sensitiveHeaders {
		s.headerNames[strings.ToLower(h)] = true
	}
	for _, f := range sensitiveFields {
		s.fieldNames[strings.ToLower(f)] = true
	}
	return s
}

// IsSensitive reports whether text matches any configured redaction pattern.
func (s *Sanitizer) IsSensitive(text string) bool {
	return s.patterns.isSensitive(text)
}

// SanitizeRequest redacts sensitive headers, the query string, and the body
// of a request Message. It returns the sanitized message and whether the
// body sanitizer was forced onto its error-sentinel failure path.
func (s *Sanitizer) SanitizeRequest(req model.Message) (model.Message, bool) {
	out := req
	out.Headers = s.sanitizeHeaders(req.Headers)
	out.QueryString = s.sanitizeQueryString(req.QueryString)
	contentType, _ := req.HeaderValue("Content-Type")
	body, failed := s.sanitizeBody(req.Body, contentType)
	out.Body = body
	return out, failed
}

// SanitizeResponse redacts sensitive headers and the body of a response
// Message. Query strings do not apply to responses.
func (s *Sanitizer) SanitizeResponse(resp model.Message) (model.Message, bool) {
	out := resp
	out.Headers = s.sanitizeHeaders(resp.Headers)
	contentType, _ := resp.HeaderValue("Content-Type")
	body, failed := s.sanitizeBody(resp.Body, contentType)
	out.Body = body
	return out, failed
}

// sanitizeHeaders replaces sensitive header values with a masked or sentinel
// form and pattern-scans the remaining values.
func (s *Sanitizer) sanitizeHeaders(headers []model.Header) []model.Header {
	out := make([]model.Header, len(headers))
	for i, h := range headers {
		if s.headerNames[strings.ToLower(h.Name)] {
			out[i] = model.Header{Name: h.Name, Value: maskHeaderValue(h.Value)}
			continue
		}
		out[i] = model.Header{Name: h.Name, Value: s.patterns.redact(h.Value)}
	}
	return out
}

// maskHeaderValue masks a sensitive header value: first4***last4
// when the value is longer than 8 characters, else the fixed sentinel.
func maskHeaderValue(v string) string {
	if len(v) > 8 {
		return v[:4] + "***" + v[len(v)-4:]
	}
	return Sentinel
}

// sanitizeQueryString redacts sensitive query parameter values by name and
// pattern-scans the rest, re-encoding with keys sorted and the multi-value
// structure preserved.
func (s *Sanitizer) sanitizeQueryString(qs string) string {
	if qs == "" {
		return qs
	}
	values, err := url.ParseQuery(qs)
	if err != nil {
		return s.patterns.redact(qs)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := url.Values{}
	for _, k := range keys {
		for _, v := range values[k] {
			if s.fieldNames[strings.ToLower(k)] {
				out.Add(k, Sentinel)
				continue
			}
			out.Add(k, s.patterns.redact(v))
		}
	}
	return out.Encode()
}

// sanitizeBody branches on content type and returns the sanitized
// body plus whether sanitization degraded onto the error-sentinel path.
func (s *Sanitizer) sanitizeBody(body []byte, contentType string) ([]byte, bool) {
	if len(body) == 0 {
		return body, false
	}

	mediaType := mediaTypeOf(contentType)

	switch {
	case mediaType == "application/json":
		sanitized, err := s.sanitizeJSONBody(body)
		if err == nil {
			return sanitized, false
		}
		return s.degradeToPatternScan(body)

	case mediaType == "application/x-www-form-urlencoded":
		sanitized, err := s.sanitizeFormBody(body)
		if err == nil {
			return sanitized, false
		}
		return s.degradeToPatternScan(body)

	case mediaType == "multipart/form-data":
		return s.degradeToPatternScan(body)

	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/xml":
		return s.degradeToPatternScan(body)

	default:
		return s.degradeToPatternScan(body)
	}
}

// degradeToPatternScan is the body-sanitization failure path: pattern-scan
// the decoded UTF-8 text, substituting invalid bytes; if that also fails,
// replace the whole body with the error sentinel rather than pass raw bytes
// through.
func (s *Sanitizer) degradeToPatternScan(body []byte) ([]byte, bool) {
	text := toValidUTF8(body)
	if text == "" && len(body) > 0 {
		return []byte(ErrorSentinel), true
	}
	return []byte(s.patterns.redact(text)), false
}

// toValidUTF8 decodes body as UTF-8, substituting invalid sequences with the
// Unicode replacement character.
func toValidUTF8(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	return strings.ToValidUTF8(string(body), "�")
}

func mediaTypeOf(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// sanitizeJSONBody parses body as JSON, walks it recursively redacting
// sensitive field values and pattern-scanning string leaves, and
// re-serializes it.
func (s *Sanitizer) sanitizeJSONBody(body []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return json.Marshal(s.walkJSON(v, false))
}

// walkJSON recursively redacts a decoded JSON value. sensitiveKey indicates
// that the value's key (if a leaf) is itself a sensitive field name.
func (s *Sanitizer) walkJSON(v interface{}, sensitiveKey bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = s.walkJSON(val, s.fieldNames[strings.ToLower(k)])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = s.walkJSON(val, sensitiveKey)
		}
		return out
	case string:
		if sensitiveKey {
			return Sentinel
		}
		return s.patterns.redact(t)
	default:
		return t
	}
}

// sanitizeFormBody parses body as application/x-www-form-urlencoded,
// redacts sensitive keys' values, pattern-scans the rest, and re-encodes
// preserving multi-value order.
func (s *Sanitizer) sanitizeFormBody(body []byte) ([]byte, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := url.Values{}
	for _, k := range keys {
		sensitive := s.fieldNames[strings.ToLower(k)]
		for _, v := range values[k] {
			if sensitive {
				out.Add(k, Sentinel)
				continue
			}
			out.Add(k, s.patterns.redact(v))
		}
	}
	return []byte(out.Encode()), nil
}

// BodyDigest computes the SHA-256 digest of the canonicalized body, truncated
// to 16 hex characters. JSON bodies are canonicalized with keys
// sorted recursively (arrays stay order-preserving); non-JSON bodies are
// hashed as raw bytes. body is truncated to maxBytes before hashing if it
// exceeds that length.
func BodyDigest(body []byte, maxBytes int) string {
	if maxBytes > 0 && len(body) > maxBytes {
		body = body[:maxBytes]
	}

	canonical := body
	var v interface{}
	if json.Unmarshal(body, &v) == nil {
		if c, err := json.Marshal(canonicalizeJSON(v)); err == nil {
			canonical = c
		}
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalizeJSON produces a deterministic encoding/json-marshalable form
// of v with object keys sorted recursively. encoding/json already sorts
// map[string]interface{} keys on marshal, so this exists primarily to make
// that behavior explicit and apply it recursively to nested values.
func canonicalizeJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = canonicalizeJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = canonicalizeJSON(val)
		}
		return out
	default:
		return t
	}
}
