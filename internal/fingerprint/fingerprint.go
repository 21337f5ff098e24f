// Package fingerprint computes the canonical form and SHA-256 fingerprint of
// a sanitized request. Equal canonical forms must fingerprint
// equal; the fingerprint is computed over the sanitized request so that two
// captures differing only in redacted content collide by design.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/sanitize"
)

// projectionHeaders is the set of request headers that materially affect
// response selection and participate in the fingerprint.
var projectionHeaders = []string{
	"content-type", "accept", "accept-language", "user-agent",
	"x-api-version", "x-client-version",
}

// Compute returns the 32-byte SHA-256 fingerprint of a sanitized request,
// plus its canonical string form (exposed for logging/debugging). bodyDigest
// is the already-computed body digest for the (possibly truncated)
// sanitized body.
func Compute(req model.Message, bodyDigest string) (model.Fingerprint, string) {
	canonical := Canonicalize(req, bodyDigest)
	return model.Fingerprint(sha256.Sum256([]byte(canonical))), canonical
}

// Hex returns the hex-encoded fingerprint, used as the stub's `id`.
func Hex(fp model.Fingerprint) string {
	return hex.EncodeToString(fp[:])
}

// Canonicalize produces the canonical string form used for fingerprinting,
// as follows:
//  1. Uppercase method.
//  2. Lowercase path, strip a single trailing '/'.
//  3. Query parameters sorted by key, values sorted within each key,
//     percent-encoded with a stable rule.
//  4. Body digest.
//  5. JSON-encoded, sorted-key projection of headers in projectionHeaders.
//
// The five fields are concatenated with '|'. This function is idempotent:
// canonicalizing an already-canonical form through Compute again yields the
// same fingerprint, since Canonicalize is a pure function of its inputs.
func Canonicalize(req model.Message, bodyDigest string) string {
	method := strings.ToUpper(req.Method)
	path := canonicalPath(req.Path)
	query := canonicalQuery(req.QueryString)
	headers := canonicalHeaders(req.Headers)

	return strings.Join([]string{method, path, query, bodyDigest, headers}, "|")
}

func canonicalPath(path string) string {
	path = strings.ToLower(path)
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

func canonicalQuery(qs string) string {
	if qs == "" {
		return ""
	}
	values, err := url.ParseQuery(qs)
	if err != nil || len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for j, v := range vs {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func canonicalHeaders(headers []model.Header) string {
	projected := make(map[string]string, len(projectionHeaders))
	for _, h := range headers {
		lower := strings.ToLower(h.Name)
		for _, p := range projectionHeaders {
			if lower == p {
				projected[lower] = h.Value
			}
		}
	}
	if len(projected) == 0 {
		return ""
	}
	encoded, err := json.Marshal(projected)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// BodyDigest computes the body digest over the (already-truncated)
// sanitized body. Exposed here so callers can compute the fingerprint
// without importing sanitize directly for this single call.
func BodyDigest(body []byte) string {
	return sanitize.BodyDigest(body, 0)
}
