// Package stub transforms a sanitized request/response pair plus its
// fingerprint into the mock-server stub document.
package stub

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/sanitize"
)

// generatorID identifies this pipeline in stub provenance metadata.
const generatorID = "meshmock"

// matchHeaders is the subset of request headers eligible for stub header
// matchers: the same content-negotiation projection that participates in
// fingerprinting.
var matchHeaders = map[string]bool{
	"content-type":     true,
	"accept":           true,
	"accept-language":  true,
	"user-agent":       true,
	"x-api-version":    true,
	"x-client-version": true,
}

// droppedResponseHeaders are stripped from stub responses: per-request values
// that would make the stub non-deterministic or leak mesh internals.
var droppedResponseHeaders = map[string]bool{
	"date":         true,
	"server":       true,
	"x-request-id": true,
}

// ErrInvalidPair is returned when the captured pair cannot yield a well-formed
// stub; the processor drops the event and counts it.
type ErrInvalidPair struct {
	Reason string
}

func (e *ErrInvalidPair) Error() string {
	return "stub: invalid pair: " + e.Reason
}

// Build transforms a sanitized event and its fingerprint hex into a Stub.
func Build(ev model.SanitizedEvent, fingerprintHex string) (model.Stub, error) {
	req := ev.Request
	resp := ev.Response

	if req.Method == "" {
		return model.Stub{}, &ErrInvalidPair{Reason: "missing request method"}
	}
	if req.Path == "" {
		return model.Stub{}, &ErrInvalidPair{Reason: "missing request path"}
	}
	if resp.Status < 100 || resp.Status > 599 {
		return model.Stub{}, &ErrInvalidPair{Reason: fmt.Sprintf("response status %d out of range", resp.Status)}
	}

	match := model.MatchSpec{
		Method:          strings.ToUpper(req.Method),
		URLPath:         pathWithoutQuery(req.Path),
		QueryParameters: queryMatchers(req.QueryString),
		Headers:         headerMatchers(req.Headers),
		BodyPatterns:    bodyPatterns(req.Body),
	}

	response := model.ResponseSpec{
		Status:  resp.Status,
		Headers: filteredResponseHeaders(resp.Headers),
	}
	if body := strings.TrimSpace(string(resp.Body)); body != "" {
		var parsed interface{}
		if json.Unmarshal(resp.Body, &parsed) == nil {
			response.JSONBody = parsed
		} else {
			response.Body = string(resp.Body)
		}
	}

	return model.Stub{
		ID:       fingerprintHex,
		Name:     fmt.Sprintf("Auto-generated mock for %s %s", match.Method, match.URLPath),
		Request:  match,
		Response: response,
		Metadata: model.Provenance{
			GeneratedBy:  generatorID,
			GeneratedAt:  time.Now().UTC(),
			RequestHash:  fingerprintHex,
			OriginalPath: req.Path,
		},
	}, nil
}

func pathWithoutQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// queryMatchers turns query parameters into per-key matchers: equalTo for
// single-valued keys, a regex alternation over observed values for
// multi-valued keys.
func queryMatchers(qs string) map[string]model.Matcher {
	if qs == "" {
		return nil
	}
	values, err := url.ParseQuery(qs)
	if err != nil || len(values) == 0 {
		return nil
	}

	out := make(map[string]model.Matcher, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			out[k] = model.Matcher{"equalTo": vs[0]}
			continue
		}
		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		quoted := make([]string, len(sorted))
		for i, v := range sorted {
			quoted[i] = regexp.QuoteMeta(v)
		}
		out[k] = model.Matcher{"matches": strings.Join(quoted, "|")}
	}
	return out
}

// headerMatchers adds matchers only for projection-set headers whose sanitized
// value is not a redaction sentinel.
func headerMatchers(headers []model.Header) map[string]model.Matcher {
	out := make(map[string]model.Matcher)
	for _, h := range headers {
		if !matchHeaders[strings.ToLower(h.Name)] {
			continue
		}
		if isSentinel(h.Value) {
			continue
		}
		out[h.Name] = model.Matcher{"equalTo": h.Value}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// bodyPatterns emits equalToJson when the sanitized body parses as JSON and
// carries no redaction sentinel; equalTo over the string form when non-empty
// and not a sentinel; nothing otherwise.
func bodyPatterns(body []byte) []model.BodyPattern {
	if len(body) == 0 {
		return nil
	}
	text := string(body)
	if text == sanitize.ErrorSentinel {
		return nil
	}

	var parsed interface{}
	if json.Unmarshal(body, &parsed) == nil {
		if _, isStructured := parsed.(map[string]interface{}); isStructured || isArray(parsed) {
			if !strings.Contains(text, sanitize.Sentinel) {
				return []model.BodyPattern{{"equalToJson": parsed}}
			}
			return nil
		}
	}

	if strings.Contains(text, sanitize.Sentinel) {
		return nil
	}
	return []model.BodyPattern{{"equalTo": text}}
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

// filteredResponseHeaders drops date/server/x-envoy-*/x-request-id and any
// value starting with the redaction sentinel.
func filteredResponseHeaders(headers []model.Header) map[string]string {
	out := make(map[string]string)
	for _, h := range headers {
		lower := strings.ToLower(h.Name)
		if droppedResponseHeaders[lower] || strings.HasPrefix(lower, "x-envoy-") {
			continue
		}
		if strings.HasPrefix(h.Value, sanitize.Sentinel) {
			continue
		}
		out[h.Name] = h.Value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isSentinel(v string) bool {
	return v == sanitize.Sentinel || strings.HasPrefix(v, sanitize.Sentinel)
}
