package stub

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/sanitize"
	"github.com/allaspects/meshmock/internal/testutil"
)

const fpHex = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"

func sanitizedEvent() model.SanitizedEvent {
	return model.SanitizedEvent{TrafficEvent: testutil.SampleEvent()}
}

func TestBuild_Basics(t *testing.T) {
	doc, err := Build(sanitizedEvent(), fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if doc.ID != fpHex {
		t.Errorf("ID: got %q, want fingerprint hex", doc.ID)
	}
	if doc.Request.Method != "POST" {
		t.Errorf("method: got %q, want POST", doc.Request.Method)
	}
	if doc.Request.URLPath != "/api/v1/users" {
		t.Errorf("urlPath: got %q", doc.Request.URLPath)
	}
	if doc.Response.Status != 201 {
		t.Errorf("status: got %d, want 201", doc.Response.Status)
	}
	if doc.Name != "Auto-generated mock for POST /api/v1/users" {
		t.Errorf("name: got %q", doc.Name)
	}
	if doc.Metadata.GeneratedBy != "meshmock" {
		t.Errorf("generated_by: got %q", doc.Metadata.GeneratedBy)
	}
	if doc.Metadata.RequestHash != fpHex {
		t.Errorf("request_hash: got %q", doc.Metadata.RequestHash)
	}
}

func TestBuild_JSONBodyMatcher(t *testing.T) {
	doc, err := Build(sanitizedEvent(), fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(doc.Request.BodyPatterns) != 1 {
		t.Fatalf("expected one body pattern, got %d", len(doc.Request.BodyPatterns))
	}
	if _, ok := doc.Request.BodyPatterns[0]["equalToJson"]; !ok {
		t.Error("JSON body should yield equalToJson matcher")
	}
}

func TestBuild_SentinelBodyOmitsMatcher(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.Body = []byte(`{"password":"` + sanitize.Sentinel + `"}`)

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(doc.Request.BodyPatterns) != 0 {
		t.Errorf("sentinel-bearing body should omit the matcher, got %v", doc.Request.BodyPatterns)
	}
}

func TestBuild_PlainTextBodyMatcher(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.Body = []byte("plain text payload")

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(doc.Request.BodyPatterns) != 1 {
		t.Fatalf("expected one body pattern, got %d", len(doc.Request.BodyPatterns))
	}
	if doc.Request.BodyPatterns[0]["equalTo"] != "plain text payload" {
		t.Errorf("plain body should yield equalTo matcher: %v", doc.Request.BodyPatterns[0])
	}
}

func TestBuild_QueryMatchers(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.QueryString = "status=active&tag=a&tag=b"

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	status := doc.Request.QueryParameters["status"]
	if status["equalTo"] != "active" {
		t.Errorf("single-valued key should use equalTo: %v", status)
	}
	tag := doc.Request.QueryParameters["tag"]
	matches, ok := tag["matches"]
	if !ok {
		t.Fatalf("multi-valued key should use matches: %v", tag)
	}
	if matches != "a|b" {
		t.Errorf("matches alternation: got %q, want a|b", matches)
	}
}

func TestBuild_HeaderMatchersProjectionOnly(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.Headers = []model.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Authorization", Value: sanitize.Sentinel},
		{Name: "X-Custom", Value: "ignored"},
		{Name: "Accept", Value: sanitize.Sentinel + " partial"},
	}

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, ok := doc.Request.Headers["Content-Type"]; !ok {
		t.Error("projection header with clean value should be matched")
	}
	if _, ok := doc.Request.Headers["Authorization"]; ok {
		t.Error("Authorization is not in the projection set")
	}
	if _, ok := doc.Request.Headers["X-Custom"]; ok {
		t.Error("non-projection header should not be matched")
	}
	if _, ok := doc.Request.Headers["Accept"]; ok {
		t.Error("sentinel-valued header should not be matched")
	}
}

func TestBuild_ResponseHeaderFiltering(t *testing.T) {
	ev := sanitizedEvent()
	ev.Response.Headers = []model.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Date", Value: "Mon, 02 Jun 2025 00:00:00 GMT"},
		{Name: "Server", Value: "envoy"},
		{Name: "X-Envoy-Upstream-Service-Time", Value: "3"},
		{Name: "X-Request-Id", Value: "abc"},
		{Name: "X-Masked", Value: sanitize.Sentinel + "xyz"},
	}

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if doc.Response.Headers["Content-Type"] != "application/json" {
		t.Error("content-type should survive filtering")
	}
	for _, name := range []string{"Date", "Server", "X-Envoy-Upstream-Service-Time", "X-Request-Id", "X-Masked"} {
		if _, ok := doc.Response.Headers[name]; ok {
			t.Errorf("header %s should be filtered from the stub response", name)
		}
	}
}

func TestBuild_ResponseJSONBody(t *testing.T) {
	doc, err := Build(sanitizedEvent(), fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if doc.Response.JSONBody == nil {
		t.Error("JSON response should populate jsonBody")
	}
	if doc.Response.Body != "" {
		t.Error("jsonBody and body are mutually exclusive")
	}

	ev := sanitizedEvent()
	ev.Response.Body = []byte("plain text")
	doc, err = Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if doc.Response.Body != "plain text" {
		t.Errorf("non-JSON response should populate body: %q", doc.Response.Body)
	}
}

func TestBuild_RejectsInvalidPairs(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.Method = ""
	if _, err := Build(ev, fpHex); err == nil {
		t.Error("missing method should be rejected")
	}

	ev = sanitizedEvent()
	ev.Response.Status = 99
	if _, err := Build(ev, fpHex); err == nil {
		t.Error("out-of-range status should be rejected")
	}

	ev = sanitizedEvent()
	ev.Response.Status = 600
	if _, err := Build(ev, fpHex); err == nil {
		t.Error("out-of-range status should be rejected")
	}
}

func TestBuild_StripsQueryFromPath(t *testing.T) {
	ev := sanitizedEvent()
	ev.Request.Path = "/api/v1/users?inline=1"

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if doc.Request.URLPath != "/api/v1/users" {
		t.Errorf("urlPath should drop inline query: %q", doc.Request.URLPath)
	}
}

func TestBuild_NoSensitiveLeak(t *testing.T) {
	// End-to-end leak check over the serialized stub document.
	ev := sanitizedEvent()
	ev.Request.Headers = append(ev.Request.Headers, model.Header{Name: "Authorization", Value: "Bear***7890"})
	ev.Request.Body = []byte(`{"password":"` + sanitize.Sentinel + `","email":"` + sanitize.Sentinel + `"}`)

	doc, err := Build(ev, fpHex)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshalling stub: %v", err)
	}
	for _, leak := range []string{"eyJ", "a@b.co"} {
		if strings.Contains(string(raw), leak) {
			t.Errorf("stub leaks %q: %s", leak, raw)
		}
	}
}
