package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/config"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/testutil"
)

func newTestServer(t *testing.T, cfg config.IngestConfig, buffer int) (*Server, chan model.TrafficEvent) {
	t.Helper()
	if cfg.BodySizeLimit == 0 {
		cfg.BodySizeLimit = 64 * 1024
	}
	out := make(chan model.TrafficEvent, buffer)
	srv := NewServer(cfg, "127.0.0.1:0", out, metrics.New(), zerolog.Nop())
	return srv, out
}

func postTap(t *testing.T, srv *Server, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tap", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleTap_AcceptsEvents(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{}, 16)

	var body bytes.Buffer
	body.Write(testutil.EventLine(testutil.SampleEvent()))
	body.Write(testutil.EventLine(testutil.SampleEvent()))

	rec := postTap(t, srv, body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Accepted int            `json:"accepted"`
		Dropped  map[string]int `json:"dropped"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Accepted != 2 {
		t.Errorf("accepted: got %d, want 2", resp.Accepted)
	}
	if len(out) != 2 {
		t.Errorf("buffered events: got %d, want 2", len(out))
	}

	ev := <-out
	if ev.Request.Method != "POST" || ev.Request.Path != "/api/v1/users" {
		t.Errorf("unexpected event: %+v", ev.Request)
	}
}

func TestHandleTap_MalformedLinesCountedAndSkipped(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{}, 16)

	var body bytes.Buffer
	body.WriteString("{not json}\n")
	body.Write(testutil.EventLine(testutil.SampleEvent()))

	rec := postTap(t, srv, body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp struct {
		Accepted int            `json:"accepted"`
		Dropped  map[string]int `json:"dropped"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Accepted != 1 {
		t.Errorf("accepted: got %d, want 1", resp.Accepted)
	}
	if resp.Dropped["malformed"] != 1 {
		t.Errorf("malformed drop count: got %d, want 1", resp.Dropped["malformed"])
	}
	if len(out) != 1 {
		t.Errorf("buffered events: got %d, want 1", len(out))
	}
}

func TestHandleTap_MissingRequestOrResponseDropped(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{}, 16)

	noResponse := testutil.SampleEvent()
	noResponse.Response = model.Message{}
	noRequest := testutil.SampleEvent()
	noRequest.Request = model.Message{}

	var body bytes.Buffer
	body.Write(testutil.EventLine(noResponse))
	body.Write(testutil.EventLine(noRequest))

	rec := postTap(t, srv, body.Bytes())
	var resp struct {
		Accepted int            `json:"accepted"`
		Dropped  map[string]int `json:"dropped"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Accepted != 0 {
		t.Errorf("accepted: got %d, want 0", resp.Accepted)
	}
	if resp.Dropped["malformed"] != 2 {
		t.Errorf("malformed drops: got %d, want 2", resp.Dropped["malformed"])
	}
	if len(out) != 0 {
		t.Errorf("no events should be buffered, got %d", len(out))
	}
}

func TestHandleTap_PreFiltersApplied(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{
		IgnoredPaths: []string{"/healthz"},
	}, 16)

	ignored := testutil.SampleEvent()
	ignored.Request.Path = "/healthz"

	var body bytes.Buffer
	body.Write(testutil.EventLine(ignored))
	body.Write(testutil.EventLine(testutil.SampleEvent()))

	rec := postTap(t, srv, body.Bytes())
	var resp struct {
		Accepted int            `json:"accepted"`
		Dropped  map[string]int `json:"dropped"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Accepted != 1 {
		t.Errorf("accepted: got %d, want 1", resp.Accepted)
	}
	if resp.Dropped["ignored_path"] != 1 {
		t.Errorf("ignored_path drops: got %d, want 1", resp.Dropped["ignored_path"])
	}
	if len(out) != 1 {
		t.Errorf("buffered events: got %d, want 1", len(out))
	}
}

func TestHandleTap_BodyTruncation(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{BodySizeLimit: 1024}, 16)

	// Exactly at the limit: accepted untouched.
	atLimit := testutil.SampleEvent()
	atLimit.Request.Body = bytes.Repeat([]byte("a"), 1024)

	// One byte over: truncated.
	over := testutil.SampleEvent()
	over.Request.Body = bytes.Repeat([]byte("b"), 1025)

	var body bytes.Buffer
	body.Write(testutil.EventLine(atLimit))
	body.Write(testutil.EventLine(over))

	rec := postTap(t, srv, body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	first := <-out
	if len(first.Request.Body) != 1024 || first.RequestBodyTruncated {
		t.Errorf("at-limit body must pass untouched: len=%d truncated=%v",
			len(first.Request.Body), first.RequestBodyTruncated)
	}
	second := <-out
	if len(second.Request.Body) != 1024 || !second.RequestBodyTruncated {
		t.Errorf("over-limit body must be truncated: len=%d truncated=%v",
			len(second.Request.Body), second.RequestBodyTruncated)
	}
}

func TestHandleTap_BackpressureSignals503(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{}, 1)

	// Fill the buffer so the second event cannot be enqueued.
	out <- testutil.SampleEvent()

	var body bytes.Buffer
	body.Write(testutil.EventLine(testutil.SampleEvent()))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postTap(t, srv, body.Bytes())
	}()

	select {
	case rec := <-done:
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status: got %d, want 503", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("503 should carry Retry-After")
		}
		var resp struct {
			Dropped map[string]int `json:"dropped"`
		}
		json.NewDecoder(rec.Body).Decode(&resp)
		if resp.Dropped["buffer_full"] != 1 {
			t.Errorf("buffer_full drops: got %d, want 1", resp.Dropped["buffer_full"])
		}
	case <-time.After(enqueueWait + 5*time.Second):
		t.Fatal("handler did not shed load in time")
	}
}

func TestHandleTap_EmptyLinesIgnored(t *testing.T) {
	srv, out := newTestServer(t, config.IngestConfig{}, 16)

	body := strings.Join([]string{
		"",
		string(testutil.EventLine(testutil.SampleEvent())),
		"",
	}, "\n")

	rec := postTap(t, srv, []byte(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if len(out) != 1 {
		t.Errorf("buffered events: got %d, want 1", len(out))
	}
}
