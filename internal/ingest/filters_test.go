package ingest

import (
	"testing"

	"github.com/allaspects/meshmock/internal/config"
	"github.com/allaspects/meshmock/internal/model"
)

func eventFor(host, method, path string) model.TrafficEvent {
	return model.TrafficEvent{
		Host: host,
		Request: model.Message{
			Method: method,
			Path:   path,
		},
		Response: model.Message{Status: 200},
	}
}

func TestFilters_IgnoredHostGlob(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		IgnoredHosts: []string{"*.internal", "metrics.svc"},
	})

	if got := f.Check(eventFor("db.internal", "GET", "/x")); got != DropIgnoredHost {
		t.Errorf("glob host: got %q, want ignored_host", got)
	}
	if got := f.Check(eventFor("metrics.svc", "GET", "/x")); got != DropIgnoredHost {
		t.Errorf("exact host: got %q, want ignored_host", got)
	}
	if got := f.Check(eventFor("orders.svc", "GET", "/x")); got != "" {
		t.Errorf("unlisted host: got %q, want pass", got)
	}
}

func TestFilters_IgnoredPathGlob(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		IgnoredPaths: []string{"/healthz", "/debug/*"},
	})

	if got := f.Check(eventFor("h", "GET", "/healthz")); got != DropIgnoredPath {
		t.Errorf("exact path: got %q, want ignored_path", got)
	}
	if got := f.Check(eventFor("h", "GET", "/debug/pprof")); got != DropIgnoredPath {
		t.Errorf("glob path: got %q, want ignored_path", got)
	}
	if got := f.Check(eventFor("h", "GET", "/api/v1/users")); got != "" {
		t.Errorf("unlisted path: got %q, want pass", got)
	}
}

func TestFilters_SampleRateZeroDropsEverything(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    true,
		DefaultSampleRate: 0,
	})
	for i := 0; i < 50; i++ {
		if got := f.Check(eventFor("h", "GET", "/x")); got != DropSampled {
			t.Fatalf("rate 0 must drop everything, got %q", got)
		}
	}
}

func TestFilters_SampleRateOneDropsNothing(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    true,
		DefaultSampleRate: 1,
	})
	for i := 0; i < 50; i++ {
		if got := f.Check(eventFor("h", "GET", "/x")); got != "" {
			t.Fatalf("rate 1 must drop nothing, got %q", got)
		}
	}
}

func TestFilters_FirstMatchingRuleWins(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    true,
		DefaultSampleRate: 1,
		SamplingRules: []config.SamplingRule{
			{PathRegex: "^/api/v1/noisy", SampleRate: 0},
			{PathRegex: "^/api", SampleRate: 1},
		},
	})

	if got := f.Check(eventFor("h", "GET", "/api/v1/noisy/thing")); got != DropSampled {
		t.Errorf("first rule (rate 0) should win: got %q", got)
	}
	if got := f.Check(eventFor("h", "GET", "/api/v1/other")); got != "" {
		t.Errorf("second rule (rate 1) should pass: got %q", got)
	}
}

func TestFilters_RuleMethodRestriction(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    true,
		DefaultSampleRate: 1,
		SamplingRules: []config.SamplingRule{
			{PathRegex: "^/api", Method: "GET", SampleRate: 0},
		},
	})

	if got := f.Check(eventFor("h", "get", "/api/x")); got != DropSampled {
		t.Errorf("method match is case-insensitive: got %q", got)
	}
	if got := f.Check(eventFor("h", "POST", "/api/x")); got != "" {
		t.Errorf("non-matching method falls through to default rate: got %q", got)
	}
}

func TestFilters_SamplingDisabled(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    false,
		DefaultSampleRate: 0,
	})
	if got := f.Check(eventFor("h", "GET", "/x")); got != "" {
		t.Errorf("disabled sampling must never drop: got %q", got)
	}
}

func TestFilters_InvalidRegexSkipped(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		EnableSampling:    true,
		DefaultSampleRate: 1,
		SamplingRules: []config.SamplingRule{
			{PathRegex: "([", SampleRate: 0},
		},
	})
	if got := f.Check(eventFor("h", "GET", "/x")); got != "" {
		t.Errorf("invalid rule should be skipped, default rate applies: got %q", got)
	}
}

func TestFilters_OrderHostBeforePathBeforeSampling(t *testing.T) {
	f := NewFilters(config.IngestConfig{
		IgnoredHosts:      []string{"skip.me"},
		IgnoredPaths:      []string{"/healthz"},
		EnableSampling:    true,
		DefaultSampleRate: 0,
	})

	if got := f.Check(eventFor("skip.me", "GET", "/healthz")); got != DropIgnoredHost {
		t.Errorf("host filter runs first: got %q", got)
	}
	if got := f.Check(eventFor("ok", "GET", "/healthz")); got != DropIgnoredPath {
		t.Errorf("path filter runs second: got %q", got)
	}
	if got := f.Check(eventFor("ok", "GET", "/x")); got != DropSampled {
		t.Errorf("sampling runs last: got %q", got)
	}
}
