package ingest

import (
	"math/rand"
	"path"
	"regexp"
	"strings"

	"github.com/allaspects/meshmock/internal/config"
	"github.com/allaspects/meshmock/internal/model"
)

// DropReason labels why a pre-filter rejected an event.
type DropReason string

const (
	DropIgnoredHost DropReason = "ignored_host"
	DropIgnoredPath DropReason = "ignored_path"
	DropSampled     DropReason = "sampled"
	DropMalformed   DropReason = "malformed"
	DropBufferFull  DropReason = "buffer_full"
)

// compiledRule is a sampling rule with its path regex pre-compiled.
type compiledRule struct {
	re     *regexp.Regexp
	method string
	rate   float64
}

// Filters applies the pre-filter chain: host glob, path glob, then
// per-endpoint sampling. Dropped events are counted by the caller; filters
// have no other side effect.
type Filters struct {
	ignoredHosts []string
	ignoredPaths []string
	sampling     bool
	defaultRate  float64
	rules        []compiledRule
	randFloat    func() float64
}

// NewFilters compiles the filter chain from configuration. Sampling rules
// with an invalid regex are skipped.
func NewFilters(cfg config.IngestConfig) *Filters {
	f := &Filters{
		ignoredHosts: cfg.IgnoredHosts,
		ignoredPaths: cfg.IgnoredPaths,
		sampling:     cfg.EnableSampling,
		defaultRate:  cfg.DefaultSampleRate,
		randFloat:    rand.Float64,
	}
	for _, r := range cfg.SamplingRules {
		re, err := regexp.Compile(r.PathRegex)
		if err != nil {
			continue
		}
		f.rules = append(f.rules, compiledRule{
			re:     re,
			method: strings.ToUpper(r.Method),
			rate:   r.SampleRate,
		})
	}
	return f
}

// Check runs the pre-filters in order and returns the drop reason, or "" if
// the event passes.
func (f *Filters) Check(ev model.TrafficEvent) DropReason {
	for _, glob := range f.ignoredHosts {
		if matchGlob(glob, ev.Host) {
			return DropIgnoredHost
		}
	}

	reqPath := ev.Request.Path
	for _, glob := range f.ignoredPaths {
		if matchGlob(glob, reqPath) {
			return DropIgnoredPath
		}
	}

	if f.sampling {
		rate := f.sampleRate(ev.Request.Method, reqPath)
		if f.randFloat() > rate {
			return DropSampled
		}
	}
	return ""
}

// sampleRate returns the rate of the first matching rule, or the default.
func (f *Filters) sampleRate(method, reqPath string) float64 {
	method = strings.ToUpper(method)
	for _, r := range f.rules {
		if r.method != "" && r.method != method {
			continue
		}
		if r.re.MatchString(reqPath) {
			return r.rate
		}
	}
	return f.defaultRate
}

// matchGlob matches a shell-style glob against s, falling back to substring
// matching when the pattern is malformed.
func matchGlob(glob, s string) bool {
	ok, err := path.Match(glob, s)
	if err != nil {
		return strings.Contains(s, glob)
	}
	return ok
}
