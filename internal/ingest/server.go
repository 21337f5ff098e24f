// Package ingest accepts mirrored traffic from the mesh sidecar tap, applies
// the pre-filter chain, and feeds the processor's bounded buffer.
//
// The intake transport is a chunked, newline-delimited JSON stream: one
// TrafficEvent per line on POST /v1/tap. The request context propagates
// client cancellation, and a full processor buffer ends the stream segment
// with 503 + Retry-After so the tap reconnects rather than the server
// buffering unboundedly.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/config"
	"github.com/allaspects/meshmock/internal/errkind"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/tracing"
)

// enqueueWait bounds how long a full processor buffer may stall a stream
// segment before the server sheds load back to the tap.
const enqueueWait = 2 * time.Second

// tapResponse is the JSON summary returned at the end of a stream segment.
type tapResponse struct {
	Accepted int            `json:"accepted"`
	Dropped  map[string]int `json:"dropped,omitempty"`
}

// Server is the tap intake HTTP server.
type Server struct {
	router  chi.Router
	httpSrv *http.Server
	out     chan<- model.TrafficEvent
	filters *Filters
	limit   int64
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewServer creates the intake server writing accepted events to out.
func NewServer(cfg config.IngestConfig, addr string, out chan<- model.TrafficEvent, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		out:     out,
		filters: NewFilters(cfg),
		limit:   cfg.BodySizeLimit,
		metrics: m,
		log:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// No-op until a tracer provider is registered at startup.
	r.Use(tracing.HTTPMiddleware)
	r.Post("/v1/tap", s.handleTap)

	s.router = r
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: r,
		// No WriteTimeout: a stream segment lives as long as the tap keeps
		// sending. ReadTimeout is likewise unsuitable for a long-lived body;
		// idle streams are bounded by IdleTimeout on keep-alive reuse.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Router returns the underlying chi.Router for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start begins listening. It blocks until shutdown or a fatal error.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleTap reads one TrafficEvent per line, pre-filters, truncates oversized
// bodies, and enqueues to the processor buffer. Per-sender arrival order is
// preserved: lines are enqueued in the order they are read.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scanner := bufio.NewScanner(r.Body)
	// Line length is bounded by the body size limit plus headroom for the
	// JSON envelope around the bodies.
	maxLine := int(s.limit)*2 + 64*1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	resp := tapResponse{Dropped: make(map[string]int)}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := decodeEvent(line)
		if err != nil {
			s.drop(resp.Dropped, DropMalformed)
			s.log.Debug().Err(errkind.Wrap(errkind.MalformedInput, err)).
				Str("kind", string(errkind.MalformedInput)).Msg("dropping malformed tap line")
			continue
		}

		if reason := s.filters.Check(ev); reason != "" {
			s.drop(resp.Dropped, reason)
			continue
		}

		s.truncateBodies(&ev)

		select {
		case s.out <- ev:
			resp.Accepted++
			s.metrics.EventsReceived.Inc()
		case <-ctx.Done():
			return
		case <-time.After(enqueueWait):
			// Processor buffer full: count the shed event, then signal the
			// tap to back off and end this stream segment.
			s.drop(resp.Dropped, DropBufferFull)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn().Err(err).Msg("tap stream read error")
		if resp.Accepted == 0 {
			http.Error(w, "malformed stream", http.StatusBadRequest)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeEvent parses a tap line and validates the tap contract: a missing
// request or response drops the event.
func decodeEvent(line []byte) (model.TrafficEvent, error) {
	var ev model.TrafficEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, err
	}
	if ev.Request.Method == "" || ev.Request.Path == "" {
		return ev, fmt.Errorf("missing request")
	}
	if ev.Response.Status == 0 {
		return ev, fmt.Errorf("missing response")
	}
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = time.Now().UTC()
	}
	return ev, nil
}

// truncateBodies cuts request and response bodies to the configured limit
// before sanitization, recording the truncation on the event.
func (s *Server) truncateBodies(ev *model.TrafficEvent) {
	if s.limit <= 0 {
		return
	}
	if int64(len(ev.Request.Body)) > s.limit {
		ev.Request.Body = ev.Request.Body[:s.limit]
		ev.RequestBodyTruncated = true
		s.metrics.BodiesTruncated.Inc()
	}
	if int64(len(ev.Response.Body)) > s.limit {
		ev.Response.Body = ev.Response.Body[:s.limit]
		ev.ResponseBodyTruncated = true
		s.metrics.BodiesTruncated.Inc()
	}
}

func (s *Server) drop(counts map[string]int, reason DropReason) {
	counts[string(reason)]++
	s.metrics.EventsDropped.WithLabelValues(string(reason)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
