// Package control is the ops-facing HTTP surface: liveness/readiness probes,
// stats, direct mapping management, backup listing and restore, and
// mock-server introspection pass-throughs. No business logic
// lives here.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspects/meshmock/internal/backup"
	"github.com/allaspects/meshmock/internal/dedup"
	"github.com/allaspects/meshmock/internal/metrics"
	"github.com/allaspects/meshmock/internal/mockserver"
	"github.com/allaspects/meshmock/internal/model"
	"github.com/allaspects/meshmock/internal/queue"
	"github.com/allaspects/meshmock/internal/tracing"
	"github.com/allaspects/meshmock/internal/version"
)

// probeTimeout bounds each backend check inside the readiness handler.
const probeTimeout = 3 * time.Second

// Deps are the collaborators the control surface fronts.
type Deps struct {
	Dedup          dedup.Index
	DedupPing      func(ctx context.Context) error // nil when the in-memory index is in use
	Queue          queue.Queue
	Client         *mockserver.Client
	Backups        *backup.Store
	Metrics        *metrics.Metrics
	ApplierRunning func() bool
	RetentionDays  int
	Logger         zerolog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps    Deps
	router  chi.Router
	httpSrv *http.Server
}

// NewServer builds the control surface on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// No-op until a tracer provider is registered at startup.
	r.Use(tracing.HTTPMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/mappings", func(r chi.Router) {
		r.Post("/", s.handleCreateMapping)
		r.Get("/", s.handleListMappings)
		r.Delete("/", s.handleResetMappings)
		r.Get("/{id}", s.handleGetMapping)
		r.Delete("/{id}", s.handleDeleteMapping)
	})

	r.Route("/backups", func(r chi.Router) {
		r.Get("/", s.handleListBackups)
		r.Get("/summary", s.handleBackupSummary)
		r.Delete("/cleanup", s.handleBackupCleanup)
		// Backup paths are date-partitioned (YYYY/MM/DD/file), so the file
		// segment spans slashes: match the wildcard and strip the trailing
		// /restore ourselves.
		r.Post("/*", s.handleRestoreBackup)
	})

	r.Get("/wiremock/requests", s.handleRecentRequests)
	r.Get("/wiremock/requests/unmatched", s.handleUnmatchedRequests)

	s.router = r
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
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

// handleHealth is the liveness probe: always ok while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// handleReady reports ready only when the queue backend is reachable, the
// mock server answers its health endpoint, and the applier loop is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	if s.deps.DedupPing != nil {
		if err := s.deps.DedupPing(ctx); err != nil {
			checks["dedup"] = err.Error()
			ready = false
		} else {
			checks["dedup"] = "ok"
		}
	} else {
		checks["dedup"] = "in-memory"
	}

	if err := s.deps.Queue.Ping(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	if err := s.deps.Client.Health(ctx); err != nil {
		checks["mock_server"] = err.Error()
		ready = false
	} else {
		checks["mock_server"] = "ok"
	}

	if s.deps.ApplierRunning() {
		checks["applier"] = "ok"
	} else {
		checks["applier"] = "stopped"
		ready = false
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

// handleStats returns per-component counters plus the dedup age-bucket
// summary.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	dedupStats, err := s.deps.Dedup.Stats(ctx)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("dedup stats unavailable")
		dedupStats = model.DedupStats{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counters": s.deps.Metrics.Snapshot(),
		"dedup":    dedupStats,
	})
}

// handleCreateMapping is the direct bypass: register a stub without going
// through the capture pipeline.
func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var stub model.Stub
	if err := json.NewDecoder(r.Body).Decode(&stub); err != nil {
		http.Error(w, "invalid stub document: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Client.CreateStub(r.Context(), stub); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": stub.ID})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	data, err := s.deps.Client.ListStubs(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Client.GetStub(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Client.DeleteStub(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetMappings(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Client.ResetAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	mappingID := r.URL.Query().Get("mapping_id")
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	rows, err := s.deps.Backups.List(mappingID, days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []backup.ManifestRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleBackupSummary(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.deps.Backups.Summary()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleRestoreBackup reads a backup file and re-submits its stubs to the
// mock server. The route shape is POST /backups/<file>/restore where <file>
// is a root-relative, slash-containing backup path.
func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	wildcard := chi.URLParam(r, "*")
	if !strings.HasSuffix(wildcard, "/restore") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	file := strings.TrimSuffix(wildcard, "/restore")
	stubs, err := s.deps.Backups.Restore(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	result := s.deps.Client.ApplyBatch(r.Context(), stubs)
	status := http.StatusOK
	if result.ErrorCount > 0 {
		status = http.StatusMultiStatus
	}
	errs := make(map[string]string, len(result.Errors))
	for id, e := range result.Errors {
		errs[id] = e.Error()
	}
	writeJSON(w, status, map[string]interface{}{
		"restored": result.SuccessCount,
		"failed":   result.ErrorCount,
		"errors":   errs,
	})
}

func (s *Server) handleBackupCleanup(w http.ResponseWriter, _ *http.Request) {
	deleted, err := s.deps.Backups.Sweep(s.deps.RetentionDays)
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("backup cleanup completed with errors")
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	data, err := s.deps.Client.ListRecentRequests(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleUnmatchedRequests(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Client.ListUnmatchedRequests(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeRaw(w, data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
