package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/metrics"
	"github.com/fentz26/taskvault/internal/models"
)

const maxAuditEntries = 1000

// Server provides the HTTP API for taskvault.
type Server struct {
	service  *Service
	addr     string
	server   *http.Server
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewServer creates a new HTTP server. metrics and gatherer may be nil, in
// which case /metrics is not served.
func NewServer(service *Service, addr string, m *metrics.Collector, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:  service,
		addr:     addr,
		metrics:  m,
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "http")),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/audit", s.handleAudit)

	// Record endpoints
	mux.HandleFunc("/records", s.handleRecords)
	mux.HandleFunc("/records/", s.handleRecordByID)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.instrument(mux)
}

// Start starts the HTTP server and blocks until it stops. A server shut
// down before Start returns nil immediately.
func (s *Server) Start() error {
	s.logger.Info("starting control plane", zap.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, route(r.URL.Path), rec.status, time.Since(start))
	})
}

// route collapses record ids so metric labels stay bounded.
func route(path string) string {
	if !strings.HasPrefix(path, "/records/") {
		return path
	}
	parts := strings.Split(strings.TrimPrefix(path, "/records/"), "/")
	if len(parts) > 1 {
		return "/records/{id}/" + parts[1]
	}
	return "/records/{id}"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidFilter):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleStatus handles GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := s.service.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAudit handles GET /audit?n=
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 50
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxAuditEntries)
	}
	entries, err := s.service.Audit(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleRecords handles GET /records?state=&kind=
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	recs, err := s.service.ListRecords(r.Context(), q.Get("state"), q.Get("kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleRecordByID handles /records/{id}/*
func (s *Server) handleRecordByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/records/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "record id required", http.StatusBadRequest)
		return
	}

	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getRecord(w, r, id)
	case action == "approve" && r.Method == http.MethodPost:
		s.decide(w, r, id, true)
	case action == "reject" && r.Method == http.MethodPost:
		s.decide(w, r, id, false)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request, id string) {
	detail, err := s.service.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type decisionResponse struct {
	ID    string       `json:"id"`
	State models.State `json:"state"`
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, id string, approve bool) {
	to, err := s.service.Decide(r.Context(), id, approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, decisionResponse{ID: id, State: to})
}
