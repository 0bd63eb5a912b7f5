package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fentz26/taskvault/internal/audit"
	"github.com/fentz26/taskvault/internal/config"
	"github.com/fentz26/taskvault/internal/metrics"
	"github.com/fentz26/taskvault/internal/models"
	"github.com/fentz26/taskvault/internal/status"
	"github.com/fentz26/taskvault/internal/store"
	"github.com/fentz26/taskvault/internal/vault"
)

type testServer struct {
	*Server
	store *store.Store
	vault *vault.Vault
}

func TestHealthEndpoint_OK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Result().StatusCode)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	s := newTestServer(t)
	// Close the store to simulate DB error
	s.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected DB error, got %+v", health)
	}
}

func TestHealthEndpoint_MissingFolders(t *testing.T) {
	s := newTestServer(t)
	if err := os.RemoveAll(s.vault.Dir(models.StateApproved)); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Result().StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Result().StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.addRecord(t, "FILE_a", models.KindFileDrop, models.StateNeedsAction)
	s.addRecord(t, "FILE_b", models.KindFileDrop, models.StateDone)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var snap models.StatusSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if snap.Total != 2 || snap.Counts[models.StateNeedsAction] != 1 || snap.Counts[models.StateDone] != 1 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}

func TestRecordsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.addRecord(t, "FILE_a", models.KindFileDrop, models.StateNeedsAction)
	s.addRecord(t, "PLAN_FILE_a", models.KindPlan, models.StatePlans)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records?state=Plans", nil))
	var recs []models.TaskRecord
	if err := json.NewDecoder(w.Body).Decode(&recs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "PLAN_FILE_a" {
		t.Errorf("Expected only the plan, got %+v", recs)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records?state=Limbo", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown state, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/FILE_a", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var detail RecordDetail
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if detail.Record.ID != "FILE_a" || detail.Runs == nil {
		t.Errorf("Unexpected detail: %+v", detail)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records/NOPE", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestApproveEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.addRecord(t, "APPROVAL_PLAN_x_3", models.KindApprovalRequest, models.StatePendingApproval)
	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/records/APPROVAL_PLAN_x_3/approve", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(s.vault.Path(models.StateApproved, "APPROVAL_PLAN_x_3")); err != nil {
		t.Errorf("Expected document in Approved: %v", err)
	}

	// The store still says PendingApproval until the orchestrator runs, but
	// the document is gone, so a second decision fails.
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/records/APPROVAL_PLAN_x_3/reject", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for a second decision, got %d", w.Code)
	}
}

func TestRejectEndpoint_NotPending(t *testing.T) {
	s := newTestServer(t)
	s.addRecord(t, "FILE_a", models.KindFileDrop, models.StateNeedsAction)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/records/FILE_a/reject", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/records/FILE_x", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `test_http_requests_total{method="GET",path="/records/{id}",status="404"} 1`) {
		t.Errorf("Expected request metric, got:\n%s", body)
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()

	st, err := store.New(config.DBPath(root))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	v := vault.New(root)
	if err := v.EnsureLayout(); err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	log := audit.NewLog(filepath.Join(v.LogsDir(), "audit"))
	cfg := config.Static(config.DefaultConfig())

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg, zap.NewNop())
	service := NewService(st, v, log, status.New(st, v, log, cfg, zap.NewNop()), zap.NewNop())
	return &testServer{
		Server: NewServer(service, "127.0.0.1:0", m, reg, zap.NewNop()),
		store:  st,
		vault:  v,
	}
}

func (s *testServer) addRecord(t *testing.T, id string, kind models.Kind, state models.State) {
	t.Helper()
	now := time.Now().UTC()
	rec := &models.TaskRecord{
		ID:        id,
		Kind:      kind,
		State:     state,
		Priority:  models.PriorityMedium,
		Status:    models.TaskStatusPending,
		Source:    id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	if err := s.vault.Write(rec); err != nil {
		t.Fatalf("Failed to write mirror: %v", err)
	}
}
