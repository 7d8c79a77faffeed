package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/audittrail/audittrail/internal/api/auditlogs"
	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/audit/queue"
	"github.com/audittrail/audittrail/internal/auth"
	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/middleware"
	"github.com/audittrail/audittrail/internal/storage"
)

const testSecret = "router-test-secret-with-32-chars!!"

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}
func (m *readinessMockStorage) Delete(_ context.Context, _ string) error { return nil }
func (m *readinessMockStorage) GetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", nil
}
func (m *readinessMockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return m.existsErr == nil, m.existsErr
}
func (m *readinessMockStorage) GetMetadata(_ context.Context, _ string) (*storage.FileMetadata, error) {
	return nil, nil
}

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func serve(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

// ---------------------------------------------------------------------------
// healthCheckHandler / readinessHandler
// ---------------------------------------------------------------------------

func TestHealthCheckHandler(t *testing.T) {
	tests := []struct {
		name   string
		pingOK bool
		code   int
		status string
	}{
		{"healthy", true, http.StatusOK, "healthy"},
		{"unhealthy", false, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", healthCheckHandler(newHealthDB(t, tt.pingOK)))

			w, body := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
			if body["status"] != tt.status {
				t.Errorf("status = %v, want %s", body["status"], tt.status)
			}
		})
	}
}

func TestHealthCheckHandler_NoDatabase(t *testing.T) {
	r := gin.New()
	r.GET("/health", healthCheckHandler(nil))
	w, _ := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestReadinessHandler_Ready(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), nil, &readinessMockStorage{}))

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body["ready"] != true {
		t.Errorf("ready = %v, want true", body["ready"])
	}
	checks, _ := body["checks"].(map[string]interface{})
	if _, ok := checks["redis"]; ok {
		t.Error("redis checked although not configured")
	}
	if checks["storage"] != "healthy" {
		t.Errorf("storage = %v, want healthy", checks["storage"])
	}
}

func TestReadinessHandler_DatabaseDown(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, false), nil, nil))

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body["error"] != "database not ready" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestReadinessHandler_StorageDown(t *testing.T) {
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), nil, &readinessMockStorage{existsErr: errors.New("403")}))

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	checks, _ := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" || checks["storage"] != "unhealthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())
	_, body := serve(r, httptest.NewRequest(http.MethodGet, "/version", nil))
	if body["version"] != Version || body["api_version"] != "v1" {
		t.Errorf("body = %v", body)
	}
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

// recordingDispatcher collects everything dispatched, from handlers and from
// the capture interceptor alike.
type recordingDispatcher struct {
	mu      sync.Mutex
	records []audit.Record
}

func (d *recordingDispatcher) Dispatch(_ context.Context, records ...audit.Record) (*queue.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, records...)
	return &queue.Receipt{JobID: "job", Queued: true}, nil
}

func (d *recordingDispatcher) all() []audit.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audit.Record(nil), d.records...)
}

// stubQuery answers Remove and FindMany; other methods are not reached.
type stubQuery struct {
	auditlogs.Querier
}

func (stubQuery) Remove(context.Context, string) error { return nil }

func (stubQuery) Verify(_ context.Context, id string) (*audit.Verification, error) {
	return &audit.Verification{ID: id, Valid: true}, nil
}

func (stubQuery) FindMany(context.Context, audit.Filter) (*audit.Page, error) {
	return audit.NewPage(nil, 0, 1, 50), nil
}

type testRouter struct {
	engine *gin.Engine
	bg     *BackgroundServices
	disp   *recordingDispatcher
	jwt    *auth.JWTManager
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	jwtm, err := auth.NewJWTManager(testSecret, false)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Audit.Capture = config.CaptureConfig{
		Enabled:         true,
		IncludePatterns: []string{"/api/**"},
		ExcludePatterns: []string{"/health"},
	}

	disp := &recordingDispatcher{}
	engine, bg, err := NewRouter(Deps{
		Config:        cfg,
		DB:            newHealthDB(t, true),
		Authenticator: middleware.NewAuthenticator(jwtm, nil),
		Query:         stubQuery{},
		Dispatcher:    disp,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(bg.Shutdown)
	return &testRouter{engine: engine, bg: bg, disp: disp, jwt: jwtm}
}

func (tr *testRouter) do(t *testing.T, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if scopes != nil {
		tok, err := tr.jwt.Generate(auth.Claims{UserID: "u-1", Email: "ops@example.com", Scopes: scopes}, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	tr.engine.ServeHTTP(w, req)
	return w
}

func TestNewRouter_RequiresAuthentication(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(t, http.MethodGet, "/api/v1/audit-logs", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestNewRouter_ScopeEnforcement(t *testing.T) {
	tr := newTestRouter(t)
	const id = "/api/v1/audit-logs/11111111-1111-1111-1111-111111111111"

	tests := []struct {
		name   string
		method string
		path   string
		scopes []string
		code   int
	}{
		{"writer cannot read", http.MethodGet, "/api/v1/audit-logs", []string{"audit:write"}, http.StatusForbidden},
		{"reader can list", http.MethodGet, "/api/v1/audit-logs", []string{"audit:read"}, http.StatusOK},
		{"reader cannot delete", http.MethodDelete, id, []string{"audit:read"}, http.StatusForbidden},
		{"audit admin can delete", http.MethodDelete, id, []string{"audit:admin"}, http.StatusOK},
		{"admin wildcard can delete", http.MethodDelete, id, []string{"admin"}, http.StatusOK},
		{"writer can verify", http.MethodGet, id + "/verify", []string{"audit:write"}, http.StatusOK},
		{"unscoped caller cannot verify", http.MethodGet, id + "/verify", []string{"profile"}, http.StatusForbidden},
		{"audit admin implies read", http.MethodGet, "/api/v1/audit-logs", []string{"audit:admin"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tr.do(t, tt.method, tt.path, "", tt.scopes...)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
		})
	}
}

func TestNewRouter_IngestionIsNotAudited(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(t, http.MethodPost, "/api/v1/audit-logs",
		`{"action_type":"CREATE","action":"create-user","resource":"user"}`, "audit:write")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	tr.bg.Capture().Close()

	got := tr.disp.all()
	if len(got) != 1 || got[0].Action != "create-user" {
		t.Errorf("dispatched = %+v, want only the ingested record", got)
	}
}

func TestNewRouter_AdminOperationsAreAudited(t *testing.T) {
	tr := newTestRouter(t)
	w := tr.do(t, http.MethodDelete, "/api/v1/audit-logs/11111111-1111-1111-1111-111111111111", "", "audit:admin")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	tr.bg.Capture().Close()

	got := tr.disp.all()
	if len(got) != 1 {
		t.Fatalf("dispatched %d records, want 1", len(got))
	}
	rec := got[0]
	if rec.Action != "delete-audit-log" || rec.ActionType != audit.ActionDelete || rec.Severity != audit.SeverityHigh {
		t.Errorf("record = %s/%s/%s", rec.Action, rec.ActionType, rec.Severity)
	}
	if rec.UserID == nil || *rec.UserID != "u-1" {
		t.Errorf("user_id = %v, want u-1", rec.UserID)
	}
}

func TestBackgroundServices_Reconfigure(t *testing.T) {
	tr := newTestRouter(t)
	before := tr.bg.Capture()

	cfg := &config.Config{}
	cfg.Audit.Capture = config.CaptureConfig{Enabled: false}
	if err := tr.bg.Reconfigure(cfg); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if tr.bg.Capture() == before {
		t.Fatal("interceptor not swapped")
	}
	if !before.Config().Enabled {
		t.Error("previous interceptor was mutated")
	}

	tr.do(t, http.MethodDelete, "/api/v1/audit-logs/11111111-1111-1111-1111-111111111111", "", "audit:admin")
	tr.bg.Capture().Close()
	if n := len(tr.disp.all()); n != 0 {
		t.Errorf("dispatched %d records with capture disabled", n)
	}

	cfg.Audit.Capture.IncludePatterns = []string{"/api/[a-"}
	if err := tr.bg.Reconfigure(cfg); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestAuditRoutes(t *testing.T) {
	r := AuditRoutes()
	if ra, ok := r.Lookup(http.MethodPost, "/api/v1/audit-logs/batch"); !ok || !ra.Skip {
		t.Error("batch ingestion should be skipped")
	}
	ra, ok := r.Lookup(http.MethodGet, "/api/v1/audit-logs/export")
	if !ok || ra.ActionType != audit.ActionExport {
		t.Errorf("export override = %+v", ra)
	}
	if _, ok := r.Lookup(http.MethodGet, "/api/v1/audit-logs"); ok {
		t.Error("plain list should use derived values")
	}
}
