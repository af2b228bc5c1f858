package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fentz26/procmon/internal/audit"
	"github.com/fentz26/procmon/internal/connectors"
	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/metrics"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/notify"
	"github.com/fentz26/procmon/internal/scheduler"
	"github.com/fentz26/procmon/internal/store"
)

type stubRunner struct {
	release chan struct{}
}

func (r *stubRunner) RunBatch(ctx context.Context, runID string, clients []models.Client) (*scheduler.Summary, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return &scheduler.Summary{Total: len(clients), Succeeded: len(clients)}, nil
}

func (r *stubRunner) SetConfig(*scheduler.Config) {}

func (r *stubRunner) Stats() map[string]interface{} { return map[string]interface{}{} }

// stubTester rejects every credential the way the remote API does.
type stubTester struct {
	st *store.Store
}

func (t *stubTester) TestCredential(ctx context.Context, cred *models.Credential) error {
	t.st.SetCredentialStatus(ctx, cred.ID, models.CredentialInactive)
	return connectors.Fatal(connectors.ReasonCredentialInvalid, errors.New("HTTP 401"))
}

type testEnv struct {
	st      *store.Store
	coord   *coordinator.Coordinator
	handler http.Handler
	runner  *stubRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	m := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m)

	pdr := audit.NewWriter(st)
	emitter := notify.New(st, m)
	runner := &stubRunner{}
	coord := coordinator.New(st, runner, emitter, coordinator.Config{Location: time.UTC, Metrics: m, Audit: pdr})
	service := NewService(st, pdr, coord, emitter, &stubTester{st: st})
	server := NewServer(service, "127.0.0.1:0", reg)

	t.Cleanup(func() {
		coord.Shutdown()
		st.Close()
	})
	return &testEnv{st: st, coord: coord, handler: server.Handler(), runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var health HealthResponse
	decode(t, w, &health)
	if !health.OK || health.DB != "ok" {
		t.Errorf("Unexpected health %+v", health)
	}
	if health.Version == "" || health.Time == "" {
		t.Error("Expected version and time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/health", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	env.st.Close()

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health HealthResponse
	decode(t, w, &health)
	if health.OK || health.DB == "ok" {
		t.Error("Expected health to report the database error")
	}
}

func TestManualQueryAndRunLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.st.CreateClient(ctx, &models.Client{Name: "Rossi", ProcessNumber: "1", ProcessYear: 2023, Active: true})

	w := env.do(t, http.MethodPost, "/api/manual-query", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp manualQueryResponse
	decode(t, w, &resp)
	if resp.RunID == "" {
		t.Fatal("Expected run_id")
	}
	env.coord.Wait()

	w = env.do(t, http.MethodGet, "/api/runs", "")
	var runs []models.RunResult
	decode(t, w, &runs)
	if len(runs) != 1 || runs[0].ID != resp.RunID || runs[0].Status != models.RunCompleted {
		t.Errorf("Unexpected run log %+v", runs)
	}

	w = env.do(t, http.MethodGet, "/api/runs/"+resp.RunID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var detail RunDetail
	decode(t, w, &detail)
	if detail.Run == nil || detail.Run.Total != 1 || detail.Outcomes == nil {
		t.Errorf("Unexpected run detail %+v", detail)
	}

	w = env.do(t, http.MethodGet, "/api/runs/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/recent-updates?limit=5", "")
	var updates RecentUpdates
	decode(t, w, &updates)
	if len(updates.Runs) != 1 || updates.Changes == nil {
		t.Errorf("Unexpected recent updates %+v", updates)
	}
}

func TestManualQueryBusy(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.runner.release = release
	defer close(release)

	if w := env.do(t, http.MethodPost, "/api/manual-query", `{"client_ids":[]}`); w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/manual-query", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/scheduler/status", "")
	var st coordinator.Status
	decode(t, w, &st)
	if st.State != coordinator.StateRunning || st.CurrentRun == nil {
		t.Errorf("Expected running status, got %+v", st)
	}

	if w := env.do(t, http.MethodPost, "/api/runs/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	env.coord.Wait()

	if w := env.do(t, http.MethodPost, "/api/runs/cancel", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 when idle, got %d", w.Code)
	}
}

func TestManualQueryInvalidJSON(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/manual-query", "{")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestUpdateTime(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/scheduler/update-time", `{"time":"09:15"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	settings, _ := env.st.GetSettings(context.Background())
	if settings.QueryTime != "09:15" {
		t.Errorf("Expected stored query time 09:15, got %s", settings.QueryTime)
	}

	w = env.do(t, http.MethodPost, "/api/scheduler/update-time", `{"time":"9am"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	settings, _ = env.st.GetSettings(context.Background())
	if settings.QueryTime != "09:15" {
		t.Errorf("Invalid update must not be stored, got %s", settings.QueryTime)
	}
}

func TestPutSettingsKeepsMissingFields(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/settings", `{"batch_size":20}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var got models.Settings
	decode(t, w, &got)
	if got.BatchSize != 20 || got.QueryTime != models.DefaultSettings().QueryTime {
		t.Errorf("Unexpected settings %+v", got)
	}

	if w := env.do(t, http.MethodPut, "/api/settings", `{"max_retries":99}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n := &models.Notification{Type: models.NotificationWarning, Title: "t", Message: "m"}
	env.st.SaveNotification(ctx, n)
	env.st.SaveNotification(ctx, &models.Notification{Type: models.NotificationInfo, Title: "t2", Message: "m2"})

	w := env.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/read", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/notifications?unread=true", "")
	var unread []models.Notification
	decode(t, w, &unread)
	if len(unread) != 1 || unread[0].Title != "t2" {
		t.Errorf("Expected one unread notification, got %+v", unread)
	}

	w = env.do(t, http.MethodGet, "/api/notifications", "")
	var all []models.Notification
	decode(t, w, &all)
	if len(all) != 2 {
		t.Errorf("Expected 2 notifications, got %d", len(all))
	}

	if w := env.do(t, http.MethodPost, "/api/notifications/missing/read", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/notifications?unread=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestTestCredential(t *testing.T) {
	env := newTestEnv(t)
	cred, _ := env.st.CreateCredential(context.Background(), &models.Credential{
		Owner: "studio", Name: "main", UUID: "u-1", Token: "secret", DeviceType: "ios", Status: models.CredentialActive,
	})

	w := env.do(t, http.MethodPost, "/api/credentials/"+cred.ID+"/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Error("Token must not be serialized")
	}
	var res CredentialTestResult
	decode(t, w, &res)
	if res.Valid || res.Reason != string(connectors.ReasonCredentialInvalid) {
		t.Errorf("Unexpected result %+v", res)
	}
	if res.Credential == nil || res.Credential.Status != models.CredentialInactive {
		t.Errorf("Expected inactive credential, got %+v", res.Credential)
	}

	if w := env.do(t, http.MethodPost, "/api/credentials/missing/test", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/manual-query", "")
	env.coord.Wait()

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "procmon_runs_total") {
		t.Errorf("Expected procmon_runs_total in metrics output")
	}
}
