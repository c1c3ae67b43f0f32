package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/me/evalflow/internal/store"
	"github.com/me/evalflow/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	units := []model.BenchmarkConfig{{Benchmark: "a"}, {Benchmark: "b"}}
	if err := st.Enqueue(context.Background(), units); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return New(st, 2, testLogger(), opts...)
}

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Error     *model.APIError `json:"error"`
}

func do(t *testing.T, srv http.Handler, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var env envelope
	if w.Code != http.StatusNoContent {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v (%s)", method, path, err, w.Body.String())
		}
	}
	return w, env
}

func TestDiscovery(t *testing.T) {
	srv := testServer(t)
	w, env := do(t, srv, "GET", "/api/v1/", "", nil)
	if w.Code != http.StatusOK || env.Status != "ok" {
		t.Fatalf("status = %d/%q", w.Code, env.Status)
	}
	if env.RequestID == "" {
		t.Error("request_id is empty")
	}
	var data discoveryResponse
	json.Unmarshal(env.Data, &data)
	if len(data.Endpoints) != 6 {
		t.Errorf("endpoints = %d, want 6", len(data.Endpoints))
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(t)
	_, env := do(t, srv, "GET", "/api/v1/health", "", nil)
	var data healthResponse
	json.Unmarshal(env.Data, &data)
	if data.Status != "healthy" || data.RetryBudget != 2 {
		t.Errorf("health = %+v", data)
	}
}

func TestUnitLifecycle(t *testing.T) {
	srv := testServer(t)

	w, env := do(t, srv, "POST", "/api/v1/units/checkout", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("checkout status = %d", w.Code)
	}
	var unit model.BenchmarkConfig
	json.Unmarshal(env.Data, &unit)
	if unit.Benchmark != "a" {
		t.Fatalf("checked out %q, want a", unit.Benchmark)
	}

	if w, _ := do(t, srv, "POST", "/api/v1/units/a/allocate", `{"worker":"w1"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("allocate status = %d", w.Code)
	}

	w, env = do(t, srv, "POST", "/api/v1/units/a/retry", `{"worker":"w1","error":"boom"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	var retry model.RetryResponse
	json.Unmarshal(env.Data, &retry)
	if !retry.Requeued || retry.Attempts != 1 {
		t.Errorf("retry = %+v", retry)
	}

	// b was queued first, then the retried a.
	for _, want := range []string{"b", "a"} {
		_, env = do(t, srv, "POST", "/api/v1/units/checkout", "", nil)
		json.Unmarshal(env.Data, &unit)
		if unit.Benchmark != want {
			t.Fatalf("checked out %q, want %q", unit.Benchmark, want)
		}
		do(t, srv, "POST", "/api/v1/units/"+want+"/allocate", `{"worker":"w2"}`, nil)
		if w, _ := do(t, srv, "POST", "/api/v1/units/"+want+"/finish", "", nil); w.Code != http.StatusOK {
			t.Fatalf("finish status = %d", w.Code)
		}
	}

	if w, _ := do(t, srv, "POST", "/api/v1/units/checkout", "", nil); w.Code != http.StatusNoContent {
		t.Errorf("empty checkout status = %d, want 204", w.Code)
	}

	_, env = do(t, srv, "GET", "/api/v1/units", "", nil)
	var status model.UnitStatus
	json.Unmarshal(env.Data, &status)
	if len(status.Finished) != 2 || len(status.Unfinished) != 0 {
		t.Errorf("status = %+v", status)
	}
	if got := status.Allocations["a"]; len(got) != 2 {
		t.Errorf("allocations of a = %v", got)
	}
}

func TestAllocate_Validation(t *testing.T) {
	srv := testServer(t)
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   model.ErrorCode
	}{
		{"bad json", "/api/v1/units/a/allocate", "{", http.StatusBadRequest, model.ErrValidation},
		{"missing worker", "/api/v1/units/a/allocate", "{}", http.StatusBadRequest, model.ErrValidation},
		{"unknown unit", "/api/v1/units/zzz/allocate", `{"worker":"w"}`, http.StatusNotFound, model.ErrNotFound},
		{"unknown finish", "/api/v1/units/zzz/finish", "", http.StatusNotFound, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, srv, "POST", tt.path, tt.body, nil)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want %s", env.Error, tt.code)
			}
		})
	}
}

func TestWorkerAuth(t *testing.T) {
	tokens, err := NewTokenService("run-1", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	srv := testServer(t, WithTokenService(tokens))

	w, env := do(t, srv, "GET", "/api/v1/units", "", nil)
	if w.Code != http.StatusUnauthorized || env.Error.Code != model.ErrUnauthorized {
		t.Errorf("no token: %d %+v", w.Code, env.Error)
	}

	other, _ := NewTokenService("run-1", time.Hour)
	forged, _ := other.GenerateToken("w1")
	if w, _ := do(t, srv, "GET", "/api/v1/units", "", map[string]string{"Authorization": "Bearer " + forged}); w.Code != http.StatusUnauthorized {
		t.Errorf("token signed with another secret: status %d", w.Code)
	}

	token, err := tokens.GenerateToken("w1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if w, _ := do(t, srv, "GET", "/api/v1/units", "", map[string]string{"Authorization": "Bearer " + token}); w.Code != http.StatusOK {
		t.Errorf("valid token: status %d", w.Code)
	}

	// Health stays open.
	if w, _ := do(t, srv, "GET", "/api/v1/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
}

func TestRequestLog_NamesUnitAndWorker(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := st.Enqueue(context.Background(), []model.BenchmarkConfig{{Benchmark: "a"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	tokens, err := NewTokenService("run-1", time.Hour)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := New(st, 2, logger, WithTokenService(tokens))

	token, _ := tokens.GenerateToken("worker-0")
	auth := map[string]string{"Authorization": "Bearer " + token}
	do(t, srv, "POST", "/api/v1/units/checkout", "", auth)
	if w, _ := do(t, srv, "POST", "/api/v1/units/a/allocate", `{"worker":"worker-0"}`, auth); w.Code != http.StatusOK {
		t.Fatalf("allocate status = %d", w.Code)
	}

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		route, _ := rec["route"].(string)
		if rec["msg"] != "dispatch request" || !strings.HasSuffix(route, "/units/{id}/allocate") {
			continue
		}
		found = true
		if rec["unit"] != "a" || rec["worker"] != "worker-0" || rec["status"] != float64(http.StatusOK) {
			t.Errorf("allocate log = %v", rec)
		}
		if rec["request_id"] == "" {
			t.Error("request_id missing from log")
		}
	}
	if !found {
		t.Fatalf("no request log for allocate in:\n%s", logs.String())
	}
}

func TestTokenService(t *testing.T) {
	ts, _ := NewTokenService("run-1", time.Hour)
	token, _ := ts.GenerateToken("w1")
	claims, err := ts.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "w1" || claims.RunID != "run-1" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ts.ValidateToken(""); err == nil {
		t.Error("empty token accepted")
	}
	if _, err := ts.ValidateToken("not.a.token"); err == nil {
		t.Error("malformed token accepted")
	}

	expired := &TokenService{runID: "run-1", secret: ts.secret, ttl: -time.Minute}
	old, _ := expired.GenerateToken("w1")
	if _, err := ts.ValidateToken(old); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Errorf("expired token: %v", err)
	}

	otherRun := &TokenService{runID: "run-2", secret: ts.secret}
	foreign, _ := otherRun.GenerateToken("w1")
	if _, err := ts.ValidateToken(foreign); err == nil {
		t.Error("token of another run accepted")
	}
}

func TestListen(t *testing.T) {
	srv := testServer(t)
	l, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	resp, err := http.Get(l.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
