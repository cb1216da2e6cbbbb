package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/engine"
	"github.com/trackdesk-io/trackdesk/internal/logbuf"
)

type fakeBridge struct {
	outcomes  []engine.Outcome
	perIssue  map[string][]engine.Outcome
	triggered int
}

func (f *fakeBridge) RecentOutcomes(limit int) []engine.Outcome {
	if limit > 0 && limit < len(f.outcomes) {
		return f.outcomes[:limit]
	}
	return f.outcomes
}

func (f *fakeBridge) OutcomesForIssue(issueKey string) []engine.Outcome {
	return f.perIssue[issueKey]
}

func (f *fakeBridge) TriggerSync(context.Context) {
	f.triggered++
}

func newTestServer(svc *fakeBridge, key string, logs LogQuerier) *Server {
	return NewServer(svc, Config{Host: "127.0.0.1", Port: 0, Key: key}, nil, logs, nil)
}

func get(t *testing.T, srv *Server, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeBridge{}, "", nil)
	w := get(t, srv, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(&fakeBridge{}, "sekrit", nil)

	// Health never requires auth.
	if w := get(t, srv, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("expected health to be open, got %d", w.Code)
	}

	if w := get(t, srv, "/api/outcomes", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}
	if w := get(t, srv, "/api/outcomes", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", w.Code)
	}
	if w := get(t, srv, "/api/outcomes", "sekrit"); w.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", w.Code)
	}
}

func TestListOutcomes(t *testing.T) {
	svc := &fakeBridge{outcomes: []engine.Outcome{
		{IssueKey: "PROJ-2", Status: engine.OutcomeOK},
		{IssueKey: "PROJ-1", Status: engine.OutcomeFailed, Error: "boom"},
	}}
	srv := newTestServer(svc, "", nil)

	w := get(t, srv, "/api/outcomes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got []engine.Outcome
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].IssueKey != "PROJ-2" {
		t.Errorf("unexpected outcomes %+v", got)
	}
}

func TestIssueOutcomes(t *testing.T) {
	svc := &fakeBridge{perIssue: map[string][]engine.Outcome{
		"PROJ-1": {{IssueKey: "PROJ-1", Status: engine.OutcomeOK}},
	}}
	srv := newTestServer(svc, "", nil)

	w := get(t, srv, "/api/outcomes/PROJ-1", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = get(t, srv, "/api/outcomes/PROJ-404", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown issue, got %d", w.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	svc := &fakeBridge{}
	srv := newTestServer(svc, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
	if svc.triggered != 1 {
		t.Errorf("expected one sync trigger, got %d", svc.triggered)
	}
}

func TestGetLogs(t *testing.T) {
	buf := logbuf.New(10)
	buf.Write(logbuf.Entry{Time: time.Now(), Level: slog.LevelInfo, Message: "hello"})
	buf.Write(logbuf.Entry{Time: time.Now(), Level: slog.LevelDebug, Message: "noise"})
	srv := newTestServer(&fakeBridge{}, "", buf)

	w := get(t, srv, "/api/logs?level=info", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []logbuf.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Errorf("expected level filter to apply, got %+v", entries)
	}
}

func TestGetLogs_IssueFilter(t *testing.T) {
	buf := logbuf.New(10)
	buf.Write(logbuf.Entry{Time: time.Now(), Level: slog.LevelInfo, Message: "rule applied", Issue: "PROJ-1"})
	buf.Write(logbuf.Entry{Time: time.Now(), Level: slog.LevelInfo, Message: "sweep starting"})
	srv := newTestServer(&fakeBridge{}, "", buf)

	w := get(t, srv, "/api/logs?issue=PROJ-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []logbuf.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Issue != "PROJ-1" {
		t.Errorf("expected issue filter to apply, got %+v", entries)
	}
}

func TestGetLogs_NilQuerier(t *testing.T) {
	srv := newTestServer(&fakeBridge{}, "", nil)
	w := get(t, srv, "/api/logs", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "[]\n" {
		t.Errorf("expected empty list, got %q", w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeBridge{}, "sekrit", nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/outcomes", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS headers on preflight")
	}
}
