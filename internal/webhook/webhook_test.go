package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/trackdesk-io/trackdesk/internal/config"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

type fakeReconciler struct {
	observations []protocol.Observation
	err          error
}

func (f *fakeReconciler) Reconcile(_ context.Context, obs protocol.Observation) error {
	if f.err != nil {
		return f.err
	}
	f.observations = append(f.observations, obs)
	return nil
}

func newTestHandler(rec *fakeReconciler) *Handler {
	return New(map[string]config.WebhookEndpoint{
		"tracker": {Secret: "whsec_test"},
		"desk":    {BearerToken: "tok_test"},
		"open":    {},
	}, rec, nil)
}

func post(h *Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServeHTTP_HMACDelivery(t *testing.T) {
	rec := &fakeReconciler{}
	h := newTestHandler(rec)

	body := `{"issue_key": "PROJ-1", "direction": "issue"}`
	w := post(h, "/api/webhook/tracker", body, map[string]string{
		"X-Hub-Signature-256": ComputeSignature([]byte(body), "whsec_test"),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(rec.observations) != 1 {
		t.Fatalf("expected one observation, got %d", len(rec.observations))
	}
	obs := rec.observations[0]
	if obs.IssueKey != "PROJ-1" {
		t.Errorf("unexpected issue key %q", obs.IssueKey)
	}
	if obs.Source != "webhook:tracker" {
		t.Errorf("unexpected source %q", obs.Source)
	}
	if obs.Direction != protocol.IssueTriggered {
		t.Errorf("unexpected direction %q", obs.Direction)
	}
}

func TestServeHTTP_BadSignature(t *testing.T) {
	rec := &fakeReconciler{}
	h := newTestHandler(rec)

	body := `{"issue_key": "PROJ-1"}`
	w := post(h, "/api/webhook/tracker", body, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}

	// Missing signature entirely.
	w = post(h, "/api/webhook/tracker", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
	if len(rec.observations) != 0 {
		t.Error("expected no observations for rejected deliveries")
	}
}

func TestServeHTTP_BearerAuth(t *testing.T) {
	rec := &fakeReconciler{}
	h := newTestHandler(rec)

	body := `{"issue_key": "PROJ-2"}`
	w := post(h, "/api/webhook/desk", body, map[string]string{"Authorization": "Bearer tok_test"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = post(h, "/api/webhook/desk", body, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong token, got %d", w.Code)
	}
}

func TestServeHTTP_UnknownEndpoint(t *testing.T) {
	h := newTestHandler(&fakeReconciler{})
	w := post(h, "/api/webhook/mystery", `{"issue_key": "PROJ-1"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestServeHTTP_MissingIssueKey(t *testing.T) {
	h := newTestHandler(&fakeReconciler{})
	w := post(h, "/api/webhook/open", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestServeHTTP_InvalidJSON(t *testing.T) {
	h := newTestHandler(&fakeReconciler{})
	w := post(h, "/api/webhook/open", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestServeHTTP_ReconcilerErrorIs500(t *testing.T) {
	h := newTestHandler(&fakeReconciler{err: errors.New("boom")})
	w := post(h, "/api/webhook/open", `{"issue_key": "PROJ-1"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&fakeReconciler{})
	req := httptest.NewRequest(http.MethodGet, "/api/webhook/open", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
