// Package webhook receives change notifications from the tracker and the
// desk and turns them into reconciliation observations. The payload only
// identifies the issue; the engine re-fetches current state, so a stale or
// duplicated delivery is harmless.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/config"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// Reconciler accepts observations produced by webhook deliveries.
type Reconciler interface {
	Reconcile(ctx context.Context, obs protocol.Observation) error
}

// Payload is the expected JSON body for webhook deliveries.
type Payload struct {
	IssueKey string `json:"issue_key"`
	// Direction hints which side changed: "issue" or "ticket". Optional; the
	// engine inspects both sides regardless.
	Direction string `json:"direction,omitempty"`
}

// Handler serves webhook deliveries at /api/webhook/{endpoint}.
type Handler struct {
	endpoints  map[string]config.WebhookEndpoint
	reconciler Reconciler
	logger     *slog.Logger
}

// New creates a webhook Handler.
func New(endpoints map[string]config.WebhookEndpoint, reconciler Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		endpoints:  endpoints,
		reconciler: reconciler,
		logger:     logger,
	}
}

// ServeHTTP handles one webhook delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := extractName(r.URL.Path)
	if name == "" {
		http.Error(w, "missing endpoint name in path", http.StatusBadRequest)
		return
	}

	endpoint, ok := h.endpoints[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown webhook endpoint: %s", name), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !h.authenticate(r, endpoint, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if payload.IssueKey == "" {
		http.Error(w, "issue_key is required", http.StatusBadRequest)
		return
	}

	obs := protocol.Observation{
		IssueKey:   payload.IssueKey,
		Direction:  protocol.Direction(payload.Direction),
		Source:     "webhook:" + name,
		ObservedAt: time.Now(),
	}

	if err := h.reconciler.Reconcile(r.Context(), obs); err != nil {
		h.logger.Error("webhook reconciliation error",
			"endpoint", name,
			"issue", payload.IssueKey,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) authenticate(r *http.Request, endpoint config.WebhookEndpoint, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		return auth == "Bearer "+endpoint.BearerToken
	}

	// No auth configured, allow (for development)
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature of the form "sha256=<hex>".
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for testing/external use.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
