// Package api exposes the bridge's status surface: health, recent
// reconciliation outcomes, captured logs, and the inbound webhook endpoints.
// The API is read-only apart from webhooks and a manual sync trigger; all
// writes to the ticketing systems stay inside the engine.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/engine"
	"github.com/trackdesk-io/trackdesk/internal/logbuf"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// BridgeService is the interface the API server needs from the bridge.
type BridgeService interface {
	RecentOutcomes(limit int) []engine.Outcome
	OutcomesForIssue(issueKey string) []engine.Outcome
	TriggerSync(ctx context.Context)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the trackdesk status API server.
type Server struct {
	svc    BridgeService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates a new API server. logs and webhooks may be nil.
func NewServer(svc BridgeService, cfg Config, logger *slog.Logger, logs LogQuerier, webhooks http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/outcomes", s.requireAuth(s.handleListOutcomes))
	mux.HandleFunc("GET /api/outcomes/{key}", s.requireAuth(s.handleIssueOutcomes))
	mux.HandleFunc("POST /api/sync", s.requireAuth(s.handleTriggerSync))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if webhooks != nil {
		mux.Handle("POST /api/webhook/{name}", webhooks)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	outcomes := s.svc.RecentOutcomes(limit)
	if outcomes == nil {
		outcomes = []engine.Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleIssueOutcomes(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	outcomes := s.svc.OutcomesForIssue(key)
	if outcomes == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no outcomes recorded for issue"})
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	s.svc.TriggerSync(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	filter := logbuf.Filter{
		MinLevel: slog.LevelDebug,
		Issue:    r.URL.Query().Get("issue"),
		Limit:    200,
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			filter.MinLevel = slog.LevelInfo
		case "warn":
			filter.MinLevel = slog.LevelWarn
		case "error":
			filter.MinLevel = slog.LevelError
		}
	}
	if sv := r.URL.Query().Get("since"); sv != "" {
		if ms, err := strconv.ParseInt(sv, 10, 64); err == nil {
			filter.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(filter)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
