// Package devserver is an in-memory collaboration server: the realtime
// channel, the notebook state endpoints, the persistence API and a simulated
// execution service. It backs local development and end-to-end tests.
package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaynote/internal/auth"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/remote"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret    string
	MaxBodyBytes int64
	// RateLimit is requests per second per room and user. Zero disables
	// limiting.
	RateLimit float64
	RateBurst int
	// ExecDelay is how long a started environment takes to become ready.
	ExecDelay time.Duration
	Metrics   *metrics.Collectors
	// Gatherer, when set, is served at /metrics.
	Gatherer prometheus.Gatherer
	Logger   Logger
}

type Server struct {
	store       *Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *hub
	envs        *environments
}

type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if store == nil {
		store = NewStore()
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = &rateLimiter{
			limit:   rate.Limit(cfg.RateLimit),
			burst:   burst,
			entries: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newHub(),
		envs:        newEnvironments(cfg.ExecDelay),
	}
}

func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Gatherer != nil {
		promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var room, route string
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "channel" && r.Method == http.MethodGet:
		room = strings.TrimSpace(r.URL.Query().Get("room"))
		route = "channel"
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "notebooks" && parts[5] == "crdt-state" && r.Method == http.MethodGet:
		room, route = parts[2], "crdt_state"
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "notebooks" && parts[5] == "blocks" && r.Method == http.MethodGet:
		room, route = parts[2], "blocks"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "milestones" && r.Method == http.MethodGet:
		room, route = parts[2], "milestones_list"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "milestones" && r.Method == http.MethodPost:
		room, route = parts[2], "milestones_create"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "milestones" && r.Method == http.MethodGet:
		room, route = parts[2], "milestone"
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "rooms" && parts[3] == "milestones" && parts[5] == "restore" && r.Method == http.MethodPost:
		room, route = parts[2], "milestone_restore"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "exec" && parts[3] == "status" && r.Method == http.MethodGet:
		room, route = parts[2], "exec_status"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "exec" && r.Method == http.MethodPost:
		room, route = parts[2], "exec_"+parts[3]
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if room == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "room is required", getCorrelationID(r))
		return
	}

	claims, err := auth.AuthorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, room, time.Now().UTC())
	if err != nil {
		status, code := http.StatusUnauthorized, "unauthorized"
		var tokenErr *auth.TokenError
		if errors.As(err, &tokenErr) {
			status, code = tokenErr.Status, tokenErr.Code
		}
		writeError(w, status, code, err.Error(), getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "channel" {
		if !s.rateLimiter.allow(room + "|" + claims.UserID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "channel":
		s.serveChannel(w, r, room, claims)
	case "crdt_state":
		s.handleState(w, room, parts[4], correlationID)
	case "blocks":
		s.handleBlocks(w, room, parts[4], correlationID)
	case "milestones_list":
		writeJSON(w, http.StatusOK, map[string]any{"milestones": s.store.Milestones(room)})
	case "milestones_create":
		s.handleCreateMilestone(w, r, room, correlationID)
	case "milestone":
		s.handleMilestone(w, room, parts[4], correlationID)
	case "milestone_restore":
		s.handleRestore(w, room, parts[4], correlationID)
	case "exec_start":
		s.envs.start(room)
		s.cfg.Metrics.ObserveEnvironmentStart()
		writeJSON(w, http.StatusAccepted, s.envs.status(room))
	case "exec_stop":
		s.envs.stop(room)
		writeJSON(w, http.StatusOK, s.envs.status(room))
	case "exec_status":
		writeJSON(w, http.StatusOK, s.envs.status(room))
	case "exec_exec":
		s.handleExec(w, r, room, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleState(w http.ResponseWriter, room, notebookID, correlationID string) {
	state, err := s.store.State(room, notebookID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

func (s *Server) handleBlocks(w http.ResponseWriter, room, notebookID, correlationID string) {
	blocks, err := s.store.Blocks(room, notebookID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handleCreateMilestone(w http.ResponseWriter, r *http.Request, room, correlationID string) {
	var in remote.MilestoneInput
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	m, err := s.store.CreateMilestone(room, in)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMilestone(w http.ResponseWriter, room, id, correlationID string) {
	m, err := s.store.Milestone(room, id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRestore(w http.ResponseWriter, room, id, correlationID string) {
	snap, err := s.store.RestoreMilestone(room, id)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, room, correlationID string) {
	var req struct {
		Code string `json:"code"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if !s.envs.status(room).Ready() {
		writeError(w, http.StatusConflict, "no_environment", "execution environment is not ready", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, runProgram(req.Code))
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.entries[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
