package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
	"github.com/sebas/voicebridge/internal/voicebridge/store"
)

// SessionProvider provides live session state for the API.
// Implemented by session.Manager.
type SessionProvider interface {
	Snapshots() []types.Session
	Snapshot(callID string) (types.Session, bool)
}

// DialogProvider provides dialog data for the API.
// Implemented by dialog.Manager.
type DialogProvider interface {
	Summaries() []types.Dialog
}

// MediaProvider provides media server pool stats for the API.
// Implemented by media.Pool.
type MediaProvider interface {
	Stats() media.PoolStats
}

// StatsProvider assembles the process-wide counters.
type StatsProvider interface {
	Stats() types.StatsResponse
}

// StatsFunc adapts a function to StatsProvider.
type StatsFunc func() types.StatsResponse

func (f StatsFunc) Stats() types.StatsResponse { return f() }

// Config wires the providers into the server. Any provider may be nil.
type Config struct {
	Addr     string
	Sessions SessionProvider
	Dialogs  DialogProvider
	Media    MediaProvider
	Stats    StatsProvider
	// Repository, when set, serves the session list so that every
	// instance sharing it reports the same calls.
	Repository store.SessionRepository
}

// Server provides the HTTP status API
type Server struct {
	cfg        Config
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Sessions
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleSessionByID)

	// Dialogs
	mux.HandleFunc("/api/v1/dialogs", s.handleDialogs)

	// Media servers
	mux.HandleFunc("/api/v1/media", s.handleMedia)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	slog.Info("[API] Starting HTTP API server", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	}
	if s.cfg.Media != nil {
		resp.MediaServers = s.cfg.Media.Stats().Healthy
		if resp.MediaServers == 0 {
			resp.Status = "degraded"
		}
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	var resp types.StatsResponse
	if s.cfg.Stats != nil {
		resp = s.cfg.Stats.Stats()
	}
	s.writeJSON(w, resp)
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if s.cfg.Repository != nil {
		sessions, err := s.cfg.Repository.List(r.Context())
		if err == nil {
			s.writeJSON(w, nonNil(sessions))
			return
		}
		slog.Warn("[API] Repository list failed, serving local sessions", "error", err)
	}

	var sessions []types.Session
	if s.cfg.Sessions != nil {
		sessions = s.cfg.Sessions.Snapshots()
	}
	s.writeJSON(w, nonNil(sessions))
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	// Extract call ID from path: /api/v1/sessions/{id}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "call id required")
		return
	}
	callID, err := url.PathUnescape(path)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid call id encoding")
		return
	}

	if s.cfg.Sessions != nil {
		if snap, ok := s.cfg.Sessions.Snapshot(callID); ok {
			s.writeJSON(w, snap)
			return
		}
	}
	if s.cfg.Repository != nil {
		snap, err := s.cfg.Repository.Get(r.Context(), callID)
		if err == nil {
			s.writeJSON(w, snap)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("[API] Repository get failed", "call_id", callID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "session lookup failed")
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "not found")
}

// --- Dialogs ---

func (s *Server) handleDialogs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	dialogs := []types.Dialog{}
	if s.cfg.Dialogs != nil {
		dialogs = append(dialogs, s.cfg.Dialogs.Summaries()...)
	}
	s.writeJSON(w, dialogs)
}

// --- Media servers ---

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	resp := types.MediaServersResponse{Servers: []types.MediaServer{}}
	if s.cfg.Media != nil {
		stats := s.cfg.Media.Stats()
		resp.Total = stats.Total
		resp.Healthy = stats.Healthy
		for _, m := range stats.Members {
			resp.Servers = append(resp.Servers, types.MediaServer{
				Address:   m.Address,
				Healthy:   m.Healthy,
				Endpoints: m.Endpoints,
			})
		}
	}
	s.writeJSON(w, resp)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func nonNil(sessions []types.Session) []types.Session {
	if sessions == nil {
		return []types.Session{}
	}
	return sessions
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("[API] Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg}); err != nil {
		slog.Error("[API] Failed to encode JSON error", "error", err)
	}
}
