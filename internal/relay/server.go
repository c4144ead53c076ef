package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentcast/agentcast/internal/config"
)

// Server wires the relay's registries, admission gates, and ledger behind
// the REST and WebSocket surface.
type Server struct {
	Store     *Store
	Daemons   *DaemonRegistry
	Spawned   *SpawnedRegistry
	Hub       *Hub
	Admission *Admission
	Config    *config.Config

	jwtSecret []byte
	mux       *http.ServeMux
	handler   http.Handler
	ipLimiter *IPRateLimiter
}

func NewServer(store *Store, cfg *config.Config) (*Server, error) {
	secret, err := GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Store:     store,
		Daemons:   NewDaemonRegistry(),
		Spawned:   NewSpawnedRegistry(),
		Hub:       NewHub(),
		Admission: NewAdmission(cfg.Admission.SpawnWindow, cfg.Admission.SpawnMax, cfg.Admission.MaxPerDaemon),
		Config:    cfg,
		jwtSecret: secret,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /sessions/spawn", s.handleSpawn)
	s.mux.HandleFunc("POST /sessions/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /sessions/{id}/info", s.handleInfo)
	s.mux.HandleFunc("POST /sessions/{id}/messages", s.handleAppendMessages)
	s.mux.HandleFunc("POST /sessions/{id}/diffs", s.handleUpdateDiffs)
	s.mux.HandleFunc("POST /sessions/{id}/complete", s.handleComplete)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ws/daemon", s.handleDaemonWS)
	s.mux.HandleFunc("GET /ws/sessions/{id}", s.handleBrowserWS)

	s.handler = s.mux
	if cfg.Admission.HTTPRatePerSec > 0 {
		s.ipLimiter = NewIPRateLimiter(cfg.Admission.HTTPRatePerSec, cfg.Admission.HTTPBurst)
		s.handler = s.ipLimiter.Middleware(s.mux)
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Shutdown force-closes every socket for a clean process exit.
func (s *Server) Shutdown() {
	s.Hub.Shutdown("server shutting down")
	s.Daemons.CloseAll("server shutting down")
	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}
}

// broadcast fans state-machine output frames to a session's observers.
func (s *Server) broadcast(sessionID string, frames []any) {
	for _, frame := range frames {
		s.Hub.Broadcast(sessionID, frame)
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps a relay error to its HTTP shape, keeping the stable kind
// and retry-after visible to callers.
func writeErr(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	body := map[string]any{"error": err.Error()}
	if kind := KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	var re *Error
	if errors.As(err, &re) && re.RetryAfter > 0 {
		body["retry_after"] = re.RetryAfter
	}
	writeJSON(w, code, body)
}
