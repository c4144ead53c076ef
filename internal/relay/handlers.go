package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agentcast/agentcast/internal/logger"
	"github.com/agentcast/agentcast/internal/ws"
)

// requireStreamToken extracts the Bearer stream token and verifies it
// against the live session's stored hash. Returns false after writing the
// 401; a missing token never touches the store.
func (s *Server) requireStreamToken(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeErr(w, errf(KindUnauthenticated, "missing or invalid Authorization header"))
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	ok, err := s.Store.VerifyStreamToken(sessionID, token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !ok {
		writeErr(w, errf(KindUnauthenticated, "invalid stream token"))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"daemon_connected":        s.Daemons.Count() > 0,
		"active_spawned_sessions": s.Spawned.ActiveCount(),
	})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt         string `json:"prompt"`
		CWD            string `json:"cwd,omitempty"`
		Model          string `json:"model,omitempty"`
		PermissionMode string `json:"permission_mode,omitempty"`
		Harness        string `json:"harness,omitempty"`
		ClientID       string `json:"client_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errf(KindInvalidArgument, "invalid JSON"))
		return
	}
	if req.Prompt == "" {
		writeErr(w, errf(KindInvalidArgument, "prompt is required"))
		return
	}

	var daemon *DaemonConnection
	if req.ClientID != "" {
		daemon = s.Daemons.Get(req.ClientID)
	} else {
		daemon = s.Daemons.Any()
	}
	if daemon == nil {
		writeErr(w, errf(KindUpstreamUnavailable, "no daemon connected"))
		return
	}
	if !daemon.Capabilities.CanSpawnSessions {
		writeErr(w, errf(KindUpstreamUnavailable, "daemon %s cannot spawn sessions", daemon.ClientID))
		return
	}

	if err := s.Admission.Admit(daemon.ClientID, daemon); err != nil {
		writeErr(w, err)
		return
	}

	harness := req.Harness
	if harness == "" && len(daemon.Capabilities.Harnesses) > 0 {
		harness = daemon.Capabilities.Harnesses[0]
	}

	sessionID := uuid.New().String()
	plaintext, hash, err := IssueStreamToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Store.CreateSession(sessionID, harness, true, hash); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ss := NewSpawnedSession(sessionID, daemon.ClientID, req.CWD, harness, s.Config.Server.HistoryCapacity)
	s.Spawned.Add(ss)
	if err := s.Daemons.RegisterSpawnedSession(daemon.ClientID, sessionID); err != nil {
		s.Spawned.Remove(sessionID)
		writeErr(w, err)
		return
	}

	start := ws.StartSession{
		Type:           ws.TypeStartSession,
		SessionID:      sessionID,
		Prompt:         req.Prompt,
		CWD:            req.CWD,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		StreamToken:    plaintext,
	}
	if err := s.Daemons.Send(r.Context(), daemon.ClientID, start); err != nil {
		s.Daemons.UnregisterSpawnedSession(daemon.ClientID, sessionID)
		s.Spawned.Remove(sessionID)
		s.Store.SetSessionStatus(sessionID, StatusComplete)
		writeErr(w, err)
		return
	}

	logger.Info("session spawned", "session", sessionID, "client", daemon.ClientID, "harness", harness)
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sessionID,
		"status":     ss.Status(),
		"harness":    harness,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	ss := s.Spawned.Get(sessionID)
	if ss == nil {
		writeErr(w, errf(KindNotFound, "unknown session %s", sessionID))
		return
	}

	daemon := s.Daemons.Get(ss.ClientID)
	if daemon == nil {
		writeErr(w, errf(KindUpstreamUnavailable, "daemon not connected for client %s", ss.ClientID))
		return
	}

	agentSessionID, err := ss.BeginResume()
	if err != nil {
		writeErr(w, err)
		return
	}

	plaintext, hash, err := IssueStreamToken()
	if err != nil {
		ss.AbortResume()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if _, err := s.Store.RestoreSessionToLive(sessionID, hash); err != nil {
		ss.AbortResume()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Daemons.RegisterSpawnedSession(ss.ClientID, sessionID); err != nil {
		ss.AbortResume()
		writeErr(w, err)
		return
	}

	resume := ws.ResumeSession{
		Type:           ws.TypeResumeSession,
		SessionID:      sessionID,
		AgentSessionID: agentSessionID,
		CWD:            ss.CWD,
		StreamToken:    plaintext,
	}
	if err := s.Daemons.Send(r.Context(), ss.ClientID, resume); err != nil {
		s.Daemons.UnregisterSpawnedSession(ss.ClientID, sessionID)
		ss.AbortResume()
		writeErr(w, err)
		return
	}

	logger.Info("session resumed", "session", sessionID, "agent_session", agentSessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sessionID,
		"resumed":          true,
		"agent_session_id": agentSessionID,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if ss := s.Spawned.Get(sessionID); ss != nil {
		writeJSON(w, http.StatusOK, ss.Info())
		return
	}

	row, err := s.Store.GetSession(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if row == nil {
		writeErr(w, errf(KindNotFound, "unknown session %s", sessionID))
		return
	}
	count, _ := s.Store.GetMessageCount(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    row.ID,
		"status":        row.Status,
		"interactive":   row.Interactive,
		"harness":       row.Harness,
		"message_count": count,
	})
}

func (s *Server) handleAppendMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !s.requireStreamToken(w, r, sessionID) {
		return
	}

	var req struct {
		Messages []NewMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errf(KindInvalidArgument, "invalid JSON"))
		return
	}

	lastIndex, count, err := s.Store.AppendMessages(sessionID, req.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total, err := s.Store.GetMessageCount(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appended":      count,
		"message_count": total,
		"last_index":    lastIndex,
	})
}

func (s *Server) handleUpdateDiffs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !s.requireStreamToken(w, r, sessionID) {
		return
	}

	var req struct {
		Diffs []ws.DiffHunk `json:"diffs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errf(KindInvalidArgument, "invalid JSON"))
		return
	}

	merged, err := s.Store.UpdateSessionDiffs(sessionID, req.Diffs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Store.TouchLastActivity(sessionID)

	relevant := 0
	for _, d := range merged {
		if d.Relevant {
			relevant++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stored":   len(merged),
		"relevant": relevant,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !s.requireStreamToken(w, r, sessionID) {
		return
	}

	if err := s.Store.SetSessionStatus(sessionID, StatusComplete); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if ss := s.Spawned.Get(sessionID); ss != nil {
		if frame := ss.End("completed"); frame != nil {
			s.Hub.Broadcast(sessionID, frame)
		}
		s.Daemons.UnregisterSpawnedSession(ss.ClientID, sessionID)
		s.Spawned.Remove(sessionID)
	}
	s.Hub.CloseAll(sessionID, "session complete")

	logger.Info("session completed", "session", sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"completed": true})
}

// endSpawnedSession handles an explicit end: the command is forwarded to
// the daemon and observers are closed immediately, without waiting for a
// daemon acknowledgment.
func (s *Server) endSpawnedSession(ctx context.Context, ss *SpawnedSession) {
	end := ws.EndSession{Type: ws.TypeEndSession, SessionID: ss.ID}
	if err := s.Daemons.Send(ctx, ss.ClientID, end); err != nil {
		logger.Warn("end command not delivered", "session", ss.ID, "err", err)
	}
	if frame := ss.End("ended by user"); frame != nil {
		s.Hub.Broadcast(ss.ID, frame)
	}
	s.Daemons.UnregisterSpawnedSession(ss.ClientID, ss.ID)
	s.Spawned.Remove(ss.ID)
	s.Store.SetSessionStatus(ss.ID, StatusComplete)
	s.Hub.CloseAll(ss.ID, "session ended")
}
