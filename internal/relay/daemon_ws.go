package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/agentcast/agentcast/internal/logger"
	"github.com/agentcast/agentcast/internal/ws"
)

// handleDaemonWS handles the WebSocket connection from a daemon.
func (s *Server) handleDaemonWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	claims, err := ValidateDaemonJWT(s.jwtSecret, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	clientID := claims.Subject

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("daemon websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(512 * 1024) // stream events can carry large tool results
	defer conn.CloseNow()

	ctx := r.Context()

	// Registration must be the first frame.
	_, data, err := conn.Read(ctx)
	if err != nil {
		logger.Warn("daemon registration read failed", "client", clientID, "err", err)
		return
	}
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != ws.TypeDaemonRegister {
		logger.Warn("expected daemon_register", "client", clientID)
		return
	}
	var reg ws.DaemonRegister
	if err := json.Unmarshal(data, &reg); err != nil {
		logger.Warn("bad daemon registration", "client", clientID, "err", err)
		return
	}

	link := NewLink(conn)
	daemon := &DaemonConnection{
		ClientID: clientID, // JWT subject is authoritative, not the frame
		Hostname: reg.Hostname,
		Version:  reg.Version,
		Capabilities: Capabilities{
			CanSpawnSessions: reg.CanSpawnSessions,
			Harnesses:        reg.Harnesses,
		},
		Conn: link,
	}
	s.Daemons.Add(daemon)
	defer s.removeDaemon(clientID, link)

	logger.Info("daemon connected", "client", clientID, "host", reg.Hostname, "harnesses", reg.Harnesses)

	ack, _ := json.Marshal(ws.RegisteredMsg{Type: ws.TypeRegistered, ClientID: clientID})
	conn.Write(ctx, websocket.MessageText, ack)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("daemon disconnected", "client", clientID, "err", err)
			return
		}

		var msg ws.Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropping malformed daemon frame", "client", clientID)
			continue
		}

		switch msg.Type {
		case ws.TypeDaemonHeartbeat:
			s.Daemons.Touch(clientID)

		case ws.TypeSessionOutput:
			var out ws.SessionOutput
			if err := json.Unmarshal(data, &out); err != nil {
				logger.Warn("dropping bad session_output", "client", clientID)
				continue
			}
			s.handleSessionOutput(out)

		case ws.TypeSessionDiff:
			var diff ws.SessionDiff
			if err := json.Unmarshal(data, &diff); err != nil {
				logger.Warn("dropping bad session_diff", "client", clientID)
				continue
			}
			if _, err := s.Store.UpdateSessionDiffs(diff.SessionID, diff.Diffs); err != nil {
				logger.Warn("diff update failed", "session", diff.SessionID, "err", err)
				continue
			}
			s.Hub.BroadcastRaw(diff.SessionID, data)

		case ws.TypeSessionEnded:
			var ended ws.SessionEnded
			if err := json.Unmarshal(data, &ended); err != nil {
				logger.Warn("dropping bad session_ended", "client", clientID)
				continue
			}
			s.handleSessionEnded(clientID, ended)

		default:
			logger.Debug("dropping unknown daemon frame", "client", clientID, "type", msg.Type)
		}
	}
}

// handleSessionOutput sequences, persists, and fans out one stream event.
func (s *Server) handleSessionOutput(out ws.SessionOutput) {
	ss := s.Spawned.Get(out.SessionID)
	if ss == nil {
		logger.Debug("output for unknown session", "session", out.SessionID)
		return
	}

	role := "event"
	var ev streamEvent
	if err := json.Unmarshal(out.Event, &ev); err == nil && ev.Type != "" {
		role = ev.Type
	}
	if _, _, err := s.Store.AppendMessages(out.SessionID, []NewMessage{
		{Role: role, Content: out.Event},
	}); err != nil {
		logger.Warn("persist stream event failed", "session", out.SessionID, "err", err)
	}

	s.broadcast(out.SessionID, ss.ProcessStreamEvent(out))
}

// handleSessionEnded finalizes a spawned session on process exit.
func (s *Server) handleSessionEnded(clientID string, ended ws.SessionEnded) {
	ss := s.Spawned.Get(ended.SessionID)
	if ss == nil {
		return
	}
	s.broadcast(ended.SessionID, ss.ProcessEnded(ended))
	s.Daemons.UnregisterSpawnedSession(clientID, ended.SessionID)
	s.Spawned.Remove(ended.SessionID)
	if err := s.Store.SetSessionStatus(ended.SessionID, StatusComplete); err != nil {
		logger.Warn("mark session complete failed", "session", ended.SessionID, "err", err)
	}
	s.Hub.CloseAll(ended.SessionID, "session ended")
	logger.Info("session ended", "session", ended.SessionID, "exit_code", ended.ExitCode)
}

// removeDaemon unregisters a daemon connection and walks every spawned
// session it owns: sessions that captured an agent session id become
// disconnected with recovery info; the rest are terminally ended.
func (s *Server) removeDaemon(clientID string, conn Link) {
	d := s.Daemons.Remove(clientID, conn)
	if d == nil {
		// A superseded socket; its replacement owns the sessions now.
		return
	}

	for _, sessionID := range d.OwnedSessions() {
		ss := s.Spawned.Get(sessionID)
		if ss == nil {
			continue
		}
		resumable, frame := ss.MarkDisconnected()
		if frame != nil {
			s.Hub.Broadcast(sessionID, frame)
		}
		if resumable {
			logger.Info("session disconnected, resumable", "session", sessionID, "client", clientID)
		} else {
			s.Spawned.Remove(sessionID)
			s.Store.SetSessionStatus(sessionID, StatusComplete)
			s.Hub.CloseAll(sessionID, "daemon lost before session was resumable")
			logger.Info("session lost with daemon", "session", sessionID, "client", clientID)
		}
	}
}
