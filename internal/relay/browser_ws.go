package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/agentcast/agentcast/internal/logger"
	"github.com/agentcast/agentcast/internal/ws"
)

// handleBrowserWS handles a browser observer WebSocket for one session.
// The observer is subscribed to the hub, handed the recent-event history
// and any unresolved control requests, then read for control frames.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	ss := s.Spawned.Get(sessionID)
	if ss == nil {
		row, err := s.Store.GetSession(sessionID)
		if err != nil || row == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("browser websocket accept failed", "session", sessionID, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	obs := NewObserver(conn)
	s.Hub.Subscribe(sessionID, obs)
	defer s.Hub.Unsubscribe(sessionID, obs)

	// Hand the new subscriber recent context without a full ledger replay.
	if ss != nil {
		for _, ev := range ss.History() {
			frame, _ := json.Marshal(ws.SessionOutput{
				Type: ws.TypeSessionOutput, SessionID: sessionID, Event: ev,
			})
			if err := obs.Write(ctx, frame); err != nil {
				return
			}
		}
		for _, req := range ss.PendingControlRequests() {
			frame, _ := json.Marshal(req)
			if err := obs.Write(ctx, frame); err != nil {
				return
			}
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("dropping malformed browser frame", "session", sessionID)
			continue
		}

		switch env.Type {
		case ws.TypeSendInput:
			var input ws.SendInput
			if err := json.Unmarshal(data, &input); err != nil || input.SessionID != sessionID {
				continue
			}
			target := s.Spawned.Get(sessionID)
			if target == nil {
				continue
			}
			if err := s.Daemons.Send(ctx, target.ClientID, input); err != nil {
				s.writeWSError(ctx, obs, err.Error())
				continue
			}
			s.broadcast(sessionID, target.NoteInput())

		case ws.TypeInterruptSession:
			// Advisory: forwarded without waiting for an acknowledgment.
			target := s.Spawned.Get(sessionID)
			if target == nil {
				continue
			}
			if err := s.Daemons.Send(ctx, target.ClientID,
				ws.InterruptSession{Type: ws.TypeInterruptSession, SessionID: sessionID}); err != nil {
				s.writeWSError(ctx, obs, err.Error())
			}

		case ws.TypeEndSession:
			target := s.Spawned.Get(sessionID)
			if target == nil {
				continue
			}
			s.endSpawnedSession(ctx, target)
			return

		case ws.TypeQuestionResponse:
			var resp ws.QuestionResponse
			if err := json.Unmarshal(data, &resp); err != nil || resp.SessionID != sessionID {
				continue
			}
			target := s.Spawned.Get(sessionID)
			if target == nil {
				continue
			}
			if err := s.Daemons.Send(ctx, target.ClientID, resp); err != nil {
				s.writeWSError(ctx, obs, err.Error())
				continue
			}
			s.broadcast(sessionID, target.NoteInput())

		case ws.TypePermissionResponse:
			var resp ws.PermissionResponse
			if err := json.Unmarshal(data, &resp); err != nil || resp.SessionID != sessionID {
				continue
			}
			s.relayControlDecision(ctx, obs, sessionID, resp.RequestID, resp)

		case ws.TypeControlResponse:
			var resp ws.ControlResponse
			if err := json.Unmarshal(data, &resp); err != nil || resp.SessionID != sessionID {
				continue
			}
			s.relayControlDecision(ctx, obs, sessionID, resp.RequestID, resp)

		default:
			logger.Debug("dropping unknown browser frame", "session", sessionID, "type", env.Type)
		}
	}
}

// relayControlDecision correlates a browser decision with its pending
// control request and forwards it to the owning daemon.
func (s *Server) relayControlDecision(ctx context.Context, obs Observer, sessionID, requestID string, decision any) {
	ss := s.Spawned.Get(sessionID)
	if ss == nil {
		return
	}
	if _, ok := ss.ResolveControlRequest(requestID); !ok {
		s.writeWSError(ctx, obs, "unknown control request "+requestID)
		return
	}
	if err := s.Daemons.Send(ctx, ss.ClientID, decision); err != nil {
		s.writeWSError(ctx, obs, err.Error())
	}
}

func (s *Server) writeWSError(ctx context.Context, obs Observer, msg string) {
	frame, _ := json.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: msg})
	obs.Write(ctx, frame)
}
