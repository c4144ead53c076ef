package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentcast/agentcast/internal/ws"
)

// Spawned-session lifecycle states.
const (
	SpawnStarting     = "starting"
	SpawnRunning      = "running"
	SpawnWaiting      = "waiting"
	SpawnEnded        = "ended"        // terminal
	SpawnDisconnected = "disconnected" // recoverable; the only resumable state
)

// RecoveryInfo survives a daemon disconnect so a browser can resume later.
type RecoveryInfo struct {
	AgentSessionID string `json:"agent_session_id"`
	CanResume      bool   `json:"can_resume"`
}

// eventRing is a bounded history of stream events, oldest evicted first.
// A newly-subscribing browser is handed its contents instead of replaying
// the full session from the ledger.
type eventRing struct {
	buf  []json.RawMessage
	cap  int
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]json.RawMessage, capacity), cap: capacity}
}

func (r *eventRing) Append(ev json.RawMessage) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *eventRing) Snapshot() []json.RawMessage {
	if !r.full {
		return append([]json.RawMessage(nil), r.buf[:r.next]...)
	}
	out := make([]json.RawMessage, 0, r.cap)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// SpawnedSession is a browser-initiated, daemon-hosted session tracked
// independently of the durable ledger.
type SpawnedSession struct {
	ID       string
	ClientID string // owning daemon's client id
	CWD      string
	Harness  string

	mu             sync.Mutex
	status         string
	agentSessionID string
	recovery       *RecoveryInfo
	history        *eventRing
	pending        map[string]ws.ControlRequest // request_id → request
	exitCode       int
	lastError      string
	createdAt      time.Time
}

// NewSpawnedSession creates a session in the starting state.
func NewSpawnedSession(id, clientID, cwd, harness string, historyCap int) *SpawnedSession {
	return &SpawnedSession{
		ID:        id,
		ClientID:  clientID,
		CWD:       cwd,
		Harness:   harness,
		status:    SpawnStarting,
		history:   newEventRing(historyCap),
		pending:   make(map[string]ws.ControlRequest),
		createdAt: time.Now(),
	}
}

func (ss *SpawnedSession) Status() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.status
}

func (ss *SpawnedSession) AgentSessionID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.agentSessionID
}

func (ss *SpawnedSession) Recovery() *RecoveryInfo {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.recovery == nil {
		return nil
	}
	cp := *ss.recovery
	return &cp
}

// History returns the recent-event snapshot for a new subscriber.
func (ss *SpawnedSession) History() []json.RawMessage {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.history.Snapshot()
}

// PendingControlRequests enumerates unresolved permission prompts.
func (ss *SpawnedSession) PendingControlRequests() []ws.ControlRequest {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]ws.ControlRequest, 0, len(ss.pending))
	for _, req := range ss.pending {
		out = append(out, req)
	}
	return out
}

// ResolveControlRequest correlates a browser decision with its stored
// request and clears it. Returns false for an unknown request id.
func (ss *SpawnedSession) ResolveControlRequest(requestID string) (ws.ControlRequest, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	req, ok := ss.pending[requestID]
	if ok {
		delete(ss.pending, requestID)
	}
	return req, ok
}

// ProcessStreamEvent applies one inbound daemon event to the state machine
// and returns the frames to fan out to observers. It is the explicit
// (session, event) → (session', outbound) transition function and needs no
// live socket to exercise.
func (ss *SpawnedSession) ProcessStreamEvent(out ws.SessionOutput) []any {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.status == SpawnEnded {
		return nil
	}

	ss.history.Append(out.Event)

	if out.AgentSessionID != "" {
		ss.agentSessionID = out.AgentSessionID
	}

	var frames []any

	var ev streamEvent
	if err := json.Unmarshal(out.Event, &ev); err != nil {
		// Unparseable events are still history, still fanned out raw.
		frames = append(frames, ws.SessionOutput{
			Type: ws.TypeSessionOutput, SessionID: ss.ID, Event: out.Event,
		})
		if ss.status == SpawnStarting {
			ss.status = SpawnRunning
			frames = append(frames, ss.stateFrameLocked())
		}
		return frames
	}

	// Init events carry the harness-side session id that makes the
	// session resumable after a disconnect.
	if ev.Type == "system" && ev.SessionID != "" {
		ss.agentSessionID = ev.SessionID
	}

	frames = append(frames, ws.SessionOutput{
		Type: ws.TypeSessionOutput, SessionID: ss.ID, Event: out.Event,
	})

	switch ev.Type {
	case "control_request":
		req := ws.ControlRequest{
			Type:      ws.TypeControlRequest,
			SessionID: ss.ID,
			RequestID: ev.RequestID,
			Request:   ev.Request,
		}
		var body controlRequestBody
		if err := json.Unmarshal(ev.Request, &body); err == nil {
			req.ToolName = body.ToolName
			req.Input = body.Input
		}
		if req.RequestID != "" {
			ss.pending[req.RequestID] = req
		}
		frames = append(frames, req)

	case "result":
		// Turn complete: the agent is idle until further input.
		if ss.status == SpawnStarting || ss.status == SpawnRunning {
			ss.status = SpawnWaiting
			frames = append(frames, ss.stateFrameLocked())
		}
		return frames

	case "assistant":
		prompted := false
		for _, use := range parseToolUses(ev.Message) {
			if use.Kind != ToolAskUserQuestion {
				continue
			}
			question, options := questionFromInput(use.Input)
			frames = append(frames, ws.QuestionPrompt{
				Type:      ws.TypeQuestionPrompt,
				SessionID: ss.ID,
				ToolUseID: use.ID,
				Question:  question,
				Options:   options,
			})
			prompted = true
		}
		// A question means the agent is mid-turn again, even if a prior
		// result frame parked the session in waiting.
		if prompted && ss.status == SpawnWaiting {
			ss.status = SpawnRunning
			frames = append(frames, ss.stateFrameLocked())
		}
	}

	if ss.status == SpawnStarting {
		ss.status = SpawnRunning
		frames = append(frames, ss.stateFrameLocked())
	}
	return frames
}

// ProcessEnded handles the daemon's process-exit signal. Terminal.
func (ss *SpawnedSession) ProcessEnded(ended ws.SessionEnded) []any {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.status = SpawnEnded
	ss.exitCode = ended.ExitCode
	ss.lastError = ended.Error
	ss.recovery = nil
	return []any{
		ws.SessionEnded{Type: ws.TypeSessionEnded, SessionID: ss.ID, ExitCode: ended.ExitCode, Error: ended.Error},
		ss.stateFrameLocked(),
	}
}

// NoteInput moves a waiting session back to running when the browser
// sends further input.
func (ss *SpawnedSession) NoteInput() []any {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status != SpawnWaiting {
		return nil
	}
	ss.status = SpawnRunning
	return []any{ss.stateFrameLocked()}
}

// MarkDisconnected transitions to disconnected on daemon loss. A session
// that captured an agent session id gets RecoveryInfo with CanResume=true;
// one that never progressed that far is terminally ended — there is
// nothing to resume.
func (ss *SpawnedSession) MarkDisconnected() (resumable bool, frame any) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status == SpawnEnded {
		return false, nil
	}
	if ss.agentSessionID == "" {
		ss.status = SpawnEnded
		ss.lastError = "daemon disconnected before session was resumable"
		return false, ss.stateFrameLocked()
	}
	ss.status = SpawnDisconnected
	ss.recovery = &RecoveryInfo{AgentSessionID: ss.agentSessionID, CanResume: true}
	return true, ss.stateFrameLocked()
}

// BeginResume guards and performs the disconnected → starting transition.
// Resuming from any other state, or without recovery info, is rejected
// with no state change.
func (ss *SpawnedSession) BeginResume() (agentSessionID string, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status != SpawnDisconnected {
		return "", errf(KindConflict, "session %s is %s, not disconnected", ss.ID, ss.status)
	}
	if ss.recovery == nil || !ss.recovery.CanResume {
		return "", errf(KindUnresumable, "session %s has no recovery info", ss.ID)
	}
	agentSessionID = ss.recovery.AgentSessionID
	ss.status = SpawnStarting
	return agentSessionID, nil
}

// AbortResume rolls a failed resume back to disconnected with recovery
// info intact, so a later attempt can retry. Only meaningful between
// BeginResume and the daemon accepting the resume command.
func (ss *SpawnedSession) AbortResume() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status != SpawnStarting || ss.agentSessionID == "" {
		return
	}
	ss.status = SpawnDisconnected
	ss.recovery = &RecoveryInfo{AgentSessionID: ss.agentSessionID, CanResume: true}
}

// End marks the session terminally ended (explicit end or spawn failure).
func (ss *SpawnedSession) End(reason string) any {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.status == SpawnEnded {
		return nil
	}
	ss.status = SpawnEnded
	ss.lastError = reason
	ss.recovery = nil
	return ss.stateFrameLocked()
}

// Info reports the session for the REST info endpoint.
func (ss *SpawnedSession) Info() SpawnedInfo {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	info := SpawnedInfo{
		SessionID:      ss.ID,
		ClientID:       ss.ClientID,
		CWD:            ss.CWD,
		Harness:        ss.Harness,
		Status:         ss.status,
		AgentSessionID: ss.agentSessionID,
		ExitCode:       ss.exitCode,
		Error:          ss.lastError,
		CreatedAt:      ss.createdAt,
		PendingCount:   len(ss.pending),
	}
	if ss.recovery != nil {
		cp := *ss.recovery
		info.Recovery = &cp
	}
	return info
}

// SpawnedInfo is the JSON-friendly view of a spawned session.
type SpawnedInfo struct {
	SessionID      string        `json:"session_id"`
	ClientID       string        `json:"client_id"`
	CWD            string        `json:"cwd,omitempty"`
	Harness        string        `json:"harness,omitempty"`
	Status         string        `json:"status"`
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	ExitCode       int           `json:"exit_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	PendingCount   int           `json:"pending_control_requests,omitempty"`
	Recovery       *RecoveryInfo `json:"recovery,omitempty"`
}

func (ss *SpawnedSession) stateFrameLocked() ws.SessionState {
	frame := ws.SessionState{Type: ws.TypeSessionState, SessionID: ss.ID, Status: ss.status}
	if ss.recovery != nil {
		frame.CanResume = ss.recovery.CanResume
	}
	return frame
}

// SpawnedRegistry tracks live spawned sessions by id.
type SpawnedRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*SpawnedSession
}

func NewSpawnedRegistry() *SpawnedRegistry {
	return &SpawnedRegistry{sessions: make(map[string]*SpawnedSession)}
}

func (r *SpawnedRegistry) Add(ss *SpawnedSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[ss.ID] = ss
}

func (r *SpawnedRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *SpawnedRegistry) Get(id string) *SpawnedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// ListForClient returns the sessions owned by one daemon.
func (r *SpawnedRegistry) ListForClient(clientID string) []*SpawnedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*SpawnedSession
	for _, ss := range r.sessions {
		if ss.ClientID == clientID {
			result = append(result, ss)
		}
	}
	return result
}

// ActiveCount returns the number of non-terminal spawned sessions.
func (r *SpawnedRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ss := range r.sessions {
		if ss.Status() != SpawnEnded {
			n++
		}
	}
	return n
}
