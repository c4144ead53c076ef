package ws

import "encoding/json"

// Message types for the relay WebSocket protocol.
const (
	// Daemon → Relay
	TypeDaemonRegister  = "daemon_register"
	TypeDaemonHeartbeat = "daemon_heartbeat"

	// Relay → Daemon (spawn control)
	TypeStartSession     = "start_session"     // relay → daemon (spawn)
	TypeResumeSession    = "resume_session"    // relay → daemon (recover after disconnect)
	TypeSendInput        = "send_input"        // browser → relay → daemon
	TypeInterruptSession = "interrupt_session" // browser → relay → daemon (advisory)
	TypeEndSession       = "end_session"       // browser → relay → daemon

	// Daemon → Relay → Browser (stream)
	TypeSessionOutput  = "session_output"  // one agent stream event
	TypeSessionDiff    = "session_diff"    // uncommitted diff snapshot
	TypeSessionEnded   = "session_ended"   // process exit
	TypeQuestionPrompt = "question_prompt" // AskUserQuestion surfaced to browser
	TypeControlRequest = "control_request" // permission prompt awaiting a decision

	// Browser → Relay → Daemon (decisions)
	TypeQuestionResponse   = "question_response"
	TypePermissionResponse = "permission_response"
	TypeControlResponse    = "control_response"

	// Relay → Browser (lifecycle)
	TypeSessionState = "session_state" // status change fan-out

	// Relay → Daemon/Browser (control)
	TypeRegistered = "registered"
	TypeError      = "error"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// DaemonRegister is sent by the daemon on connect, declaring capabilities.
type DaemonRegister struct {
	Type             string   `json:"type"`
	ClientID         string   `json:"client_id"`
	Hostname         string   `json:"hostname,omitempty"`
	Version          string   `json:"version,omitempty"`
	CanSpawnSessions bool     `json:"can_spawn_sessions"`
	Harnesses        []string `json:"harnesses,omitempty"` // e.g. "claude", "codex"
}

// DaemonHeartbeat is sent by the daemon periodically.
type DaemonHeartbeat struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// RegisteredMsg is the relay's acknowledgment of a successful daemon registration.
type RegisteredMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StartSession asks the daemon to spawn a new agent session. StreamToken
// authorizes the daemon's REST mutations for this session.
type StartSession struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	Prompt         string `json:"prompt"`
	CWD            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	StreamToken    string `json:"stream_token,omitempty"`
}

// ResumeSession asks the daemon to resume a previously-disconnected
// session. Carries a fresh StreamToken; the old credential is invalidated.
type ResumeSession struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	AgentSessionID string `json:"agent_session_id"`
	CWD            string `json:"cwd,omitempty"`
	StreamToken    string `json:"stream_token,omitempty"`
}

// SessionOutput carries one agent stream event from daemon to relay.
// Event is the harness's raw stream-json line; the relay interprets a
// closed set of shapes and forwards the rest as-is.
type SessionOutput struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	AgentSessionID string          `json:"agent_session_id,omitempty"`
	Event          json.RawMessage `json:"event"`
}

// DiffHunk is one file's uncommitted patch in a session_diff upload.
type DiffHunk struct {
	Filename string `json:"filename"`
	Patch    string `json:"patch"`
}

// SessionDiff carries the daemon's current uncommitted-diff snapshot.
// Uploads may be partial; the relay's relevance filter decides what is
// kept, replaced, or dropped.
type SessionDiff struct {
	Type      string     `json:"type"`
	SessionID string     `json:"session_id"`
	Diffs     []DiffHunk `json:"diffs"`
}

// SessionEnded tells the relay the agent process exited.
type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Error     string `json:"error,omitempty"`
}

// QuestionPrompt surfaces an AskUserQuestion tool call to the browser.
// The browser's answer must reference ToolUseID.
type QuestionPrompt struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	ToolUseID string   `json:"tool_use_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
}

// ControlRequest is a daemon-side permission prompt awaiting a browser decision.
type ControlRequest struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// SendInput carries further user input for a waiting session.
type SendInput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// InterruptSession asks the daemon to interrupt the running turn. Advisory:
// the relay forwards it and does not wait for an acknowledgment.
type InterruptSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// EndSession terminates a spawned session.
type EndSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// QuestionResponse answers a QuestionPrompt.
type QuestionResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Answer    string `json:"answer"`
}

// PermissionResponse answers a ControlRequest with a boolean decision.
type PermissionResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
}

// ControlResponse answers a ControlRequest with an opaque payload.
type ControlResponse struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

// SessionState announces a spawned-session status change to observers.
type SessionState struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	CanResume bool   `json:"can_resume,omitempty"`
}
