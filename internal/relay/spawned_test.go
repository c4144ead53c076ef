package relay

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/agentcast/agentcast/internal/ws"
)

func newTestSpawned() *SpawnedSession {
	return NewSpawnedSession("sess-1", "client-1", "/work", "claude", 16)
}

func output(event string) ws.SessionOutput {
	return ws.SessionOutput{
		Type:      ws.TypeSessionOutput,
		SessionID: "sess-1",
		Event:     json.RawMessage(event),
	}
}

func framesOfType[T any](frames []any) []T {
	var out []T
	for _, f := range frames {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestSpawnedFirstEventStartsRunning(t *testing.T) {
	ss := newTestSpawned()
	if ss.Status() != SpawnStarting {
		t.Fatalf("initial status = %q", ss.Status())
	}

	frames := ss.ProcessStreamEvent(output(`{"type":"system","subtype":"init","session_id":"agent-abc"}`))

	if ss.Status() != SpawnRunning {
		t.Errorf("status after first event = %q, want running", ss.Status())
	}
	if ss.AgentSessionID() != "agent-abc" {
		t.Errorf("agent session id = %q, want agent-abc", ss.AgentSessionID())
	}
	if len(framesOfType[ws.SessionOutput](frames)) != 1 {
		t.Error("raw event was not fanned out")
	}
	states := framesOfType[ws.SessionState](frames)
	if len(states) != 1 || states[0].Status != SpawnRunning {
		t.Errorf("expected one running state frame, got %+v", states)
	}
}

func TestSpawnedResultMovesToWaiting(t *testing.T) {
	ss := newTestSpawned()
	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))

	frames := ss.ProcessStreamEvent(output(`{"type":"result","subtype":"success"}`))
	if ss.Status() != SpawnWaiting {
		t.Errorf("status after result = %q, want waiting", ss.Status())
	}
	states := framesOfType[ws.SessionState](frames)
	if len(states) != 1 || states[0].Status != SpawnWaiting {
		t.Errorf("expected waiting state frame, got %+v", states)
	}

	// Input from the browser resumes the running state.
	noteFrames := ss.NoteInput()
	if ss.Status() != SpawnRunning {
		t.Errorf("status after input = %q, want running", ss.Status())
	}
	if len(noteFrames) != 1 {
		t.Errorf("NoteInput emitted %d frames, want 1", len(noteFrames))
	}

	// NoteInput on a non-waiting session is a no-op.
	if frames := ss.NoteInput(); frames != nil {
		t.Errorf("NoteInput while running emitted %+v", frames)
	}
}

func TestSpawnedQuestionPrompt(t *testing.T) {
	ss := newTestSpawned()
	ev := `{"type":"assistant","message":{"content":[
		{"type":"text","text":"Before I proceed:"},
		{"type":"tool_use","id":"toolu_1","name":"AskUserQuestion",
		 "input":{"question":"Which database?","options":["sqlite","postgres"]}}
	]}}`
	frames := ss.ProcessStreamEvent(output(ev))

	prompts := framesOfType[ws.QuestionPrompt](frames)
	if len(prompts) != 1 {
		t.Fatalf("got %d question prompts, want 1", len(prompts))
	}
	p := prompts[0]
	if p.ToolUseID != "toolu_1" || p.Question != "Which database?" {
		t.Errorf("prompt = %+v", p)
	}
	if len(p.Options) != 2 || p.Options[0] != "sqlite" {
		t.Errorf("options = %v", p.Options)
	}
}

func TestSpawnedQuestionWhileWaitingResumesRunning(t *testing.T) {
	ss := newTestSpawned()
	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))
	ss.ProcessStreamEvent(output(`{"type":"result","subtype":"success"}`))
	if ss.Status() != SpawnWaiting {
		t.Fatalf("status = %q, want waiting", ss.Status())
	}

	frames := ss.ProcessStreamEvent(output(`{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"toolu_2","name":"AskUserQuestion",
		 "input":{"question":"Keep going?","options":["yes","no"]}}
	]}}`))

	if ss.Status() != SpawnRunning {
		t.Errorf("status after question = %q, want running", ss.Status())
	}
	if len(framesOfType[ws.QuestionPrompt](frames)) != 1 {
		t.Error("question prompt not emitted")
	}
	states := framesOfType[ws.SessionState](frames)
	if len(states) != 1 || states[0].Status != SpawnRunning {
		t.Errorf("expected one running state frame, got %+v", states)
	}

	// An assistant event without a question leaves a waiting session alone.
	ss.ProcessStreamEvent(output(`{"type":"result","subtype":"success"}`))
	ss.ProcessStreamEvent(output(`{"type":"assistant","message":{"content":[
		{"type":"text","text":"still thinking"}
	]}}`))
	if ss.Status() != SpawnWaiting {
		t.Errorf("status after plain assistant event = %q, want waiting", ss.Status())
	}
}

func TestSpawnedControlRequestLifecycle(t *testing.T) {
	ss := newTestSpawned()
	ev := `{"type":"control_request","request_id":"req-1",
		"request":{"tool_name":"Bash","input":{"command":"rm -rf /tmp/x"}}}`
	frames := ss.ProcessStreamEvent(output(ev))

	reqs := framesOfType[ws.ControlRequest](frames)
	if len(reqs) != 1 {
		t.Fatalf("got %d control request frames, want 1", len(reqs))
	}
	if reqs[0].RequestID != "req-1" || reqs[0].ToolName != "Bash" {
		t.Errorf("control request = %+v", reqs[0])
	}

	pending := ss.PendingControlRequests()
	if len(pending) != 1 || pending[0].RequestID != "req-1" {
		t.Fatalf("pending = %+v", pending)
	}

	if _, ok := ss.ResolveControlRequest("req-1"); !ok {
		t.Error("known request id did not resolve")
	}
	if _, ok := ss.ResolveControlRequest("req-1"); ok {
		t.Error("request resolved twice")
	}
	if _, ok := ss.ResolveControlRequest("never-issued"); ok {
		t.Error("unknown request id resolved")
	}
	if len(ss.PendingControlRequests()) != 0 {
		t.Error("pending set not cleared after resolution")
	}
}

func TestSpawnedUnparseableEventStillDelivered(t *testing.T) {
	ss := newTestSpawned()
	frames := ss.ProcessStreamEvent(output(`this is not json`))

	if len(framesOfType[ws.SessionOutput](frames)) != 1 {
		t.Error("unparseable event was not fanned out")
	}
	if ss.Status() != SpawnRunning {
		t.Errorf("status = %q, want running", ss.Status())
	}
	if got := ss.History(); len(got) != 1 {
		t.Errorf("history holds %d events, want 1", len(got))
	}
}

func TestSpawnedHistoryEviction(t *testing.T) {
	ss := NewSpawnedSession("sess-1", "client-1", "", "claude", 4)
	for i := 0; i < 10; i++ {
		ss.ProcessStreamEvent(output(fmt.Sprintf(`{"type":"assistant","seq":%d}`, i)))
	}

	hist := ss.History()
	if len(hist) != 4 {
		t.Fatalf("history holds %d events, want capacity 4", len(hist))
	}
	var first struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(hist[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Seq != 6 {
		t.Errorf("oldest retained event seq = %d, want 6", first.Seq)
	}
}

func TestSpawnedDisconnectResumable(t *testing.T) {
	ss := newTestSpawned()
	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))

	resumable, frame := ss.MarkDisconnected()
	if !resumable {
		t.Fatal("session with agent session id not resumable")
	}
	if ss.Status() != SpawnDisconnected {
		t.Errorf("status = %q, want disconnected", ss.Status())
	}
	state, ok := frame.(ws.SessionState)
	if !ok || state.Status != SpawnDisconnected || !state.CanResume {
		t.Errorf("state frame = %+v", frame)
	}
	rec := ss.Recovery()
	if rec == nil || rec.AgentSessionID != "agent-abc" || !rec.CanResume {
		t.Errorf("recovery = %+v", rec)
	}
}

func TestSpawnedDisconnectBeforeResumableEnds(t *testing.T) {
	ss := newTestSpawned()

	resumable, frame := ss.MarkDisconnected()
	if resumable {
		t.Fatal("session without agent session id reported resumable")
	}
	if ss.Status() != SpawnEnded {
		t.Errorf("status = %q, want ended", ss.Status())
	}
	if state, ok := frame.(ws.SessionState); !ok || state.Status != SpawnEnded {
		t.Errorf("state frame = %+v", frame)
	}
	if ss.Recovery() != nil {
		t.Error("terminally ended session kept recovery info")
	}
}

func TestSpawnedBeginResume(t *testing.T) {
	ss := newTestSpawned()

	if _, err := ss.BeginResume(); KindOf(err) != KindConflict {
		t.Errorf("resume while starting: kind = %q, want conflict", KindOf(err))
	}

	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))
	ss.MarkDisconnected()

	agentID, err := ss.BeginResume()
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if agentID != "agent-abc" {
		t.Errorf("agent id = %q", agentID)
	}
	if ss.Status() != SpawnStarting {
		t.Errorf("status after resume = %q, want starting", ss.Status())
	}

	// A second resume attempt hits the state guard.
	if _, err := ss.BeginResume(); KindOf(err) != KindConflict {
		t.Errorf("double resume: kind = %q, want conflict", KindOf(err))
	}
}

func TestSpawnedAbortResume(t *testing.T) {
	ss := newTestSpawned()
	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))
	ss.MarkDisconnected()
	if _, err := ss.BeginResume(); err != nil {
		t.Fatalf("resume: %v", err)
	}

	ss.AbortResume()
	if ss.Status() != SpawnDisconnected {
		t.Errorf("status after abort = %q, want disconnected", ss.Status())
	}
	rec := ss.Recovery()
	if rec == nil || rec.AgentSessionID != "agent-abc" || !rec.CanResume {
		t.Errorf("recovery after abort = %+v", rec)
	}

	// The aborted session can be resumed again.
	agentID, err := ss.BeginResume()
	if err != nil {
		t.Fatalf("resume after abort: %v", err)
	}
	if agentID != "agent-abc" {
		t.Errorf("agent id = %q", agentID)
	}

	// Outside a resume window it is a no-op.
	running := newTestSpawned()
	running.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-x"}`))
	running.AbortResume()
	if running.Status() != SpawnRunning {
		t.Errorf("abort disturbed a running session: %q", running.Status())
	}
}

func TestSpawnedProcessEndedTerminal(t *testing.T) {
	ss := newTestSpawned()
	ss.ProcessStreamEvent(output(`{"type":"system","session_id":"agent-abc"}`))

	frames := ss.ProcessEnded(ws.SessionEnded{SessionID: "sess-1", ExitCode: 2, Error: "killed"})
	if ss.Status() != SpawnEnded {
		t.Errorf("status = %q, want ended", ss.Status())
	}
	if len(framesOfType[ws.SessionEnded](frames)) != 1 {
		t.Error("no session_ended frame emitted")
	}

	// Ended is terminal: further events are ignored.
	if frames := ss.ProcessStreamEvent(output(`{"type":"assistant"}`)); frames != nil {
		t.Errorf("ended session processed an event: %+v", frames)
	}
	resumable, _ := ss.MarkDisconnected()
	if resumable {
		t.Error("ended session became resumable on disconnect")
	}
	info := ss.Info()
	if info.ExitCode != 2 || info.Error != "killed" {
		t.Errorf("info = %+v", info)
	}
}

func TestSpawnedRegistry(t *testing.T) {
	reg := NewSpawnedRegistry()
	a := NewSpawnedSession("a", "c1", "", "claude", 4)
	b := NewSpawnedSession("b", "c1", "", "claude", 4)
	c := NewSpawnedSession("c", "c2", "", "claude", 4)
	reg.Add(a)
	reg.Add(b)
	reg.Add(c)

	if reg.Get("a") != a {
		t.Error("Get returned wrong session")
	}
	if got := len(reg.ListForClient("c1")); got != 2 {
		t.Errorf("ListForClient(c1) = %d sessions, want 2", got)
	}
	if reg.ActiveCount() != 3 {
		t.Errorf("ActiveCount = %d, want 3", reg.ActiveCount())
	}

	a.End("done")
	if reg.ActiveCount() != 2 {
		t.Errorf("ActiveCount after end = %d, want 2", reg.ActiveCount())
	}

	reg.Remove("b")
	if reg.Get("b") != nil {
		t.Error("removed session still present")
	}
}
