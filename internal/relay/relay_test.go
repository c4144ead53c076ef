package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/agentcast/agentcast/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Admission.HTTPRatePerSec = 0 // no per-IP guard in tests
	cfg.Admission.SpawnWindow = time.Minute
	cfg.Admission.SpawnMax = 100
	cfg.Admission.MaxPerDaemon = 3
	return cfg
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := testStore(t)
	srv, err := NewServer(store, testConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() { ts.Close() })
	return srv, ts
}

// newTestHTTP serves an already-built Server and returns its base URL.
func newTestHTTP(t *testing.T, srv *Server) string {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(func() { ts.Close() })
	return ts.URL
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var parsed map[string]any
	json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

// fakeConn satisfies Link/Observer for tests without a live socket.
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	failWrites bool
	closed     bool
	reason     string
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// addFakeDaemon registers a connected daemon with a fake socket.
func addFakeDaemon(t *testing.T, srv *Server, clientID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	srv.Daemons.Add(&DaemonConnection{
		ClientID: clientID,
		Capabilities: Capabilities{
			CanSpawnSessions: true,
			Harnesses:        []string{"claude"},
		},
		Conn: conn,
	})
	return conn
}

// mustCreateLiveSession seeds a live ledger session and returns its token.
func mustCreateLiveSession(t *testing.T, store *Store, id string) (plaintext string) {
	t.Helper()
	plaintext, hash, err := IssueStreamToken()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := store.CreateSession(id, "claude", true, hash); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return plaintext
}
