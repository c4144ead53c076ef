package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Link is the writable half of a daemon socket. *websocket.Conn satisfies
// it through the same adapter observers use; tests substitute fakes.
type Link = Observer

// NewLink wraps a websocket connection for registry use.
func NewLink(conn *websocket.Conn) Link {
	return wsObserver{conn: conn}
}

// Capabilities are declared by the daemon at registration.
type Capabilities struct {
	CanSpawnSessions bool
	Harnesses        []string
}

// DaemonConnection is the single live daemon socket for one client id.
type DaemonConnection struct {
	ClientID     string
	Hostname     string
	Version      string
	Capabilities Capabilities
	Conn         Link

	mu       sync.Mutex
	owned    map[string]struct{} // spawned session ids this daemon owns
	lastSeen time.Time
}

// OwnedCount returns the number of spawned sessions this daemon owns.
func (d *DaemonConnection) OwnedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.owned)
}

// OwnedSessions returns a snapshot of owned spawned-session ids.
func (d *DaemonConnection) OwnedSessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.owned))
	for id := range d.owned {
		ids = append(ids, id)
	}
	return ids
}

// DaemonRegistry tracks the single connected daemon per owning client id.
type DaemonRegistry struct {
	mu      sync.RWMutex
	daemons map[string]*DaemonConnection // client_id → connection
}

func NewDaemonRegistry() *DaemonRegistry {
	return &DaemonRegistry{daemons: make(map[string]*DaemonConnection)}
}

// Add registers a daemon connection, superseding and closing any prior
// connection for the same client id. The swap is atomic: there is no
// window where both connections are authoritative.
func (r *DaemonRegistry) Add(d *DaemonConnection) {
	d.mu.Lock()
	if d.owned == nil {
		d.owned = make(map[string]struct{})
	}
	d.lastSeen = time.Now()
	d.mu.Unlock()

	r.mu.Lock()
	prev := r.daemons[d.ClientID]
	r.daemons[d.ClientID] = d
	r.mu.Unlock()

	if prev != nil {
		prev.Conn.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
}

// Remove unregisters a connection. It is a no-op when the registered
// connection for the client id is not the one being removed — a superseded
// socket's deferred cleanup must not tear down its replacement.
func (r *DaemonRegistry) Remove(clientID string, conn Link) *DaemonConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.daemons[clientID]
	if d == nil || (conn != nil && d.Conn != conn) {
		return nil
	}
	delete(r.daemons, clientID)
	return d
}

// Get returns the connection for a client id, or nil.
func (r *DaemonRegistry) Get(clientID string) *DaemonConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.daemons[clientID]
}

// Any returns an arbitrary connected daemon, for spawn requests that do
// not name a client.
func (r *DaemonRegistry) Any() *DaemonConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.daemons {
		return d
	}
	return nil
}

// Count returns the number of connected daemons.
func (r *DaemonRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.daemons)
}

// Touch records daemon liveness on heartbeat.
func (r *DaemonRegistry) Touch(clientID string) {
	r.mu.RLock()
	d := r.daemons[clientID]
	r.mu.RUnlock()
	if d != nil {
		d.mu.Lock()
		d.lastSeen = time.Now()
		d.mu.Unlock()
	}
}

// RegisterSpawnedSession records ownership of a spawned session; the
// admission concurrency cap counts this set.
func (r *DaemonRegistry) RegisterSpawnedSession(clientID, sessionID string) error {
	d := r.Get(clientID)
	if d == nil {
		return errf(KindUpstreamUnavailable, "daemon not connected for client %s", clientID)
	}
	d.mu.Lock()
	d.owned[sessionID] = struct{}{}
	d.mu.Unlock()
	return nil
}

// UnregisterSpawnedSession releases ownership, freeing spawn capacity.
func (r *DaemonRegistry) UnregisterSpawnedSession(clientID, sessionID string) {
	d := r.Get(clientID)
	if d == nil {
		return
	}
	d.mu.Lock()
	delete(d.owned, sessionID)
	d.mu.Unlock()
}

// Send routes a command to the registered connection for a client id.
func (r *DaemonRegistry) Send(ctx context.Context, clientID string, msg any) error {
	d := r.Get(clientID)
	if d == nil {
		return errf(KindUpstreamUnavailable, "daemon not connected for client %s", clientID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal daemon command: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Conn.Write(writeCtx, data); err != nil {
		return fmt.Errorf("write to daemon %s: %w", clientID, err)
	}
	return nil
}

// CloseAll closes every daemon socket. Used on graceful shutdown.
func (r *DaemonRegistry) CloseAll(reason string) {
	r.mu.Lock()
	all := make([]*DaemonConnection, 0, len(r.daemons))
	for _, d := range r.daemons {
		all = append(all, d)
	}
	r.daemons = make(map[string]*DaemonConnection)
	r.mu.Unlock()

	for _, d := range all {
		d.Conn.Close(websocket.StatusGoingAway, reason)
	}
}
