package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentcast/agentcast/internal/logger"
)

const hubWriteTimeout = 5 * time.Second

// Observer is one browser connection subscribed to a session's events.
// *websocket.Conn satisfies it via wsObserver; tests substitute fakes.
type Observer interface {
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// wsObserver adapts a coder/websocket connection to Observer.
type wsObserver struct {
	conn *websocket.Conn
}

func (o wsObserver) Write(ctx context.Context, data []byte) error {
	return o.conn.Write(ctx, websocket.MessageText, data)
}

func (o wsObserver) Close(code websocket.StatusCode, reason string) error {
	return o.conn.Close(code, reason)
}

// NewObserver wraps a websocket connection for hub subscription.
func NewObserver(conn *websocket.Conn) Observer {
	return wsObserver{conn: conn}
}

// Hub fans session events out to live browser observers. Delivery is
// best-effort: the ledger is the source of truth and browsers re-fetch.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[Observer]struct{} // session_id → observer set
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[Observer]struct{})}
}

// Subscribe adds an observer to a session's fan-out set.
func (h *Hub) Subscribe(sessionID string, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[Observer]struct{})
		h.subs[sessionID] = set
	}
	set[obs] = struct{}{}
}

// Unsubscribe removes an observer, dropping the session entry once empty.
func (h *Hub) Unsubscribe(sessionID string, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sessionID]
	delete(set, obs)
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// SubscriberCount returns the number of observers for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Broadcast serializes an event once and writes it to every subscriber.
// A failing observer is removed and never blocks delivery to the rest.
func (h *Hub) Broadcast(sessionID string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("broadcast marshal failed", "session", sessionID, "err", err)
		return
	}
	h.BroadcastRaw(sessionID, data)
}

// BroadcastRaw writes pre-serialized bytes to every subscriber of a session.
func (h *Hub) BroadcastRaw(sessionID string, data []byte) {
	h.mu.RLock()
	set := h.subs[sessionID]
	observers := make([]Observer, 0, len(set))
	for obs := range set {
		observers = append(observers, obs)
	}
	h.mu.RUnlock()

	var dead []Observer
	for _, obs := range observers {
		ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
		err := obs.Write(ctx, data)
		cancel()
		if err != nil {
			logger.Debug("dropping observer", "session", sessionID, "err", err)
			dead = append(dead, obs)
		}
	}
	for _, obs := range dead {
		h.Unsubscribe(sessionID, obs)
		obs.Close(websocket.StatusNormalClosure, "write failed")
	}
}

// CloseAll force-closes every subscriber of a session and clears its entry.
// Used when a session transitions to complete.
func (h *Hub) CloseAll(sessionID, reason string) {
	h.mu.Lock()
	set := h.subs[sessionID]
	delete(h.subs, sessionID)
	h.mu.Unlock()

	for obs := range set {
		obs.Close(websocket.StatusNormalClosure, reason)
	}
}

// Shutdown closes every subscriber of every session.
func (h *Hub) Shutdown(reason string) {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[Observer]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for obs := range set {
			obs.Close(websocket.StatusGoingAway, reason)
		}
	}
}
