// Package awareness fans out ephemeral presence state between the sessions
// of one document. Nothing here is ever persisted: a session's state lives
// exactly as long as its transport connection.
package awareness

import (
	"encoding/json"
	"sync"
)

// State is one session's published presence. DisplayName and Color are the
// only fields this subsystem interprets; Cursor carries richer
// cursor/selection data through untouched.
type State struct {
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// Update is one presence change fanned out to peers. Left marks a
// retraction: the session's transport closed and its state is gone.
type Update struct {
	SessionID string `json:"sessionId"`
	State     *State `json:"state,omitempty"`
	Left      bool   `json:"left,omitempty"`
}

// Subscriber receives presence updates for a document. Implementations must
// not block; the hub calls them synchronously under its lock.
type Subscriber func(Update)

// Hub is the presence channel for one document. Publish replaces a
// session's state and notifies every other session immediately. Ordering
// across sessions is not guaranteed — last write wins per session.
type Hub struct {
	mutex  sync.RWMutex
	states map[string]*State
	subs   map[string]Subscriber
}

// NewHub creates an empty presence hub.
func NewHub() *Hub {
	return &Hub{
		states: make(map[string]*State),
		subs:   make(map[string]Subscriber),
	}
}

// Subscribe registers a session's update callback. The callback receives
// every peer's publish and retraction until Retract is called for the
// session.
func (h *Hub) Subscribe(sessionID string, fn Subscriber) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.subs[sessionID] = fn
}

// Publish replaces the session's presence state and notifies peers.
func (h *Hub) Publish(sessionID string, state *State) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.states[sessionID] = state
	h.notify(Update{SessionID: sessionID, State: state}, sessionID)
}

// Retract removes the session's state and subscription and notifies peers.
// Transport close is the sole leave signal; there is no explicit leave
// message.
func (h *Hub) Retract(sessionID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.states[sessionID]; !ok {
		delete(h.subs, sessionID)
		return
	}
	delete(h.states, sessionID)
	delete(h.subs, sessionID)
	h.notify(Update{SessionID: sessionID, Left: true}, sessionID)
}

// Snapshot returns every currently published state, keyed by session. New
// sessions use it to seed their presence view.
func (h *Hub) Snapshot() map[string]*State {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make(map[string]*State, len(h.states))
	for id, state := range h.states {
		result[id] = state
	}
	return result
}

// Len returns the number of sessions with published state.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.states)
}

// notify fans an update out to every subscriber except the origin session.
func (h *Hub) notify(u Update, exclude string) {
	for id, fn := range h.subs {
		if id == exclude {
			continue
		}
		fn(u)
	}
}
