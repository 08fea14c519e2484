package server

import (
	"sync"

	"coedit/awareness"
	"coedit/docstore"
)

// registry tracks the active sessions of one document key. Admission and
// removal for a key are serialized on its mutex; registries for different
// keys never contend.
type registry struct {
	key string

	mutex    sync.RWMutex
	sessions map[string]*Session

	// evicted marks a registry removed from the server map after its last
	// session left. An admission that raced the removal retries with a
	// fresh registry.
	evicted bool

	// handle is the shared document instance. Each admitted session holds
	// one reference; the store evicts the instance when the last one is
	// released.
	handle *docstore.Handle

	// hub is the document's presence channel.
	hub *awareness.Hub
}

func newRegistry(key string) *registry {
	return &registry{
		key:      key,
		sessions: make(map[string]*Session),
		hub:      awareness.NewHub(),
	}
}

// broadcast fans a frame out to every session except the origin.
func (r *registry) broadcast(msg []byte, exclude string) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for id, sess := range r.sessions {
		if id == exclude {
			continue
		}
		sess.enqueue(msg)
	}
}

// len returns the number of registered sessions.
func (r *registry) len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}
