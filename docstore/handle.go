package docstore

import (
	"context"
	"errors"
	"sync"

	"coedit/common"
	"coedit/crdt"
	"coedit/crdtpatch"
)

// Handle is one live document instance. All sessions on the key share a
// single handle; its mutex serializes merges so a snapshot never observes a
// half-applied operation.
type Handle struct {
	key   string
	store *Store

	// mutex guards the document and the pending buffer. One merge in
	// flight per key; other keys are untouched.
	mutex sync.Mutex

	doc *crdt.Document

	// pending holds patches whose dependencies have not arrived yet
	// (reordered delivery after a reconnect). They are retried after
	// every successful merge.
	pending []*crdtpatch.Patch

	// dirty marks unsaved changes for the autosave loop.
	dirty bool

	// flush orders this key's durable writes across handle lifetimes.
	flush *flushState

	refs           int
	cancelAutosave context.CancelFunc
}

// Key returns the document key.
func (h *Handle) Key() string {
	return h.key
}

// ApplyLocal merges a change submitted by a session on this server and
// returns the canonical encoded delta to broadcast to peers. It never
// performs I/O. A malformed delta is rejected without touching the document.
func (h *Handle) ApplyLocal(data []byte) ([]byte, uint64, error) {
	patch, err := crdtpatch.Decode(data)
	if err != nil {
		return nil, 0, err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if err := h.merge(patch); err != nil {
		return nil, 0, err
	}

	delta, err := patch.Encode()
	if err != nil {
		return nil, 0, err
	}
	return delta, h.doc.Version(), nil
}

// ApplyRemote merges an inbound peer delta. Duplicated deliveries are
// absorbed by the document; out-of-order deliveries are buffered until their
// dependencies arrive. A malformed delta is dropped with an error and the
// shared document is unaffected.
func (h *Handle) ApplyRemote(data []byte) error {
	patch, err := crdtpatch.Decode(data)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.merge(patch)
}

// merge applies a patch under the handle lock. A patch that references an
// element the document has not seen yet is parked in the pending buffer; it
// is not an error. After any successful apply the pending buffer is retried,
// since the new operations may have supplied the missing context.
func (h *Handle) merge(patch *crdtpatch.Patch) error {
	// A patch can apply partially before parking on a missing element, so
	// dirtiness tracks whether the document actually advanced, not whether
	// the whole patch went through.
	before := h.doc.Version()
	defer func() {
		if h.doc.Version() > before {
			h.dirty = true
		}
	}()

	if err := patch.Apply(h.doc); err != nil {
		var unknown common.ErrUnknownElement
		if errors.As(err, &unknown) {
			h.pending = append(h.pending, patch)
			return nil
		}
		return err
	}

	h.retryPending()
	return nil
}

// retryPending re-applies parked patches until a full pass makes no
// progress. Operations are idempotent, so re-applying a patch whose prefix
// already merged is safe.
func (h *Handle) retryPending() {
	for {
		progressed := false
		remaining := h.pending[:0]
		for _, p := range h.pending {
			if err := p.Apply(h.doc); err != nil {
				var unknown common.ErrUnknownElement
				if errors.As(err, &unknown) {
					remaining = append(remaining, p)
					continue
				}
				// Anything else is malformed; drop it.
				continue
			}
			progressed = true
		}
		h.pending = remaining
		if !progressed || len(h.pending) == 0 {
			return
		}
	}
}

// Snapshot serializes the current state. It takes the handle lock, so it is
// safe to call concurrently with ongoing merges.
func (h *Handle) Snapshot() ([]byte, uint64, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	data, err := h.doc.MarshalJSON()
	if err != nil {
		return nil, 0, err
	}
	return data, h.doc.Version(), nil
}

// Text returns the document's visible text.
func (h *Handle) Text() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.doc.Text()
}

// Version returns the document's monotonic change counter.
func (h *Handle) Version() uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.doc.Version()
}

// PendingCount returns the number of parked patches.
func (h *Handle) PendingCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.pending)
}

// takeDirtySnapshot atomically snapshots, stamps a flush generation and
// clears the dirty flag. It returns ok=false when there is nothing to flush.
func (h *Handle) takeDirtySnapshot() (data []byte, version, gen uint64, ok bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.dirty {
		return nil, 0, 0, false
	}
	data, err := h.doc.MarshalJSON()
	if err != nil {
		return nil, 0, 0, false
	}
	h.dirty = false
	return data, h.doc.Version(), h.flush.next(), true
}

// takeFlushSnapshot snapshots unconditionally with a flush generation. The
// generation is minted under the handle lock, so it orders the same way the
// snapshot contents do.
func (h *Handle) takeFlushSnapshot() (data []byte, version, gen uint64, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	data, err = h.doc.MarshalJSON()
	if err != nil {
		return nil, 0, 0, err
	}
	h.dirty = false
	return data, h.doc.Version(), h.flush.next(), nil
}

// markDirty re-flags the handle after a failed flush so the next autosave
// tick retries.
func (h *Handle) markDirty() {
	h.mutex.Lock()
	h.dirty = true
	h.mutex.Unlock()
}
