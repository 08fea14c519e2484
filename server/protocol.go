package server

import (
	"encoding/json"

	"coedit/auth"
)

// Message types exchanged over a collaboration connection. Content deltas
// and awareness updates share the transport but never the same path: sync
// messages go through the document store, awareness messages bypass it.
const (
	// MessageSync carries an encoded document patch.
	MessageSync = "sync"
	// MessageAwareness carries a presence state blob.
	MessageAwareness = "awareness"
	// MessageSnapshot carries the catch-up document snapshot, server to
	// client only, first message after admission.
	MessageSnapshot = "snapshot"
	// MessagePresence carries the initial presence view, server to
	// client only.
	MessagePresence = "presence"
)

// Envelope is the wire frame for every message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SnapshotPayload is the catch-up state sent to a freshly admitted session.
type SnapshotPayload struct {
	SessionID  string          `json:"sessionId"`
	Capability auth.Capability `json:"capability"`
	Version    uint64          `json:"version"`
	Document   json.RawMessage `json:"document"`
}

// Close codes sent when a connection is refused. The reason text is the
// machine-readable counterpart for clients that only surface the string.
const (
	// CloseInvalidToken refuses a malformed or expired credential.
	CloseInvalidToken = 4001
	// CloseUnauthorized refuses an identity with no capability on the
	// document.
	CloseUnauthorized = 4003
	// CloseNotFound refuses a key with no content record.
	CloseNotFound = 4004
	// CloseCapacity refuses a document at its session cap. Clients may
	// retry later.
	CloseCapacity = 4029
)

const (
	reasonInvalidToken = "invalid_token"
	reasonUnauthorized = "unauthorized"
	reasonNotFound     = "not_found"
	reasonCapacity     = "capacity"
)

func encodeEnvelope(msgType string, data interface{}) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: body})
}
