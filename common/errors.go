package common

import (
	"fmt"
)

// ErrInvalidCredential is returned when a credential cannot be resolved to an
// identity (malformed, expired, or bad signature).
type ErrInvalidCredential struct {
	Reason string
}

func (e ErrInvalidCredential) Error() string {
	return fmt.Sprintf("invalid credential: %s", e.Reason)
}

// ErrDocumentNotFound is returned when the content record referenced by a
// document key does not exist.
type ErrDocumentNotFound struct {
	Key string
}

func (e ErrDocumentNotFound) Error() string {
	return fmt.Sprintf("document not found: %s", e.Key)
}

// ErrAccessDenied is returned when an identity holds no capability on a
// document.
type ErrAccessDenied struct {
	Key      string
	Identity string
}

func (e ErrAccessDenied) Error() string {
	return fmt.Sprintf("access denied: %s on %s", e.Identity, e.Key)
}

// ErrMalformedPatch is returned when an inbound delta cannot be decoded or
// names an operation the document cannot represent.
type ErrMalformedPatch struct {
	Reason string
}

func (e ErrMalformedPatch) Error() string {
	return fmt.Sprintf("malformed patch: %s", e.Reason)
}

// ErrUnknownElement is returned when an operation references an element the
// document has not seen yet. The caller may buffer the operation and retry
// once more context arrives.
type ErrUnknownElement struct {
	ID LogicalTimestamp
}

func (e ErrUnknownElement) Error() string {
	return fmt.Sprintf("unknown element: %v", e.ID)
}

// ErrSnapshotNotFound is returned by a persistence adapter when no snapshot
// has ever been stored for the key.
type ErrSnapshotNotFound struct {
	Key string
}

func (e ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("snapshot not found: %s", e.Key)
}

// ErrTooManySessions is returned when a document is at its session cap.
type ErrTooManySessions struct {
	Key string
	Cap int
}

func (e ErrTooManySessions) Error() string {
	return fmt.Sprintf("too many sessions on %s (cap %d)", e.Key, e.Cap)
}
