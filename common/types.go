package common

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ReplicaID identifies one writer of a shared document. Every connected
// editor gets its own ReplicaID so that the IDs it mints never collide with
// another editor's. It is implemented as a UUID v7 which provides
// time-ordered values.
type ReplicaID uuid.UUID

// NilReplicaID is the zero value for ReplicaID.
var NilReplicaID ReplicaID

// HeadID is the fixed LogicalTimestamp that anchors an insert at the very
// beginning of a sequence.
var HeadID = LogicalTimestamp{RID: NilReplicaID, Counter: 0}

// NewReplicaID creates a new ReplicaID using UUID v7.
// It panics if the UUID cannot be created.
func NewReplicaID() ReplicaID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return ReplicaID(id)
}

// String returns the string representation of the ReplicaID.
func (r ReplicaID) String() string {
	return uuid.UUID(r).String()
}

// Compare compares two ReplicaIDs lexicographically.
// Returns:
//
//	-1 if r < other
//	 0 if r == other
//	 1 if r > other
func (r ReplicaID) Compare(other ReplicaID) int {
	a := uuid.UUID(r)
	b := uuid.UUID(other)
	for i := 0; i < len(a); i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// MarshalText implements the encoding.TextMarshaler interface.
func (r ReplicaID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(r).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (r *ReplicaID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*r = ReplicaID(u)
	return nil
}

// LogicalTimestamp is a globally unique, partially ordered identifier for one
// element or operation. It pairs the minting replica with a per-replica
// sequence counter.
type LogicalTimestamp struct {
	RID     ReplicaID `json:"rid"`
	Counter uint64    `json:"cnt"`
}

// Compare orders two logical timestamps: first by counter, then by replica
// ID. Counters follow a Lamport discipline on each editor, so an element
// generated with knowledge of another always compares greater. The replica
// ID breaks ties between truly concurrent timestamps.
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	if t.Counter < other.Counter {
		return -1
	}
	if t.Counter > other.Counter {
		return 1
	}
	return t.RID.Compare(other.RID)
}

// IsZero reports whether the timestamp is the zero value (the head anchor).
func (t LogicalTimestamp) IsZero() bool {
	return t.Compare(HeadID) == 0
}

// Next returns the next logical timestamp in the sequence.
func (t LogicalTimestamp) Next() LogicalTimestamp {
	return LogicalTimestamp{
		RID:     t.RID,
		Counter: t.Counter + 1,
	}
}

// Increment advances the counter by the given amount.
func (t LogicalTimestamp) Increment(amount uint64) LogicalTimestamp {
	return LogicalTimestamp{
		RID:     t.RID,
		Counter: t.Counter + amount,
	}
}

// String returns a string representation of the logical timestamp.
func (t LogicalTimestamp) String() string {
	data, _ := json.Marshal(t)
	return string(data)
}

// OperationType is the kind of a patch operation.
type OperationType string

const (
	// OperationTypeIns inserts text after an existing element.
	OperationTypeIns OperationType = "ins"
	// OperationTypeDel tombstones a range of elements.
	OperationTypeDel OperationType = "del"
	// OperationTypeSet writes a last-writer-wins metadata field.
	OperationTypeSet OperationType = "set"
)
