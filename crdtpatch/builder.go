package crdtpatch

import (
	"coedit/common"
)

// PatchBuilder is a helper for building patches. It maintains a logical
// clock for one replica and automatically assigns IDs to operations.
type PatchBuilder struct {
	// replicaID is the replica the builder mints IDs for.
	replicaID common.ReplicaID

	// counter is the current counter value for the builder.
	counter uint64

	// pendingOperations is the list of operations to be added to the next patch.
	pendingOperations []Operation
}

// NewPatchBuilder creates a new PatchBuilder with the given replica ID and
// initial counter.
func NewPatchBuilder(replicaID common.ReplicaID, initialCounter uint64) *PatchBuilder {
	return &PatchBuilder{
		replicaID:         replicaID,
		counter:           initialCounter,
		pendingOperations: make([]Operation, 0),
	}
}

// CurrentTimestamp returns the current logical timestamp.
func (b *PatchBuilder) CurrentTimestamp() common.LogicalTimestamp {
	return common.LogicalTimestamp{
		RID:     b.replicaID,
		Counter: b.counter,
	}
}

// NextTimestamp returns the next logical timestamp and increments the counter.
func (b *PatchBuilder) NextTimestamp() common.LogicalTimestamp {
	ts := b.CurrentTimestamp()
	b.counter++
	return ts
}

// NextTimestampWithSpan returns the next logical timestamp and advances the
// counter by span. Insertions consume one counter per rune so each element
// gets its own ID.
func (b *PatchBuilder) NextTimestampWithSpan(span uint64) common.LogicalTimestamp {
	ts := b.CurrentTimestamp()
	b.counter += span
	return ts
}

// Advance bumps the builder's counter so that every future timestamp
// compares greater than the given one. Editors call this after merging
// remote changes to keep the Lamport ordering of element IDs.
func (b *PatchBuilder) Advance(seen common.LogicalTimestamp) {
	if seen.Counter >= b.counter {
		b.counter = seen.Counter + 1
	}
}

// AdvanceVector bumps the counter past every entry of a state vector.
func (b *PatchBuilder) AdvanceVector(vector map[string]uint64) {
	for _, counter := range vector {
		if counter >= b.counter {
			b.counter = counter + 1
		}
	}
}

// AddOperation adds an operation to the pending operations list.
func (b *PatchBuilder) AddOperation(op Operation) {
	b.pendingOperations = append(b.pendingOperations, op)
}

// InsertText inserts text after the element identified by after. A zero
// anchor inserts at the head of the document.
func (b *PatchBuilder) InsertText(after common.LogicalTimestamp, text string) *InsOperation {
	span := uint64(len([]rune(text)))
	if span == 0 {
		span = 1
	}
	op := &InsOperation{
		OpID:  b.NextTimestampWithSpan(span),
		After: after,
		Text:  text,
	}
	b.AddOperation(op)
	return op
}

// DeleteRange tombstones the elements between start and end inclusive.
func (b *PatchBuilder) DeleteRange(start, end common.LogicalTimestamp) *DelOperation {
	op := &DelOperation{
		OpID:  b.NextTimestamp(),
		Start: start,
		End:   end,
	}
	b.AddOperation(op)
	return op
}

// SetField writes a last-writer-wins metadata field.
func (b *PatchBuilder) SetField(field, value string) *SetOperation {
	op := &SetOperation{
		OpID:  b.NextTimestamp(),
		Field: field,
		Value: value,
	}
	b.AddOperation(op)
	return op
}

// Flush creates a patch with the pending operations and clears the pending
// list. It returns nil when nothing is pending.
func (b *PatchBuilder) Flush() *Patch {
	if len(b.pendingOperations) == 0 {
		return nil
	}

	patch := NewPatch(b.CurrentTimestamp())
	for _, op := range b.pendingOperations {
		patch.AddOperation(op)
	}
	b.pendingOperations = make([]Operation, 0)

	return patch
}
