package crdtpatch

import (
	"encoding/json"

	"github.com/pkg/errors"

	"coedit/common"
	"coedit/crdt"
)

// Patch is an ordered batch of operations produced by one replica. It is the
// unit of exchange between editors: encoded once, broadcast verbatim, merged
// by every peer.
type Patch struct {
	// id is the logical timestamp the batch was flushed at.
	id common.LogicalTimestamp

	// operations is the list of operations in the patch.
	operations []Operation
}

// NewPatch creates an empty patch with the given ID.
func NewPatch(id common.LogicalTimestamp) *Patch {
	return &Patch{
		id:         id,
		operations: make([]Operation, 0),
	}
}

// ID returns the ID of the patch.
func (p *Patch) ID() common.LogicalTimestamp {
	return p.id
}

// Operations returns the operations in the patch.
func (p *Patch) Operations() []Operation {
	return p.operations
}

// AddOperation appends an operation to the patch.
func (p *Patch) AddOperation(op Operation) {
	p.operations = append(p.operations, op)
}

// Apply merges every operation into the document in order. Operations are
// individually idempotent, so re-applying a patch after a partial failure is
// safe.
func (p *Patch) Apply(doc *crdt.Document) error {
	for _, op := range p.operations {
		if err := op.Apply(doc); err != nil {
			return errors.Wrap(err, "failed to apply operation")
		}
	}
	return nil
}

type jsonOperation struct {
	Op common.OperationType `json:"op"`
}

type jsonPatch struct {
	ID  common.LogicalTimestamp `json:"id"`
	Ops []json.RawMessage       `json:"ops"`
}

// MarshalJSON implements the json.Marshaler interface.
func (p *Patch) MarshalJSON() ([]byte, error) {
	ops := make([]json.RawMessage, len(p.operations))
	for i, op := range p.operations {
		body, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		// Prepend the op discriminator to the operation body.
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		fields["op"], _ = json.Marshal(op.Type())
		tagged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		ops[i] = tagged
	}

	return json.Marshal(jsonPatch{ID: p.id, Ops: ops})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var patch jsonPatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return err
	}

	p.id = patch.ID
	p.operations = make([]Operation, len(patch.Ops))
	for i, opData := range patch.Ops {
		var meta jsonOperation
		if err := json.Unmarshal(opData, &meta); err != nil {
			return err
		}

		op := MakeOperation(meta.Op)
		if op == nil {
			return common.ErrMalformedPatch{Reason: "unknown operation type: " + string(meta.Op)}
		}
		if err := json.Unmarshal(opData, op); err != nil {
			return err
		}
		p.operations[i] = op
	}

	return nil
}

// Decode parses an encoded patch, mapping any decode failure to
// ErrMalformedPatch.
func Decode(data []byte) (*Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		if _, ok := err.(common.ErrMalformedPatch); ok {
			return nil, err
		}
		return nil, common.ErrMalformedPatch{Reason: err.Error()}
	}
	return &p, nil
}

// Encode serializes the patch for broadcast or storage.
func (p *Patch) Encode() ([]byte, error) {
	return json.Marshal(p)
}
