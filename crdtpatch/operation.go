package crdtpatch

import (
	"coedit/common"
	"coedit/crdt"
)

// Operation is a single CRDT patch operation.
type Operation interface {
	// Type returns the operation type.
	Type() common.OperationType

	// ID returns the operation's logical timestamp.
	ID() common.LogicalTimestamp

	// Apply merges the operation into the document.
	Apply(doc *crdt.Document) error
}

// InsOperation inserts text after an existing element.
type InsOperation struct {
	OpID  common.LogicalTimestamp `json:"id"`
	After common.LogicalTimestamp `json:"after"`
	Text  string                  `json:"text"`
}

// Type returns the operation type.
func (op *InsOperation) Type() common.OperationType {
	return common.OperationTypeIns
}

// ID returns the operation's logical timestamp.
func (op *InsOperation) ID() common.LogicalTimestamp {
	return op.OpID
}

// Apply merges the insertion into the document.
func (op *InsOperation) Apply(doc *crdt.Document) error {
	return doc.InsertAt(op.After, op.OpID, op.Text)
}

// DelOperation tombstones a range of elements.
type DelOperation struct {
	OpID  common.LogicalTimestamp `json:"id"`
	Start common.LogicalTimestamp `json:"start"`
	End   common.LogicalTimestamp `json:"end"`
}

// Type returns the operation type.
func (op *DelOperation) Type() common.OperationType {
	return common.OperationTypeDel
}

// ID returns the operation's logical timestamp.
func (op *DelOperation) ID() common.LogicalTimestamp {
	return op.OpID
}

// Apply merges the deletion into the document.
func (op *DelOperation) Apply(doc *crdt.Document) error {
	if err := doc.DeleteRange(op.Start, op.End); err != nil {
		return err
	}
	doc.Observe(op.OpID)
	return nil
}

// SetOperation writes a last-writer-wins metadata field.
type SetOperation struct {
	OpID  common.LogicalTimestamp `json:"id"`
	Field string                  `json:"field"`
	Value string                  `json:"value"`
}

// Type returns the operation type.
func (op *SetOperation) Type() common.OperationType {
	return common.OperationTypeSet
}

// ID returns the operation's logical timestamp.
func (op *SetOperation) ID() common.LogicalTimestamp {
	return op.OpID
}

// Apply merges the field write into the document.
func (op *SetOperation) Apply(doc *crdt.Document) error {
	if err := doc.SetMeta(op.Field, op.OpID, op.Value); err != nil {
		return err
	}
	doc.Observe(op.OpID)
	return nil
}

// MakeOperation creates an empty operation of the given type, ready to be
// unmarshaled into.
func MakeOperation(opType common.OperationType) Operation {
	switch opType {
	case common.OperationTypeIns:
		return &InsOperation{}
	case common.OperationTypeDel:
		return &DelOperation{}
	case common.OperationTypeSet:
		return &SetOperation{}
	default:
		return nil
	}
}
