package crdt

import (
	"encoding/json"
	"strings"

	"coedit/common"
)

// Element is one character of the replicated text. Deleted elements stay in
// the sequence as tombstones so that concurrent operations anchored on them
// still resolve.
type Element struct {
	ID      common.LogicalTimestamp
	Ch      rune
	Deleted bool
}

// Register is a last-writer-wins metadata field.
type Register struct {
	Stamp common.LogicalTimestamp
	Value string
}

// Document is the authoritative in-memory replica of one shared document: a
// replicated growable array of characters plus last-writer-wins metadata
// registers. Merging the same set of operations in any order yields the same
// sequence; duplicated deliveries are absorbed. Document itself is not
// goroutine-safe — callers serialize access per document.
type Document struct {
	// elements is the full sequence including tombstones.
	elements []*Element

	// index maps element IDs to elements for duplicate and anchor lookup.
	index map[common.LogicalTimestamp]*Element

	// meta holds named LWW registers (title and the like).
	meta map[string]Register

	// time is the merged state vector.
	time *StateVector

	// version counts applied changes. It only ever grows.
	version uint64
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{
		elements: make([]*Element, 0),
		index:    make(map[common.LogicalTimestamp]*Element),
		meta:     make(map[string]Register),
		time:     NewStateVector(),
	}
}

// InsertAt merges an insertion of text after the element identified by
// anchor. The first rune takes the id; each following rune takes the next
// counter. A zero anchor inserts at the head of the sequence.
//
// Re-delivery of an already merged insertion is a no-op. An unknown anchor
// returns ErrUnknownElement so the caller can buffer and retry.
func (d *Document) InsertAt(anchor, id common.LogicalTimestamp, text string) error {
	if text == "" {
		return nil
	}

	// Duplicate delivery: the span head is already merged.
	if _, ok := d.index[id]; ok {
		return nil
	}

	pos := -1
	if !anchor.IsZero() {
		if _, ok := d.index[anchor]; !ok {
			return common.ErrUnknownElement{ID: anchor}
		}
		for i, el := range d.elements {
			if el.ID.Compare(anchor) == 0 {
				pos = i
				break
			}
		}
	}

	// Concurrent insertions at the same anchor order by descending ID:
	// skip over any sibling whose ID is greater than ours. Elements the
	// inserting editor had already merged carry lower Lamport counters,
	// so the scan never walks past them. Both replicas perform the same
	// scan and arrive at the same final order.
	i := pos + 1
	for i < len(d.elements) && d.elements[i].ID.Compare(id) > 0 {
		i++
	}

	runes := []rune(text)
	span := make([]*Element, len(runes))
	for k, ch := range runes {
		el := &Element{
			ID: id.Increment(uint64(k)),
			Ch: ch,
		}
		span[k] = el
		d.index[el.ID] = el
		d.time.Update(el.ID)
	}

	d.elements = append(d.elements[:i], append(span, d.elements[i:]...)...)
	d.version++
	return nil
}

// DeleteRange tombstones every element between start and end inclusive.
// Deleting an already deleted element is a no-op, so duplicated deliveries
// are harmless. Unknown endpoints return ErrUnknownElement.
func (d *Document) DeleteRange(start, end common.LogicalTimestamp) error {
	if _, ok := d.index[start]; !ok {
		return common.ErrUnknownElement{ID: start}
	}
	if _, ok := d.index[end]; !ok {
		return common.ErrUnknownElement{ID: end}
	}

	startPos, endPos := -1, -1
	for i, el := range d.elements {
		if el.ID.Compare(start) == 0 {
			startPos = i
		}
		if el.ID.Compare(end) == 0 {
			endPos = i
		}
		if startPos != -1 && endPos != -1 {
			break
		}
	}
	if startPos == -1 || endPos == -1 || startPos > endPos {
		return common.ErrMalformedPatch{Reason: "delete range start after end"}
	}

	changed := false
	for i := startPos; i <= endPos; i++ {
		if !d.elements[i].Deleted {
			d.elements[i].Deleted = true
			changed = true
		}
	}
	if changed {
		d.version++
	}
	return nil
}

// SetMeta merges a last-writer-wins write of a metadata field. The write
// with the greater stamp wins; applying the loser or a duplicate is a no-op.
func (d *Document) SetMeta(field string, stamp common.LogicalTimestamp, value string) error {
	cur, ok := d.meta[field]
	if ok && stamp.Compare(cur.Stamp) <= 0 {
		return nil
	}
	d.meta[field] = Register{Stamp: stamp, Value: value}
	d.version++
	return nil
}

// Observe records an operation ID in the state vector without mutating
// content. Delete and set operations call this so the vector covers them.
func (d *Document) Observe(ts common.LogicalTimestamp) {
	d.time.Update(ts)
}

// Text returns the visible text of the document.
func (d *Document) Text() string {
	var b strings.Builder
	for _, el := range d.elements {
		if !el.Deleted {
			b.WriteRune(el.Ch)
		}
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	n := 0
	for _, el := range d.elements {
		if !el.Deleted {
			n++
		}
	}
	return n
}

// ElementAt returns the ID of the visible character at the given index.
// It is how an editor turns "delete character 3" into element IDs.
func (d *Document) ElementAt(index int) (common.LogicalTimestamp, bool) {
	n := 0
	for _, el := range d.elements {
		if el.Deleted {
			continue
		}
		if n == index {
			return el.ID, true
		}
		n++
	}
	return common.LogicalTimestamp{}, false
}

// Meta returns the value of a metadata field.
func (d *Document) Meta(field string) (string, bool) {
	reg, ok := d.meta[field]
	return reg.Value, ok
}

// Version returns the monotonic change counter.
func (d *Document) Version() uint64 {
	return d.version
}

// Time returns a copy of the document's state vector.
func (d *Document) Time() map[string]uint64 {
	return d.time.Get()
}

// Seen reports whether the document has already merged the given timestamp.
func (d *Document) Seen(ts common.LogicalTimestamp) bool {
	return d.time.Covers(ts)
}

type jsonElement struct {
	ID  common.LogicalTimestamp `json:"id"`
	Ch  string                  `json:"ch"`
	Del bool                    `json:"del,omitempty"`
}

type jsonRegister struct {
	Stamp common.LogicalTimestamp `json:"id"`
	Value string                  `json:"val"`
}

type jsonDocument struct {
	Version uint64                  `json:"ver"`
	Time    map[string]uint64       `json:"time"`
	Text    []jsonElement           `json:"text"`
	Meta    map[string]jsonRegister `json:"meta,omitempty"`
}

// MarshalJSON serializes the full document state, tombstones included. The
// encoding is deterministic for equal states, so equal documents produce
// byte-identical snapshots.
func (d *Document) MarshalJSON() ([]byte, error) {
	doc := jsonDocument{
		Version: d.version,
		Time:    d.time.Get(),
		Text:    make([]jsonElement, len(d.elements)),
	}
	for i, el := range d.elements {
		doc.Text[i] = jsonElement{
			ID:  el.ID,
			Ch:  string(el.Ch),
			Del: el.Deleted,
		}
	}
	if len(d.meta) > 0 {
		doc.Meta = make(map[string]jsonRegister, len(d.meta))
		for field, reg := range d.meta {
			doc.Meta[field] = jsonRegister{Stamp: reg.Stamp, Value: reg.Value}
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON restores a document from a snapshot produced by MarshalJSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	d.version = doc.Version
	d.elements = make([]*Element, len(doc.Text))
	d.index = make(map[common.LogicalTimestamp]*Element, len(doc.Text))
	for i, je := range doc.Text {
		var ch rune
		for _, r := range je.Ch {
			ch = r
			break
		}
		el := &Element{ID: je.ID, Ch: ch, Deleted: je.Del}
		d.elements[i] = el
		d.index[el.ID] = el
	}

	d.meta = make(map[string]Register, len(doc.Meta))
	for field, jr := range doc.Meta {
		d.meta[field] = Register{Stamp: jr.Stamp, Value: jr.Value}
	}

	d.time = NewStateVector()
	d.time.UpdateFromMap(doc.Time)
	return nil
}
