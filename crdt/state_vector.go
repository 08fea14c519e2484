package crdt

import (
	"sync"

	"coedit/common"
)

// StateVector tracks the highest counter observed from each replica. It is
// the document's summary of which operations it has already merged.
type StateVector struct {
	// vector maps replica ID strings to counter values.
	vector map[string]uint64

	// mutex protects the vector.
	mutex sync.RWMutex
}

// NewStateVector creates an empty state vector.
func NewStateVector() *StateVector {
	return &StateVector{
		vector: make(map[string]uint64),
	}
}

// Update raises the replica's counter to the given timestamp if it is ahead.
func (sv *StateVector) Update(ts common.LogicalTimestamp) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	rid := ts.RID.String()
	if current, ok := sv.vector[rid]; !ok || ts.Counter > current {
		sv.vector[rid] = ts.Counter
	}
}

// UpdateFromMap merges every entry of the given map into the vector.
func (sv *StateVector) UpdateFromMap(vector map[string]uint64) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	for rid, counter := range vector {
		if current, ok := sv.vector[rid]; !ok || counter > current {
			sv.vector[rid] = counter
		}
	}
}

// Get returns a copy of the vector.
func (sv *StateVector) Get() map[string]uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	result := make(map[string]uint64, len(sv.vector))
	for rid, counter := range sv.vector {
		result[rid] = counter
	}
	return result
}

// Covers reports whether the vector has already observed the timestamp.
func (sv *StateVector) Covers(ts common.LogicalTimestamp) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	counter, ok := sv.vector[ts.RID.String()]
	return ok && counter >= ts.Counter
}

// HasUpdates reports whether this vector holds anything the other map has
// not seen.
func (sv *StateVector) HasUpdates(other map[string]uint64) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	for rid, counter := range sv.vector {
		if otherCounter, ok := other[rid]; !ok || counter > otherCounter {
			return true
		}
	}
	return false
}
