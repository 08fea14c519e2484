package auth

import (
	"context"
	"sync"

	"coedit/common"
)

// StaticContentResolver serves content records from an in-memory map. Used
// in tests and single-user development runs where no content database is
// wired.
type StaticContentResolver struct {
	mutex   sync.RWMutex
	records map[string]ContentRecord
}

// NewStaticContentResolver creates a resolver over the given records.
func NewStaticContentResolver(records map[string]ContentRecord) *StaticContentResolver {
	if records == nil {
		records = make(map[string]ContentRecord)
	}
	return &StaticContentResolver{records: records}
}

// Set adds or replaces a content record.
func (r *StaticContentResolver) Set(key string, record ContentRecord) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records[key] = record
}

// ResolveContentRecord returns the record for the key.
func (r *StaticContentResolver) ResolveContentRecord(ctx context.Context, key string) (ContentRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, ok := r.records[key]
	if !ok {
		return ContentRecord{}, common.ErrDocumentNotFound{Key: key}
	}
	return record, nil
}
