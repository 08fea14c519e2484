package persist

import (
	"context"
	"sync"
	"time"

	"coedit/common"
)

// MemoryAdapter is an in-memory persistence adapter. It is the default for
// tests and single-process development runs.
type MemoryAdapter struct {
	// snapshots maps document keys to snapshot rows.
	snapshots map[string]memoryRow

	// mutex protects the snapshot map.
	mutex sync.RWMutex
}

type memoryRow struct {
	content   []byte
	updatedAt time.Time
}

// NewMemoryAdapter creates an empty memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		snapshots: make(map[string]memoryRow),
	}
}

// Fetch loads the stored snapshot for the key.
func (a *MemoryAdapter) Fetch(ctx context.Context, key string) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	row, ok := a.snapshots[key]
	if !ok {
		return nil, common.ErrSnapshotNotFound{Key: key}
	}

	dataCopy := make([]byte, len(row.content))
	copy(dataCopy, row.content)
	return dataCopy, nil
}

// Store overwrites the stored snapshot for the key.
func (a *MemoryAdapter) Store(ctx context.Context, key string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	a.snapshots[key] = memoryRow{content: dataCopy, updatedAt: time.Now()}
	return nil
}

// UpdatedAt returns when the key's snapshot was last stored.
func (a *MemoryAdapter) UpdatedAt(key string) (time.Time, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	row, ok := a.snapshots[key]
	return row.updatedAt, ok
}

// Close releases the adapter's resources.
func (a *MemoryAdapter) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.snapshots = make(map[string]memoryRow)
	return nil
}
