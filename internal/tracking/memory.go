package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/securefiles/internal/model"
)

// MemoryTracker keeps file records in a map guarded by an RWMutex.
type MemoryTracker struct {
	mu    sync.RWMutex
	files map[string]*model.FileRecord
	usage map[string]int64
	quota int64
}

var _ Lookup = (*MemoryTracker)(nil)

// NewMemoryTracker constructs a MemoryTracker. A quota of zero or less
// disables quota enforcement.
func NewMemoryTracker(quotaBytes int64) *MemoryTracker {
	return &MemoryTracker{
		files: make(map[string]*model.FileRecord),
		usage: make(map[string]int64),
		quota: quotaBytes,
	}
}

// Track inserts or replaces the record at rec.Location. Replacing a file
// counts only the size difference against the quota.
func (m *MemoryTracker) Track(ctx context.Context, rec *model.FileRecord) error {
	if err := rec.Location.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Location.Key()
	tenant := rec.Location.TenantID
	used := m.usage[tenant]
	if prev, ok := m.files[key]; ok {
		used -= prev.Size
	}
	if m.quota > 0 && used+rec.Size > m.quota {
		return ErrQuotaExceeded
	}
	now := time.Now().UTC()
	stored := *rec
	if prev, ok := m.files[key]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Status = model.StatusTracked
	m.files[key] = &stored
	m.usage[tenant] = used + rec.Size
	return nil
}

// Untrack removes the record at loc. Missing records are ignored.
func (m *MemoryTracker) Untrack(ctx context.Context, loc model.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := loc.Key()
	rec, ok := m.files[key]
	if !ok {
		return nil
	}
	m.usage[loc.TenantID] -= rec.Size
	if m.usage[loc.TenantID] <= 0 {
		delete(m.usage, loc.TenantID)
	}
	delete(m.files, key)
	return nil
}

// Get returns a copy of the record at loc.
func (m *MemoryTracker) Get(ctx context.Context, loc model.Location) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[loc.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Usage returns the bytes tracked for tenantID.
func (m *MemoryTracker) Usage(tenantID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage[tenantID]
}
