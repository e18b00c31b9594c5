// Package memory provides an in-memory implementation of the storage interfaces.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goclaw/cortex/pkg/storage"
)

var errClosed = errors.New("memory storage closed")

// MemoryStorage implements storage.RecordStore and storage.FeedbackStore
// using in-memory maps. Nothing survives a restart.
type MemoryStorage struct {
	mu       sync.RWMutex
	records  map[string]*storage.MemoryRecord
	vectors  map[uint64]*storage.VectorEntry
	nextID   uint64
	feedback map[string]*storage.FeedbackRecord
	size     int64
	closed   bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:  make(map[string]*storage.MemoryRecord),
		vectors:  make(map[uint64]*storage.VectorEntry),
		feedback: make(map[string]*storage.FeedbackRecord),
	}
}

func (m *MemoryStorage) checkOpen() error {
	if m.closed {
		return &storage.StorageUnavailableError{Cause: errClosed}
	}
	return nil
}

// PutRecord saves a record, replacing any record with the same id.
func (m *MemoryStorage) PutRecord(ctx context.Context, rec *storage.MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	if old, ok := m.records[rec.ID]; ok {
		m.size -= storage.RecordSize(old)
	}
	copied := rec.Clone()
	m.records[rec.ID] = copied
	m.size += storage.RecordSize(copied)
	return nil
}

// GetRecord retrieves a record by id.
func (m *MemoryStorage) GetRecord(ctx context.Context, id string) (*storage.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rec, ok := m.records[id]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "record", ID: id}
	}
	return rec.Clone(), nil
}

// DeleteRecord removes a record and the vector entry it references.
func (m *MemoryStorage) DeleteRecord(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	rec, ok := m.records[id]
	if !ok {
		return &storage.NotFoundError{EntityType: "record", ID: id}
	}
	delete(m.records, id)
	m.size -= storage.RecordSize(rec)
	if rec.VectorRef != 0 {
		if v, ok := m.vectors[rec.VectorRef]; ok && v.ID == id {
			delete(m.vectors, rec.VectorRef)
		}
	}
	return nil
}

// ListRecords returns records matching the filter, newest first.
func (m *MemoryStorage) ListRecords(ctx context.Context, filter *storage.RecordFilter) ([]*storage.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*storage.MemoryRecord
	for _, rec := range m.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// IDsBefore returns the ids of records created strictly before cutoff,
// oldest first.
func (m *MemoryStorage) IDsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	recs := make([]*storage.MemoryRecord, 0)
	for _, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			recs = append(recs, rec)
		}
	}
	sortOldestFirst(recs)
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids, nil
}

// Oldest returns the record with the earliest creation time.
func (m *MemoryStorage) Oldest(ctx context.Context) (*storage.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	oldest := m.oldestLocked()
	if oldest == nil {
		return nil, &storage.NotFoundError{EntityType: "record", ID: "oldest"}
	}
	return oldest.Clone(), nil
}

func (m *MemoryStorage) oldestLocked() *storage.MemoryRecord {
	var oldest *storage.MemoryRecord
	for _, rec := range m.records {
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) ||
			(rec.CreatedAt.Equal(oldest.CreatedAt) && rec.ID < oldest.ID) {
			oldest = rec
		}
	}
	return oldest
}

// Stats returns record count, logical size and the oldest creation time.
func (m *MemoryStorage) Stats(ctx context.Context) (*storage.StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	stats := &storage.StoreStats{Count: len(m.records), SizeBytes: m.size}
	if oldest := m.oldestLocked(); oldest != nil {
		stats.OldestAt = oldest.CreatedAt
	}
	return stats, nil
}

// PutVector saves a vector entry and advances the id counter past it.
func (m *MemoryStorage) PutVector(ctx context.Context, entry *storage.VectorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.vectors[entry.NumericID] = &storage.VectorEntry{
		NumericID: entry.NumericID,
		ID:        entry.ID,
		Vector:    append([]float32(nil), entry.Vector...),
	}
	if entry.NumericID >= m.nextID {
		m.nextID = entry.NumericID + 1
	}
	return nil
}

// DeleteVector removes a vector entry. Missing entries are ignored.
func (m *MemoryStorage) DeleteVector(ctx context.Context, numericID uint64, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	if v, ok := m.vectors[numericID]; ok && v.ID == id {
		delete(m.vectors, numericID)
	}
	return nil
}

// LoadVectors returns every persisted vector entry ordered by numeric id.
func (m *MemoryStorage) LoadVectors(ctx context.Context) (*storage.IndexState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	state := &storage.IndexState{NextID: m.nextID}
	for _, v := range m.vectors {
		state.Entries = append(state.Entries, &storage.VectorEntry{
			NumericID: v.NumericID,
			ID:        v.ID,
			Vector:    append([]float32(nil), v.Vector...),
		})
	}
	sort.Slice(state.Entries, func(i, j int) bool {
		return state.Entries[i].NumericID < state.Entries[j].NumericID
	})
	return state, nil
}

// RecordFeedback upserts feedback for a memory id.
func (m *MemoryStorage) RecordFeedback(ctx context.Context, fb *storage.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	copied := *fb
	m.feedback[fb.MemoryID] = &copied
	return nil
}

// GetFeedback returns the feedback recorded for a memory id.
func (m *MemoryStorage) GetFeedback(ctx context.Context, memoryID string) (*storage.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	fb, ok := m.feedback[memoryID]
	if !ok {
		return nil, &storage.NotFoundError{EntityType: "feedback", ID: memoryID}
	}
	copied := *fb
	return &copied, nil
}

// FeedbackStats counts helpful and not helpful feedback.
func (m *MemoryStorage) FeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	stats := &storage.FeedbackStats{}
	for _, fb := range m.feedback {
		if fb.Helpful {
			stats.Helpful++
		} else {
			stats.NotHelpful++
		}
	}
	return stats, nil
}

// Close marks the storage closed. Later calls fail with StorageUnavailableError.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortOldestFirst(recs []*storage.MemoryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
