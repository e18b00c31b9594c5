// Package storage provides the persistence contracts for memory records, the
// vector index state and user feedback.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultContext is reported for records stored without a context label.
const DefaultContext = "General"

// ErrNotFound is matched by NotFoundError through errors.Is.
var ErrNotFound = errors.New("storage: not found")

// RecordStore defines durable storage for memory records and the vector
// index state that belongs to them.
type RecordStore interface {
	// Record operations
	PutRecord(ctx context.Context, rec *MemoryRecord) error
	GetRecord(ctx context.Context, id string) (*MemoryRecord, error)
	// DeleteRecord removes the record, its created-at index entry and the
	// vector entry it references in a single transaction.
	DeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, filter *RecordFilter) ([]*MemoryRecord, error)
	IDsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Oldest(ctx context.Context) (*MemoryRecord, error)
	Stats(ctx context.Context) (*StoreStats, error)

	// Vector index state
	PutVector(ctx context.Context, entry *VectorEntry) error
	DeleteVector(ctx context.Context, numericID uint64, id string) error
	LoadVectors(ctx context.Context) (*IndexState, error)

	// Lifecycle
	Close() error
}

// FeedbackStore persists helpful / not helpful votes keyed by memory id.
// Recording feedback for an id that already has feedback replaces it.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, fb *FeedbackRecord) error
	GetFeedback(ctx context.Context, memoryID string) (*FeedbackRecord, error)
	FeedbackStats(ctx context.Context) (*FeedbackStats, error)
}

// Metadata is the typed metadata attached to a memory record.
type Metadata struct {
	Keywords []string `json:"keywords,omitempty" validate:"max=32,dive,max=64"`
	Context  string   `json:"context,omitempty" validate:"max=256"`
	Tags     []string `json:"tags,omitempty" validate:"max=32,dive,max=64"`
	Category string   `json:"category,omitempty" validate:"max=128"`
}

// Normalize trims whitespace, drops empty values and removes duplicate
// keywords and tags while keeping their first-seen order.
func (m Metadata) Normalize() Metadata {
	return Metadata{
		Keywords: normalizeList(m.Keywords),
		Context:  strings.TrimSpace(m.Context),
		Tags:     normalizeList(m.Tags),
		Category: strings.TrimSpace(m.Category),
	}
}

// ContextOrDefault returns the context label, or DefaultContext when unset.
func (m Metadata) ContextOrDefault() string {
	if m.Context == "" {
		return DefaultContext
	}
	return m.Context
}

func (m Metadata) size() int {
	n := len(m.Context) + len(m.Category)
	for _, k := range m.Keywords {
		n += len(k)
	}
	for _, t := range m.Tags {
		n += len(t)
	}
	return n
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MemoryRecord is a single stored interaction.
type MemoryRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
	SessionID string    `json:"session_id"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`

	// VectorRef is the numeric handle of the record's vector in the index.
	VectorRef uint64 `json:"vector_ref"`
}

// Clone returns a deep copy of the record.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Metadata.Keywords != nil {
		c.Metadata.Keywords = append([]string(nil), r.Metadata.Keywords...)
	}
	if r.Metadata.Tags != nil {
		c.Metadata.Tags = append([]string(nil), r.Metadata.Tags...)
	}
	return &c
}

// RecordSize is the logical size of a record used for retention accounting.
// Every backend reports sizes with this function so budgets behave the same
// regardless of the on-disk format.
func RecordSize(r *MemoryRecord) int64 {
	if r == nil {
		return 0
	}
	n := len(r.ID) + len(r.Content) + len(r.SessionID) + r.Metadata.size()
	n += 4 * len(r.Embedding)
	n += 16 // created_at + vector_ref
	return int64(n)
}

// RecordFilter narrows ListRecords. Results are ordered newest first.
type RecordFilter struct {
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	Limit     int       `json:"limit"`
}

// Match reports whether rec satisfies the filter predicates (Limit excluded).
func (f *RecordFilter) Match(rec *MemoryRecord) bool {
	if f == nil {
		return true
	}
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// StoreStats summarizes the record table.
type StoreStats struct {
	Count     int       `json:"count"`
	SizeBytes int64     `json:"size_bytes"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}

// VectorEntry is one persisted row of the vector index: the numeric handle,
// the string id it maps to and the embedding.
type VectorEntry struct {
	NumericID uint64    `json:"numeric_id"`
	ID        string    `json:"id"`
	Vector    []float32 `json:"vector"`
}

// IndexState is the persisted vector index together with the id mapper
// counter, so mappings survive restarts.
type IndexState struct {
	Entries []*VectorEntry `json:"entries"`
	NextID  uint64         `json:"next_id"`
}

// FeedbackRecord is a user's verdict on a recalled memory.
type FeedbackRecord struct {
	MemoryID  string    `json:"memory_id"`
	Helpful   bool      `json:"helpful"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackStats counts feedback by verdict.
type FeedbackStats struct {
	Helpful    int `json:"helpful"`
	NotHelpful int `json:"not_helpful"`
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true for any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
