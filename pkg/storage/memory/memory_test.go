package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goclaw/cortex/pkg/storage"
)

// TestMemoryStorageSuite runs the full record store suite against MemoryStorage.
func TestMemoryStorageSuite(t *testing.T) {
	suite := &storage.RecordStoreTestSuite{
		NewStore: func(t *testing.T) storage.RecordStore {
			return NewMemoryStorage()
		},
	}

	suite.RunAllTests(t)
}

// TestMemoryFeedbackSuite runs the feedback suite against MemoryStorage.
func TestMemoryFeedbackSuite(t *testing.T) {
	suite := &storage.FeedbackStoreTestSuite{
		NewStore: func(t *testing.T) storage.FeedbackStore {
			return NewMemoryStorage()
		},
	}

	suite.RunAllTests(t)
}

func TestMemoryStorage_PutRecordCopiesInput(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	rec := &storage.MemoryRecord{
		ID:        "r1",
		Content:   "User: hi there\nAssistant: hello again",
		Embedding: []float32{1, 0},
		SessionID: "s1",
		CreatedAt: time.Now(),
	}
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	rec.Embedding[0] = 42
	got, err := s.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Embedding[0] != 1 {
		t.Errorf("expected stored embedding to be isolated, got %v", got.Embedding)
	}
}

func TestMemoryStorage_ClosedReturnsUnavailable(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Close()

	_, err := s.Stats(context.Background())
	var unavailable *storage.StorageUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StorageUnavailableError, got %v", err)
	}
}

func TestMemoryStorage_DeleteKeepsForeignVector(t *testing.T) {
	s := NewMemoryStorage()
	ctx := context.Background()

	rec := &storage.MemoryRecord{ID: "r1", SessionID: "s1", VectorRef: 5, CreatedAt: time.Now()}
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	// Numeric id 5 now belongs to another record.
	if err := s.PutVector(ctx, &storage.VectorEntry{NumericID: 5, ID: "r2", Vector: []float32{1}}); err != nil {
		t.Fatalf("PutVector failed: %v", err)
	}

	if err := s.DeleteRecord(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	state, err := s.LoadVectors(ctx)
	if err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if len(state.Entries) != 1 || state.Entries[0].ID != "r2" {
		t.Errorf("expected r2's vector to survive, got %+v", state.Entries)
	}
}
