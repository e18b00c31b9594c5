package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// RecordStoreTestSuite defines a test suite that can be run against any
// RecordStore implementation.
type RecordStoreTestSuite struct {
	NewStore func(t *testing.T) RecordStore
}

// RunAllTests runs all record store tests against the provided implementation.
func (s *RecordStoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("RecordCRUD", s.TestRecordCRUD)
	t.Run("RecordNotFound", s.TestRecordNotFound)
	t.Run("ListRecordsWithFilter", s.TestListRecordsWithFilter)
	t.Run("IDsBeforeAndOldest", s.TestIDsBeforeAndOldest)
	t.Run("StatsTrackSize", s.TestStatsTrackSize)
	t.Run("VectorState", s.TestVectorState)
	t.Run("DeleteRecordRemovesVector", s.TestDeleteRecordRemovesVector)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("ClosedStore", s.TestClosedStore)
}

func sampleRecord(id, session string, created time.Time) *MemoryRecord {
	return &MemoryRecord{
		ID:        id,
		Content:   "User: question " + id + "\nAssistant: answer " + id,
		Embedding: []float32{0.6, 0.8, 0},
		SessionID: session,
		Metadata: Metadata{
			Keywords: []string{"go"},
			Context:  "Coding",
		},
		CreatedAt: created,
	}
}

// TestRecordCRUD tests basic record save, load, overwrite and delete.
func (s *RecordStoreTestSuite) TestRecordCRUD(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := sampleRecord("rec-1", "s1", now)

	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := store.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Content != rec.Content {
		t.Errorf("expected content %q, got %q", rec.Content, got.Content)
	}
	if got.SessionID != "s1" {
		t.Errorf("expected session s1, got %s", got.SessionID)
	}
	if len(got.Embedding) != 3 {
		t.Errorf("expected 3-dim embedding, got %d", len(got.Embedding))
	}
	if got.Metadata.Context != "Coding" {
		t.Errorf("expected context Coding, got %s", got.Metadata.Context)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, got.CreatedAt)
	}

	// Returned records must not alias stored state.
	got.Content = "mutated"
	again, err := store.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if again.Content == "mutated" {
		t.Error("store returned an aliased record")
	}

	rec.Content = "User: updated\nAssistant: updated"
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord (overwrite) failed: %v", err)
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("expected 1 record after overwrite, got %d", stats.Count)
	}

	if err := store.DeleteRecord(ctx, "rec-1"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := store.GetRecord(ctx, "rec-1"); !IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

// TestRecordNotFound tests not-found errors for reads and deletes.
func (s *RecordStoreTestSuite) TestRecordNotFound(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	_, err := store.GetRecord(ctx, "missing")
	if !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	if err := store.DeleteRecord(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError on delete, got %v", err)
	}
	if _, err := store.Oldest(ctx); !IsNotFound(err) {
		t.Errorf("expected NotFoundError from Oldest on empty store, got %v", err)
	}
}

// TestListRecordsWithFilter tests session, time range and limit filtering.
func (s *RecordStoreTestSuite) TestListRecordsWithFilter(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	for i := 0; i < 6; i++ {
		session := "s1"
		if i%2 == 1 {
			session = "s2"
		}
		rec := sampleRecord(fmt.Sprintf("rec-%d", i), session, base.Add(time.Duration(i)*time.Minute))
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}

	all, err := store.ListRecords(ctx, nil)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 records, got %d", len(all))
	}
	if all[0].ID != "rec-5" || all[5].ID != "rec-0" {
		t.Errorf("expected newest first, got %s..%s", all[0].ID, all[5].ID)
	}

	s1, err := store.ListRecords(ctx, &RecordFilter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(s1) != 3 {
		t.Errorf("expected 3 records for s1, got %d", len(s1))
	}
	for _, r := range s1 {
		if r.SessionID != "s1" {
			t.Errorf("unexpected session %s in filtered list", r.SessionID)
		}
	}

	ranged, err := store.ListRecords(ctx, &RecordFilter{
		Since: base.Add(2 * time.Minute),
		Until: base.Add(4 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(ranged) != 2 {
		t.Errorf("expected 2 records in range, got %d", len(ranged))
	}

	limited, err := store.ListRecords(ctx, &RecordFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "rec-5" {
		t.Errorf("expected the 2 newest records, got %d", len(limited))
	}
}

// TestIDsBeforeAndOldest tests the retention queries.
func (s *RecordStoreTestSuite) TestIDsBeforeAndOldest(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	ages := map[string]time.Duration{
		"old-a": 40 * 24 * time.Hour,
		"old-b": 35 * 24 * time.Hour,
		"new-a": time.Hour,
	}
	for id, age := range ages {
		if err := store.PutRecord(ctx, sampleRecord(id, "s1", now.Add(-age))); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}

	ids, err := store.IDsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("IDsBefore failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "old-a" || ids[1] != "old-b" {
		t.Errorf("expected [old-a old-b], got %v", ids)
	}

	oldest, err := store.Oldest(ctx)
	if err != nil {
		t.Fatalf("Oldest failed: %v", err)
	}
	if oldest.ID != "old-a" {
		t.Errorf("expected oldest old-a, got %s", oldest.ID)
	}
}

// TestStatsTrackSize tests that count and size follow puts and deletes.
func (s *RecordStoreTestSuite) TestStatsTrackSize(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	a := sampleRecord("a", "s1", now.Add(-time.Minute))
	b := sampleRecord("b", "s1", now)

	for _, r := range []*MemoryRecord{a, b} {
		if err := store.PutRecord(ctx, r); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := RecordSize(a) + RecordSize(b)
	if stats.Count != 2 || stats.SizeBytes != want {
		t.Errorf("expected count 2 size %d, got count %d size %d", want, stats.Count, stats.SizeBytes)
	}
	if !stats.OldestAt.Equal(a.CreatedAt) {
		t.Errorf("expected oldest_at %v, got %v", a.CreatedAt, stats.OldestAt)
	}

	if err := store.DeleteRecord(ctx, "a"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 1 || stats.SizeBytes != RecordSize(b) {
		t.Errorf("expected count 1 size %d, got count %d size %d", RecordSize(b), stats.Count, stats.SizeBytes)
	}
}

// TestVectorState tests persistence of the vector index rows.
func (s *RecordStoreTestSuite) TestVectorState(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	entries := []*VectorEntry{
		{NumericID: 3, ID: "c", Vector: []float32{0, 0, 1}},
		{NumericID: 1, ID: "a", Vector: []float32{1, 0, 0}},
		{NumericID: 2, ID: "b", Vector: []float32{0, 1, 0}},
	}
	for _, e := range entries {
		if err := store.PutVector(ctx, e); err != nil {
			t.Fatalf("PutVector failed: %v", err)
		}
	}
	if err := store.DeleteVector(ctx, 2, "b"); err != nil {
		t.Fatalf("DeleteVector failed: %v", err)
	}
	// Deleting a row that belongs to another id is a no-op.
	if err := store.DeleteVector(ctx, 1, "not-a"); err != nil {
		t.Fatalf("DeleteVector failed: %v", err)
	}

	state, err := store.LoadVectors(ctx)
	if err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if len(state.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(state.Entries))
	}
	if state.Entries[0].NumericID != 1 || state.Entries[1].NumericID != 3 {
		t.Errorf("expected entries ordered by numeric id, got %d,%d",
			state.Entries[0].NumericID, state.Entries[1].NumericID)
	}
	if state.NextID != 4 {
		t.Errorf("expected next id 4, got %d", state.NextID)
	}
}

// TestDeleteRecordRemovesVector tests that a record delete drops its vector row.
func (s *RecordStoreTestSuite) TestDeleteRecordRemovesVector(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	rec := sampleRecord("rec-v", "s1", time.Now().UTC())
	rec.VectorRef = 7
	if err := store.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	if err := store.PutVector(ctx, &VectorEntry{NumericID: 7, ID: "rec-v", Vector: rec.Embedding}); err != nil {
		t.Fatalf("PutVector failed: %v", err)
	}

	if err := store.DeleteRecord(ctx, "rec-v"); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}

	state, err := store.LoadVectors(ctx)
	if err != nil {
		t.Fatalf("LoadVectors failed: %v", err)
	}
	if len(state.Entries) != 0 {
		t.Errorf("expected no vector rows, got %d", len(state.Entries))
	}
	if state.NextID != 8 {
		t.Errorf("expected next id to stay at 8, got %d", state.NextID)
	}
}

// TestConcurrentAccess tests concurrent writers and readers.
func (s *RecordStoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	var wg sync.WaitGroup
	errCh := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			if err := store.PutRecord(ctx, sampleRecord(id, "s1", now.Add(time.Duration(i)*time.Millisecond))); err != nil {
				errCh <- err
				return
			}
			if _, err := store.GetRecord(ctx, id); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent operation failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 20 {
		t.Errorf("expected 20 records, got %d", stats.Count)
	}
}

// TestClosedStore tests that operations after Close fail.
func (s *RecordStoreTestSuite) TestClosedStore(t *testing.T) {
	store := s.NewStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := store.PutRecord(context.Background(), sampleRecord("x", "s1", time.Now())); err == nil {
		t.Error("expected error writing to a closed store")
	}
}

// FeedbackStoreTestSuite defines a test suite that can be run against any
// FeedbackStore implementation.
type FeedbackStoreTestSuite struct {
	NewStore func(t *testing.T) FeedbackStore
}

// RunAllTests runs all feedback store tests against the provided implementation.
func (s *FeedbackStoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("FeedbackUpsert", s.TestFeedbackUpsert)
	t.Run("FeedbackStats", s.TestFeedbackStats)
	t.Run("FeedbackNotFound", s.TestFeedbackNotFound)
}

// TestFeedbackUpsert tests that a second verdict replaces the first.
func (s *FeedbackStoreTestSuite) TestFeedbackUpsert(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	if err := store.RecordFeedback(ctx, &FeedbackRecord{MemoryID: "m1", Helpful: true, Timestamp: now}); err != nil {
		t.Fatalf("RecordFeedback failed: %v", err)
	}
	if err := store.RecordFeedback(ctx, &FeedbackRecord{MemoryID: "m1", Helpful: false, Timestamp: now.Add(time.Second)}); err != nil {
		t.Fatalf("RecordFeedback failed: %v", err)
	}

	fb, err := store.GetFeedback(ctx, "m1")
	if err != nil {
		t.Fatalf("GetFeedback failed: %v", err)
	}
	if fb.Helpful {
		t.Error("expected the second verdict to replace the first")
	}
	if !fb.Timestamp.Equal(now.Add(time.Second)) {
		t.Errorf("expected timestamp %v, got %v", now.Add(time.Second), fb.Timestamp)
	}
}

// TestFeedbackStats tests verdict counting.
func (s *FeedbackStoreTestSuite) TestFeedbackStats(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	votes := map[string]bool{"a": true, "b": true, "c": false}
	for id, helpful := range votes {
		if err := store.RecordFeedback(ctx, &FeedbackRecord{MemoryID: id, Helpful: helpful, Timestamp: time.Now()}); err != nil {
			t.Fatalf("RecordFeedback failed: %v", err)
		}
	}

	stats, err := store.FeedbackStats(ctx)
	if err != nil {
		t.Fatalf("FeedbackStats failed: %v", err)
	}
	if stats.Helpful != 2 || stats.NotHelpful != 1 {
		t.Errorf("expected (2, 1), got (%d, %d)", stats.Helpful, stats.NotHelpful)
	}
}

// TestFeedbackNotFound tests reads of unknown memory ids.
func (s *FeedbackStoreTestSuite) TestFeedbackNotFound(t *testing.T) {
	store := s.NewStore(t)
	if _, err := store.GetFeedback(context.Background(), "nope"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}
