package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goclaw/cortex/pkg/breaker"
	"github.com/goclaw/cortex/pkg/storage"
	"github.com/goclaw/cortex/pkg/vector"
)

// LTMOptions configures a LongTermMemory.
type LTMOptions struct {
	Dimension int
	Index     vector.Options
	// Breaker guards every durable storage call. Optional.
	Breaker *breaker.Breaker
	// Timeout bounds each durable storage call. Zero means no bound.
	Timeout time.Duration
	Logger  Logger
}

// LongTermMemory pairs durable records with a vector index. A record is
// visible to Search only after both its row and its vector are persisted,
// and Delete removes both in one storage transaction.
type LongTermMemory struct {
	store   storage.RecordStore
	index   *vector.Index
	breaker *breaker.Breaker
	timeout time.Duration
	logger  Logger

	mu sync.RWMutex
	// catalog holds the filterable fields of every visible record so that
	// session and date filters can be turned into an index pre-filter.
	catalog map[string]catalogEntry
	// orphans are records persisted without a vector whose rollback failed.
	orphans map[string]struct{}
}

type catalogEntry struct {
	sessionID string
	createdAt time.Time
}

// Filter narrows a long-term search. Zero fields match everything.
type Filter struct {
	SessionID string
	Since     time.Time
	Until     time.Time
}

func (f Filter) empty() bool {
	return f.SessionID == "" && f.Since.IsZero() && f.Until.IsZero()
}

func (f Filter) match(e catalogEntry) bool {
	rf := storage.RecordFilter{SessionID: f.SessionID, Since: f.Since, Until: f.Until}
	return rf.Match(&storage.MemoryRecord{SessionID: e.sessionID, CreatedAt: e.createdAt})
}

// OpenLongTermMemory restores the vector index from store and reconciles
// records and vectors left unpaired by an interrupted write.
func OpenLongTermMemory(ctx context.Context, store storage.RecordStore, opts LTMOptions) (*LongTermMemory, error) {
	if store == nil {
		return nil, invalidInput("record store is required")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Index.Logger == nil {
		opts.Index.Logger = opts.Logger
	}

	index, err := vector.NewIndex(opts.Dimension, opts.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	l := &LongTermMemory{
		store:   store,
		index:   index,
		breaker: opts.Breaker,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		catalog: make(map[string]catalogEntry),
		orphans: make(map[string]struct{}),
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LongTermMemory) load(ctx context.Context) error {
	state, err := l.store.LoadVectors(ctx)
	if err != nil {
		return storageError("load vectors", err)
	}
	records, err := l.store.ListRecords(ctx, nil)
	if err != nil {
		return storageError("list records", err)
	}

	byID := make(map[string]*storage.MemoryRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	var entries []vector.Entry
	var strayVectors []*storage.VectorEntry
	paired := make(map[string]struct{}, len(state.Entries))
	for _, v := range state.Entries {
		rec, ok := byID[v.ID]
		if !ok || rec.VectorRef != v.NumericID || len(v.Vector) != l.index.Dimension() {
			strayVectors = append(strayVectors, v)
			continue
		}
		entries = append(entries, vector.Entry{ID: v.ID, NumericID: v.NumericID, Vector: v.Vector})
		paired[v.ID] = struct{}{}
	}

	for _, v := range strayVectors {
		if err := l.store.DeleteVector(ctx, v.NumericID, v.ID); err != nil {
			return storageError("reconcile vector", err)
		}
	}
	var strayRecords int
	for _, rec := range records {
		if _, ok := paired[rec.ID]; ok {
			continue
		}
		if err := l.store.DeleteRecord(ctx, rec.ID); err != nil && !storage.IsNotFound(err) {
			return storageError("reconcile record", err)
		}
		strayRecords++
	}

	if err := l.index.Restore(entries, state.NextID); err != nil {
		return fmt.Errorf("restore vector index: %w", err)
	}
	for _, rec := range records {
		if _, ok := paired[rec.ID]; ok {
			l.catalog[rec.ID] = catalogEntry{sessionID: rec.SessionID, createdAt: rec.CreatedAt}
		}
	}

	if len(strayVectors) > 0 || strayRecords > 0 {
		l.logger.Warn("reconciled long-term memory",
			"stray_vectors", len(strayVectors),
			"stray_records", strayRecords,
		)
	}
	l.logger.Info("long-term memory loaded", "records", len(l.catalog))
	return nil
}

// do runs one storage call under the breaker and the per-call timeout.
func (l *LongTermMemory) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	call := func(ctx context.Context) error {
		if l.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.timeout)
			defer cancel()
		}
		return fn(ctx)
	}

	var err error
	if l.breaker != nil {
		err = l.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	return storageError(op, err)
}

// Add persists rec and indexes its embedding. The record row is written
// first and the vector second; if the vector write fails the row is rolled
// back so no record exists without its vector.
func (l *LongTermMemory) Add(ctx context.Context, rec *storage.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return invalidInput("record id is required")
	}
	if len(rec.Embedding) != l.index.Dimension() {
		return invalidInput("embedding has %d dimensions, want %d", len(rec.Embedding), l.index.Dimension())
	}

	mapper := l.index.Mapper()
	_, existed := mapper.LookupNumeric(rec.ID)
	n := mapper.GetOrCreate(rec.ID)
	release := func() {
		if !existed && !l.index.Contains(rec.ID) {
			mapper.Remove(rec.ID)
		}
	}

	row := rec.Clone()
	row.VectorRef = n
	if err := l.do(ctx, "put record", func(ctx context.Context) error {
		return l.store.PutRecord(ctx, row)
	}); err != nil {
		release()
		return err
	}

	entry := &storage.VectorEntry{NumericID: n, ID: rec.ID, Vector: rec.Embedding}
	if err := l.do(ctx, "put vector", func(ctx context.Context) error {
		return l.store.PutVector(ctx, entry)
	}); err != nil {
		l.rollback(ctx, rec.ID)
		release()
		return err
	}

	l.mu.Lock()
	_, err := l.index.Add(rec.ID, rec.Embedding)
	if err == nil {
		l.catalog[rec.ID] = catalogEntry{sessionID: rec.SessionID, createdAt: rec.CreatedAt}
		delete(l.orphans, rec.ID)
	}
	l.mu.Unlock()

	if err != nil {
		l.rollback(ctx, rec.ID)
		return fmt.Errorf("%w: index: %w", ErrStorage, err)
	}
	return nil
}

func (l *LongTermMemory) rollback(ctx context.Context, id string) {
	err := l.do(context.WithoutCancel(ctx), "rollback record", func(ctx context.Context) error {
		return l.store.DeleteRecord(ctx, id)
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	l.logger.Warn("record rollback failed, will retry", "id", id, "error", err)
	l.mu.Lock()
	l.orphans[id] = struct{}{}
	l.mu.Unlock()
}

// RetryOrphans retries rollbacks that failed earlier and returns how many
// remain.
func (l *LongTermMemory) RetryOrphans(ctx context.Context) int {
	l.mu.RLock()
	ids := make([]string, 0, len(l.orphans))
	for id := range l.orphans {
		if _, visible := l.catalog[id]; !visible {
			ids = append(ids, id)
		}
	}
	l.mu.RUnlock()

	for _, id := range ids {
		err := l.do(ctx, "rollback record", func(ctx context.Context) error {
			return l.store.DeleteRecord(ctx, id)
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			continue
		}
		l.mu.Lock()
		delete(l.orphans, id)
		l.mu.Unlock()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orphans)
}

// Nearest returns the most similar visible record id and its similarity
// without touching durable storage.
func (l *LongTermMemory) Nearest(query []float32) (string, float64, bool) {
	results, err := l.index.Search(query, 1, nil)
	if err != nil || len(results) == 0 {
		return "", 0, false
	}
	return results[0].ID, results[0].Score, true
}

// Search returns up to k records ranked by similarity. The filter is
// resolved against the catalog first and handed to the index as the
// allowed candidate set.
func (l *LongTermMemory) Search(ctx context.Context, query []float32, k int, filter Filter) ([]ScoredMemory, error) {
	if len(query) != l.index.Dimension() {
		return nil, invalidInput("query has %d dimensions, want %d", len(query), l.index.Dimension())
	}

	var allowed map[string]struct{}
	if !filter.empty() {
		l.mu.RLock()
		allowed = make(map[string]struct{})
		for id, e := range l.catalog {
			if filter.match(e) {
				allowed[id] = struct{}{}
			}
		}
		l.mu.RUnlock()
	}

	results, err := l.index.Search(query, k, allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	out := make([]ScoredMemory, 0, len(results))
	for _, r := range results {
		rec, err := l.Get(ctx, r.ID)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the index search and the fetch.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, newScoredMemory(rec, r.Score, TierLongTerm))
	}
	return out, nil
}

// Get returns the record with the given id.
func (l *LongTermMemory) Get(ctx context.Context, id string) (*storage.MemoryRecord, error) {
	var rec *storage.MemoryRecord
	err := l.do(ctx, "get record", func(ctx context.Context) error {
		var err error
		rec, err = l.store.GetRecord(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching filter, newest first.
func (l *LongTermMemory) List(ctx context.Context, filter *storage.RecordFilter) ([]*storage.MemoryRecord, error) {
	var recs []*storage.MemoryRecord
	err := l.do(ctx, "list records", func(ctx context.Context) error {
		var err error
		recs, err = l.store.ListRecords(ctx, filter)
		return err
	})
	return recs, err
}

// Delete removes the record and its vector. The record stays visible when
// the storage delete fails.
func (l *LongTermMemory) Delete(ctx context.Context, id string) error {
	n, mapped := l.index.Mapper().LookupNumeric(id)
	err := l.do(ctx, "delete record", func(ctx context.Context) error {
		return l.store.DeleteRecord(ctx, id)
	})
	if errors.Is(err, ErrNotFound) && mapped {
		// An Add racing an earlier delete can leave the vector row behind.
		l.dropVector(ctx, n, id)
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		l.forget(id)
	}
	return err
}

func (l *LongTermMemory) dropVector(ctx context.Context, n uint64, id string) {
	err := l.do(context.WithoutCancel(ctx), "delete vector", func(ctx context.Context) error {
		return l.store.DeleteVector(ctx, n, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.logger.Warn("stray vector delete failed", "id", id, "error", err)
	}
}

func (l *LongTermMemory) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.catalog, id)
	l.index.Delete(id)
}

// DeleteBefore removes every record created strictly before cutoff and
// returns the ids it removed.
func (l *LongTermMemory) DeleteBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := l.do(ctx, "ids before", func(ctx context.Context) error {
		var err error
		ids, err = l.store.IDsBefore(ctx, cutoff)
		return err
	}); err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		err := l.Delete(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// DeleteOldest removes the oldest record and returns its id. ok is false
// when the store is empty.
func (l *LongTermMemory) DeleteOldest(ctx context.Context) (id string, ok bool, err error) {
	var oldest *storage.MemoryRecord
	err = l.do(ctx, "oldest record", func(ctx context.Context) error {
		var err error
		oldest, err = l.store.Oldest(ctx)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if err := l.Delete(ctx, oldest.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return "", false, err
	}
	return oldest.ID, true, nil
}

// Stats returns the durable record count and size.
func (l *LongTermMemory) Stats(ctx context.Context) (*storage.StoreStats, error) {
	var stats *storage.StoreStats
	err := l.do(ctx, "stats", func(ctx context.Context) error {
		var err error
		stats, err = l.store.Stats(ctx)
		return err
	})
	return stats, err
}

// Contains reports whether id is visible to search.
func (l *LongTermMemory) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.catalog[id]
	return ok
}

// Len returns the number of visible records.
func (l *LongTermMemory) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.catalog)
}

// Tombstones returns the number of deleted vectors awaiting compaction.
func (l *LongTermMemory) Tombstones() int {
	return l.index.Tombstones()
}

// StartCompaction rebuilds the index in the background whenever
// tombstones reach ratio of its size.
func (l *LongTermMemory) StartCompaction(ctx context.Context, interval time.Duration, ratio float64) {
	l.index.StartCompaction(ctx, interval, ratio)
}

// Close stops background compaction. The store is owned by the caller.
func (l *LongTermMemory) Close() {
	l.index.Stop()
}
