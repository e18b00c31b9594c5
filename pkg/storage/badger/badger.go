// Package badger provides a Badger-based implementation of the storage interfaces.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/cortex/pkg/storage"
)

// Config holds configuration for BadgerStorage.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
	// Quiet disables badger's own logger.
	Quiet bool
}

// BadgerStorage implements storage.RecordStore and storage.FeedbackStore
// using Badger.
type BadgerStorage struct {
	db     *badger.DB
	config *Config
	closed atomic.Bool

	// writeMu serializes record writes so count and size stay exact.
	writeMu sync.Mutex
	count   int
	size    int64
}

// NewBadgerStorage opens (or creates) a Badger database and loads the record
// counters from it.
func NewBadgerStorage(config *Config) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(config.Path)
	opts.SyncWrites = config.SyncWrites
	if config.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = config.ValueLogFileSize
	}
	if config.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = config.NumVersionsToKeep
	}
	if config.Quiet {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	b := &BadgerStorage{
		db:     db,
		config: config,
	}
	if err := b.loadCounters(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// Key layout
const (
	recordPrefix       = "memory:"
	createdIndexPrefix = "index:created:"
	vectorPrefix       = "vector:"
	feedbackPrefix     = "feedback:"
	nextIDKey          = "idmap:next"
)

func recordKey(id string) []byte {
	return []byte(fmt.Sprintf("%s%s", recordPrefix, id))
}

func createdIndexKey(ts time.Time, id string) []byte {
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("%s%020d:%s", createdIndexPrefix, nanos, id))
}

// parseCreatedIndexKey returns the timestamp and record id encoded in an
// index key: index:created:{nanos}:{id}.
func parseCreatedIndexKey(key []byte) (int64, string, bool) {
	rest := strings.TrimPrefix(string(key), createdIndexPrefix)
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return 0, "", false
	}
	nanos, err := strconv.ParseInt(rest[:sep], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nanos, rest[sep+1:], true
}

func vectorKey(numericID uint64) []byte {
	key := make([]byte, len(vectorPrefix)+8)
	copy(key, vectorPrefix)
	binary.BigEndian.PutUint64(key[len(vectorPrefix):], numericID)
	return key
}

func feedbackKey(memoryID string) []byte {
	return []byte(fmt.Sprintf("%s%s", feedbackPrefix, memoryID))
}

type vectorValue struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

// Serialization helpers
func serialize(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &storage.SerializationError{
			Operation: "marshal",
			Cause:     err,
		}
	}
	return data, nil
}

func deserialize(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &storage.SerializationError{
			Operation: "unmarshal",
			Cause:     err,
		}
	}
	return nil
}

// wrapErr passes typed storage errors through and reports everything else
// as the backend being unavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var notFound *storage.NotFoundError
	var serr *storage.SerializationError
	var unavailable *storage.StorageUnavailableError
	if errors.As(err, &notFound) || errors.As(err, &serr) || errors.As(err, &unavailable) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

func (b *BadgerStorage) checkOpen() error {
	if b.closed.Load() {
		return &storage.StorageUnavailableError{Cause: badger.ErrDBClosed}
	}
	return nil
}

func (b *BadgerStorage) loadCounters() error {
	return wrapErr(b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec storage.MemoryRecord
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &rec)
			}); err != nil {
				return err
			}
			b.count++
			b.size += storage.RecordSize(&rec)
		}
		return nil
	}))
}

func getRecordInTxn(txn *badger.Txn, id string) (*storage.MemoryRecord, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &storage.NotFoundError{EntityType: "record", ID: id}
		}
		return nil, err
	}

	var rec storage.MemoryRecord
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecord saves a record and its created-at index entry, replacing any
// record with the same id.
func (b *BadgerStorage) PutRecord(ctx context.Context, rec *storage.MemoryRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := serialize(rec)
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var old *storage.MemoryRecord
	err = b.db.Update(func(txn *badger.Txn) error {
		prev, err := getRecordInTxn(txn, rec.ID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		old = prev
		if old != nil {
			if err := txn.Delete(createdIndexKey(old.CreatedAt, old.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(createdIndexKey(rec.CreatedAt, rec.ID), []byte{})
	})
	if err != nil {
		return wrapErr(err)
	}

	if old != nil {
		b.size -= storage.RecordSize(old)
	} else {
		b.count++
	}
	b.size += storage.RecordSize(rec)
	return nil
}

// GetRecord retrieves a record by id.
func (b *BadgerStorage) GetRecord(ctx context.Context, id string) (*storage.MemoryRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var rec *storage.MemoryRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecordInTxn(txn, id)
		return err
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return rec, nil
}

// DeleteRecord removes the record, its index entry and its vector row in
// one transaction. A vector row that now belongs to another id is kept.
func (b *BadgerStorage) DeleteRecord(ctx context.Context, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	var removed *storage.MemoryRecord
	err := b.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecordInTxn(txn, id)
		if err != nil {
			return err
		}
		removed = rec

		if err := txn.Delete(recordKey(id)); err != nil {
			return err
		}
		if err := txn.Delete(createdIndexKey(rec.CreatedAt, id)); err != nil {
			return err
		}
		if rec.VectorRef != 0 {
			return deleteVectorInTxn(txn, rec.VectorRef, id)
		}
		return nil
	})
	if err != nil {
		return wrapErr(err)
	}

	b.count--
	b.size -= storage.RecordSize(removed)
	return nil
}

// ListRecords returns records matching the filter, newest first.
func (b *BadgerStorage) ListRecords(ctx context.Context, filter *storage.RecordFilter) ([]*storage.MemoryRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var records []*storage.MemoryRecord
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(createdIndexPrefix)
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts from the last key under the prefix.
		seek := append([]byte(createdIndexPrefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			_, id, ok := parseCreatedIndexKey(it.Item().Key())
			if !ok {
				continue
			}
			rec, err := getRecordInTxn(txn, id)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return err
			}
			if !filter.Match(rec) {
				continue
			}
			records = append(records, rec)
			if filter != nil && filter.Limit > 0 && len(records) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return records, nil
}

// IDsBefore returns the ids of records created strictly before cutoff,
// oldest first.
func (b *BadgerStorage) IDsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	limit := cutoff.UnixNano()
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(createdIndexPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			nanos, id, ok := parseCreatedIndexKey(it.Item().Key())
			if !ok {
				continue
			}
			if nanos >= limit {
				break
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return ids, nil
}

// Oldest returns the record with the earliest creation time.
func (b *BadgerStorage) Oldest(ctx context.Context) (*storage.MemoryRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var oldest *storage.MemoryRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		oldest, err = oldestInTxn(txn)
		return err
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return oldest, nil
}

func oldestInTxn(txn *badger.Txn) (*storage.MemoryRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(createdIndexPrefix)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		_, id, ok := parseCreatedIndexKey(it.Item().Key())
		if !ok {
			continue
		}
		rec, err := getRecordInTxn(txn, id)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		return rec, nil
	}
	return nil, &storage.NotFoundError{EntityType: "record", ID: "oldest"}
}

// Stats returns record count, logical size and the oldest creation time.
func (b *BadgerStorage) Stats(ctx context.Context) (*storage.StoreStats, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	b.writeMu.Lock()
	stats := &storage.StoreStats{Count: b.count, SizeBytes: b.size}
	b.writeMu.Unlock()

	oldest, err := b.Oldest(ctx)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if oldest != nil {
		stats.OldestAt = oldest.CreatedAt
	}
	return stats, nil
}

// PutVector saves a vector row and advances the persisted id counter past it.
func (b *BadgerStorage) PutVector(ctx context.Context, entry *storage.VectorEntry) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := serialize(vectorValue{ID: entry.ID, Vector: entry.Vector})
	if err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return wrapErr(b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(vectorKey(entry.NumericID), data); err != nil {
			return err
		}
		next, err := nextIDInTxn(txn)
		if err != nil {
			return err
		}
		if entry.NumericID < next {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, entry.NumericID+1)
		return txn.Set([]byte(nextIDKey), buf)
	}))
}

func nextIDInTxn(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(nextIDKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var next uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return &storage.SerializationError{Operation: "unmarshal", Cause: fmt.Errorf("bad id counter length %d", len(val))}
		}
		next = binary.BigEndian.Uint64(val)
		return nil
	})
	return next, err
}

// DeleteVector removes a vector row if it still belongs to id.
func (b *BadgerStorage) DeleteVector(ctx context.Context, numericID uint64, id string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return wrapErr(b.db.Update(func(txn *badger.Txn) error {
		return deleteVectorInTxn(txn, numericID, id)
	}))
}

func deleteVectorInTxn(txn *badger.Txn, numericID uint64, id string) error {
	item, err := txn.Get(vectorKey(numericID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	var v vectorValue
	if err := item.Value(func(val []byte) error {
		return deserialize(val, &v)
	}); err != nil {
		return err
	}
	if v.ID != id {
		return nil
	}
	return txn.Delete(vectorKey(numericID))
}

// LoadVectors returns every persisted vector row ordered by numeric id,
// together with the id counter.
func (b *BadgerStorage) LoadVectors(ctx context.Context) (*storage.IndexState, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	state := &storage.IndexState{}
	err := b.db.View(func(txn *badger.Txn) error {
		next, err := nextIDInTxn(txn)
		if err != nil {
			return err
		}
		state.NextID = next

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(vectorPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != len(vectorPrefix)+8 {
				continue
			}
			var v vectorValue
			if err := item.Value(func(val []byte) error {
				return deserialize(val, &v)
			}); err != nil {
				return err
			}
			state.Entries = append(state.Entries, &storage.VectorEntry{
				NumericID: binary.BigEndian.Uint64(key[len(vectorPrefix):]),
				ID:        v.ID,
				Vector:    v.Vector,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return state, nil
}

// RecordFeedback upserts feedback for a memory id.
func (b *BadgerStorage) RecordFeedback(ctx context.Context, fb *storage.FeedbackRecord) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	data, err := serialize(fb)
	if err != nil {
		return err
	}
	return wrapErr(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(feedbackKey(fb.MemoryID), data)
	}))
}

// GetFeedback returns the feedback recorded for a memory id.
func (b *BadgerStorage) GetFeedback(ctx context.Context, memoryID string) (*storage.FeedbackRecord, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var fb storage.FeedbackRecord
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(feedbackKey(memoryID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &storage.NotFoundError{EntityType: "feedback", ID: memoryID}
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return deserialize(val, &fb)
		})
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return &fb, nil
}

// FeedbackStats counts helpful and not helpful feedback.
func (b *BadgerStorage) FeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	stats := &storage.FeedbackStats{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(feedbackPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var fb storage.FeedbackRecord
			if err := it.Item().Value(func(val []byte) error {
				return deserialize(val, &fb)
			}); err != nil {
				continue
			}
			if fb.Helpful {
				stats.Helpful++
			} else {
				stats.NotHelpful++
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr(err)
	}
	return stats, nil
}

// Close closes the Badger database. Closing twice is a no-op.
func (b *BadgerStorage) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Value log GC before close; ErrNoRewrite just means nothing to reclaim.
	_ = b.db.RunValueLogGC(0.5)

	return b.db.Close()
}
