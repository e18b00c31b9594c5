package memory

import (
	"container/list"
	"sort"
	"sync"

	"github.com/goclaw/cortex/pkg/storage"
	"github.com/goclaw/cortex/pkg/vector"
)

// ShortTermMemory is a bounded cache of the most recently inserted
// records. Eviction follows insertion order only: reading or searching an
// entry never refreshes it.
type ShortTermMemory struct {
	mu       sync.RWMutex
	capacity int
	order    *list.List // front is the oldest insertion
	items    map[string]*list.Element
}

// NewShortTermMemory creates an empty cache holding at most capacity records.
func NewShortTermMemory(capacity int) *ShortTermMemory {
	if capacity < 1 {
		capacity = 1
	}
	return &ShortTermMemory{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Add inserts a copy of rec and returns the record evicted to make room,
// if any. Re-adding an id replaces its value without changing its position.
func (s *ShortTermMemory) Add(rec *storage.MemoryRecord) *storage.MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[rec.ID]; ok {
		el.Value = rec.Clone()
		return nil
	}
	s.items[rec.ID] = s.order.PushBack(rec.Clone())

	if s.order.Len() <= s.capacity {
		return nil
	}
	oldest := s.order.Front()
	evicted := s.order.Remove(oldest).(*storage.MemoryRecord)
	delete(s.items, evicted.ID)
	return evicted
}

// Get returns a copy of the record with the given id.
func (s *ShortTermMemory) Get(id string) (*storage.MemoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*storage.MemoryRecord).Clone(), true
}

// Remove drops the record with the given id.
func (s *ShortTermMemory) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.items, id)
	return true
}

// Search scores every resident record against query by cosine similarity
// and returns the best k. Records rejected by filter are skipped before
// ranking. Ties go to the earlier insertion.
func (s *ShortTermMemory) Search(query []float32, k int, filter func(*storage.MemoryRecord) bool) []ScoredMemory {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	hits := make([]ScoredMemory, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		rec := el.Value.(*storage.MemoryRecord)
		if filter != nil && !filter(rec) {
			continue
		}
		hits = append(hits, newScoredMemory(rec, vector.Cosine(query, rec.Embedding), TierShortTerm))
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// List returns copies of the resident records, newest insertion first.
func (s *ShortTermMemory) List() []*storage.MemoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.MemoryRecord, 0, s.order.Len())
	for el := s.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(*storage.MemoryRecord).Clone())
	}
	return out
}

// Len returns the number of resident records.
func (s *ShortTermMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// Capacity returns the configured capacity.
func (s *ShortTermMemory) Capacity() int {
	return s.capacity
}
