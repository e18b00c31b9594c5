package vector

import (
	"fmt"
	"sync"
)

// Mapping is one persisted string id to numeric id pair.
type Mapping struct {
	ID        string
	NumericID uint64
}

// IDMapper translates caller-stable string ids to the compact numeric
// handles used inside an index. Numeric ids come from a per-instance
// monotonic counter starting at 1 and are never handed out twice.
type IDMapper struct {
	mu    sync.RWMutex
	toNum map[string]uint64
	toStr map[uint64]string
	next  uint64
}

// NewIDMapper creates an empty mapper.
func NewIDMapper() *IDMapper {
	return &IDMapper{
		toNum: make(map[string]uint64),
		toStr: make(map[uint64]string),
		next:  1,
	}
}

// GetOrCreate returns the numeric id for id, allocating one on first use.
func (m *IDMapper) GetOrCreate(id string) uint64 {
	m.mu.RLock()
	n, ok := m.toNum[id]
	m.mu.RUnlock()
	if ok {
		return n
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.toNum[id]; ok {
		return n
	}
	n = m.next
	m.next++
	m.toNum[id] = n
	m.toStr[n] = id
	return n
}

// Remove drops both directions of the mapping for id.
func (m *IDMapper) Remove(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.toNum[id]
	if !ok {
		return 0, false
	}
	delete(m.toNum, id)
	delete(m.toStr, n)
	return n, true
}

// LookupNumeric returns the numeric id for a string id.
func (m *IDMapper) LookupNumeric(id string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.toNum[id]
	return n, ok
}

// LookupString returns the string id for a numeric id.
func (m *IDMapper) LookupString(n uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.toStr[n]
	return id, ok
}

// Len returns the number of live mappings.
func (m *IDMapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.toNum)
}

// Next returns the numeric id the next allocation will use.
func (m *IDMapper) Next() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}

// Restore replaces the mapper contents with persisted pairs. The counter is
// set to the larger of next and one past the highest restored id.
func (m *IDMapper) Restore(pairs []Mapping, next uint64) error {
	toNum := make(map[string]uint64, len(pairs))
	toStr := make(map[uint64]string, len(pairs))
	if next == 0 {
		next = 1
	}
	for _, p := range pairs {
		if p.NumericID == 0 {
			return fmt.Errorf("%w: numeric id 0 for %q", ErrInvalidMapping, p.ID)
		}
		if prev, ok := toNum[p.ID]; ok {
			return fmt.Errorf("%w: %q mapped to both %d and %d", ErrInvalidMapping, p.ID, prev, p.NumericID)
		}
		if prev, ok := toStr[p.NumericID]; ok {
			return fmt.Errorf("%w: %d mapped to both %q and %q", ErrInvalidMapping, p.NumericID, prev, p.ID)
		}
		toNum[p.ID] = p.NumericID
		toStr[p.NumericID] = p.ID
		if p.NumericID >= next {
			next = p.NumericID + 1
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.toNum = toNum
	m.toStr = toStr
	m.next = next
	return nil
}

// Mappings returns a snapshot of all live pairs.
func (m *IDMapper) Mappings() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mapping, 0, len(m.toNum))
	for id, n := range m.toNum {
		out = append(out, Mapping{ID: id, NumericID: n})
	}
	return out
}
