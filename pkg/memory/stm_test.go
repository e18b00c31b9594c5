package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/cortex/pkg/storage"
)

func TestSTM_EvictsOldestInsertion(t *testing.T) {
	stm := NewShortTermMemory(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		evicted := stm.Add(testRecord(fmt.Sprintf("m-%d", i), "s", basis(i), now))
		assert.Nil(t, evicted)
	}

	// Reading the oldest entry does not protect it from eviction.
	_, ok := stm.Get("m-0")
	require.True(t, ok)
	stm.Search(basis(0), 1, nil)

	evicted := stm.Add(testRecord("m-3", "s", basis(3), now))
	require.NotNil(t, evicted)
	assert.Equal(t, "m-0", evicted.ID)
	assert.Equal(t, 3, stm.Len())

	_, ok = stm.Get("m-0")
	assert.False(t, ok)
	for _, hit := range stm.Search(basis(0), 3, nil) {
		assert.NotEqual(t, "m-0", hit.ID)
	}
}

func TestSTM_ReAddKeepsPosition(t *testing.T) {
	stm := NewShortTermMemory(2)
	now := time.Now()
	stm.Add(testRecord("a", "s", basis(0), now))
	stm.Add(testRecord("b", "s", basis(1), now))

	updated := testRecord("a", "s", basis(0), now)
	updated.Content = "User: changed question\nAssistant: changed answer"
	assert.Nil(t, stm.Add(updated))

	got, ok := stm.Get("a")
	require.True(t, ok)
	assert.Equal(t, updated.Content, got.Content)

	evicted := stm.Add(testRecord("c", "s", basis(2), now))
	require.NotNil(t, evicted)
	assert.Equal(t, "a", evicted.ID)
}

func TestSTM_SearchRanksAndFilters(t *testing.T) {
	stm := NewShortTermMemory(10)
	now := time.Now()
	stm.Add(testRecord("far", "s1", basis(1), now))
	stm.Add(testRecord("near", "s1", blend(basis(0), basis(1), 0.9), now))
	stm.Add(testRecord("exact-other", "s2", basis(0), now))

	hits := stm.Search(basis(0), 2, nil)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact-other", hits[0].ID)
	assert.Equal(t, "near", hits[1].ID)
	assert.Equal(t, TierShortTerm, hits[0].Tier)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	hits = stm.Search(basis(0), 5, func(r *storage.MemoryRecord) bool { return r.SessionID == "s1" })
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].ID)

	assert.Empty(t, stm.Search(basis(0), 0, nil))
}

func TestSTM_ReturnsCopies(t *testing.T) {
	stm := NewShortTermMemory(2)
	rec := testRecord("a", "s", basis(0), time.Now())
	stm.Add(rec)
	rec.Content = "mutated"
	rec.Embedding[0] = 0

	got, ok := stm.Get("a")
	require.True(t, ok)
	assert.NotEqual(t, "mutated", got.Content)
	assert.Equal(t, float32(1), got.Embedding[0])
}

func TestSTM_ListNewestFirstAndRemove(t *testing.T) {
	stm := NewShortTermMemory(5)
	now := time.Now()
	for i := 0; i < 3; i++ {
		stm.Add(testRecord(fmt.Sprintf("m-%d", i), "s", basis(i), now))
	}

	list := stm.List()
	require.Len(t, list, 3)
	assert.Equal(t, "m-2", list[0].ID)
	assert.Equal(t, "m-0", list[2].ID)

	assert.True(t, stm.Remove("m-1"))
	assert.False(t, stm.Remove("m-1"))
	assert.Equal(t, 2, stm.Len())
	assert.Equal(t, 5, stm.Capacity())
}

func TestSTM_ConcurrentAccess(t *testing.T) {
	stm := NewShortTermMemory(20)
	now := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				stm.Add(testRecord(fmt.Sprintf("w%d-%d", w, i), "s", basis(i), now))
				stm.Search(basis(i), 3, nil)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 20, stm.Len())
}
