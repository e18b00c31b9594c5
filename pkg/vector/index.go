// Package vector provides the similarity index behind long-term memory: a
// string to numeric id mapper, pluggable nearest-neighbor backends and an
// Index that guarantees immediate deletes and pre-filtered search on top of
// backends that support neither.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sentinel errors for the vector package.
var (
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
	ErrInvalidMapping    = errors.New("vector: invalid id mapping")
)

// Logger is the minimal logger interface used by Index.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}

// Result is one search hit.
type Result struct {
	ID        string
	NumericID uint64
	Score     float64
}

// Entry is one live vector with both of its ids.
type Entry struct {
	ID        string
	NumericID uint64
	Vector    []float32
}

// Options configures an Index.
type Options struct {
	// NewBackend builds an empty backend. Called at construction and on
	// every compaction. Defaults to an HNSW graph with default parameters.
	NewBackend func() (Backend, error)
	// ExactThreshold is the candidate count at or below which Search scans
	// candidates exactly instead of asking the backend.
	ExactThreshold int
	Logger         Logger
}

// Index is a fixed-dimension cosine index keyed by string ids.
//
// The live vectors are held by the Index itself. Deleted ids are tombstoned
// and excluded from every search immediately; Compact rebuilds the backend
// from the live set to reclaim them.
type Index struct {
	mu         sync.RWMutex
	dim        int
	mapper     *IDMapper
	backend    Backend
	newBackend func() (Backend, error)
	vectors    map[uint64][]float32
	tombstones map[uint64]struct{}
	exact      int
	logger     Logger

	compactMu sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewIndex creates an empty index of the given dimension.
func NewIndex(dim int, opts Options) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrDimensionMismatch, dim)
	}
	if opts.NewBackend == nil {
		opts.NewBackend = func() (Backend, error) {
			return NewHNSW(DefaultHNSWConfig()), nil
		}
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}

	backend, err := opts.NewBackend()
	if err != nil {
		return nil, err
	}
	return &Index{
		dim:        dim,
		mapper:     NewIDMapper(),
		backend:    backend,
		newBackend: opts.NewBackend,
		vectors:    make(map[uint64][]float32),
		tombstones: make(map[uint64]struct{}),
		exact:      opts.ExactThreshold,
		logger:     opts.Logger,
	}, nil
}

// Dimension returns the vector dimension.
func (x *Index) Dimension() int {
	return x.dim
}

// Mapper returns the id mapper owned by the index.
func (x *Index) Mapper() *IDMapper {
	return x.mapper
}

// Add inserts or overwrites the vector for id and returns its numeric id.
func (x *Index) Add(id string, vec []float32) (uint64, error) {
	if len(vec) != x.dim {
		return 0, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, x.dim, len(vec))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.mapper.GetOrCreate(id)
	if err := x.backend.Insert(n, vec); err != nil {
		if _, live := x.vectors[n]; !live {
			x.mapper.Remove(id)
		}
		return 0, err
	}
	x.vectors[n] = append([]float32(nil), vec...)
	return n, nil
}

// Delete removes id from the index and releases its numeric id. The vector
// is absent from search as soon as Delete returns.
func (x *Index) Delete(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n, ok := x.mapper.Remove(id)
	if !ok {
		return false
	}
	if _, live := x.vectors[n]; !live {
		return true
	}
	delete(x.vectors, n)
	if !x.backend.Remove(n) {
		x.tombstones[n] = struct{}{}
	}
	return true
}

// Get returns a copy of the vector stored for id.
func (x *Index) Get(id string) ([]float32, bool) {
	n, ok := x.mapper.LookupNumeric(id)
	if !ok {
		return nil, false
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	vec, ok := x.vectors[n]
	if !ok {
		return nil, false
	}
	return append([]float32(nil), vec...), true
}

// Contains reports whether id has a live vector.
func (x *Index) Contains(id string) bool {
	n, ok := x.mapper.LookupNumeric(id)
	if !ok {
		return false
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, live := x.vectors[n]
	return live
}

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Tombstones returns the number of deleted ids still held by the backend.
func (x *Index) Tombstones() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.tombstones)
}

// Search returns up to k ids ranked by cosine similarity, ties broken by
// ascending numeric id. A nil allowed set means every id is a candidate; a
// non-nil set restricts the candidates before ranking, so an empty set
// yields no results.
func (x *Index) Search(query []float32, k int, allowed map[string]struct{}) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, x.dim, len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var candidates map[uint64]struct{}
	if allowed != nil {
		candidates = make(map[uint64]struct{}, len(allowed))
		for id := range allowed {
			if n, ok := x.mapper.LookupNumeric(id); ok {
				if _, live := x.vectors[n]; live {
					candidates[n] = struct{}{}
				}
			}
		}
	}

	live := len(x.vectors)
	if candidates != nil {
		live = len(candidates)
	}
	want := min(k, live)
	if want == 0 {
		return nil, nil
	}

	if live <= x.exact {
		return x.exactSearch(query, want, candidates), nil
	}

	accept := func(n uint64) bool {
		if _, live := x.vectors[n]; !live {
			return false
		}
		if candidates != nil {
			_, ok := candidates[n]
			return ok
		}
		return true
	}
	matches, err := x.backend.Search(query, want, accept)
	if err != nil {
		return nil, err
	}
	if len(matches) < want {
		x.logger.Debug("vector backend under-filled, scanning exactly",
			"want", want, "got", len(matches))
		return x.exactSearch(query, want, candidates), nil
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		id, ok := x.mapper.LookupString(m.ID)
		if !ok {
			continue
		}
		results = append(results, Result{ID: id, NumericID: m.ID, Score: Cosine(query, x.vectors[m.ID])})
	}
	sortResults(results)
	return results, nil
}

// exactSearch ranks candidates (or every live vector when nil) by brute
// force. Caller holds the read lock.
func (x *Index) exactSearch(query []float32, k int, candidates map[uint64]struct{}) []Result {
	results := make([]Result, 0, len(x.vectors))
	score := func(n uint64) {
		id, ok := x.mapper.LookupString(n)
		if !ok {
			return
		}
		results = append(results, Result{ID: id, NumericID: n, Score: Cosine(query, x.vectors[n])})
	}
	if candidates != nil {
		for n := range candidates {
			score(n)
		}
	} else {
		for n := range x.vectors {
			score(n)
		}
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].NumericID < results[j].NumericID
		}
		return results[i].Score > results[j].Score
	})
}

// Restore replaces the index contents with persisted entries. The id
// counter resumes at the larger of next and one past the highest entry.
func (x *Index) Restore(entries []Entry, next uint64) error {
	pairs := make([]Mapping, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != x.dim {
			return fmt.Errorf("%w: entry %q has %d, index expects %d", ErrDimensionMismatch, e.ID, len(e.Vector), x.dim)
		}
		pairs = append(pairs, Mapping{ID: e.ID, NumericID: e.NumericID})
	}

	backend, err := x.newBackend()
	if err != nil {
		return err
	}
	vectors := make(map[uint64][]float32, len(entries))
	for _, e := range entries {
		if err := backend.Insert(e.NumericID, e.Vector); err != nil {
			return err
		}
		vectors[e.NumericID] = append([]float32(nil), e.Vector...)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.mapper.Restore(pairs, next); err != nil {
		return err
	}
	x.backend = backend
	x.vectors = vectors
	x.tombstones = make(map[uint64]struct{})
	return nil
}

// NeedsCompaction reports whether tombstones make up at least ratio of the
// backend.
func (x *Index) NeedsCompaction(ratio float64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.tombstones) == 0 {
		return false
	}
	total := len(x.vectors) + len(x.tombstones)
	return float64(len(x.tombstones))/float64(total) >= ratio
}

// Compact rebuilds the backend from the live vectors and clears the
// tombstones. Writers are blocked for the duration of the rebuild.
func (x *Index) Compact() error {
	x.compactMu.Lock()
	defer x.compactMu.Unlock()

	backend, err := x.newBackend()
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ids := make([]uint64, 0, len(x.vectors))
	for n := range x.vectors {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, n := range ids {
		if err := backend.Insert(n, x.vectors[n]); err != nil {
			return fmt.Errorf("vector: compaction insert %d: %w", n, err)
		}
	}

	reclaimed := len(x.tombstones)
	x.backend = backend
	x.tombstones = make(map[uint64]struct{})
	x.logger.Info("vector index compacted", "live", len(ids), "reclaimed", reclaimed)
	return nil
}

// StartCompaction runs Compact every interval while tombstones exceed ratio.
func (x *Index) StartCompaction(parentCtx context.Context, interval time.Duration, ratio float64) {
	if interval <= 0 || x.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	x.cancel = cancel
	x.done = make(chan struct{})

	go func() {
		defer close(x.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !x.NeedsCompaction(ratio) {
					continue
				}
				if err := x.Compact(); err != nil {
					x.logger.Warn("vector index compaction failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the compaction loop and waits for it to exit.
func (x *Index) Stop() {
	if x.cancel != nil {
		x.cancel()
		<-x.done
		x.cancel = nil
	}
}
