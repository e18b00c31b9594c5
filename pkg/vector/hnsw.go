package vector

import (
	"container/heap"
	"math"
	"math/rand"
)

// Match is a backend search hit.
type Match struct {
	ID    uint64
	Score float64
}

// Backend is the nearest-neighbor structure under an Index. Index serializes
// writes and allows concurrent Search calls, so a backend only needs Search
// to be safe alongside other Search calls.
type Backend interface {
	// Insert adds or overwrites the vector stored under id.
	Insert(id uint64, vec []float32) error
	// Remove physically deletes id. It returns false when the backend cannot
	// delete, in which case the caller tombstones the id.
	Remove(id uint64) bool
	// Search returns up to k matches for which accept returns true, best
	// first. A nil accept admits every id.
	Search(query []float32, k int, accept func(uint64) bool) ([]Match, error)
	// Len returns the number of stored vectors, tombstoned ones included.
	Len() int
}

// HNSWConfig tunes the graph.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultHNSWConfig returns the default graph parameters.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 100, Seed: 42}
}

type hnswNode struct {
	vec     []float32 // unit length
	friends [][]uint64
}

// HNSW is a hierarchical navigable small world graph over cosine distance.
// Removed nodes stay in the graph for navigation, so Remove reports false.
type HNSW struct {
	cfg       HNSWConfig
	maxConn0  int
	levelMult float64
	rng       *rand.Rand

	nodes    map[uint64]*hnswNode
	entry    uint64
	hasEntry bool
	maxLevel int
}

// NewHNSW creates an empty graph.
func NewHNSW(cfg HNSWConfig) *HNSW {
	def := DefaultHNSWConfig()
	if cfg.M < 2 {
		cfg.M = def.M
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = def.EfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = def.EfSearch
	}
	return &HNSW{
		cfg:       cfg,
		maxConn0:  2 * cfg.M,
		levelMult: 1 / math.Log(float64(cfg.M)),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		nodes:     make(map[uint64]*hnswNode),
	}
}

func (h *HNSW) distance(a, b []float32) float64 {
	return 1 - dot(a, b)
}

func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.levelMult))
}

// Insert adds a vector. Overwriting an existing id replaces its vector and
// keeps its links.
func (h *HNSW) Insert(id uint64, vec []float32) error {
	unit := Normalize(vec)
	if node, ok := h.nodes[id]; ok {
		node.vec = unit
		return nil
	}

	level := h.randomLevel()
	node := &hnswNode{vec: unit, friends: make([][]uint64, level+1)}
	h.nodes[id] = node

	if !h.hasEntry {
		h.entry = id
		h.hasEntry = true
		h.maxLevel = level
		return nil
	}

	cur := h.entry
	curDist := h.distance(unit, h.nodes[cur].vec)
	for l := h.maxLevel; l > level; l-- {
		cur, curDist = h.greedy(unit, cur, curDist, l)
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		found := h.searchLayer(unit, cur, h.cfg.EfConstruction, l, nil)
		neighbors := h.closest(found, h.cfg.M)
		node.friends[l] = neighbors
		for _, nb := range neighbors {
			h.link(nb, id, l)
		}
		if len(found) > 0 {
			cur = found[0].id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	return nil
}

func (h *HNSW) maxConn(level int) int {
	if level == 0 {
		return h.maxConn0
	}
	return h.cfg.M
}

// link adds a directed edge from -> to at level, pruning from's list to the
// closest neighbors when it overflows.
func (h *HNSW) link(from, to uint64, level int) {
	node := h.nodes[from]
	if level >= len(node.friends) {
		return
	}
	node.friends[level] = append(node.friends[level], to)
	limit := h.maxConn(level)
	if len(node.friends[level]) <= limit {
		return
	}

	cands := make([]candidate, 0, len(node.friends[level]))
	for _, f := range node.friends[level] {
		cands = append(cands, candidate{id: f, dist: h.distance(node.vec, h.nodes[f].vec)})
	}
	node.friends[level] = h.closest(sortCandidates(cands), limit)
}

func (h *HNSW) greedy(q []float32, cur uint64, curDist float64, level int) (uint64, float64) {
	for changed := true; changed; {
		changed = false
		node := h.nodes[cur]
		if level >= len(node.friends) {
			break
		}
		for _, f := range node.friends[level] {
			if d := h.distance(q, h.nodes[f].vec); d < curDist {
				cur, curDist = f, d
				changed = true
			}
		}
	}
	return cur, curDist
}

func (h *HNSW) closest(sorted []candidate, n int) []uint64 {
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]uint64, len(sorted))
	for i, c := range sorted {
		out[i] = c.id
	}
	return out
}

// searchLayer runs the best-first search at one level. Every reachable node
// is used for navigation, but only nodes passing accept enter the result
// set, so filtering happens during traversal rather than after truncation.
func (h *HNSW) searchLayer(q []float32, entry uint64, ef, level int, accept func(uint64) bool) []candidate {
	visited := map[uint64]struct{}{entry: {}}
	d := h.distance(q, h.nodes[entry].vec)

	cands := &minHeap{{id: entry, dist: d}}
	results := &maxHeap{}
	if accept == nil || accept(entry) {
		heap.Push(results, candidate{id: entry, dist: d})
	}

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		node := h.nodes[c.id]
		if level >= len(node.friends) {
			continue
		}
		for _, f := range node.friends[level] {
			if _, seen := visited[f]; seen {
				continue
			}
			visited[f] = struct{}{}
			fd := h.distance(q, h.nodes[f].vec)
			if results.Len() < ef || fd < (*results)[0].dist {
				heap.Push(cands, candidate{id: f, dist: fd})
				if accept == nil || accept(f) {
					heap.Push(results, candidate{id: f, dist: fd})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// Search returns up to k accepted matches, best first.
func (h *HNSW) Search(query []float32, k int, accept func(uint64) bool) ([]Match, error) {
	if !h.hasEntry || k <= 0 {
		return nil, nil
	}
	q := Normalize(query)

	cur := h.entry
	curDist := h.distance(q, h.nodes[cur].vec)
	for l := h.maxLevel; l > 0; l-- {
		cur, curDist = h.greedy(q, cur, curDist, l)
	}

	found := h.searchLayer(q, cur, max(h.cfg.EfSearch, k), 0, accept)
	if len(found) > k {
		found = found[:k]
	}
	out := make([]Match, len(found))
	for i, c := range found {
		out[i] = Match{ID: c.id, Score: 1 - c.dist}
	}
	return out, nil
}

// Remove always reports false; the graph keeps removed nodes as waypoints.
func (h *HNSW) Remove(id uint64) bool {
	return false
}

// Len returns the number of nodes in the graph.
func (h *HNSW) Len() int {
	return len(h.nodes)
}

type candidate struct {
	id   uint64
	dist float64
}

func sortCandidates(c []candidate) []candidate {
	mh := minHeap(c)
	heap.Init(&mh)
	out := make([]candidate, 0, len(c))
	for mh.Len() > 0 {
		out = append(out, heap.Pop(&mh).(candidate))
	}
	return out
}

// less orders by distance, then by id so equal distances are deterministic.
func less(a, b candidate) bool {
	if a.dist == b.dist {
		return a.id < b.id
	}
	return a.dist < b.dist
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return less(h[j], h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
