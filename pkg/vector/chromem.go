package vector

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"
)

const chromemCollection = "cortex-memories"

// ChromemBackend stores vectors in an in-process chromem-go collection.
// chromem queries are exhaustive, so filtering the full ranked list is
// equivalent to restricting the candidate set up front.
type ChromemBackend struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromemBackend creates a backend with a fresh collection.
func NewChromemBackend() (*ChromemBackend, error) {
	db := chromem.NewDB()
	// Embeddings are always supplied, so the collection never needs an
	// embedding function of its own.
	col, err := db.CreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: create chromem collection: %w", err)
	}
	return &ChromemBackend{db: db, col: col}, nil
}

// Insert adds or overwrites a document holding vec.
func (c *ChromemBackend) Insert(id uint64, vec []float32) error {
	doc := chromem.Document{
		ID:        strconv.FormatUint(id, 10),
		Embedding: Normalize(vec),
	}
	if err := c.col.AddDocument(context.Background(), doc); err != nil {
		return fmt.Errorf("vector: chromem insert %d: %w", id, err)
	}
	return nil
}

// Remove reports false; deleted ids are tombstoned by the Index and dropped
// on the next rebuild.
func (c *ChromemBackend) Remove(id uint64) bool {
	return false
}

// Search ranks the whole collection and keeps the first k accepted ids.
func (c *ChromemBackend) Search(query []float32, k int, accept func(uint64) bool) ([]Match, error) {
	n := c.col.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(context.Background(), Normalize(query), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: chromem query: %w", err)
	}

	out := make([]Match, 0, k)
	for _, r := range results {
		id, err := strconv.ParseUint(r.ID, 10, 64)
		if err != nil {
			continue
		}
		if accept != nil && !accept(id) {
			continue
		}
		out = append(out, Match{ID: id, Score: float64(r.Similarity)})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Len returns the number of documents in the collection.
func (c *ChromemBackend) Len() int {
	return c.col.Count()
}
