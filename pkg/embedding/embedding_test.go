package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "How do I reverse a slice in Go?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "How do I reverse a slice in Go?")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)
}

func TestHashEmbedder_SimilarTextsAreCloser(t *testing.T) {
	e := NewHashEmbedder(384)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "User: how do I sort a slice in go\nAssistant: use sort.Slice with a less function")
	near, _ := e.Embed(ctx, "User: how do I sort a slice in go?\nAssistant: use sort.Slice with a less func")
	far, _ := e.Embed(ctx, "User: best pizza toppings\nAssistant: mushrooms and basil")

	assert.Greater(t, cosine(base, near), 0.8)
	assert.Less(t, cosine(base, far), 0.3)
	assert.Greater(t, cosine(base, near), cosine(base, far))
}

func TestHashEmbedder_NoWordCharacters(t *testing.T) {
	e := NewHashEmbedder(16)
	vec, err := e.Embed(context.Background(), "?!...")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

type countingEmbedder struct {
	calls atomic.Int32
	inner Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestCachedEmbedder_ReusesVectors(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(32)}
	cached, err := NewCachedEmbedder(inner, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, "recall this")
	require.NoError(t, err)
	cached.Wait()

	second, err := cached.Embed(ctx, "recall this")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 32, cached.Dimensions())

	// Callers may mutate what they get back without poisoning the cache.
	second[0] = 99
	third, err := cached.Embed(ctx, "recall this")
	require.NoError(t, err)
	assert.NotEqual(t, float32(99), third[0])
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("boom")
}
func (failingEmbedder) Dimensions() int { return 4 }

func TestCachedEmbedder_ErrorsNotCached(t *testing.T) {
	cached, err := NewCachedEmbedder(failingEmbedder{}, 10)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Embed(context.Background(), "x")
	assert.Error(t, err)
	cached.Wait()
	_, err = cached.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func newEmbeddingServer(t *testing.T, vec []float64, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body["model"],
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vec},
			},
			"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	var hits atomic.Int32
	srv := newEmbeddingServer(t, []float64{0.1, 0.2, 0.3}, &hits)

	e, err := NewOpenAIEmbedder(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/",
		Dimensions: 3,
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	var hits atomic.Int32
	srv := newEmbeddingServer(t, []float64{0.1, 0.2}, &hits)

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestOpenAIEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	e, err := New(Config{Provider: "hash", Dimensions: 12})
	require.NoError(t, err)
	assert.IsType(t, &HashEmbedder{}, e)
	assert.Equal(t, 12, e.Dimensions())

	e, err = New(Config{Provider: "hash", Dimensions: 12, CacheSize: 10})
	require.NoError(t, err)
	assert.IsType(t, &CachedEmbedder{}, e)

	_, err = New(Config{Provider: "word2vec"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)
}
