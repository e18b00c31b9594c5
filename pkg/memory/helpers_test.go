package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/storage"
	memstore "github.com/goclaw/cortex/pkg/storage/memory"
)

const testDim = 64

var (
	errDisk  = errors.New("disk unavailable")
	errEmbed = errors.New("embedding backend down")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func basis(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

// blend returns the unit vector w*a + (1-w)*b.
func blend(a, b []float32, w float64) []float32 {
	out := make([]float32, len(a))
	var norm float64
	for i := range a {
		x := w*float64(a[i]) + (1-w)*float64(b[i])
		out[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

// stubEmbedder hands every new text its own basis vector unless a vector
// was registered for it.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	next    int
	err     error
	calls   atomic.Int32
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{vectors: make(map[string][]float32)}
}

func (e *stubEmbedder) set(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vec
}

func (e *stubEmbedder) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *stubEmbedder) vectorFor(text string) []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.vectors[text]; ok {
		return v
	}
	v := basis(e.next)
	e.next++
	e.vectors[text] = v
	return v
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	v := e.vectorFor(text)
	return append([]float32(nil), v...), nil
}

func (e *stubEmbedder) Dimensions() int { return testDim }

// faultyStore fails the next n calls of selected operations.
type faultyStore struct {
	storage.RecordStore

	putRecordFails atomic.Int32
	putVectorFails atomic.Int32
	deleteFails    atomic.Int32
	getFails       atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{RecordStore: memstore.NewMemoryStorage()}
}

func take(n *atomic.Int32) bool {
	for {
		cur := n.Load()
		if cur <= 0 {
			return false
		}
		if n.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

func (s *faultyStore) PutRecord(ctx context.Context, rec *storage.MemoryRecord) error {
	if take(&s.putRecordFails) {
		return errDisk
	}
	return s.RecordStore.PutRecord(ctx, rec)
}

func (s *faultyStore) PutVector(ctx context.Context, entry *storage.VectorEntry) error {
	if take(&s.putVectorFails) {
		return errDisk
	}
	return s.RecordStore.PutVector(ctx, entry)
}

func (s *faultyStore) DeleteRecord(ctx context.Context, id string) error {
	if take(&s.deleteFails) {
		return errDisk
	}
	return s.RecordStore.DeleteRecord(ctx, id)
}

func (s *faultyStore) GetRecord(ctx context.Context, id string) (*storage.MemoryRecord, error) {
	if take(&s.getFails) {
		return nil, errDisk
	}
	return s.RecordStore.GetRecord(ctx, id)
}

// spyRecorder counts memory metrics.
type spyRecorder struct {
	nopRecorder

	mu         sync.Mutex
	ingest     map[string]int
	promotions map[string]int
	retention  map[string]int
	breakers   map[string]int
}

func newSpyRecorder() *spyRecorder {
	return &spyRecorder{
		ingest:     make(map[string]int),
		promotions: make(map[string]int),
		retention:  make(map[string]int),
		breakers:   make(map[string]int),
	}
}

func (r *spyRecorder) RecordIngest(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingest[outcome]++
}

func (r *spyRecorder) RecordPromotion(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promotions[result]++
}

func (r *spyRecorder) RecordRetentionDeleted(reason string, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retention[reason] += count
}

func (r *spyRecorder) SetBreakerState(name string, state int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = state
}

func (r *spyRecorder) promotion(result string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.promotions[result]
}

func (r *spyRecorder) ingestCount(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ingest[outcome]
}

func (r *spyRecorder) breakerState(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers[name]
}

// captureLogger keeps the messages it was given.
type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, level+": "+msg)
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg) }

func (l *captureLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == entry {
			return true
		}
	}
	return false
}

func testMemoryConfig() *config.MemoryConfig {
	cfg := config.DefaultMemoryConfig()
	cfg.Dimension = testDim
	cfg.Promotion.InitialBackoff = time.Millisecond
	cfg.Promotion.MaxBackoff = 5 * time.Millisecond
	cfg.Promotion.DrainTimeout = 5 * time.Second
	cfg.Retention.Interval = 0
	cfg.Index.CompactionInterval = 0
	return &cfg
}

func testRecord(id, session string, vec []float32, created time.Time) *storage.MemoryRecord {
	return &storage.MemoryRecord{
		ID:        id,
		Content:   fmt.Sprintf("User: question %s\nAssistant: answer %s", id, id),
		Embedding: vec,
		SessionID: session,
		CreatedAt: created,
	}
}

func openTestLTM(t *testing.T, store storage.RecordStore) *LongTermMemory {
	t.Helper()
	ltm, err := OpenLongTermMemory(context.Background(), store, LTMOptions{Dimension: testDim})
	require.NoError(t, err)
	t.Cleanup(ltm.Close)
	return ltm
}

type coordinatorFixture struct {
	c        *Coordinator
	embedder *stubEmbedder
	store    *memstore.MemoryStorage
	clock    *fakeClock
	metrics  *spyRecorder
}

func newTestCoordinator(t *testing.T, mutate func(cfg *config.MemoryConfig)) *coordinatorFixture {
	t.Helper()
	cfg := testMemoryConfig()
	if mutate != nil {
		mutate(cfg)
	}

	f := &coordinatorFixture{
		embedder: newStubEmbedder(),
		store:    memstore.NewMemoryStorage(),
		clock:    newFakeClock(),
		metrics:  newSpyRecorder(),
	}
	c, err := New(context.Background(), cfg, Options{
		Store:    f.store,
		Embedder: f.embedder,
		Metrics:  f.metrics,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	f.c = c
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return f
}

// interaction returns a user/assistant pair that passes the quality gate.
func interaction(i int) (string, string) {
	return fmt.Sprintf("How do I configure service number %d?", i),
		fmt.Sprintf("Service number %d is configured through its yaml file.", i)
}
