// Package memory implements the two-tier conversation memory: a bounded
// short-term cache of recent interactions in front of a durable,
// vector-indexed long-term store, with quality and duplicate gates on
// ingestion, circuit breakers around the embedding backend and storage,
// background promotion and retention.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/breaker"
	"github.com/goclaw/cortex/pkg/embedding"
	"github.com/goclaw/cortex/pkg/storage"
	"github.com/goclaw/cortex/pkg/telemetry/tracing"
	"github.com/goclaw/cortex/pkg/vector"
)

const (
	tracerName    = "cortex.memory"
	statsInterval = 15 * time.Second
)

// Options carries the collaborators of a Coordinator.
type Options struct {
	// Store holds records and vector state. Required.
	Store storage.RecordStore
	// Feedback holds feedback votes. Defaults to Store when it implements
	// storage.FeedbackStore.
	Feedback storage.FeedbackStore
	// Embedder turns text into vectors. Required.
	Embedder embedding.Embedder
	Logger   Logger
	Metrics  Recorder
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// NewID generates record ids. Defaults to random UUIDs.
	NewID func() string
}

// Coordinator is the entry point of the memory system.
type Coordinator struct {
	cfg      config.MemoryConfig
	embedder embedding.Embedder
	feedback storage.FeedbackStore
	logger   Logger
	metrics  Recorder
	now      func() time.Time
	newID    func() string
	validate *validator.Validate

	quality   *QualityGate
	stm       *ShortTermMemory
	ltm       *LongTermMemory
	promoter  *Promoter
	retention *RetentionManager

	embedBreaker *breaker.Breaker
	storeBreaker *breaker.Breaker

	enabled      atomic.Bool
	crossSession atomic.Bool
	closed       atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds a Coordinator and loads long-term memory from the store.
func New(ctx context.Context, cfg *config.MemoryConfig, opts Options) (*Coordinator, error) {
	if cfg == nil {
		return nil, invalidInput("memory config is required")
	}
	if opts.Store == nil {
		return nil, invalidInput("record store is required")
	}
	if opts.Embedder == nil {
		return nil, invalidInput("embedder is required")
	}
	if d := opts.Embedder.Dimensions(); d > 0 && d != cfg.Dimension {
		return nil, invalidInput("embedder produces %d dimensions, memory is configured for %d", d, cfg.Dimension)
	}
	if opts.Feedback == nil {
		fb, ok := opts.Store.(storage.FeedbackStore)
		if !ok {
			return nil, invalidInput("feedback store is required")
		}
		opts.Feedback = fb
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	c := &Coordinator{
		cfg:      *cfg,
		embedder: opts.Embedder,
		feedback: opts.Feedback,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		newID:    opts.NewID,
		validate: validator.New(),
		quality:  NewQualityGate(cfg.Quality),
		stm:      NewShortTermMemory(cfg.STMCapacity),
	}
	c.enabled.Store(cfg.Enabled)
	c.crossSession.Store(cfg.CrossSession)

	c.embedBreaker = breaker.New(breaker.Config{
		Name:              "embedding",
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Cooldown:          cfg.Breaker.Cooldown,
		RecoverySuccesses: cfg.Breaker.RecoverySuccesses,
		OnStateChange:     c.onBreakerChange,
		Now:               opts.Now,
	})
	c.storeBreaker = breaker.New(breaker.Config{
		Name:              "storage",
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Cooldown:          cfg.Breaker.Cooldown,
		RecoverySuccesses: cfg.Breaker.RecoverySuccesses,
		IsFailure:         isStorageFailure,
		OnStateChange:     c.onBreakerChange,
		Now:               opts.Now,
	})
	c.metrics.SetBreakerState("embedding", int(breaker.StateClosed))
	c.metrics.SetBreakerState("storage", int(breaker.StateClosed))

	ltm, err := OpenLongTermMemory(ctx, opts.Store, LTMOptions{
		Dimension: cfg.Dimension,
		Index:     indexOptions(cfg.Index, opts.Logger),
		Breaker:   c.storeBreaker,
		Timeout:   cfg.StorageTimeout,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open long-term memory: %w", err)
	}
	c.ltm = ltm
	c.promoter = NewPromoter(ltm, cfg.Promotion, opts.Logger, opts.Metrics)
	c.retention = NewRetentionManager(ltm, PolicyFromConfig(cfg.Retention), opts.Now, opts.Logger, opts.Metrics)
	c.retention.OnRemove(func(id string) { c.stm.Remove(id) })

	return c, nil
}

func indexOptions(cfg config.IndexConfig, logger Logger) vector.Options {
	opts := vector.Options{ExactThreshold: cfg.ExactThreshold, Logger: logger}
	switch cfg.Backend {
	case "chromem":
		opts.NewBackend = func() (vector.Backend, error) {
			return vector.NewChromemBackend()
		}
	default:
		hc := vector.DefaultHNSWConfig()
		if cfg.M > 0 {
			hc.M = cfg.M
		}
		if cfg.EfConstruction > 0 {
			hc.EfConstruction = cfg.EfConstruction
		}
		if cfg.EfSearch > 0 {
			hc.EfSearch = cfg.EfSearch
		}
		opts.NewBackend = func() (vector.Backend, error) {
			return vector.NewHNSW(hc), nil
		}
	}
	return opts
}

// isStorageFailure keeps lookups of missing records from tripping the
// storage breaker.
func isStorageFailure(err error) bool {
	return err != nil && !storage.IsNotFound(err) && !errors.Is(err, context.Canceled)
}

func (c *Coordinator) onBreakerChange(name string, from, to breaker.State) {
	c.logger.Warn("circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	c.metrics.SetBreakerState(name, int(to))
}

// StoreInteraction offers one user/assistant exchange for storage. Quality
// and duplicate rejections are reported through the outcome; errors mean
// the exchange could not be evaluated.
func (c *Coordinator) StoreInteraction(ctx context.Context, sessionID, userText, assistantText string, md storage.Metadata) (result StoreResult, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.store_interaction",
		attribute.String("session.id", sessionID),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.String("memory.outcome", result.Outcome.String()))
			c.metrics.RecordIngest(result.Outcome.String())
		} else {
			c.metrics.RecordIngest("error")
		}
		tracing.EndSpan(span, err)
	}()

	if c.closed.Load() {
		return StoreResult{}, ErrClosed
	}
	if !c.enabled.Load() {
		return StoreResult{Outcome: OutcomeSkippedDisabled}, nil
	}
	if sessionID == "" {
		return StoreResult{}, invalidInput("session id is required")
	}
	md = md.Normalize()
	if err := c.validate.Struct(md); err != nil {
		return StoreResult{}, invalidInput("metadata: %v", err)
	}

	if reason := c.quality.Check(userText, assistantText); reason != "" {
		c.logger.Debug("interaction below quality bar", "session_id", sessionID, "reason", reason)
		return StoreResult{Outcome: OutcomeSkippedLowQuality, Reason: reason}, nil
	}

	content := formatInteraction(userText, assistantText)
	vec, err := c.embed(ctx, content)
	if err != nil {
		return StoreResult{}, err
	}

	if id, sim, dup := c.findDuplicate(vec); dup {
		c.logger.Debug("duplicate interaction skipped",
			"session_id", sessionID,
			"duplicate_of", id,
			"similarity", sim,
		)
		return StoreResult{Outcome: OutcomeSkippedDuplicate, DuplicateOf: id, Similarity: sim}, nil
	}

	rec := &storage.MemoryRecord{
		ID:        c.newID(),
		Content:   content,
		Embedding: vec,
		SessionID: sessionID,
		Metadata:  md,
		CreatedAt: c.now(),
	}
	evicted := c.stm.Add(rec)
	switch {
	case c.cfg.AutoPromote:
		c.promoter.Enqueue(rec)
	case evicted != nil:
		c.promoter.Enqueue(evicted)
	}

	return StoreResult{Outcome: OutcomeStored, ID: rec.ID}, nil
}

func formatInteraction(userText, assistantText string) string {
	return fmt.Sprintf("User: %s\nAssistant: %s", userText, assistantText)
}

// embed calls the embedder under the embedding breaker and timeout.
func (c *Coordinator) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var vec []float32
	err := c.embedBreaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.EmbedTimeout)
		defer cancel()

		v, err := c.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		if len(v) != c.cfg.Dimension {
			return fmt.Errorf("%w: expected %d, got %d", embedding.ErrDimensionMismatch, c.cfg.Dimension, len(v))
		}
		vec = v
		return nil
	})
	c.metrics.ObserveEmbedding(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// findDuplicate looks for the closest stored interaction in either tier,
// across all sessions.
func (c *Coordinator) findDuplicate(vec []float32) (string, float64, bool) {
	threshold := c.cfg.DedupThreshold
	if hits := c.stm.Search(vec, 1, nil); len(hits) > 0 && hits[0].Similarity >= threshold {
		return hits[0].ID, hits[0].Similarity, true
	}
	if id, sim, ok := c.ltm.Nearest(vec); ok && sim >= threshold {
		return id, sim, true
	}
	return "", 0, false
}

// Recall returns up to limit memories relevant to query, ranked by
// recency-weighted similarity. Unless global is set only memories from
// sessionID are returned.
func (c *Coordinator) Recall(ctx context.Context, sessionID, query string, limit int, global bool) (results []ScoredMemory, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.recall",
		attribute.String("session.id", sessionID),
		attribute.Int("recall.limit", limit),
		attribute.Bool("recall.global", global),
	)
	start := time.Now()
	defer func() {
		if err == nil {
			c.metrics.ObserveRecall(time.Since(start), len(results))
			span.SetAttributes(attribute.Int("recall.results", len(results)))
		}
		tracing.EndSpan(span, err)
	}()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if limit < 1 {
		return nil, invalidInput("limit must be positive")
	}
	if !global && sessionID == "" {
		return nil, invalidInput("session id is required unless recall is global")
	}
	if query == "" {
		return nil, invalidInput("query is required")
	}
	if !c.enabled.Load() {
		return []ScoredMemory{}, nil
	}

	vec, err := c.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	inSession := func(rec *storage.MemoryRecord) bool {
		return global || rec.SessionID == sessionID
	}
	filter := Filter{}
	if !global {
		filter.SessionID = sessionID
	}

	// Each tier is cut to 2*limit by raw similarity before recency
	// weighting, so a newer but less similar record can miss the cut.
	fetch := limit * 2
	stmHits := c.stm.Search(vec, fetch, inSession)
	ltmHits, err := c.ltm.Search(ctx, vec, fetch, filter)
	if err != nil {
		return nil, err
	}

	return c.rank(stmHits, ltmHits, sessionID, global, limit), nil
}

// rank merges the two tiers, letting short-term entries win on id
// collisions, applies the recency weight and truncates to limit.
func (c *Coordinator) rank(stmHits, ltmHits []ScoredMemory, sessionID string, global bool, limit int) []ScoredMemory {
	seen := make(map[string]struct{}, len(stmHits)+len(ltmHits))
	merged := make([]ScoredMemory, 0, len(stmHits)+len(ltmHits))
	now := c.now()

	for _, tier := range [][]ScoredMemory{stmHits, ltmHits} {
		for _, hit := range tier {
			if _, dup := seen[hit.ID]; dup {
				continue
			}
			seen[hit.ID] = struct{}{}
			if !global && hit.SessionID != sessionID {
				continue
			}
			hit.Score = hit.Similarity * recencyWeight(now.Sub(hit.CreatedAt), c.cfg.Recency)
			merged = append(merged, hit)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// recencyWeight decays from 1 toward cfg.Floor, losing half of the
// remaining distance every cfg.HalfLife.
func recencyWeight(age time.Duration, cfg config.RecencyConfig) float64 {
	if cfg.HalfLife <= 0 {
		return 1
	}
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, float64(age)/float64(cfg.HalfLife))
	return cfg.Floor + (1-cfg.Floor)*decay
}

// Get returns the memory with the given id from either tier.
func (c *Coordinator) Get(ctx context.Context, id string) (Memory, error) {
	if rec, ok := c.stm.Get(id); ok {
		return newMemory(rec, TierShortTerm), nil
	}
	rec, err := c.ltm.Get(ctx, id)
	if err != nil {
		return Memory{}, err
	}
	return newMemory(rec, TierLongTerm), nil
}

// Delete removes a memory from both tiers and cancels its pending
// promotion.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	removed := c.stm.Remove(id)
	c.promoter.Cancel(id)

	err := c.ltm.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) && removed {
		return nil
	}
	return err
}

// ListRecent returns the newest memories across both tiers, limited to
// sessionID when it is set.
func (c *Coordinator) ListRecent(ctx context.Context, sessionID string, limit int) ([]Memory, error) {
	if limit < 1 {
		return nil, invalidInput("limit must be positive")
	}

	seen := make(map[string]struct{})
	out := make([]Memory, 0, limit)
	for _, rec := range c.stm.List() {
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, newMemory(rec, TierShortTerm))
	}

	recs, err := c.ltm.List(ctx, &storage.RecordFilter{SessionID: sessionID, Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		out = append(out, newMemory(rec, TierLongTerm))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup applies the retention policy now and returns how many records
// were removed.
func (c *Coordinator) Cleanup(ctx context.Context) (removed int, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "memory.cleanup")
	defer func() {
		span.SetAttributes(attribute.Int("cleanup.removed", removed))
		tracing.EndSpan(span, err)
	}()

	report, err := c.retention.Cleanup(ctx)
	c.refreshStats(ctx)
	return report.Total(), err
}

// Stats returns an operational snapshot.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	st, err := c.ltm.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	p := c.retention.Policy()
	return Stats{
		Enabled:             c.enabled.Load(),
		CrossSession:        c.crossSession.Load(),
		STMCount:            c.stm.Len(),
		STMCapacity:         c.stm.Capacity(),
		Count:               st.Count,
		SizeBytes:           st.SizeBytes,
		OldestAt:            st.OldestAt,
		Tombstones:          c.ltm.Tombstones(),
		ShouldWarn:          p.MaxSizeBytes > 0 && p.WarnThresholdPct > 0 && st.SizeBytes*100 >= p.MaxSizeBytes*int64(p.WarnThresholdPct),
		PromotionQueueDepth: c.promoter.Depth(),
		PromotionDropped:    c.promoter.Dropped(),
		EmbeddingBreaker:    c.embedBreaker.Snapshot(),
		StorageBreaker:      c.storeBreaker.Snapshot(),
	}, nil
}

// RecordFeedback stores whether a recalled memory was helpful. Feedback
// for a memory replaces any earlier vote.
func (c *Coordinator) RecordFeedback(ctx context.Context, memoryID string, helpful bool) error {
	if memoryID == "" {
		return invalidInput("memory id is required")
	}
	if _, ok := c.stm.Get(memoryID); !ok && !c.ltm.Contains(memoryID) {
		if _, err := c.ltm.Get(ctx, memoryID); err != nil {
			return err
		}
	}

	fb := &storage.FeedbackRecord{MemoryID: memoryID, Helpful: helpful, Timestamp: c.now()}
	return c.feedbackCall(ctx, "record feedback", func(ctx context.Context) error {
		return c.feedback.RecordFeedback(ctx, fb)
	})
}

// FeedbackStats counts helpful and not helpful votes.
func (c *Coordinator) FeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	var stats *storage.FeedbackStats
	err := c.feedbackCall(ctx, "feedback stats", func(ctx context.Context) error {
		var err error
		stats, err = c.feedback.FeedbackStats(ctx)
		return err
	})
	return stats, err
}

func (c *Coordinator) feedbackCall(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StorageTimeout)
	defer cancel()
	return storageError(op, fn(ctx))
}

// SetEnabled turns ingestion and recall on or off.
func (c *Coordinator) SetEnabled(enabled bool) {
	if c.enabled.Swap(enabled) != enabled {
		c.logger.Info("memory toggled", "enabled", enabled)
	}
}

// Enabled reports whether the memory system is on.
func (c *Coordinator) Enabled() bool {
	return c.enabled.Load()
}

// SetCrossSession sets the default recall scope.
func (c *Coordinator) SetCrossSession(global bool) {
	c.crossSession.Store(global)
}

// CrossSession is the recall scope used when a caller does not choose one.
func (c *Coordinator) CrossSession() bool {
	return c.crossSession.Load()
}

// ApplyHotReload applies reloadable settings from a new configuration.
func (c *Coordinator) ApplyHotReload(h config.HotReloadableConfig) {
	c.SetEnabled(h.Enabled)
	c.SetCrossSession(h.CrossSession)
	c.retention.SetPolicy(PolicyFromConfig(h.Retention))
}

// Start launches promotion workers, index compaction, the retention loop
// and periodic stats reporting.
func (c *Coordinator) Start(parentCtx context.Context) {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(parentCtx)
		c.cancel = cancel
		c.done = make(chan struct{})

		c.promoter.Start()
		if c.cfg.Index.CompactionInterval > 0 {
			c.ltm.StartCompaction(ctx, c.cfg.Index.CompactionInterval, c.cfg.Index.CompactionRatio)
		}
		c.retention.Start(ctx, c.cfg.Retention.Interval)

		go func() {
			defer close(c.done)
			c.refreshStats(ctx)

			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := c.ltm.RetryOrphans(ctx); n > 0 {
						c.logger.Warn("orphaned records awaiting rollback", "count", n)
					}
					c.refreshStats(ctx)
				}
			}
		}()

		c.logger.Info("memory started",
			"enabled", c.enabled.Load(),
			"stm_capacity", c.stm.Capacity(),
			"ltm_records", c.ltm.Len(),
		)
	})
}

func (c *Coordinator) refreshStats(ctx context.Context) {
	if st, err := c.ltm.Stats(ctx); err == nil {
		c.metrics.SetStoreStats(st.Count, st.SizeBytes)
	}
	c.metrics.SetIndexTombstones(c.ltm.Tombstones())
	c.metrics.SetPromotionQueueDepth(c.promoter.Depth())
}

// Close stops accepting work, drains queued promotions within the
// configured drain timeout and stops background loops. The stores are
// owned by the caller and stay open.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.Promotion.DrainTimeout)
		err = c.promoter.Close(drainCtx)
		cancel()

		c.retention.Stop()
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.ltm.Close()
		c.logger.Info("memory stopped")
	})
	return err
}
