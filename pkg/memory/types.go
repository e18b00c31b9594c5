package memory

import (
	"time"

	"github.com/goclaw/cortex/pkg/breaker"
	"github.com/goclaw/cortex/pkg/storage"
)

// StoreOutcome is the result of offering an interaction for storage.
// Rejections are outcomes, not errors.
type StoreOutcome int

const (
	OutcomeStored StoreOutcome = iota
	OutcomeSkippedDuplicate
	OutcomeSkippedLowQuality
	OutcomeSkippedDisabled
)

// String returns the label used in logs, metrics and the API.
func (o StoreOutcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeSkippedDuplicate:
		return "skipped_duplicate"
	case OutcomeSkippedLowQuality:
		return "skipped_low_quality"
	case OutcomeSkippedDisabled:
		return "skipped_disabled"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome label.
func (o StoreOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// StoreResult describes a StoreInteraction call. ID is set only when the
// outcome is OutcomeStored; DuplicateOf and Similarity only for duplicates.
type StoreResult struct {
	Outcome     StoreOutcome `json:"outcome"`
	ID          string       `json:"id,omitempty"`
	DuplicateOf string       `json:"duplicate_of,omitempty"`
	Similarity  float64      `json:"similarity,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Tier names where a recalled memory was found.
type Tier string

const (
	TierShortTerm Tier = "stm"
	TierLongTerm  Tier = "ltm"
)

// Memory is a stored interaction as returned to callers. The embedding
// is not exposed and an unset context reads as storage.DefaultContext.
type Memory struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	SessionID string           `json:"session_id"`
	Metadata  storage.Metadata `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
	Tier      Tier             `json:"tier"`
}

func newMemory(rec *storage.MemoryRecord, tier Tier) Memory {
	md := rec.Metadata
	md.Context = md.ContextOrDefault()
	return Memory{
		ID:        rec.ID,
		Content:   rec.Content,
		SessionID: rec.SessionID,
		Metadata:  md,
		CreatedAt: rec.CreatedAt,
		Tier:      tier,
	}
}

// ScoredMemory is one recall hit.
type ScoredMemory struct {
	Memory

	// Similarity is the raw cosine similarity to the query.
	Similarity float64 `json:"similarity"`
	// Score is Similarity weighted by recency; results are ranked by it.
	Score float64 `json:"score"`
}

func newScoredMemory(rec *storage.MemoryRecord, similarity float64, tier Tier) ScoredMemory {
	return ScoredMemory{
		Memory:     newMemory(rec, tier),
		Similarity: similarity,
		Score:      similarity,
	}
}

// Stats is an operational snapshot of the memory system.
type Stats struct {
	Enabled      bool `json:"enabled"`
	CrossSession bool `json:"cross_session"`

	STMCount    int `json:"stm_count"`
	STMCapacity int `json:"stm_capacity"`

	// Count and SizeBytes describe long-term memory.
	Count      int       `json:"count"`
	SizeBytes  int64     `json:"size_bytes"`
	OldestAt   time.Time `json:"oldest_at,omitempty"`
	Tombstones int       `json:"tombstones"`
	ShouldWarn bool      `json:"should_warn"`

	PromotionQueueDepth int   `json:"promotion_queue_depth"`
	PromotionDropped    int64 `json:"promotion_dropped"`

	EmbeddingBreaker breaker.Snapshot `json:"embedding_breaker"`
	StorageBreaker   breaker.Snapshot `json:"storage_breaker"`
}

// Recorder receives memory metrics. metrics.Manager implements it.
type Recorder interface {
	RecordIngest(outcome string)
	ObserveRecall(duration time.Duration, results int)
	ObserveEmbedding(duration time.Duration, err error)
	SetBreakerState(name string, state int)
	SetPromotionQueueDepth(depth int)
	RecordPromotion(result string)
	RecordRetentionDeleted(reason string, count int)
	SetStoreStats(records int, bytes int64)
	SetIndexTombstones(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordIngest(string)                     {}
func (nopRecorder) ObserveRecall(time.Duration, int)        {}
func (nopRecorder) ObserveEmbedding(time.Duration, error)   {}
func (nopRecorder) SetBreakerState(string, int)             {}
func (nopRecorder) SetPromotionQueueDepth(int)              {}
func (nopRecorder) RecordPromotion(string)                  {}
func (nopRecorder) RecordRetentionDeleted(string, int)      {}
func (nopRecorder) SetStoreStats(int, int64)                {}
func (nopRecorder) SetIndexTombstones(int)                  {}
