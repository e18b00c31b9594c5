package config

import "time"

// MemoryConfig holds the memory engine settings.
type MemoryConfig struct {
	// Enabled turns ingestion and recall on.
	Enabled bool `mapstructure:"enabled"`

	// Dimension is the embedding dimension.
	Dimension int `mapstructure:"dimension" validate:"min=1"`

	// STMCapacity is the number of interactions held in short-term memory.
	STMCapacity int `mapstructure:"stm_capacity" validate:"min=1"`

	// DedupThreshold is the similarity at or above which content is a duplicate.
	DedupThreshold float64 `mapstructure:"dedup_threshold" validate:"gt=0,lte=1"`

	// CrossSession makes recall global when the caller does not say.
	CrossSession bool `mapstructure:"cross_session"`

	// AutoPromote promotes every stored interaction to long-term memory
	// immediately; otherwise interactions are promoted when evicted from STM.
	AutoPromote bool `mapstructure:"auto_promote"`

	// EmbedTimeout bounds each embedding call.
	EmbedTimeout time.Duration `mapstructure:"embed_timeout" validate:"gt=0"`

	// StorageTimeout bounds each durable storage call.
	StorageTimeout time.Duration `mapstructure:"storage_timeout" validate:"gt=0"`

	Quality   QualityConfig   `mapstructure:"quality"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Promotion PromotionConfig `mapstructure:"promotion"`
	Retention RetentionConfig `mapstructure:"retention"`
	Recency   RecencyConfig   `mapstructure:"recency"`
	Index     IndexConfig     `mapstructure:"index"`
	Feedback  FeedbackConfig  `mapstructure:"feedback"`
}

// QualityConfig holds the ingestion quality gate.
type QualityConfig struct {
	// MinLength is the minimum length in characters of each side of an interaction.
	MinLength int `mapstructure:"min_length" validate:"gte=0"`

	// MaxLength is the maximum length in characters of each side of an interaction.
	MaxLength int `mapstructure:"max_length" validate:"gtefield=MinLength"`

	// NoiseMarkers reject assistant text containing any of them.
	NoiseMarkers []string `mapstructure:"noise_markers"`

	// NoisePrefixes reject assistant text starting with any of them.
	NoisePrefixes []string `mapstructure:"noise_prefixes"`
}

// BreakerConfig configures the circuit breakers.
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"min=1"`
	Cooldown          time.Duration `mapstructure:"cooldown" validate:"gt=0"`
	RecoverySuccesses int           `mapstructure:"recovery_successes" validate:"min=1"`
}

// PromotionConfig configures the background promotion queue.
type PromotionConfig struct {
	QueueSize      int           `mapstructure:"queue_size" validate:"min=1"`
	Workers        int           `mapstructure:"workers" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
}

// RetentionConfig holds the hybrid age/size retention policy. A value of
// zero disables that dimension.
type RetentionConfig struct {
	RetentionDays    int           `mapstructure:"retention_days" validate:"gte=0"`
	MaxSizeMB        int64         `mapstructure:"max_size_mb" validate:"gte=0"`
	WarnThresholdPct int           `mapstructure:"warn_threshold_pct" validate:"gte=0,lte=100"`
	Interval         time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// RecencyConfig holds the recall recency decay.
type RecencyConfig struct {
	// HalfLife is the age at which the weight above the floor halves.
	HalfLife time.Duration `mapstructure:"half_life" validate:"gt=0"`

	// Floor is the minimum weight for very old memories.
	Floor float64 `mapstructure:"floor" validate:"gte=0,lte=1"`
}

// IndexConfig configures the long-term vector index.
type IndexConfig struct {
	Backend            string        `mapstructure:"backend" validate:"oneof=hnsw chromem"`
	M                  int           `mapstructure:"m" validate:"min=2"`
	EfConstruction     int           `mapstructure:"ef_construction" validate:"min=1"`
	EfSearch           int           `mapstructure:"ef_search" validate:"min=1"`
	ExactThreshold     int           `mapstructure:"exact_threshold" validate:"gte=0"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval" validate:"gte=0"`
	CompactionRatio    float64       `mapstructure:"compaction_ratio" validate:"gt=0,lte=1"`
}

// FeedbackConfig selects where feedback is stored.
type FeedbackConfig struct {
	// Backend is "store" (the record store) or "redis".
	Backend string `mapstructure:"backend" validate:"oneof=store redis"`
}

// MaxSizeBytes converts MaxSizeMB to bytes.
func (r RetentionConfig) MaxSizeBytes() int64 {
	return r.MaxSizeMB * 1024 * 1024
}
