package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "cortex",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				RequestTimeout:  30 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				ExposedHeaders:   []string{"X-Request-ID"},
				AllowCredentials: false,
				MaxAge:           86400,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/cortex",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			DB:        0,
			KeyPrefix: "cortex:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_ratio",
			SampleRate: 0.1,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "text-embedding-3-small",
			CacheSize: 4096,
		},
		Memory: DefaultMemoryConfig(),
	}
}

// DefaultMemoryConfig returns the default memory engine configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Enabled:        true,
		Dimension:      384,
		STMCapacity:    20,
		DedupThreshold: 0.95,
		CrossSession:   false,
		AutoPromote:    true,
		EmbedTimeout:   5 * time.Second,
		StorageTimeout: 5 * time.Second,
		Quality: QualityConfig{
			MinLength:     10,
			MaxLength:     10000,
			NoiseMarkers:  []string{"Error:", "Failed to", "error[E"},
			NoisePrefixes: []string{"error:"},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  10,
			Cooldown:          60 * time.Second,
			RecoverySuccesses: 3,
		},
		Promotion: PromotionConfig{
			QueueSize:      256,
			Workers:        2,
			MaxRetries:     5,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			DrainTimeout:   10 * time.Second,
		},
		Retention: RetentionConfig{
			RetentionDays:    30,
			MaxSizeMB:        100,
			WarnThresholdPct: 80,
			Interval:         10 * time.Minute,
		},
		Recency: RecencyConfig{
			HalfLife: 168 * time.Hour,
			Floor:    0.1,
		},
		Index: IndexConfig{
			Backend:            "hnsw",
			M:                  16,
			EfConstruction:     200,
			EfSearch:           100,
			ExactThreshold:     2048,
			CompactionInterval: 5 * time.Minute,
			CompactionRatio:    0.2,
		},
		Feedback: FeedbackConfig{
			Backend: "store",
		},
	}
}
