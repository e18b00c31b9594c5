// Package redis provides a Redis-backed storage.FeedbackStore so feedback
// can be shared between several memory engine instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/cortex/pkg/storage"
)

// Config holds connection settings for the feedback store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:      "localhost:6379",
		KeyPrefix: "cortex:",
	}
}

// NewClient creates a Redis client from the config.
func NewClient(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping checks if the Redis connection is healthy.
func Ping(ctx context.Context, client redis.Cmdable) error {
	return client.Ping(ctx).Err()
}

// FeedbackStore keeps one hash field per memory id under {prefix}feedback.
type FeedbackStore struct {
	client redis.Cmdable
	key    string
}

// NewFeedbackStore creates a feedback store on top of an existing client.
func NewFeedbackStore(client redis.Cmdable, keyPrefix string) *FeedbackStore {
	return &FeedbackStore{
		client: client,
		key:    keyPrefix + "feedback",
	}
}

// RecordFeedback upserts feedback for a memory id.
func (s *FeedbackStore) RecordFeedback(ctx context.Context, fb *storage.FeedbackRecord) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	if err := s.client.HSet(ctx, s.key, fb.MemoryID, string(data)).Err(); err != nil {
		return &storage.StorageUnavailableError{Cause: err}
	}
	return nil
}

// GetFeedback returns the feedback recorded for a memory id.
func (s *FeedbackStore) GetFeedback(ctx context.Context, memoryID string) (*storage.FeedbackRecord, error) {
	raw, err := s.client.HGet(ctx, s.key, memoryID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &storage.NotFoundError{EntityType: "feedback", ID: memoryID}
		}
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	var fb storage.FeedbackRecord
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &fb, nil
}

// FeedbackStats counts helpful and not helpful feedback. Unreadable entries
// are skipped.
func (s *FeedbackStore) FeedbackStats(ctx context.Context) (*storage.FeedbackStats, error) {
	values, err := s.client.HVals(ctx, s.key).Result()
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}

	stats := &storage.FeedbackStats{}
	for _, raw := range values {
		var fb storage.FeedbackRecord
		if err := json.Unmarshal([]byte(raw), &fb); err != nil {
			continue
		}
		if fb.Helpful {
			stats.Helpful++
		} else {
			stats.NotHelpful++
		}
	}
	return stats, nil
}
