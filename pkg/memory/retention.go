package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/cortex/config"
)

// RetentionPolicy is the hybrid age or size policy. A zero MaxAge or
// MaxSizeBytes disables that dimension.
type RetentionPolicy struct {
	MaxAge           time.Duration
	MaxSizeBytes     int64
	WarnThresholdPct int
}

// PolicyFromConfig converts the retention configuration.
func PolicyFromConfig(cfg config.RetentionConfig) RetentionPolicy {
	return RetentionPolicy{
		MaxAge:           time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		MaxSizeBytes:     cfg.MaxSizeBytes(),
		WarnThresholdPct: cfg.WarnThresholdPct,
	}
}

// CleanupReport counts the records removed by one cleanup run.
type CleanupReport struct {
	ByAge  int `json:"by_age"`
	BySize int `json:"by_size"`
}

// Total returns the number of records removed.
func (r CleanupReport) Total() int {
	return r.ByAge + r.BySize
}

// RetentionManager enforces the retention policy over long-term memory.
type RetentionManager struct {
	ltm     *LongTermMemory
	now     func() time.Time
	logger  Logger
	metrics Recorder

	// onRemove is called with the id of every record a cleanup removes.
	onRemove func(id string)

	mu     sync.RWMutex
	policy RetentionPolicy

	// runMu keeps cleanup runs from overlapping.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionManager creates a manager for ltm.
func NewRetentionManager(ltm *LongTermMemory, policy RetentionPolicy, now func() time.Time, logger Logger, metrics Recorder) *RetentionManager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = nopLogger{}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &RetentionManager{
		ltm:     ltm,
		now:     now,
		logger:  logger,
		metrics: metrics,
		policy:  policy,
	}
}

// OnRemove registers fn to be called for each record removed by a cleanup.
// It must be set before Start.
func (r *RetentionManager) OnRemove(fn func(id string)) {
	r.onRemove = fn
}

func (r *RetentionManager) removed(ids ...string) {
	if r.onRemove == nil {
		return
	}
	for _, id := range ids {
		r.onRemove(id)
	}
}

// Policy returns the active policy.
func (r *RetentionManager) Policy() RetentionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetPolicy replaces the policy. The next check uses it.
func (r *RetentionManager) SetPolicy(p RetentionPolicy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// ShouldCleanup reports whether the oldest record is older than MaxAge or
// the store has reached MaxSizeBytes.
func (r *RetentionManager) ShouldCleanup(ctx context.Context) (bool, error) {
	p := r.Policy()
	stats, err := r.ltm.Stats(ctx)
	if err != nil {
		return false, err
	}
	if stats.Count == 0 {
		return false, nil
	}
	if p.MaxAge > 0 && r.now().Sub(stats.OldestAt) > p.MaxAge {
		return true, nil
	}
	return p.MaxSizeBytes > 0 && stats.SizeBytes >= p.MaxSizeBytes, nil
}

// ShouldWarn reports whether the store has reached WarnThresholdPct of
// MaxSizeBytes.
func (r *RetentionManager) ShouldWarn(ctx context.Context) (bool, error) {
	p := r.Policy()
	if p.MaxSizeBytes <= 0 || p.WarnThresholdPct <= 0 {
		return false, nil
	}
	stats, err := r.ltm.Stats(ctx)
	if err != nil {
		return false, err
	}
	return stats.SizeBytes*100 >= p.MaxSizeBytes*int64(p.WarnThresholdPct), nil
}

// Cleanup deletes every record older than MaxAge, then deletes the oldest
// remaining records one at a time while the store is at or over
// MaxSizeBytes.
func (r *RetentionManager) Cleanup(ctx context.Context) (CleanupReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	p := r.Policy()
	var report CleanupReport

	if p.MaxAge > 0 {
		ids, err := r.ltm.DeleteBefore(ctx, r.now().Add(-p.MaxAge))
		report.ByAge = len(ids)
		r.metrics.RecordRetentionDeleted("age", len(ids))
		r.removed(ids...)
		if err != nil {
			return report, err
		}
	}

	if p.MaxSizeBytes > 0 {
		err := r.trimToSize(ctx, p.MaxSizeBytes, &report)
		r.metrics.RecordRetentionDeleted("size", report.BySize)
		if err != nil {
			return report, err
		}
	}

	if report.Total() > 0 {
		r.logger.Info("retention cleanup finished",
			"by_age", report.ByAge,
			"by_size", report.BySize,
		)
	}
	return report, nil
}

func (r *RetentionManager) trimToSize(ctx context.Context, budget int64, report *CleanupReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := r.ltm.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.Count == 0 || stats.SizeBytes < budget {
			return nil
		}
		id, ok, err := r.ltm.DeleteOldest(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		report.BySize++
		r.removed(id)
	}
}

// Start runs a retention pass every interval: it warns when the size
// threshold is reached and cleans up when the policy is violated.
func (r *RetentionManager) Start(parentCtx context.Context, interval time.Duration) {
	if interval <= 0 || r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runOnce(ctx)
			}
		}
	}()
}

func (r *RetentionManager) runOnce(ctx context.Context) {
	if warn, err := r.ShouldWarn(ctx); err == nil && warn {
		p := r.Policy()
		r.logger.Warn("memory store nearing size limit",
			"max_size_bytes", p.MaxSizeBytes,
			"warn_threshold_pct", p.WarnThresholdPct,
		)
	}

	should, err := r.ShouldCleanup(ctx)
	if err != nil {
		r.logger.Warn("retention check failed", "error", err)
		return
	}
	if !should {
		return
	}
	if _, err := r.Cleanup(ctx); err != nil {
		r.logger.Error("retention cleanup failed", "error", err)
	}
}

// Stop halts the background loop and waits for it to exit.
func (r *RetentionManager) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}
}
