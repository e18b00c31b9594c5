package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/goclaw/cortex/config"
	"github.com/goclaw/cortex/pkg/storage"
)

var errPromotionCanceled = errors.New("memory: promotion canceled")

// promoteTarget is where promoted records go; LongTermMemory implements it.
type promoteTarget interface {
	Add(ctx context.Context, rec *storage.MemoryRecord) error
	Delete(ctx context.Context, id string) error
}

// Promoter moves records to long-term memory in the background through a
// bounded queue. When the queue is full new records are dropped and
// logged; the caller is never blocked.
type Promoter struct {
	target  promoteTarget
	cfg     config.PromotionConfig
	logger  Logger
	metrics Recorder

	queue chan *storage.MemoryRecord
	wg    sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	started  bool
	pending  map[string]int
	canceled map[string]struct{}

	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPromoter creates a promoter feeding target.
func NewPromoter(target promoteTarget, cfg config.PromotionConfig, logger Logger, metrics Recorder) *Promoter {
	if logger == nil {
		logger = nopLogger{}
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Promoter{
		target:   target,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan *storage.MemoryRecord, cfg.QueueSize),
		pending:  make(map[string]int),
		canceled: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers. Calling it twice has no effect.
func (p *Promoter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
}

// Enqueue offers rec for promotion and reports whether it was accepted.
func (p *Promoter) Enqueue(rec *storage.MemoryRecord) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.drop(rec, "promoter closed")
		return false
	}
	select {
	case p.queue <- rec:
		p.pending[rec.ID]++
		delete(p.canceled, rec.ID)
		p.metrics.SetPromotionQueueDepth(len(p.queue))
		return true
	default:
		p.drop(rec, "queue full")
		return false
	}
}

func (p *Promoter) drop(rec *storage.MemoryRecord, reason string) {
	p.dropped.Add(1)
	p.metrics.RecordPromotion("dropped")
	p.logger.Warn("promotion dropped",
		"id", rec.ID,
		"session_id", rec.SessionID,
		"reason", reason,
	)
}

// Cancel stops a queued promotion of id. A promotion already in flight is
// undone once it lands.
func (p *Promoter) Cancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[id] > 0 {
		p.canceled[id] = struct{}{}
	}
}

func (p *Promoter) isCanceled(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.canceled[id]
	return ok
}

func (p *Promoter) finish(id string) (canceled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, canceled = p.canceled[id]
	p.pending[id]--
	if p.pending[id] <= 0 {
		delete(p.pending, id)
		delete(p.canceled, id)
	}
	p.metrics.SetPromotionQueueDepth(len(p.queue))
	return canceled
}

func (p *Promoter) work() {
	defer p.wg.Done()
	for rec := range p.queue {
		p.promote(rec)
	}
}

func (p *Promoter) promote(rec *storage.MemoryRecord) {
	if p.isCanceled(rec.ID) {
		p.finish(rec.ID)
		p.metrics.RecordPromotion("skipped")
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(p.ctx, func() (struct{}, error) {
		attempts++
		if p.isCanceled(rec.ID) {
			return struct{}{}, backoff.Permanent(errPromotionCanceled)
		}
		err := p.target.Add(p.ctx, rec)
		if errors.Is(err, ErrInvalidInput) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("promotion retry", "id", rec.ID, "error", err, "next", next)
		}),
	)

	canceled := p.finish(rec.ID)
	switch {
	case errors.Is(err, errPromotionCanceled):
		p.metrics.RecordPromotion("skipped")
	case err != nil:
		p.metrics.RecordPromotion("failed")
		p.logger.Error("promotion failed",
			"id", rec.ID,
			"session_id", rec.SessionID,
			"attempts", attempts,
			"error", err,
		)
	case canceled:
		// Deleted while the write was in flight.
		if err := p.target.Delete(context.Background(), rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			p.logger.Warn("failed to undo canceled promotion", "id", rec.ID, "error", err)
		}
		p.metrics.RecordPromotion("skipped")
	default:
		p.metrics.RecordPromotion("promoted")
	}
}

// Depth returns the number of queued records.
func (p *Promoter) Depth() int {
	return len(p.queue)
}

// Dropped returns how many records were dropped.
func (p *Promoter) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be promoted.
// If ctx ends first, in-flight retries are abandoned and ctx.Err is
// returned.
func (p *Promoter) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("promotion drain timed out", "abandoned", len(p.queue))
		return ctx.Err()
	}
}
