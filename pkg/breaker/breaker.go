// Package breaker implements a three-state circuit breaker guarding calls
// to the embedding backend and durable storage.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the guarded call while the circuit
// is open, or while a half-open trial is already in flight.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var validTransitions = map[State]map[State]struct{}{
	StateClosed: {
		StateOpen: {},
	},
	StateOpen: {
		StateHalfOpen: {},
	},
	StateHalfOpen: {
		StateOpen:   {},
		StateClosed: {},
	},
}

// String returns the string form of State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CanTransitionTo checks whether a state transition is valid.
func (s State) CanTransitionTo(next State) bool {
	_, ok := validTransitions[s][next]
	return ok
}

// Config configures a Breaker.
type Config struct {
	// Name identifies the breaker in errors, logs and metrics.
	Name string
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open after the last failure.
	Cooldown time.Duration
	// RecoverySuccesses consecutive half-open successes close the circuit.
	RecoverySuccesses int
	// IsFailure classifies a call error. Defaults to every non-nil error
	// except context.Canceled, which is neither success nor failure.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default thresholds.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FailureThreshold:  10,
		Cooldown:          60 * time.Second,
		RecoverySuccesses: 3,
	}
}

// Snapshot is a point-in-time view of a Breaker.
type Snapshot struct {
	Name        string    `json:"name"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Opened      int64     `json:"opened"`
}

// Breaker is safe for concurrent use. All state reads and transitions
// happen under one mutex.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	trial       bool   // a half-open trial is in flight
	generation  uint64 // bumped on every transition
	opened      int64
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.RecoverySuccesses <= 0 {
		cfg.RecoverySuccesses = def.RecoverySuccesses
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

type transition struct {
	from, to State
}

// setState moves to next. Caller holds b.mu.
func (b *Breaker) setState(next State, out *[]transition) {
	if !b.state.CanTransitionTo(next) {
		return
	}
	*out = append(*out, transition{from: b.state, to: next})
	b.state = next
	b.generation++
	b.trial = false
	switch next {
	case StateOpen:
		b.successes = 0
		b.opened++
	case StateHalfOpen, StateClosed:
		b.failures = 0
		b.successes = 0
	}
}

// advance applies the time-based Open -> HalfOpen transition. Caller holds b.mu.
func (b *Breaker) advance(out *[]transition) {
	if b.state == StateOpen && b.cfg.Now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen, out)
	}
}

func (b *Breaker) notify(ts []transition) {
	if b.cfg.OnStateChange == nil {
		return
	}
	for _, t := range ts {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

// Allow asks permission for one call. On success the returned done func
// must be called exactly once with the call's error.
func (b *Breaker) Allow() (func(error), error) {
	var ts []transition
	b.mu.Lock()
	b.advance(&ts)

	var err error
	switch b.state {
	case StateOpen:
		err = fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	case StateHalfOpen:
		if b.trial {
			err = fmt.Errorf("%s: trial in flight: %w", b.cfg.Name, ErrOpen)
		} else {
			b.trial = true
		}
	}
	gen := b.generation
	b.mu.Unlock()
	b.notify(ts)

	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.record(gen, callErr) })
	}, nil
}

// record applies a call outcome. Results from before the last transition
// are ignored so a slow call cannot flip a state it was not admitted under.
func (b *Breaker) record(gen uint64, callErr error) {
	var ts []transition
	b.mu.Lock()

	if gen != b.generation {
		b.mu.Unlock()
		return
	}

	now := b.cfg.Now()
	switch {
	case callErr == nil:
		b.onSuccess(&ts)
	case b.cfg.IsFailure(callErr):
		b.onFailure(now, &ts)
	default:
		// Neutral outcome releases the trial slot without counting.
		if b.state == StateHalfOpen {
			b.trial = false
		}
	}

	b.mu.Unlock()
	b.notify(ts)
}

func (b *Breaker) onSuccess(ts *[]transition) {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trial = false
		b.successes++
		if b.successes >= b.cfg.RecoverySuccesses {
			b.setState(StateClosed, ts)
		}
	}
}

func (b *Breaker) onFailure(now time.Time, ts *[]transition) {
	b.lastFailure = now
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, ts)
		}
	case StateHalfOpen:
		b.failures++
		b.setState(StateOpen, ts)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// State returns the current state, applying the cooldown transition first.
func (b *Breaker) State() State {
	var ts []transition
	b.mu.Lock()
	b.advance(&ts)
	s := b.state
	b.mu.Unlock()
	b.notify(ts)
	return s
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	var ts []transition
	b.mu.Lock()
	b.advance(&ts)
	snap := Snapshot{
		Name:        b.cfg.Name,
		State:       b.state,
		StateName:   b.state.String(),
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		Opened:      b.opened,
	}
	b.mu.Unlock()
	b.notify(ts)
	return snap
}
