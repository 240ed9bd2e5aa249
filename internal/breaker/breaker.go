// Package breaker implements the three-state circuit breaker guarding
// every call to the external downloader.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without touching the downstream while the breaker
// is open, or while a half-open probe is already in flight.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// Config tunes the breaker. Countable decides which errors trip it;
// when nil every error counts.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	Countable        func(error) bool
	OnStateChange    func(from, to State)

	// now is swappable for tests
	now func() time.Time
}

// Breaker is safe for concurrent use by all workers.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state    State
	failures int
	openedAt time.Time
	probing  bool

	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// Snapshot is the read model exposed on /downloads/health.
type Snapshot struct {
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Configure adjusts threshold and recovery window at runtime. Settings
// are live-reloaded, so workers push the current values every tick.
func (b *Breaker) Configure(threshold int, recovery time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threshold >= 1 {
		b.cfg.FailureThreshold = threshold
	}
	if recovery > 0 {
		b.cfg.RecoveryTimeout = recovery
	}
}

// Execute runs fn behind the breaker. Countable errors feed the failure
// counter; non-countable errors (the downstream answered, just not the
// way we wanted) count as contact and reset it.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && b.countable(err) {
		b.Failure()
		return err
	}
	b.Success()
	return err
}

func (b *Breaker) countable(err error) bool {
	if b.cfg.Countable == nil {
		return true
	}
	return b.cfg.Countable(err)
}

// Allow admits or rejects a call. In OPEN it admits a single probe once
// the recovery window has elapsed, moving to HALF_OPEN; concurrent
// callers during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.cfg.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful (or non-countable) outcome.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessAt = b.cfg.now()
	b.failures = 0
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// Failure records a countable failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.now()
	b.lastFailureAt = now
	b.probing = false

	switch b.state {
	case HalfOpen:
		b.openedAt = now
		b.transition(Open)
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(Open)
		}
	}
}

// IsOpen reports whether calls would currently be short-circuited.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open &&
		b.cfg.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout
}

// Snapshot returns the current read model.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:        b.state.String(),
		FailureCount: b.failures,
	}
	if !b.lastSuccessAt.IsZero() {
		t := b.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if b.state != Closed && !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		// Callback runs under the lock; keep it cheap.
		b.cfg.OnStateChange(from, to)
	}
}
