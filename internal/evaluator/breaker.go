package evaluator

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("evaluator: circuit breaker open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets one probe call through at a time.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is the smallest window population for which the error rate
// is considered.
const minRateSamples = 10

// BreakerSettings configures a Breaker. Zero values select the defaults
// noted on each field.
type BreakerSettings struct {
	FailureThreshold   int           // consecutive failures to open; default 5
	SuccessThreshold   int           // half-open successes to close; default 2
	Timeout            time.Duration // open cool-down; default 30s
	ErrorRateThreshold float64       // 0 disables rate tripping
	ErrorRateWindow    time.Duration // tumbling window; 0 disables rate tripping

	// OnStateChange, if set, is called with the new state after every
	// transition. It runs with the breaker lock held and must not call back
	// into the breaker.
	OnStateChange func(BreakerState)
}

// Breaker guards calls to a remote evaluator. It opens on a run of
// consecutive failures or on a high error rate within a tumbling window.
// It is safe for concurrent use.
type Breaker struct {
	settings BreakerSettings

	mu            sync.Mutex
	state         BreakerState
	consecutive   int
	probeOK       int
	probeInFlight bool
	openedAt      time.Time

	windowStart time.Time
	windowCalls int
	windowFails int

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	b := &Breaker{settings: s, now: time.Now}
	b.windowStart = b.now()
	return b
}

// Execute runs fn if the breaker allows it and records the outcome. Errors
// for which countable returns false are passed through without affecting
// the breaker.
func (b *Breaker) Execute(fn func() error, countable func(error) bool) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

// State returns the current state, moving Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpenLocked()
	return b.state
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.expireOpenLocked()
	switch b.state {
	case BreakerOpen:
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutive = 0
		b.countLocked(false)
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.probeOK++
		if b.probeOK >= b.settings.SuccessThreshold {
			b.consecutive = 0
			b.resetWindowLocked()
			b.setStateLocked(BreakerClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.consecutive++
		b.countLocked(true)
		if b.consecutive >= b.settings.FailureThreshold || b.rateExceededLocked() {
			b.tripLocked()
		}
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.openedAt = b.now()
	b.probeOK = 0
	b.resetWindowLocked()
	b.setStateLocked(BreakerOpen)
}

func (b *Breaker) expireOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.Timeout {
		b.probeOK = 0
		b.probeInFlight = false
		b.setStateLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setStateLocked(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(s)
	}
}

func (b *Breaker) countLocked(failed bool) {
	if b.settings.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.settings.ErrorRateWindow {
		b.resetWindowLocked()
	}
	b.windowCalls++
	if failed {
		b.windowFails++
	}
}

func (b *Breaker) resetWindowLocked() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFails = 0
}

func (b *Breaker) rateExceededLocked() bool {
	if b.settings.ErrorRateThreshold <= 0 || b.settings.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFails)/float64(b.windowCalls) >= b.settings.ErrorRateThreshold
}
