package publisher

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/portico/internal/config"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial calls through after the open period.
	BreakerHalfOpen
	// BreakerOpen rejects calls.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("publisher: circuit breaker is open")

// minRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minRateSamples = 10

// Breaker guards the publisher backend. It opens after a run of consecutive
// failures, or when the failure rate within a tumbling window crosses the
// configured threshold, and lets trial calls through after the open period.
type Breaker struct {
	cfg      config.CircuitBreakerConfig
	now      func() time.Time
	onChange func(BreakerState)

	mu          sync.Mutex
	state       BreakerState
	failures    int
	trials      int
	openedAt    time.Time
	windowStart time.Time
	calls       int
	failed      int
}

// NewBreaker creates a closed Breaker. onChange, when non-nil, is called
// with the new state after every transition.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(BreakerState)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a call that reached the backend and got a usable answer.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.count(false)
	case BreakerHalfOpen:
		b.trials++
		if b.trials >= b.cfg.SuccessThreshold {
			b.transition(BreakerClosed)
		}
	}
}

// Failure records a call that failed because of the backend.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		b.count(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transition(BreakerOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.transition(BreakerHalfOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	b.state = to
	b.failures = 0
	b.trials = 0
	b.resetWindow()
	if to == BreakerOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		b.onChange(to)
	}
}

func (b *Breaker) count(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.calls++
	if failed {
		b.failed++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.calls = 0
	b.failed = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 || b.calls < minRateSamples {
		return false
	}
	return float64(b.failed)/float64(b.calls) >= b.cfg.ErrorRateThreshold
}
