package gate

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

const (
	breakerFailureThreshold = 3
	breakerWindow           = 60 * time.Second
	breakerCooldown         = 30 * time.Second
)

// CircuitBreaker guards calls against one mint. It opens after 3
// failures inside a 60 s sliding window and allows a single trial call
// after a 30 s cooldown.
type CircuitBreaker struct {
	mu       sync.Mutex
	clock    clock.Clock
	state    BreakerState
	failures []time.Time
	openedAt time.Time
}

func NewCircuitBreaker(c clock.Clock) *CircuitBreaker {
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &CircuitBreaker{clock: c, state: BreakerClosed}
}

// CanCall reports whether a mint call may proceed. An open breaker past
// its cooldown transitions to half-open and admits the trial call.
func (b *CircuitBreaker) CanCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= breakerCooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = nil
}

func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = now
		b.failures = nil
		return
	}

	kept := b.failures[:0]
	for _, ts := range b.failures {
		if now.Sub(ts) < breakerWindow {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= breakerFailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.failures = nil
	}
}

// State returns the current state without advancing cooldown.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
