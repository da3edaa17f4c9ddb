package delivery

import (
	"sync"
	"time"

	"reminderd/internal/channel"
)

// breaker is a consecutive-failure circuit breaker keyed by channel:
//   - success resets the count and closes the circuit
//   - once failures reach trip, the circuit opens for an exponentially
//     growing cooldown capped at maxDelay
//
// A quiet period of resetAfter since the last failure forgets the history.
type breaker struct {
	mu sync.Mutex
	m  map[channel.Name]*breakerState

	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg Config) *breaker {
	return &breaker{
		m:          map[channel.Name]*breakerState{},
		trip:       cfg.CircuitTrip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
}

func (b *breaker) enabled() bool { return b != nil && b.trip > 0 }

func (b *breaker) stateLocked(now time.Time, n channel.Name) *breakerState {
	st := b.m[n]
	if st == nil {
		st = &breakerState{}
		b.m[n] = st
	}
	if !st.lastFailure.IsZero() && b.resetAfter > 0 && now.Sub(st.lastFailure) > b.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return st
}

// open reports whether n is short-circuited at now.
func (b *breaker) open(now time.Time, n channel.Name) (bool, time.Time) {
	if !b.enabled() {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(now, n)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, n channel.Name, err error) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked(now, n)
	if err == nil {
		*st = breakerState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < b.trip {
		return
	}
	d := b.baseDelay
	for i := 0; i < st.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	st.openUntil = now.Add(d)
}
