// Package resilience classifies remote failures and retries them with
// per-source rate budgeting, backoff and unavailability breakers.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a source's breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every call to the source.
	CircuitOpen
	// CircuitHalfOpen lets a single trial call through after the cooldown.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the source's
// breaker is open.
var ErrCircuitOpen = eris.New("source breaker is open")

type breakerState struct {
	state    CircuitState
	openedAt time.Time
	cause    string
	trialing bool
}

// Breakers tracks which sources reported themselves unavailable. A tripped
// source stays open until Reset, or until Cooldown elapses when one is set,
// after which one trial call decides whether it closes again.
type Breakers struct {
	mu       sync.Mutex
	sources  map[string]*breakerState
	cooldown time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(source string, from, to CircuitState)

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBreakers creates a breaker registry. A zero cooldown keeps tripped
// sources open until Reset.
func NewBreakers(cooldown time.Duration) *Breakers {
	return &Breakers{
		sources:  make(map[string]*breakerState),
		cooldown: cooldown,
		nowFunc:  time.Now,
	}
}

// Allow returns ErrCircuitOpen when calls to source must not be made. Once
// the cooldown elapses exactly one caller is admitted as the trial call; others
// are rejected until Success, Trip or Release settles it.
func (b *Breakers) Allow(source string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sources[source]
	if !ok {
		return nil
	}
	switch st.state {
	case CircuitOpen:
		if b.cooldown > 0 && b.nowFunc().Sub(st.openedAt) >= b.cooldown {
			b.transition(source, st, CircuitHalfOpen)
			st.trialing = true
			return nil
		}
		return eris.Wrapf(ErrCircuitOpen, "%s: %s", source, st.cause)
	case CircuitHalfOpen:
		if st.trialing {
			return eris.Wrapf(ErrCircuitOpen, "%s: trial call in flight", source)
		}
		st.trialing = true
		return nil
	default:
		return nil
	}
}

// Trip opens the breaker for source.
func (b *Breakers) Trip(source string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sources[source]
	if !ok {
		st = &breakerState{}
		b.sources[source] = st
	}
	st.openedAt = b.nowFunc()
	st.trialing = false
	if cause != nil {
		st.cause = cause.Error()
	}
	if st.state != CircuitOpen {
		b.transition(source, st, CircuitOpen)
	}
}

// Success closes a half-open breaker.
func (b *Breakers) Success(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.sources[source]; ok && st.state == CircuitHalfOpen {
		st.trialing = false
		b.transition(source, st, CircuitClosed)
	}
}

// Release ends a half-open trial call that neither succeeded nor proved the
// source unavailable, letting the next caller try.
func (b *Breakers) Release(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.sources[source]; ok && st.state == CircuitHalfOpen {
		st.trialing = false
	}
}

// State returns the state of source.
func (b *Breakers) State(source string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sources[source]
	if !ok {
		return CircuitClosed
	}
	if st.state == CircuitOpen && b.cooldown > 0 && b.nowFunc().Sub(st.openedAt) >= b.cooldown {
		return CircuitHalfOpen
	}
	return st.state
}

// States returns a snapshot of every known source's state.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	names := make([]string, 0, len(b.sources))
	for name := range b.sources {
		names = append(names, name)
	}
	b.mu.Unlock()

	out := make(map[string]CircuitState, len(names))
	for _, name := range names {
		out[name] = b.State(name)
	}
	return out
}

// Reset closes every breaker. Called at the start of each run.
func (b *Breakers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name, st := range b.sources {
		if st.state != CircuitClosed {
			b.transition(name, st, CircuitClosed)
		}
	}
	b.sources = make(map[string]*breakerState)
}

// transition changes state and notifies. Caller holds mu.
func (b *Breakers) transition(source string, st *breakerState, to CircuitState) {
	from := st.state
	st.state = to
	if b.OnStateChange != nil {
		b.OnStateChange(source, from, to)
	}
}
