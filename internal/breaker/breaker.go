// Package breaker guards remote representation sources. A source that keeps
// failing is short-circuited for a cool-down period so ingestion requests fail
// fast instead of queueing behind dead connections.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/23skdu/reprsim/internal/metrics"
)

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpenState is returned while the breaker is rejecting calls.
var ErrOpenState = errors.New("circuit breaker is open")

// Settings configures a Breaker.
type Settings struct {
	// Failures is the consecutive failure count that opens the breaker.
	Failures uint32
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration
	// IsFailure classifies call errors. Defaults to err != nil, except that
	// context cancellation by the caller never counts against the source.
	IsFailure func(err error) bool
}

func (s Settings) withDefaults() Settings {
	if s.Failures == 0 {
		s.Failures = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.IsFailure == nil {
		s.IsFailure = defaultIsFailure
	}
	return s
}

func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Breaker is a closed/open/half-open state machine. In half-open state a
// single trial request is let through; its outcome decides the next state.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	consecutive uint32
	openedAt    time.Time
	probing     bool
}

// New creates a Breaker. name labels its metrics.
func New(name string, st Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: st.withDefaults(),
		now:      time.Now,
	}
}

// State returns the current state, promoting open to half-open once the
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.Timeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.consecutive = 0
	b.probing = false
	if s == StateOpen {
		b.openedAt = b.now()
	}
	metrics.BreakerStateChangesTotal.WithLabelValues(b.name, s.String()).Inc()
}

func (b *Breaker) acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settings.IsFailure(err) {
		switch b.state {
		case StateHalfOpen:
			b.setState(StateOpen)
		case StateClosed:
			b.consecutive++
			if b.consecutive >= b.settings.Failures {
				b.setState(StateOpen)
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.setState(StateClosed)
	case StateClosed:
		b.consecutive = 0
	}
}

// Do runs fn unless the breaker is open, and records its outcome.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.acquire() {
		return ErrOpenState
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// Group lazily creates one Breaker per name (typically a source host).
type Group struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewGroup(st Settings) *Group {
	return &Group{settings: st, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (g *Group) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = New(name, g.settings)
		g.breakers[name] = b
	}
	return b
}

// States snapshots the state of every breaker in the group.
func (g *Group) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}
