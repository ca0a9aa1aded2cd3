package health

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/reprsim/internal/breaker"
)

// CheckerFunc adapts a function to HealthChecker.
type CheckerFunc struct {
	ComponentName string
	Fn            func(ctx context.Context) *ComponentHealth
}

func (c CheckerFunc) Name() string { return c.ComponentName }

func (c CheckerFunc) Check(ctx context.Context) *ComponentHealth {
	ch := c.Fn(ctx)
	ch.Name = c.ComponentName
	if ch.LastChecked.IsZero() {
		ch.LastChecked = time.Now()
	}
	return ch
}

// Counter is satisfied by anything that reports how many entries it holds.
type Counter interface {
	Len() int
}

// StoreChecker reports the number of loaded representations. It is always
// healthy; an empty store simply has nothing loaded yet.
type StoreChecker struct {
	store Counter
}

func NewStoreChecker(store Counter) *StoreChecker {
	return &StoreChecker{store: store}
}

func (sc *StoreChecker) Name() string { return "store" }

func (sc *StoreChecker) Check(context.Context) *ComponentHealth {
	n := sc.store.Len()
	return &ComponentHealth{
		Name:        sc.Name(),
		Status:      StatusHealthy,
		Message:     fmt.Sprintf("%d representations loaded", n),
		LastChecked: time.Now(),
		Metadata:    map[string]interface{}{"entries": n},
	}
}

// SourceChecker watches the per-host circuit breakers of the fetch path. Any
// open or probing breaker degrades health: queries still work, but some
// representation sources are unreachable.
type SourceChecker struct {
	states func() map[string]breaker.State
}

func NewSourceChecker(states func() map[string]breaker.State) *SourceChecker {
	return &SourceChecker{states: states}
}

func (sc *SourceChecker) Name() string { return "sources" }

func (sc *SourceChecker) Check(context.Context) *ComponentHealth {
	states := sc.states()
	hosts := make(map[string]interface{}, len(states))
	tripped := 0
	for host, st := range states {
		hosts[host] = st.String()
		if st != breaker.StateClosed {
			tripped++
		}
	}

	ch := &ComponentHealth{
		Name:        sc.Name(),
		Status:      StatusHealthy,
		Message:     "all sources reachable",
		LastChecked: time.Now(),
		Metadata:    hosts,
	}
	if tripped > 0 {
		ch.Status = StatusDegraded
		ch.Message = fmt.Sprintf("%d of %d sources failing", tripped, len(states))
	}
	return ch
}
