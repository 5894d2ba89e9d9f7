// Package resilience provides circuit breaker and provider failover primitives.
//
// The relay guards every upstream dial with a [CircuitBreaker] so that a
// misbehaving upstream service is not hammered by every new client connection.
// [FallbackGroup] composes several instances of any provider type with
// per-entry breakers; [AskFallback] applies it to text backends.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. Any probe
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

// String returns the human-readable name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change notifications.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange is called after every transition, with the breaker's
	// lock released. Optional.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to drive the reset timeout.
	Now func() time.Time
}

// CircuitBreaker is a three-state circuit breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int // consecutive, closed state only
	openedAt time.Time
	probes   int // in flight or finished, half-open state only
	passed   int // successful probes
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields get
// their documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext is like [CircuitBreaker.Execute] but returns ctx.Err()
// without calling fn when ctx is already done. An error returned after ctx
// was cancelled is the caller giving up and does not count either way.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	var ch *change
	switch {
	case err != nil && ctx.Err() != nil:
		cb.abandon(probe)
	case err != nil:
		ch = cb.fail(probe)
	default:
		ch = cb.succeed(probe)
	}
	cb.notify(ch)
	return err
}

// change records a transition to report once the lock is released.
type change struct{ from, to State }

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var ch *change
	defer func() {
		cb.mu.Unlock()
		cb.notify(ch)
	}()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		ch = cb.moveTo(StateHalfOpen)
	}
	if cb.state != StateHalfOpen {
		return false, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

func (cb *CircuitBreaker) fail(probe bool) *change {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		if cb.state != StateHalfOpen {
			return nil
		}
		return cb.moveTo(StateOpen)
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		return cb.moveTo(StateOpen)
	}
	return nil
}

func (cb *CircuitBreaker) succeed(probe bool) *change {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !probe {
		cb.failures = 0
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.passed++
	if cb.passed >= cb.cfg.HalfOpenMax {
		return cb.moveTo(StateClosed)
	}
	return nil
}

// abandon returns an unused probe slot.
func (cb *CircuitBreaker) abandon(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
	cb.mu.Unlock()
}

// moveTo switches state and resets the counters of the new state. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) *change {
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.probes = 0
	cb.passed = 0
	if to == StateOpen {
		cb.openedAt = cb.cfg.Now()
	}

	if from == to {
		return nil
	}
	if to == StateOpen {
		slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String())
	} else {
		slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	}
	return &change{from: from, to: to}
}

func (cb *CircuitBreaker) notify(ch *change) {
	if ch != nil && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, ch.from, ch.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	ch := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(ch)
}
