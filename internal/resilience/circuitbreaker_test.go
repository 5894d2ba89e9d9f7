package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// manualClock is a settable time source for breaker tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

// newTestBreaker returns a breaker on a manual clock that records its
// transitions.
func newTestBreaker(maxFailures, halfOpenMax int) (*CircuitBreaker, *manualClock, *[]transition) {
	clk := newManualClock()
	var (
		mu  sync.Mutex
		got []transition
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "upstream",
		MaxFailures:  maxFailures,
		ResetTimeout: time.Minute,
		HalfOpenMax:  halfOpenMax,
		Now:          clk.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			got = append(got, transition{from, to})
			mu.Unlock()
		},
	})
	return cb, clk, &got
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "upstream"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %d/%v/%d, want 5/30s/3", cb.cfg.MaxFailures, cb.cfg.ResetTimeout, cb.cfg.HalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "upstream" {
		t.Errorf("Name() = %q, want upstream", cb.Name())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb, _, got := newTestBreaker(3, 1)

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed) // resets the streak
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: the streak was broken", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v", err, called)
	}
	if len(*got) != 1 || (*got)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v", *got)
	}
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	t.Parallel()

	t.Run("successes close", func(t *testing.T) {
		t.Parallel()
		cb, clk, got := newTestBreaker(1, 2)
		_ = cb.Execute(fail)

		clk.Advance(59 * time.Second)
		if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("before reset timeout: err = %v, want ErrCircuitOpen", err)
		}
		clk.Advance(time.Second)
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %v, want half-open once the timeout passed", cb.State())
		}

		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe 1: %v", err)
		}
		if cb.State() != StateHalfOpen {
			t.Fatalf("state = %v after one probe, want half-open", cb.State())
		}
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe 2: %v", err)
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}

		want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
		if len(*got) != len(want) {
			t.Fatalf("transitions = %v, want %v", *got, want)
		}
		for i := range want {
			if (*got)[i] != want[i] {
				t.Errorf("transition[%d] = %v, want %v", i, (*got)[i], want[i])
			}
		}
	})

	t.Run("failure re-opens", func(t *testing.T) {
		t.Parallel()
		cb, clk, _ := newTestBreaker(1, 3)
		_ = cb.Execute(fail)
		clk.Advance(time.Minute)

		if err := cb.Execute(fail); !errors.Is(err, errTest) {
			t.Fatalf("probe: err = %v, want errTest", err)
		}
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open", cb.State())
		}
		// The open period restarts from the failed probe.
		clk.Advance(30 * time.Second)
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want still open", cb.State())
		}
	})

	t.Run("probe budget", func(t *testing.T) {
		t.Parallel()
		cb, clk, _ := newTestBreaker(1, 1)
		_ = cb.Execute(fail)
		clk.Advance(time.Minute)

		release := make(chan struct{})
		entered := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(func() error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered
		if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("second probe: err = %v, want ErrCircuitOpen", err)
		}
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("first probe: %v", err)
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _, got := newTestBreaker(1, 1)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if n := len(*got); n != 2 {
		t.Errorf("transitions = %v, want open then closed", *got)
	}

	// Resetting a closed breaker is silent.
	cb.Reset()
	if n := len(*got); n != 2 {
		t.Errorf("no-op reset reported a transition: %v", *got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
		{State(-1), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_ExecuteContextCancelledBeforeCall(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "dial", MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.ExecuteContext(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if called {
		t.Error("fn must not run with a done context")
	}
}

func TestCircuitBreaker_CancellationDoesNotCount(t *testing.T) {
	t.Parallel()

	t.Run("closed", func(t *testing.T) {
		t.Parallel()
		cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "dial", MaxFailures: 1})
		ctx, cancel := context.WithCancel(context.Background())
		err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed after caller cancellation", cb.State())
		}
		_ = cb.ExecuteContext(context.Background(), func(context.Context) error { return errTest })
		if cb.State() != StateOpen {
			t.Fatalf("state = %v, want open after a real failure", cb.State())
		}
	})

	t.Run("half-open probe slot is returned", func(t *testing.T) {
		t.Parallel()
		cb, clk, _ := newTestBreaker(1, 1)
		_ = cb.Execute(fail)
		clk.Advance(time.Minute)

		ctx, cancel := context.WithCancel(context.Background())
		_ = cb.ExecuteContext(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if err := cb.Execute(succeed); err != nil {
			t.Fatalf("probe after abandoned probe: %v", err)
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed", cb.State())
		}
	})
}
