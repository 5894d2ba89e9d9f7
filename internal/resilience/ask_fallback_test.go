package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/ask"
	askmock "github.com/MrWong99/voxbridge/pkg/provider/ask/mock"
)

var testRequest = ask.Request{Turns: []ask.Turn{{Role: ask.RoleUser, Text: "hi"}}}

func TestAskFallback_PrimarySuccess(t *testing.T) {
	primary := &askmock.Provider{Response: &ask.Response{Text: "hello from primary"}}
	secondary := &askmock.Provider{Response: &ask.Response{Text: "hello from secondary"}}

	fb := NewAskFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Ask(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello from primary" {
		t.Fatalf("text = %q, want 'hello from primary'", resp.Text)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestAskFallback_Failover(t *testing.T) {
	primary := &askmock.Provider{Err: errors.New("primary down")}
	secondary := &askmock.Provider{Response: &ask.Response{Text: "hello from secondary"}}

	fb := NewAskFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Ask(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "hello from secondary" {
		t.Fatalf("text = %q, want 'hello from secondary'", resp.Text)
	}
	req, ok := secondary.LastRequest()
	if !ok || len(req.Turns) != 1 || req.Turns[0].Text != "hi" {
		t.Fatalf("secondary got request %+v", req)
	}
}

func TestAskFallback_AllFail(t *testing.T) {
	primary := &askmock.Provider{Err: errors.New("primary down")}
	secondary := &askmock.Provider{Err: errors.New("secondary down")}

	fb := NewAskFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Ask(context.Background(), testRequest)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestAskFallback_Cancelled(t *testing.T) {
	primary := &askmock.Provider{Block: true}
	secondary := &askmock.Provider{Response: &ask.Response{Text: "late"}}

	fb := NewAskFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := fb.Ask(ctx, testRequest)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatal("secondary must not be tried after the caller gave up")
	}
}

func TestAskFallback_Names(t *testing.T) {
	fb := NewAskFallback(&askmock.Provider{}, "gemini", FallbackConfig{})
	fb.AddFallback("openai", &askmock.Provider{})
	if got := fb.Names(); len(got) != 2 || got[1] != "openai" {
		t.Fatalf("Names() = %v", got)
	}
}
