package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
)

// fakeClient records everything the session does to the client leg.
type fakeClient struct {
	mu         sync.Mutex
	writes     [][]byte
	status     websocket.StatusCode
	reason     string
	closeCalls int
	writeErr   error
}

func (c *fakeClient) WriteMessage(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Close(status websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.closeCalls == 1 {
		c.status, c.reason = status, reason
	}
	return nil
}

func (c *fakeClient) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeClient) Closed() (websocket.StatusCode, string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.reason, c.closeCalls
}

// fakeUpstream is an in-memory upstream connection.
type fakeUpstream struct {
	in   chan []byte
	fail chan error

	mu         sync.Mutex
	sent       []string
	closeCalls int
	closed     chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		in:     make(chan []byte, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (u *fakeUpstream) Send(_ context.Context, msg []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closeCalls > 0 {
		return errors.New("fake: closed")
	}
	u.sent = append(u.sent, string(msg))
	return nil
}

func (u *fakeUpstream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-u.in:
		return m, nil
	case err := <-u.fail:
		return nil, err
	case <-u.closed:
		return nil, errors.New("fake: use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeCalls++
	if u.closeCalls == 1 {
		close(u.closed)
	}
	return nil
}

func (u *fakeUpstream) Sent() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.sent...)
}

func (u *fakeUpstream) CloseCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeCalls
}

// fakeDialer hands out up, or fails with err. When release is non-nil Dial
// blocks until it is closed.
type fakeDialer struct {
	up      *fakeUpstream
	err     error
	release chan struct{}

	mu    sync.Mutex
	calls int
	keys  []string
}

func (d *fakeDialer) Dial(ctx context.Context, apiKey string) (relay.Upstream, error) {
	d.mu.Lock()
	d.calls++
	d.keys = append(d.keys, apiKey)
	d.mu.Unlock()

	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.up, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
