// Package relay bridges browser or terminal clients to the upstream live
// speech service.
//
// Each client connection gets one [Session], which owns at most one upstream
// connection. The [Registry] maps connection ids to sessions and is the only
// structure shared between connection goroutines.
//
// Client messages are JSON and forwarded verbatim once the upstream leg is
// open; messages that arrive earlier are dropped. Upstream messages are
// re-serialised and written to the client. Closing either leg closes the
// other. A failed session is never retried; the client reconnects instead.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Close causes. Each maps to a WebSocket close status sent to the client.
var (
	// ErrConfiguration means the server cannot reach upstream because it is
	// misconfigured (no API key).
	ErrConfiguration = errors.New("relay: configuration error")

	// ErrUpstreamClosed means the upstream service ended the session normally.
	ErrUpstreamClosed = errors.New("relay: upstream closed")

	// ErrUpstreamError means the upstream leg failed to dial or broke.
	ErrUpstreamError = errors.New("relay: upstream error")

	// ErrUpstreamUnavailable means the upstream breaker is open and no dial
	// was attempted.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")

	// ErrServerShutdown means the server is draining connections.
	ErrServerShutdown = errors.New("relay: server shutting down")

	// ErrNotOpen is returned by [Session.Forward] for messages dropped because
	// the upstream leg is not open.
	ErrNotOpen = errors.New("relay: upstream not open")
)

const (
	defaultDialTimeout = 10 * time.Second
	upstreamKind       = "live"
)

// ── Collaborators ─────────────────────────────────────────────────────────────

// ClientConn is the client leg of a session.
type ClientConn interface {
	// WriteMessage writes one JSON text message.
	WriteMessage(ctx context.Context, data []byte) error

	// Close closes the connection with a WebSocket status code and reason.
	Close(status websocket.StatusCode, reason string) error
}

// Upstream is an open connection to the live speech service. The setup
// handshake has already been sent when a dialer returns it.
type Upstream interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// UpstreamDialer opens upstream connections.
type UpstreamDialer interface {
	Dial(ctx context.Context, apiKey string) (Upstream, error)
}

// DialerFunc adapts a function to [UpstreamDialer].
type DialerFunc func(ctx context.Context, apiKey string) (Upstream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, apiKey string) (Upstream, error) {
	return f(ctx, apiKey)
}

// ── State ─────────────────────────────────────────────────────────────────────

// State is the lifecycle stage of a [Session].
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Session].
type Option func(*Session)

// WithAPIKey sets the upstream API key. An empty key makes [NewSession] fail
// with [ErrConfiguration].
func WithAPIKey(key string) Option {
	return func(s *Session) { s.apiKey = key }
}

// WithBreaker guards the upstream dial with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Session) { s.breaker = cb }
}

// WithDialTimeout bounds the upstream dial and setup handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the base logger. The session id is added to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session bridges one client connection to one upstream connection.
// All methods are safe for concurrent use.
type Session struct {
	id          string
	client      ClientConn
	dialer      UpstreamDialer
	apiKey      string
	breaker     *resilience.CircuitBreaker
	dialTimeout time.Duration
	metrics     *observe.Metrics
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	state    State
	upstream Upstream

	clientOnce   sync.Once
	upstreamOnce sync.Once
}

// NewSession creates a session for client and starts dialing upstream in the
// background. Without an API key the client is closed with status 1011 and
// [ErrConfiguration] is returned; no dial is attempted.
//
// The session lives until [Session.Close] is called or ctx is cancelled.
func NewSession(ctx context.Context, id string, client ClientConn, dialer UpstreamDialer, opts ...Option) (*Session, error) {
	s := &Session{
		id:          id,
		client:      client,
		dialer:      dialer,
		dialTimeout: defaultDialTimeout,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session_id", id)
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.apiKey == "" {
		s.log.Error("relay: no upstream api key configured")
		s.CloseClient(ErrConfiguration)
		s.CloseUpstream()
		s.setState(StateClosed)
		s.cancel()
		close(s.done)
		return nil, ErrConfiguration
	}

	go s.connect()
	return s, nil
}

// ID returns the client connection id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the upstream goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) connect() {
	defer close(s.done)

	start := time.Now()
	var up Upstream
	dial := func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
		defer cancel()
		var err error
		up, err = s.dialer.Dial(dctx, s.apiKey)
		return err
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.ExecuteContext(s.ctx, dial)
	} else {
		err = dial(s.ctx)
	}
	s.metrics.UpstreamDialDuration.Record(s.ctx, time.Since(start).Seconds())

	if err != nil {
		if s.ctx.Err() != nil {
			// Client went away while dialing.
			return
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			s.log.Warn("relay: upstream circuit open, rejecting session")
			s.CloseClient(ErrUpstreamUnavailable)
			return
		}
		s.log.Warn("relay: upstream dial failed", "err", err)
		s.metrics.RecordProviderError(s.ctx, "gemini", upstreamKind)
		s.CloseClient(ErrUpstreamError)
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = up.Close()
		return
	}
	s.upstream = up
	s.state = StateOpen
	s.mu.Unlock()

	s.log.Info("relay: upstream open")
	s.readLoop(up)
}

func (s *Session) readLoop(up Upstream) {
	for {
		data, err := up.Receive(s.ctx)
		if err != nil {
			s.CloseUpstream()
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.log.Info("relay: upstream closed")
				s.CloseClient(ErrUpstreamClosed)
			default:
				s.log.Warn("relay: upstream read failed", "err", err)
				s.metrics.RecordProviderError(s.ctx, "gemini", upstreamKind)
				s.CloseClient(ErrUpstreamError)
			}
			return
		}

		msg, err := normalize(data)
		if err != nil {
			s.log.Warn("relay: dropping malformed upstream message", "err", err)
			continue
		}
		if err := s.client.WriteMessage(s.ctx, msg); err != nil {
			if s.ctx.Err() == nil {
				s.log.Debug("relay: client write failed", "err", err)
			}
			s.CloseUpstream()
			return
		}
		s.metrics.RecordRelayMessage(s.ctx, observe.DirectionDownstream)
	}
}

// Forward sends one client message upstream. payload may be raw JSON text
// ([]byte, string, or json.RawMessage) or any value that marshals to JSON.
//
// Messages are dropped while the session is not open ([ErrNotOpen]) and when
// raw text is not valid JSON ([audio.ErrMalformedFrame]).
func (s *Session) Forward(payload any) error {
	msg, err := encode(payload)
	if err != nil {
		s.log.Warn("relay: dropping malformed client message", "err", err)
		s.metrics.RecordRelayDrop(s.ctx, "malformed")
		return err
	}

	s.mu.Lock()
	up, state := s.upstream, s.state
	s.mu.Unlock()
	if state != StateOpen || up == nil {
		s.log.Debug("relay: dropping client message", "state", state.String())
		s.metrics.RecordRelayDrop(s.ctx, "not_open")
		return ErrNotOpen
	}

	if err := up.Send(s.ctx, msg); err != nil {
		s.log.Warn("relay: upstream send failed", "err", err)
		return fmt.Errorf("relay: forward: %w", err)
	}
	s.metrics.RecordRelayMessage(s.ctx, observe.DirectionUpstream)
	return nil
}

// CloseClient closes the client leg with the status derived from cause.
// Only the first call has an effect.
func (s *Session) CloseClient(cause error) {
	s.clientOnce.Do(func() {
		s.mu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.mu.Unlock()

		status, reason := closeStatus(cause)
		if err := s.client.Close(status, reason); err != nil {
			s.log.Debug("relay: client close", "err", err)
		}
	})
}

// CloseUpstream closes the upstream leg if it was opened. Only the first call
// has an effect; a dial still in flight is discarded when it completes.
func (s *Session) CloseUpstream() {
	s.upstreamOnce.Do(func() {
		s.mu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		up := s.upstream
		s.mu.Unlock()

		if up != nil {
			if err := up.Close(); err != nil {
				s.log.Debug("relay: upstream close", "err", err)
			}
		}
	})
}

// Close tears the session down after the client disconnected. It closes the
// upstream leg, cancels any in-flight dial or read, and waits for the
// upstream goroutine. It is idempotent.
func (s *Session) Close() {
	s.shutdown()
	<-s.done
}

// Shutdown closes the client with status 1001 and tears the session down,
// waiting at most until ctx is done.
func (s *Session) Shutdown(ctx context.Context) error {
	s.CloseClient(ErrServerShutdown)
	s.shutdown()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: shutdown session %s: %w", s.id, ctx.Err())
	}
}

func (s *Session) shutdown() {
	s.cancel()
	s.CloseUpstream()
	// The client may still be open when the server drains; after a client
	// disconnect this is a no-op close.
	s.CloseClient(nil)
	s.setState(StateClosed)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// closeStatus maps a close cause to the WebSocket status sent to the client.
func closeStatus(cause error) (websocket.StatusCode, string) {
	switch {
	case cause == nil:
		return websocket.StatusNormalClosure, "session closed"
	case errors.Is(cause, ErrConfiguration):
		return websocket.StatusInternalError, "configuration error"
	case errors.Is(cause, ErrUpstreamClosed):
		return websocket.StatusNormalClosure, "upstream closed"
	case errors.Is(cause, ErrServerShutdown):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(cause, ErrUpstreamUnavailable):
		return websocket.StatusTryAgainLater, "upstream unavailable"
	default:
		return websocket.StatusInternalError, "upstream error"
	}
}

// encode turns a client payload into compact JSON.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return normalize(p)
	case json.RawMessage:
		return normalize(p)
	case string:
		return normalize([]byte(p))
	case nil:
		return nil, fmt.Errorf("%w: empty message", audio.ErrMalformedFrame)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", audio.ErrMalformedFrame, err)
		}
		return data, nil
	}
}

// normalize validates raw JSON and strips insignificant whitespace.
func normalize(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrMalformedFrame, err)
	}
	return buf.Bytes(), nil
}

// ── WebSocket adapter ─────────────────────────────────────────────────────────

// WebSocketClient adapts a server-side *websocket.Conn to [ClientConn].
type WebSocketClient struct {
	Conn *websocket.Conn
}

var _ ClientConn = WebSocketClient{}

// WriteMessage writes data as a text frame.
func (c WebSocketClient) WriteMessage(ctx context.Context, data []byte) error {
	return c.Conn.Write(ctx, websocket.MessageText, data)
}

// Close sends a close frame.
func (c WebSocketClient) Close(status websocket.StatusCode, reason string) error {
	return c.Conn.Close(status, reason)
}
