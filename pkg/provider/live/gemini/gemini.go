// Package gemini dials Google's Gemini Live BidiGenerateContent endpoint.
//
// A [Dialer] opens the WebSocket, sends the setup message, and returns a
// [Conn] that moves raw JSON messages in both directions. It does not
// interpret the conversation; the relay forwards client messages verbatim and
// the wire types in this package are shared with the voice client.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is a native-audio Live model.
	DefaultModel = "models/gemini-2.5-flash-native-audio-latest"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Puck"

	// DefaultBaseURL is the public Live API WebSocket root.
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpointPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// readLimit bounds one incoming message. Audio replies routinely exceed
	// the websocket library's 32 KiB default.
	readLimit = 16 << 20

	defaultKeepalive  = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	closeStatusReason = "session closed"
)

// ErrMissingAPIKey is returned by [Dialer.Dial] when no key is supplied.
var ErrMissingAPIKey = errors.New("gemini: api key is empty")

// ErrClosed is returned by [Conn.Send] after [Conn.Close].
var ErrClosed = errors.New("gemini: connection closed")

// ErrKeepalive is returned by [Conn.Receive] and [Conn.Send] once a keepalive
// ping went unanswered and the connection was dropped.
var ErrKeepalive = errors.New("gemini: keepalive failed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model named in the setup message. Empty keeps the default.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithVoice sets the prebuilt voice. Empty keeps the default.
func WithVoice(voice string) Option {
	return func(d *Dialer) {
		if voice != "" {
			d.voice = voice
		}
	}
}

// WithSystemInstruction adds a system instruction to the setup message.
func WithSystemInstruction(text string) Option {
	return func(d *Dialer) { d.instruction = text }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local fake server. Empty keeps the default.
func WithBaseURL(u string) Option {
	return func(d *Dialer) {
		if u != "" {
			d.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithKeepalive sets the ping interval. Zero or negative disables pings.
func WithKeepalive(interval time.Duration) Option {
	return func(d *Dialer) { d.keepalive = interval }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Gemini Live sessions. It is safe for concurrent use.
type Dialer struct {
	model       string
	voice       string
	instruction string
	baseURL     string
	keepalive   time.Duration
}

// NewDialer creates a Dialer with the given options.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		model:     DefaultModel,
		voice:     DefaultVoice,
		baseURL:   DefaultBaseURL,
		keepalive: defaultKeepalive,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Model returns the model named in setup messages.
func (d *Dialer) Model() string { return d.model }

// Voice returns the configured voice.
func (d *Dialer) Voice() string { return d.voice }

// URL returns the endpoint URL for apiKey.
func (d *Dialer) URL(apiKey string) string {
	return d.baseURL + endpointPath + "?key=" + url.QueryEscape(apiKey)
}

// Dial connects and sends the setup message. The setup message is always the
// first message on the connection. ctx bounds the dial and the setup write
// only; the returned Conn lives until [Conn.Close].
func (d *Dialer) Dial(ctx context.Context, apiKey string) (*Conn, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	ws, _, err := websocket.Dial(ctx, d.URL(apiKey), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", redactKey(err, apiKey))
	}
	ws.SetReadLimit(readLimit)

	setup, err := json.Marshal(NewSetup(d.model, d.voice, d.instruction))
	if err != nil {
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, setup); err != nil {
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{ws: ws, ctx: connCtx, cancel: cancel}
	if d.keepalive > 0 {
		go c.keepaliveLoop(d.keepalive)
	}
	return c, nil
}

// redactKey strips the API key from errors that echo the dial URL.
func redactKey(err error, key string) error {
	msg := err.Error()
	if !strings.Contains(msg, key) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, key, "REDACTED"))
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is an open Live session. Send and Close may be called concurrently
// with Receive; Receive must not be called concurrently with itself.
type Conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	dead   error // set when the keepalive gave up
}

// Send writes one JSON message as a text frame.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	closed, dead := c.closed, c.dead
	c.mu.Unlock()
	if dead != nil {
		return dead
	}
	if closed {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Receive blocks until the next message arrives. The service sends JSON in
// both text and binary frames; both are returned as-is. The returned error
// wraps the websocket close error so [IsNormalClosure] can inspect it.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	ctx, stop := mergeDone(ctx, c.ctx)
	defer stop()
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		c.mu.Lock()
		dead := c.dead
		c.mu.Unlock()
		if dead != nil {
			return nil, dead
		}
		return nil, fmt.Errorf("gemini: receive: %w", err)
	}
	return data, nil
}

// Close terminates the session with a normal closure. It is idempotent and
// unblocks a pending Receive.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// The close handshake completes through any pending Receive; cancelling
	// afterwards only releases the keepalive loop and a stuck reader.
	_ = c.ws.Close(websocket.StatusNormalClosure, closeStatusReason)
	c.cancel()
	return nil
}

// keepaliveLoop pings every interval. A ping that is not answered within
// min(interval, keepaliveTimeout) drops the connection so a pending Receive
// fails now rather than when TCP notices. Pongs are only processed while a
// Receive is in progress.
func (c *Conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	timeout := min(interval, keepaliveTimeout)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, timeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("gemini: keepalive ping failed, dropping connection", "err", err)
			c.drop(fmt.Errorf("%w: %w", ErrKeepalive, err))
			return
		}
	}
}

func (c *Conn) drop(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.dead = err
	c.mu.Unlock()

	_ = c.ws.CloseNow()
	c.cancel()
}

// IsNormalClosure reports whether err reflects the peer closing the session
// with status 1000 or going away, as opposed to a failure.
func IsNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// mergeDone returns a context that is done when either a or b is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
