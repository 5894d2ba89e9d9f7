// Package transport is the voice client's WebSocket connection to the relay.
// Captured frames go out as realtime-input messages; everything the relay
// forwards from the model comes back as decoded server messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/live/gemini"
)

const (
	wsPath       = "/ws"
	writeTimeout = 5 * time.Second
	closeTimeout = time.Second
	readLimit    = 4 << 20
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: connection closed")

// CloseError reports how the relay closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by relay (%d %s)", e.Code, e.Reason)
}

// Normal reports whether the close was a normal or going-away closure.
func (e *CloseError) Normal() bool {
	return e.Code == websocket.CloseNormalClosure || e.Code == websocket.CloseGoingAway
}

// Conn is a connection to the relay. Send may be called concurrently with
// Receive; concurrent Sends are serialised.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Endpoint converts a relay base URL into its WebSocket endpoint. http and
// https become ws and wss; an empty path becomes "/ws".
func Endpoint(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("transport: parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("transport: server url has no host")
	}
	if strings.TrimRight(u.Path, "/") == "" {
		u.Path = wsPath
	}
	return u.String(), nil
}

// Dial connects to the relay at server.
func Dial(ctx context.Context, server string) (*Conn, error) {
	endpoint, err := Endpoint(server)
	if err != nil {
		return nil, err
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// SendAudio wraps frame as a realtime-input message and writes it.
func (c *Conn) SendAudio(frame audio.AudioFrame) error {
	return c.send(gemini.NewAudioInput(frame))
}

// SendJSON writes v as a JSON text message.
func (c *Conn) SendJSON(v any) error {
	return c.send(v)
}

func (c *Conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("transport: set deadline: %w", err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Receive blocks until the relay sends a message. Messages that do not parse
// are skipped. A close by the relay is returned as [*CloseError].
func (c *Conn) Receive() (*gemini.ServerMessage, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, fmt.Errorf("transport: read: %w", err)
		}
		var msg gemini.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		return &msg, nil
	}
}

// Close sends a normal closure and closes the socket. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
