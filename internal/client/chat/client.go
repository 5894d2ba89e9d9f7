// Package chat implements the client side of the non-streaming text path:
// an HTTP client for the relay's /ask endpoint and the conversation history
// that drives it.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Errors returned by [Client.Ask].
var (
	// ErrServer is returned when the relay answers with a non-2xx status.
	ErrServer = errors.New("chat: server error")

	// ErrTransport is returned when the request never produced a usable
	// response (connection refused, timeout, undecodable body).
	ErrTransport = errors.New("chat: transport error")
)

const (
	defaultTimeout = 60 * time.Second
	maxReplyBody   = 1 << 20
)

// Role identifies the author of a [Message].
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one text segment of a message.
type Part struct {
	Text string `json:"text"`
}

// Message is one conversation turn in the shape /ask accepts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// NewMessage returns a single-part message.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Text joins the message parts.
func (m Message) Text() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n")
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client posts conversations to the relay's /ask endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns a Client for the relay at baseURL (e.g.
// "http://localhost:3000").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/ask",
		http:     &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type askRequest struct {
	Contents []Message `json:"contents"`
}

type askResponse struct {
	Text string `json:"text"`
}

// Ask sends history and returns the model's reply text.
func (c *Client) Ask(ctx context.Context, history []Message) (string, error) {
	body, err := json.Marshal(askRequest{Contents: history})
	if err != nil {
		return "", fmt.Errorf("chat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBody))
		return "", fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}

	var out askResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBody)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode reply: %w", ErrTransport, err)
	}
	return out.Text, nil
}
