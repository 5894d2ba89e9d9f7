package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// DisconnectedText is shown in place of a reply when the request fails.
const DisconnectedText = "Error: Brain disconnected. Check your connection."

// VoiceLostText is shown when the relay drops a running voice session.
const VoiceLostText = "Error: Voice session lost. Type start to reconnect."

var (
	// ErrBusy is returned by SendMessage while a previous message is in flight.
	ErrBusy = errors.New("chat: a message is already being sent")

	// ErrEmptyMessage is returned by SendMessage for blank input.
	ErrEmptyMessage = errors.New("chat: empty message")
)

// Asker answers a conversation. [*Client] is the production implementation.
type Asker interface {
	Ask(ctx context.Context, history []Message) (string, error)
}

var _ Asker = (*Client)(nil)

// History is the conversation log for the text path. It is safe for
// concurrent use.
type History struct {
	asker Asker

	mu       sync.Mutex
	messages []Message
	loading  bool
	gen      uint64
}

// NewHistory returns an empty History that sends through asker.
func NewHistory(asker Asker) *History {
	return &History{asker: asker}
}

// SendMessage appends input as a user turn, sends the whole conversation, and
// appends the reply. On failure [DisconnectedText] is appended as the model
// turn, earlier turns are kept, and the cause is returned.
func (h *History) SendMessage(ctx context.Context, input string) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyMessage
	}

	h.mu.Lock()
	if h.loading {
		h.mu.Unlock()
		return ErrBusy
	}
	h.messages = append(h.messages, NewMessage(RoleUser, input))
	snapshot := slices.Clone(h.messages)
	h.loading = true
	gen := h.gen
	h.mu.Unlock()

	reply, err := h.asker.Ask(ctx, snapshot)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		// Cleared while the request was in flight.
		return err
	}
	h.loading = false
	if err != nil {
		slog.Warn("chat: ask failed", "err", err)
		h.messages = append(h.messages, NewMessage(RoleModel, DisconnectedText))
		return err
	}
	h.messages = append(h.messages, NewMessage(RoleModel, reply))
	return nil
}

// Notify appends text as a model turn without sending anything. Earlier turns
// and an in-flight request are unaffected.
func (h *History) Notify(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, NewMessage(RoleModel, text))
}

// Messages returns a copy of the conversation.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.messages)
}

// Loading reports whether a message is in flight.
func (h *History) Loading() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loading
}

// Clear drops every message and the loading flag. A reply that arrives for a
// request sent before Clear is discarded.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.loading = false
	h.gen++
}
