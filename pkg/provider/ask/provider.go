// Package ask defines the Provider interface for single-shot, non-streaming
// text queries. A request carries the whole conversation so far; providers are
// stateless and never remember earlier calls.
//
// Implementations live in sub-packages (gemini, anyllm, openai) and a test
// double lives in ask/mock.
package ask

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EmptyResponseText is substituted for a reply that contains no text.
const EmptyResponseText = "The AI returned an empty response."

// ErrNoTurns is returned by [Request.Validate] when the request carries no
// conversation turns.
var ErrNoTurns = errors.New("ask: request has no turns")

// ErrNoProvider is returned by routers that have no backend configured.
var ErrNoProvider = errors.New("ask: no provider configured")

// Role identifies the author of a [Turn].
type Role string

const (
	// RoleUser marks a turn written by the human.
	RoleUser Role = "user"

	// RoleModel marks a turn produced by the AI.
	RoleModel Role = "model"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleModel
}

// Turn is one message in the conversation.
type Turn struct {
	Role Role
	Text string
}

// Request is a complete text query.
type Request struct {
	// SystemInstruction steers the model's persona and tone. Optional.
	SystemInstruction string

	// Turns is the conversation in chronological order. The last turn is
	// normally the user's new question.
	Turns []Turn
}

// Validate checks that r has at least one turn and that every turn has a
// recognised role.
func (r Request) Validate() error {
	if len(r.Turns) == 0 {
		return ErrNoTurns
	}
	var errs []error
	for i, t := range r.Turns {
		if !t.Role.IsValid() {
			errs = append(errs, fmt.Errorf("ask: turns[%d]: invalid role %q", i, t.Role))
		}
	}
	return errors.Join(errs...)
}

// Response is the model's reply.
type Response struct {
	Text string
}

// Provider answers text queries.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Ask sends req and blocks until the reply is available or ctx is done.
	// An empty reply is not an error; callers decide how to present it.
	Ask(ctx context.Context, req Request) (*Response, error)
}

// TextOrEmpty returns text, or [EmptyResponseText] when text is blank.
func TextOrEmpty(text string) string {
	if strings.TrimSpace(text) == "" {
		return EmptyResponseText
	}
	return text
}
