// Package mock provides a test double for the ask.Provider interface.
//
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Response: &ask.Response{Text: "Hello!"}}
//	resp, err := p.Ask(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// AskCall records a single invocation of Ask.
type AskCall struct {
	// Ctx is the context passed to Ask.
	Ctx context.Context
	// Req is the Request passed to Ask.
	Req ask.Request
}

// Provider is a mock implementation of ask.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Ask. May be nil (returns nil, nil).
	Response *ask.Response

	// Err, if non-nil, is returned as the error from Ask.
	Err error

	// Block, when true, makes Ask wait for ctx to be cancelled.
	Block bool

	// Calls records every invocation of Ask in order.
	Calls []AskCall
}

// Compile-time interface assertion.
var _ ask.Provider = (*Provider)(nil)

// Ask implements ask.Provider.
func (p *Provider) Ask(ctx context.Context, req ask.Request) (*ask.Response, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, AskCall{Ctx: ctx, Req: req})
	block := p.Block
	resp, err := p.Response, p.Err
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, err
}

// CallCount returns the number of Ask calls recorded so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastRequest returns the request of the most recent Ask call.
func (p *Provider) LastRequest() (ask.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return ask.Request{}, false
	}
	return p.Calls[len(p.Calls)-1].Req, true
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
