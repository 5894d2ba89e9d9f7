package resilience

import (
	"context"

	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// AskFallback implements [ask.Provider] with automatic failover across
// several text backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
type AskFallback struct {
	group *FallbackGroup[ask.Provider]
}

// Compile-time interface assertion.
var _ ask.Provider = (*AskFallback)(nil)

// NewAskFallback creates an [AskFallback] with primary as the preferred backend.
func NewAskFallback(primary ask.Provider, primaryName string, cfg FallbackConfig) *AskFallback {
	return &AskFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after those already added.
func (f *AskFallback) AddFallback(name string, provider ask.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in the order they are tried.
func (f *AskFallback) Names() []string {
	return f.group.Names()
}

// Ask sends req to the first healthy backend. A cancelled ctx stops the
// failover chain without tripping any breaker.
func (f *AskFallback) Ask(ctx context.Context, req ask.Request) (*ask.Response, error) {
	return Try(ctx, f.group, func(ctx context.Context, p ask.Provider) (*ask.Response, error) {
		return p.Ask(ctx, req)
	})
}
