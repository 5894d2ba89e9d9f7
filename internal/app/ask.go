package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// askRouter is the ask.Provider handed to the HTTP server. It adds the
// configured system instruction and timeout, records latency, and lets the
// backend chain be swapped on config reload.
type askRouter struct {
	metrics *observe.Metrics

	mu          sync.RWMutex
	provider    ask.Provider
	name        string
	instruction string
	timeout     time.Duration
}

var _ ask.Provider = (*askRouter)(nil)

func (r *askRouter) set(p ask.Provider, name, instruction string, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider, r.name, r.instruction, r.timeout = p, name, instruction, timeout
}

// Ask implements ask.Provider.
func (r *askRouter) Ask(ctx context.Context, req ask.Request) (*ask.Response, error) {
	r.mu.RLock()
	p, name, instruction, timeout := r.provider, r.name, r.instruction, r.timeout
	r.mu.RUnlock()

	if p == nil {
		return nil, ask.ErrNoProvider
	}
	if req.SystemInstruction == "" {
		req.SystemInstruction = instruction
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.Ask(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordAsk(ctx, name, status, time.Since(start))
	return resp, err
}

// buildAskChain creates every configured backend and chains them in order
// behind per-backend circuit breakers. Backends without a registered factory
// and backends that fail to construct are skipped and logged. It returns a nil
// provider when nothing could be created.
func buildAskChain(cfg config.AskConfig, reg *config.Registry) (ask.Provider, string) {
	var (
		chain *resilience.AskFallback
		names []string
	)
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
	}
	for _, entry := range cfg.Providers {
		p, err := reg.CreateAsk(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("ask provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			// Startup continues without this backend.
			slog.Error("ask provider could not be created, skipping", "name", entry.Name, "err", err)
			continue
		}
		if chain == nil {
			chain = resilience.NewAskFallback(p, entry.Name, fbCfg)
		} else {
			chain.AddFallback(entry.Name, p)
		}
		names = append(names, entry.Name)
		slog.Info("ask provider created", "name", entry.Name, "model", entry.Model)
	}
	if chain == nil {
		return nil, ""
	}
	return chain, strings.Join(names, ",")
}
