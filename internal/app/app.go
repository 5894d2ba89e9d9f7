// Package app wires the voxbridge relay server together.
//
// New builds every subsystem from a [config.Config]: the upstream dialer and
// its circuit breaker, the session registry, the ask provider chain, health
// checks, and the HTTP server. Run serves until the context is cancelled and
// Shutdown drains sessions and stops the listener. ApplyConfig applies the
// hot-reloadable part of a new configuration.
//
// Tests inject doubles through the functional options (WithUpstreamDialer,
// WithAskProvider, WithListener, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/server"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
	"github.com/MrWong99/voxbridge/pkg/provider/live/gemini"
)

const readHeaderTimeout = 10 * time.Second

// App owns the lifetime of every server subsystem.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	askReg   *config.Registry
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	listener net.Listener

	// upstream settings read by every new session
	apiKey      atomic.Pointer[string]
	dialTimeout atomic.Int64
	live        atomic.Pointer[gemini.Dialer]
	dialer      relay.UpstreamDialer // test override
	breaker     *resilience.CircuitBreaker

	asker       *askRouter
	askInjected bool

	registry *relay.Registry
	httpSrv  *http.Server

	// closers run in order after the HTTP server stops.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithUpstreamDialer replaces the Gemini Live dialer.
func WithUpstreamDialer(d relay.UpstreamDialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithAskProvider replaces the provider chain built from the config. Config
// reloads then leave the ask backend alone.
func WithAskProvider(p ask.Provider) Option {
	return func(a *App) {
		a.asker.set(p, "injected", "", 0)
		a.askInjected = true
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry scraped at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithListener serves on l instead of listening on cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithCloser registers fn to run during Shutdown after the HTTP server stops.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg supplies the ask provider factories; it
// may be nil when WithAskProvider is used.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	a := &App{
		cfg:    cfg,
		askReg: reg,
		asker:  &askRouter{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.asker.metrics = a.metrics

	// ── 1. Upstream ──────────────────────────────────────────────────────
	a.applyUpstream(cfg.Upstream)
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "upstream",
		MaxFailures:  cfg.Upstream.Breaker.MaxFailures,
		ResetTimeout: cfg.Upstream.Breaker.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})

	// ── 2. Ask chain ─────────────────────────────────────────────────────
	if !a.askInjected {
		if reg == nil {
			return nil, errors.New("app: nil provider registry")
		}
		a.applyAsk(cfg.Ask)
	}

	// ── 3. Sessions + HTTP ───────────────────────────────────────────────
	a.registry = relay.NewRegistry(a.newSession, a.metrics)
	srv := server.New(server.Config{
		Registry:       a.registry,
		Asker:          a.asker,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Health: health.New(
			health.APIKeyChecker(a.APIKey),
			health.BreakerChecker(a.breaker),
		),
		Gatherer: a.gatherer,
		Metrics:  a.metrics,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

func (a *App) applyUpstream(u config.UpstreamConfig) {
	key := u.APIKey
	a.apiKey.Store(&key)
	a.dialTimeout.Store(int64(u.DialTimeout))
	a.live.Store(gemini.NewDialer(
		gemini.WithModel(u.Model),
		gemini.WithVoice(u.Voice),
		gemini.WithBaseURL(u.BaseURL),
	))
}

func (a *App) applyAsk(c config.AskConfig) {
	p, name := buildAskChain(c, a.askReg)
	if p == nil {
		slog.Warn("no ask provider available; /ask will answer 503")
	}
	a.asker.set(p, name, c.SystemInstruction, c.Timeout)
}

// APIKey returns the current upstream API key.
func (a *App) APIKey() string {
	if k := a.apiKey.Load(); k != nil {
		return *k
	}
	return ""
}

// Registry returns the session registry.
func (a *App) Registry() *relay.Registry { return a.registry }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

func (a *App) newSession(ctx context.Context, id string, client relay.ClientConn) (*relay.Session, error) {
	return relay.NewSession(ctx, id, client, a.upstreamDialer(),
		relay.WithAPIKey(a.APIKey()),
		relay.WithBreaker(a.breaker),
		relay.WithDialTimeout(time.Duration(a.dialTimeout.Load())),
		relay.WithMetrics(a.metrics),
	)
}

func (a *App) upstreamDialer() relay.UpstreamDialer {
	if a.dialer != nil {
		return a.dialer
	}
	d := a.live.Load()
	return relay.DialerFunc(func(ctx context.Context, key string) (relay.Upstream, error) {
		conn, err := d.Dial(ctx, key)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the listener fails. It returns
// ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.serve() }()

	slog.Info("relay listening", "addr", a.Addr())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		return a.httpSrv.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.httpSrv.Serve(a.listener)
	case tls != nil:
		return a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.httpSrv.ListenAndServe()
	}
}

// Addr returns the address the server listens on.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpSrv.Addr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable fields of next and returns the
// computed diff. Upstream changes affect sessions created afterwards; live
// sessions keep their connection. Fields that need a restart are logged.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.UpstreamChanged {
		a.applyUpstream(next.Upstream)
		if next.Upstream.Breaker != a.cfg.Upstream.Breaker {
			slog.Warn("upstream breaker settings take effect after restart")
		}
		slog.Info("upstream settings reloaded", "model", next.Upstream.Model, "voice", next.Upstream.Voice)
	}
	if d.AskChanged && !a.askInjected {
		a.applyAsk(next.Ask)
		slog.Info("ask settings reloaded")
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every relay session with a going-away status, stops the
// HTTP server, and runs registered closers. It respects the ctx deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.registry.Len())

		// Hijacked WebSocket connections are not tracked by http.Server.
		if err := a.registry.CloseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
