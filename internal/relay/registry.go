package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/observe"
)

// ErrDuplicateSession is returned by [Registry.OnConnect] when the id is
// already registered or still connecting. The existing session is left
// untouched.
var ErrDuplicateSession = errors.New("relay: duplicate session id")

// SessionFactory builds the session for a new client connection.
type SessionFactory func(ctx context.Context, id string, client ClientConn) (*Session, error)

// Registry maps client connection ids to live sessions.
// All methods are safe for concurrent use.
type Registry struct {
	factory SessionFactory
	metrics *observe.Metrics

	mu         sync.RWMutex
	sessions   map[string]*Session
	connecting map[string]struct{} // ids whose factory is still running
}

// NewRegistry creates an empty registry. A nil metrics uses
// [observe.DefaultMetrics].
func NewRegistry(factory SessionFactory, metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Registry{
		factory:    factory,
		metrics:    metrics,
		sessions:   make(map[string]*Session),
		connecting: make(map[string]struct{}),
	}
}

// OnConnect creates and registers the session for a new client. The id is
// reserved before the factory runs, so a second connect with the same id
// fails without dialing upstream.
func (r *Registry) OnConnect(ctx context.Context, id string, client ClientConn) error {
	if !r.reserve(id) {
		return r.duplicate(id)
	}

	s, err := r.factory(ctx, id, client)

	r.mu.Lock()
	delete(r.connecting, id)
	if err == nil {
		r.sessions[id] = s
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("relay: connect %s: %w", id, err)
	}

	r.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("relay: client connected", "session_id", id)
	return nil
}

func (r *Registry) reserve(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return false
	}
	if _, ok := r.connecting[id]; ok {
		return false
	}
	r.connecting[id] = struct{}{}
	return true
}

func (r *Registry) duplicate(id string) error {
	slog.Error("relay: duplicate session id", "session_id", id)
	return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
}

// OnMessage forwards a client message to its session. Unknown ids are ignored.
func (r *Registry) OnMessage(id string, payload any) error {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Forward(payload)
}

// OnDisconnect closes and removes the session for id. Calling it for an
// unknown or already removed id is a no-op.
func (r *Registry) OnDisconnect(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("relay: client disconnected", "session_id", id)
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll shuts down every session concurrently and empties the registry.
// Clients receive a going-away close. It returns when all sessions are closed
// or ctx is done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			defer r.metrics.ActiveSessions.Add(context.Background(), -1)
			return s.Shutdown(gctx)
		})
	}
	return g.Wait()
}
