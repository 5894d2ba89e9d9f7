// Package server exposes the relay over HTTP.
//
// Routes:
//
//	GET  /         plain-text banner
//	GET  /ws       WebSocket relay to the live speech service
//	POST /ask      non-streaming text query ({prompt} or {contents})
//	GET  /healthz  liveness
//	GET  /readyz   readiness
//	GET  /metrics  Prometheus scrape endpoint
//
// Every route runs behind [observe.Middleware].
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// Banner is the body served at GET /.
const Banner = "voxbridge relay active"

// wsReadLimit bounds one client message. A 100 ms PCM frame is ~4.3 KiB of
// base64; the limit leaves room for larger client_content turns.
const wsReadLimit = 1 << 20

// Config holds the server's collaborators.
type Config struct {
	// Registry tracks relay sessions. Required.
	Registry *relay.Registry

	// Asker answers /ask. When nil, /ask responds 503.
	Asker ask.Provider

	// AllowedOrigins lists browser origins (e.g. "http://localhost:5173")
	// allowed to open /ws and call /ask. "*" allows any origin.
	AllowedOrigins []string

	// Health serves the probes. When nil, probes without checkers are used.
	Health *health.Handler

	// Gatherer is scraped at /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Metrics records HTTP latency. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// NewID generates connection ids. Default: uuid.NewString.
	NewID func() string
}

// Server routes HTTP requests to the relay and the ask backend.
type Server struct {
	registry       *relay.Registry
	asker          ask.Provider
	origins        []string
	originPatterns []string
	newID          func() string
	handler        http.Handler
}

// New builds the server and its route table.
func New(cfg Config) *Server {
	s := &Server{
		registry:       cfg.Registry,
		asker:          cfg.Asker,
		origins:        cfg.AllowedOrigins,
		originPatterns: originPatterns(cfg.AllowedOrigins),
		newID:          cfg.NewID,
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	hh := cfg.Health
	if hh == nil {
		hh = health.New()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("POST /ask", s.cors(http.HandlerFunc(s.handleAsk)))
	mux.Handle("OPTIONS /ask", s.cors(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.handler = observe.Middleware(metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

// handleWS accepts a client connection and pumps its messages into the
// registry until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("server: websocket accept failed", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := r.Context()
	id := s.newID()
	log := observe.Logger(ctx).With("session_id", id)

	if err := s.registry.OnConnect(ctx, id, relay.WebSocketClient{Conn: conn}); err != nil {
		log.Warn("server: relay session not started", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	defer s.registry.OnDisconnect(id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("server: client closed")
			default:
				log.Debug("server: client read ended", "err", err)
			}
			return
		}
		// Drops are logged and counted by the session.
		_ = s.registry.OnMessage(id, data)
	}
}

// originPatterns converts browser origins into the host patterns accepted by
// websocket.AcceptOptions.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || !strings.Contains(o, "://") {
			out = append(out, o)
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			slog.Warn("server: ignoring malformed allowed origin", "origin", o)
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
