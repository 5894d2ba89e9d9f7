package server_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/relay"
	"github.com/MrWong99/voxbridge/internal/server"
	"github.com/MrWong99/voxbridge/pkg/provider/ask"
	askmock "github.com/MrWong99/voxbridge/pkg/provider/ask/mock"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

// echoUpstream announces setupComplete and then echoes every message.
type echoUpstream struct {
	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newEchoUpstream() *echoUpstream {
	u := &echoUpstream{in: make(chan []byte, 8), closed: make(chan struct{})}
	u.in <- []byte(`{"setupComplete":{}}`)
	return u
}

func (u *echoUpstream) Send(_ context.Context, msg []byte) error {
	u.in <- msg
	return nil
}

func (u *echoUpstream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case m := <-u.in:
		return m, nil
	case <-u.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *echoUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

type fixture struct {
	srv      *httptest.Server
	registry *relay.Registry
	asker    *askmock.Provider
}

type fixtureOpts struct {
	apiKey  string
	origins []string
	noAsker bool
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	dialer := relay.DialerFunc(func(context.Context, string) (relay.Upstream, error) {
		return newEchoUpstream(), nil
	})
	reg := relay.NewRegistry(func(ctx context.Context, id string, c relay.ClientConn) (*relay.Session, error) {
		return relay.NewSession(ctx, id, c, dialer, relay.WithAPIKey(o.apiKey), relay.WithMetrics(metrics))
	}, metrics)

	f := &fixture{registry: reg, asker: &askmock.Provider{Response: &ask.Response{Text: "pong"}}}
	cfg := server.Config{
		Registry:       reg,
		AllowedOrigins: o.origins,
		Health:         health.New(health.APIKeyChecker(func() string { return o.apiKey })),
		Gatherer:       prometheus.NewRegistry(),
		Metrics:        metrics,
	}
	if !o.noAsker {
		cfg.Asker = f.asker
	}
	f.srv = httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(func() {
		_ = reg.CloseAll(context.Background())
		f.srv.Close()
	})
	return f
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func post(t *testing.T, url, origin, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, strings.TrimSpace(string(data))
}

// ── Plain routes ──────────────────────────────────────────────────────────────

func TestRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k"})

	resp, err := http.Get(f.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != server.Banner {
		t.Errorf("GET / = %d %q", resp.StatusCode, body)
	}

	resp2, err := http.Get(f.srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", resp2.StatusCode)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		apiKey string
		path   string
		want   int
	}{
		{"healthz", "", "/healthz", http.StatusOK},
		{"readyz with key", "k", "/readyz", http.StatusOK},
		{"readyz without key", "", "/readyz", http.StatusServiceUnavailable},
		{"metrics", "k", "/metrics", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureOpts{apiKey: tc.apiKey})
			resp, err := http.Get(f.srv.URL + tc.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("GET %s = %d, want %d", tc.path, resp.StatusCode, tc.want)
			}
		})
	}
}

// ── /ask ──────────────────────────────────────────────────────────────────────

func TestAsk_Prompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k"})

	resp, body := post(t, f.srv.URL+"/ask", "", `{"prompt":"ping"}`)
	if resp.StatusCode != http.StatusOK || body != `{"text":"pong"}` {
		t.Fatalf("POST /ask = %d %s", resp.StatusCode, body)
	}
	calls := f.asker.Calls
	if len(calls) != 1 {
		t.Fatalf("asker calls = %d", len(calls))
	}
	turns := calls[0].Req.Turns
	if len(turns) != 1 || turns[0].Role != ask.RoleUser || turns[0].Text != "ping" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestAsk_Contents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k"})

	body := `{"contents":[
		{"role":"user","parts":[{"text":"what is a borrow?"}]},
		{"role":"model","parts":[{"text":"a loan"},{"text":"of a reference"}]},
		{"role":"user","parts":[{"text":"and a move?"}]}
	]}`
	resp, _ := post(t, f.srv.URL+"/ask", "", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	turns := f.asker.Calls[0].Req.Turns
	if len(turns) != 3 {
		t.Fatalf("turns = %+v", turns)
	}
	if turns[1].Role != ask.RoleModel || turns[1].Text != "a loan\nof a reference" {
		t.Errorf("model turn = %+v", turns[1])
	}
	if turns[2].Text != "and a move?" {
		t.Errorf("last turn = %+v", turns[2])
	}
}

func TestAsk_EmptyReply(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k"})
	f.asker.Response = &ask.Response{Text: "  "}

	_, body := post(t, f.srv.URL+"/ask", "", `{"prompt":"?"}`)
	if !strings.Contains(body, ask.EmptyResponseText) {
		t.Errorf("body = %s, want the empty-response text", body)
	}
}

func TestAsk_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		askErr  error
		noAsker bool
		want    int
	}{
		{"invalid json", `{"prompt":`, nil, false, http.StatusBadRequest},
		{"no turns", `{}`, nil, false, http.StatusBadRequest},
		{"bad role", `{"contents":[{"role":"system","parts":[{"text":"x"}]}]}`, nil, false, http.StatusBadRequest},
		{"provider failure", `{"prompt":"x"}`, errors.New("quota exceeded"), false, http.StatusBadGateway},
		{"no provider", `{"prompt":"x"}`, nil, true, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fixtureOpts{apiKey: "k", noAsker: tc.noAsker})
			f.asker.Err = tc.askErr
			resp, body := post(t, f.srv.URL+"/ask", "", tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tc.want, body)
			}
			if !strings.Contains(body, `"error"`) {
				t.Errorf("body = %s, want an error field", body)
			}
			if strings.Contains(body, "quota") {
				t.Error("provider error details leaked to the client")
			}
		})
	}
}

func TestAsk_CORS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k", origins: []string{"http://localhost:5173"}})

	resp, _ := post(t, f.srv.URL+"/ask", "http://localhost:5173", `{"prompt":"x"}`)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allowed origin header = %q", got)
	}

	resp, _ = post(t, f.srv.URL+"/ask", "http://evil.example", `{"prompt":"x"}`)
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got CORS header %q", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, f.srv.URL+"/ask", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", pre.StatusCode)
	}
	if !strings.Contains(pre.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("preflight methods = %q", pre.Header.Get("Access-Control-Allow-Methods"))
	}
}

// ── /ws ───────────────────────────────────────────────────────────────────────

func TestWS_RelayRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, first, err := conn.Read(ctx)
	if err != nil || string(first) != `{"setupComplete":{}}` {
		t.Fatalf("first message = %s, %v", first, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{ "x" : 1 }`)); err != nil {
		t.Fatal(err)
	}
	_, echoed, err := conn.Read(ctx)
	if err != nil || string(echoed) != `{"x":1}` {
		t.Fatalf("echo = %s, %v", echoed, err)
	}
	if f.registry.Len() != 1 {
		t.Errorf("registry Len = %d, want 1", f.registry.Len())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(3 * time.Second)
	for f.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWS_MissingAPIKeyCloses1011(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if ce.Code != websocket.StatusInternalError || ce.Reason != "configuration error" {
		t.Errorf("close = %d %q, want 1011 configuration error", ce.Code, ce.Reason)
	}
	if f.registry.Len() != 0 {
		t.Errorf("registry Len = %d, want 0", f.registry.Len())
	}
}

func TestWS_RejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{apiKey: "k", origins: []string{"http://localhost:5173"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	header = http.Header{"Origin": []string{"http://localhost:5173"}}
	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	conn.CloseNow()
}
