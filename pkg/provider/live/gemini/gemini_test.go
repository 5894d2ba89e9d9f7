package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a fake Live endpoint. handler receives every
// accepted connection and the upgrade request.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	return data
}

func dial(t *testing.T, srv *httptest.Server, opts ...gemini.Option) *gemini.Conn {
	t.Helper()
	opts = append([]gemini.Option{gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0)}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := gemini.NewDialer(opts...).Dial(ctx, "test-key")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ── Dialer ────────────────────────────────────────────────────────────────────

func TestNewDialer_Defaults(t *testing.T) {
	t.Parallel()
	d := gemini.NewDialer(gemini.WithModel(""), gemini.WithVoice(""))
	if d.Model() != gemini.DefaultModel {
		t.Errorf("Model() = %q", d.Model())
	}
	if d.Voice() != gemini.DefaultVoice {
		t.Errorf("Voice() = %q", d.Voice())
	}
	want := "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=a+b"
	if got := d.URL("a b"); got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
}

func TestDial_MissingKey(t *testing.T) {
	t.Parallel()
	_, err := gemini.NewDialer().Dial(context.Background(), "")
	if !errors.Is(err, gemini.ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestDial_SendsSetupFirst(t *testing.T) {
	t.Parallel()

	type result struct {
		path, key string
		frames    [][]byte
	}
	got := make(chan result, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		res := result{path: r.URL.Path, key: r.URL.Query().Get("key")}
		res.frames = append(res.frames, readFrame(t, conn), readFrame(t, conn))
		got <- res
	})

	c := dial(t, srv, gemini.WithModel("models/live-test"), gemini.WithVoice("Kore"))
	if err := c.Send(context.Background(), []byte(`{"realtimeInput":{"mediaChunks":[]}}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var res result
	select {
	case res = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for server")
	}

	if !strings.HasSuffix(res.path, "GenerativeService.BidiGenerateContent") {
		t.Errorf("path = %q", res.path)
	}
	if res.key != "test-key" {
		t.Errorf("key = %q", res.key)
	}

	var setup gemini.SetupMessage
	if err := json.Unmarshal(res.frames[0], &setup); err != nil {
		t.Fatalf("first frame is not a setup message: %v (%s)", err, res.frames[0])
	}
	if setup.Setup.Model != "models/live-test" {
		t.Errorf("model = %q", setup.Setup.Model)
	}
	if m := setup.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", m)
	}
	sc := setup.Setup.GenerationConfig.SpeechConfig
	if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig = %+v", sc)
	}
	if !strings.Contains(string(res.frames[1]), "realtimeInput") {
		t.Errorf("second frame = %s", res.frames[1])
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := gemini.NewDialer(gemini.WithBaseURL(url)).Dial(ctx, "secret-key")
	if err == nil {
		t.Fatal("expected dial error")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Errorf("error leaks the api key: %v", err)
	}
}

// ── Conn ──────────────────────────────────────────────────────────────────────

func TestConn_ReceiveTextAndBinary(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // setup
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"setupComplete":{}}`))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte(`{"serverContent":{"turnComplete":true}}`))
		<-conn.CloseRead(ctx).Done()
	})

	c := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, err := c.Receive(ctx)
	if err != nil || string(first) != `{"setupComplete":{}}` {
		t.Fatalf("first = %s, %v", first, err)
	}
	second, err := c.Receive(ctx)
	if err != nil || !strings.Contains(string(second), "turnComplete") {
		t.Fatalf("second = %s, %v", second, err)
	}
}

func TestConn_PeerNormalClosure(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	if err == nil {
		t.Fatal("expected error after peer close")
	}
	if !gemini.IsNormalClosure(err) {
		t.Errorf("IsNormalClosure(%v) = false", err)
	}
}

func TestConn_PeerErrorClosure(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		conn.Close(websocket.StatusPolicyViolation, "quota")
	})

	c := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	if err == nil {
		t.Fatal("expected error after peer close")
	}
	if gemini.IsNormalClosure(err) {
		t.Errorf("policy violation reported as normal closure: %v", err)
	}
}

func TestConn_CloseUnblocksReceiveAndIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	c := dial(t, srv)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Receive returned nil error after Close")
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}

	if err := c.Send(context.Background(), []byte(`{}`)); !errors.Is(err, gemini.ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestConn_UnansweredKeepaliveDropsConnection(t *testing.T) {
	t.Parallel()
	hang := make(chan struct{})
	srv := startLiveServer(t, func(*websocket.Conn, *http.Request) {
		// Never read, so pings are never answered.
		<-hang
	})
	t.Cleanup(func() { close(hang) })

	c := dial(t, srv, gemini.WithKeepalive(50*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.Receive(ctx)
	if !errors.Is(err, gemini.ErrKeepalive) {
		t.Fatalf("Receive err = %v, want ErrKeepalive", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("Receive returned only at the test deadline (%v)", time.Since(start))
	}
	if gemini.IsNormalClosure(err) {
		t.Error("a dead upstream must not look like a normal closure")
	}
	if err := c.Send(context.Background(), []byte(`{}`)); !errors.Is(err, gemini.ErrKeepalive) {
		t.Errorf("Send after keepalive failure = %v, want ErrKeepalive", err)
	}
}

func TestConn_AnsweredKeepaliveKeepsConnection(t *testing.T) {
	t.Parallel()
	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn)
		// CloseRead keeps reading, which answers pings.
		ctx := conn.CloseRead(context.Background())
		time.Sleep(500 * time.Millisecond)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"setupComplete":{}}`))
		<-ctx.Done()
	})

	c := dial(t, srv, gemini.WithKeepalive(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive after several pings: %v", err)
	}
	if !strings.Contains(string(data), "setupComplete") {
		t.Errorf("data = %s", data)
	}
}

// ── Wire types ────────────────────────────────────────────────────────────────

func TestNewAudioInput(t *testing.T) {
	t.Parallel()
	frame := audio.AudioFrame{Data: []byte{1, 0, 2, 0}, SampleRate: audio.CaptureRate}
	data, err := json.Marshal(gemini.NewAudioInput(frame))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"realtimeInput":{"mediaChunks":[{"mimeType":"audio/pcm;rate=16000","data":"AQACAA=="}]}}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}
}

func TestNewSetup_OmitsEmptyOptionals(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(gemini.NewSetup("models/m", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "speechConfig") || strings.Contains(string(data), "systemInstruction") {
		t.Errorf("unexpected optional fields: %s", data)
	}

	data, _ = json.Marshal(gemini.NewSetup("models/m", "Puck", "be brief"))
	if !strings.Contains(string(data), `"voiceName":"Puck"`) || !strings.Contains(string(data), `"text":"be brief"`) {
		t.Errorf("missing optional fields: %s", data)
	}
}

func TestServerMessage_AudioParts(t *testing.T) {
	t.Parallel()
	raw := `{"serverContent":{"interrupted":true,"modelTurn":{"parts":[
		{"text":"hello"},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAA="}},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":""}},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQE="}}
	]}}}`
	var msg gemini.ServerMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	parts := msg.AudioParts()
	if len(parts) != 2 || parts[0].Data != "AAA=" || parts[1].Data != "AQE=" {
		t.Errorf("AudioParts() = %+v", parts)
	}
	if !msg.Interrupted() {
		t.Error("Interrupted() = false")
	}

	var empty gemini.ServerMessage
	if empty.AudioParts() != nil || empty.Interrupted() {
		t.Error("empty message should have no audio and no interruption")
	}
}
