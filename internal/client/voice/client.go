// Package voice composes the terminal voice client: the input-mode machine,
// the capture pipeline, the playback scheduler, the relay connection, and the
// chat history for typed questions.
//
// A single goroutine ([Client.Run]) owns the input-mode machine and applies
// user commands to it. Each running session adds a sender and a receiver
// goroutine, grouped in an errgroup, which never touch the machine directly;
// they report the end of the session back to the command loop. Typed
// questions are sent from their own goroutine and answer the command
// directly, so a slow reply never stalls the loop.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/client/chat"
	"github.com/MrWong99/voxbridge/internal/client/inputmode"
	"github.com/MrWong99/voxbridge/internal/client/transport"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
	"github.com/MrWong99/voxbridge/pkg/provider/live/gemini"
)

var (
	// ErrKeyboardOff is returned by the say command when keyboard input is
	// disabled.
	ErrKeyboardOff = errors.New("voice: keyboard input is off (use kb)")

	// ErrNoChat is returned by the say command when no chat history is
	// configured.
	ErrNoChat = errors.New("voice: text chat not configured")
)

// Link is the relay connection used by a session. [*transport.Conn]
// implements it.
type Link interface {
	SendAudio(frame audio.AudioFrame) error
	Receive() (*gemini.ServerMessage, error)
	Close() error
}

var _ Link = (*transport.Conn)(nil)

// DialFunc opens a Link to the relay at server.
type DialFunc func(ctx context.Context, server string) (Link, error)

func dialTransport(ctx context.Context, server string) (Link, error) {
	c, err := transport.Dial(ctx, server)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config holds the collaborators of a Client.
type Config struct {
	// Server is the relay base URL, e.g. "http://localhost:3000".
	Server string

	// Mic is the capture backend.
	Mic capture.Backend

	// Speaker is the playback output.
	Speaker playback.Output

	// Chat is the conversation used by the say command. Optional.
	Chat *chat.History

	// Dial opens relay connections. Default: [transport.Dial].
	Dial DialFunc

	// OnNotice shows an inline notice, such as a lost session, to the user.
	// It runs on the command loop and must not block. Optional.
	OnNotice func(text string)
}

// Client is the voice client.
type Client struct {
	server   string
	dial     DialFunc
	onNotice func(string)
	chat     *chat.History
	timer    *inputmode.ElapsedTimer
	machine  *inputmode.Machine
	capture  *capture.Pipeline
	sched    *playback.Scheduler

	// frames is the one-slot hand-off from the capture goroutine to the
	// session sender. A full slot drops the new frame.
	frames      chan audio.AudioFrame
	captureErrs chan error
	ended       chan sessionEnd

	runCtx  context.Context
	session *session
	nextID  int
	asks    sync.WaitGroup
}

type session struct {
	id     int
	link   Link
	cancel context.CancelFunc
	done   chan struct{}
}

type sessionEnd struct {
	id  int
	err error
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	c := &Client{
		server:      cfg.Server,
		dial:        cfg.Dial,
		onNotice:    cfg.OnNotice,
		chat:        cfg.Chat,
		timer:       inputmode.NewElapsedTimer(),
		sched:       playback.New(cfg.Speaker),
		frames:      make(chan audio.AudioFrame, 1),
		captureErrs: make(chan error, 1),
		ended:       make(chan sessionEnd, 1),
		runCtx:      context.Background(),
	}
	if c.dial == nil {
		c.dial = dialTransport
	}
	c.capture = capture.New(cfg.Mic,
		capture.WithFrameHandler(c.onFrame),
		capture.WithErrorHandler(c.onCaptureError),
	)

	opts := []inputmode.Option{
		inputmode.WithTimer(c.timer),
		inputmode.WithMicObserver(c.onMicChange),
	}
	if c.chat != nil {
		opts = append(opts, inputmode.WithHistory(c.chat))
	}
	c.machine = inputmode.New(opts...)
	return c
}

// ── Command loop ─────────────────────────────────────────────────────────────

// Run applies commands until ctx is cancelled or cmds is closed. Every
// command gets exactly one Result on its Result channel, when one is set.
// Run ends any running session and waits for in-flight questions before
// returning.
func (c *Client) Run(ctx context.Context, cmds <-chan Command) error {
	c.runCtx = ctx
	defer func() {
		c.endSession()
		c.capture.Stop()
		c.asks.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if cmd.Op == OpSay {
				c.say(ctx, cmd)
				continue
			}
			out, err := c.apply(ctx, cmd)
			cmd.reply(out, err)
		case end := <-c.ended:
			c.sessionEnded(end)
		case err := <-c.captureErrs:
			slog.Warn("microphone stopped", "err", err)
			if c.machine.State().MicEnabled {
				_ = c.machine.ToggleMic()
			}
		}
	}
}

func (c *Client) apply(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Op {
	case OpStart:
		if err := c.startSession(ctx); err != nil {
			return "", err
		}
		return "session started", nil
	case OpPause:
		if err := c.machine.TogglePause(); err != nil {
			return "", err
		}
		if c.machine.State().Paused {
			return "paused", nil
		}
		return "resumed", nil
	case OpEnd:
		c.endSession()
		return "session ended", nil
	case OpKeyboard:
		if err := c.machine.ToggleKeyboard(); err != nil {
			return "", err
		}
		return "keyboard " + onOff(c.machine.State().KeyboardEnabled), nil
	case OpMic:
		if err := c.machine.ToggleMic(); err != nil {
			return "", err
		}
		return "mic " + onOff(c.machine.State().MicEnabled), nil
	case OpStatus:
		return c.Status(), nil
	default:
		return "", fmt.Errorf("voice: unknown command %d", cmd.Op)
	}
}

// say checks the input mode on the loop goroutine and hands the request off.
// The History rejects a second question while one is in flight.
func (c *Client) say(ctx context.Context, cmd Command) {
	switch {
	case c.chat == nil:
		cmd.reply("", ErrNoChat)
		return
	case !c.machine.State().KeyboardEnabled:
		cmd.reply("", ErrKeyboardOff)
		return
	}
	c.asks.Add(1)
	go func() {
		defer c.asks.Done()
		cmd.reply(c.ask(ctx, cmd.Text))
	}()
}

func (c *Client) ask(ctx context.Context, text string) (string, error) {
	err := c.chat.SendMessage(ctx, text)
	if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrBusy) {
		return "", err
	}
	// On a failed request the last turn is the inline error message.
	msgs := c.chat.Messages()
	if len(msgs) == 0 {
		return "", err
	}
	return msgs[len(msgs)-1].Text(), nil
}

// ── Session lifecycle ────────────────────────────────────────────────────────

func (c *Client) startSession(ctx context.Context) error {
	if c.session != nil {
		c.stopSession()
	}
	link, err := c.dial(ctx, c.server)
	if err != nil {
		return fmt.Errorf("voice: connect: %w", err)
	}
	if err := c.sched.Resume(ctx); err != nil {
		slog.Warn("speaker resume failed", "err", err)
	}
	c.sched.Reset()
	audio.DrainPending(c.frames)

	c.nextID++
	sctx, cancel := context.WithCancel(ctx)
	s := &session{id: c.nextID, link: link, cancel: cancel, done: make(chan struct{})}
	c.session = s
	go c.runSession(sctx, s)

	c.machine.StartSession()
	return nil
}

// runSession pumps frames up and model audio down until either side fails or
// the session is cancelled.
func (c *Client) runSession(ctx context.Context, s *session) {
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case f := <-c.frames:
				if err := s.link.SendAudio(f); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			msg, err := s.link.Receive()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			c.play(msg)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.link.Close()
	})

	err := g.Wait()
	select {
	case c.ended <- sessionEnd{id: s.id, err: err}:
	case <-c.runCtx.Done():
	}
}

func (c *Client) play(msg *gemini.ServerMessage) {
	if msg.Interrupted() {
		c.sched.Reset()
	}
	for _, part := range msg.AudioParts() {
		if _, err := c.sched.EnqueueWire(part.Data, part.MIMEType); err != nil {
			slog.Warn("dropping audio chunk", "mime", part.MIMEType, "err", err)
		}
	}
	if msg.Error != nil {
		slog.Error("relay reported an error", "code", msg.Error.Code, "message", msg.Error.Message)
	}
}

// sessionEnded handles a session whose goroutines finished on their own.
// The conversation survives; a failure is also reported inline in it.
func (c *Client) sessionEnded(end sessionEnd) {
	if c.session == nil || c.session.id != end.id {
		return
	}
	c.session = nil
	c.machine.LoseSession()
	c.sched.Reset()

	var ce *transport.CloseError
	switch {
	case end.err == nil:
		return
	case errors.As(end.err, &ce) && ce.Normal():
		slog.Info("relay closed the session", "reason", ce.Reason)
		return
	}
	slog.Warn("session lost", "err", end.err)
	if c.chat != nil {
		c.chat.Notify(chat.VoiceLostText)
	}
	if c.onNotice != nil {
		c.onNotice(chat.VoiceLostText)
	}
}

// stopSession cancels the running session and waits for its goroutines.
func (c *Client) stopSession() {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil
	s.cancel()
	<-s.done
	// Drop the end report of the session we just stopped.
	select {
	case <-c.ended:
	default:
	}
}

func (c *Client) endSession() {
	c.stopSession()
	c.machine.EndSession()
	c.sched.Reset()
}

// ── Capture hooks ────────────────────────────────────────────────────────────

func (c *Client) onMicChange(on bool) {
	if !on {
		c.capture.Stop()
		return
	}
	// Start reports failures through onCaptureError.
	_ = c.capture.Start(c.runCtx)
}

// onFrame runs on the capture goroutine and must not block.
func (c *Client) onFrame(f audio.AudioFrame) {
	select {
	case c.frames <- f:
	default:
	}
}

func (c *Client) onCaptureError(err error) {
	select {
	case c.captureErrs <- err:
	default:
	}
}

// ── Views ────────────────────────────────────────────────────────────────────

// State returns the current input-mode state.
func (c *Client) State() inputmode.State { return c.machine.State() }

// Elapsed returns the session counter as "mm:ss".
func (c *Client) Elapsed() string { return c.timer.Format() }

// Status renders a one-line summary with the six-bar level meter.
func (c *Client) Status() string {
	s := c.machine.State()
	session := "idle"
	switch {
	case s.Paused:
		session = "paused"
	case s.SessionActive:
		session = "active"
	}
	mic := "on"
	if s.Muted() {
		mic = "muted"
	}

	var bars [6]float64
	if s.Animate() {
		bars, _ = c.capture.FrequencySummary()
	}
	return fmt.Sprintf("session %s | %s | mic %s | keyboard %s | [%s]",
		session, c.timer.Format(), mic, onOff(s.KeyboardEnabled), RenderBars(bars))
}

var levels = []rune(" ▁▂▃▄▅▆▇█")

// RenderBars draws levels in [0, 1] as block characters.
func RenderBars(bars [6]float64) string {
	var b strings.Builder
	for _, v := range bars {
		v = min(max(v, 0), 1)
		b.WriteRune(levels[int(v*float64(len(levels)-1)+0.5)])
	}
	return b.String()
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
