// Package capture turns microphone input into wire-ready PCM16 frames.
//
// A [Pipeline] owns exclusive access to a platform microphone through the
// [Backend] interface. While recording, a dedicated goroutine reads float
// samples, converts each read into one [audio.AudioFrame] and hands it to the
// OnFrame callback. The pipeline keeps no queue: backpressure belongs to the
// consumer.
//
// The same goroutine feeds an [Analyser] so the control flow can poll a
// six-bar frequency summary for visualisation.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrCaptureUnavailable is reported when the microphone cannot be acquired
// (device busy, permission denied) or fails while recording.
var ErrCaptureUnavailable = errors.New("capture: microphone unavailable")

// DefaultFrameSize is the number of samples delivered per frame (32 ms at 16 kHz).
const DefaultFrameSize = 512

// Backend is a platform microphone. Implementations must return a [Stream]
// that delivers mono float samples in [-1, 1] at the requested format.
type Backend interface {
	Open(ctx context.Context, format audio.Format) (Stream, error)
}

// Stream is an open microphone. Close must unblock any pending Read.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
}

// Option is a functional option for [Pipeline].
type Option func(*Pipeline)

// WithFrameHandler sets the callback invoked once per captured frame. It runs
// on the capture goroutine and must not call [Pipeline.Stop].
func WithFrameHandler(fn func(audio.AudioFrame)) Option {
	return func(p *Pipeline) { p.onFrame = fn }
}

// WithErrorHandler sets the callback invoked when capture cannot start or
// fails mid-stream. Errors wrap [ErrCaptureUnavailable].
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithFrameSize overrides the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithAnalyser replaces the default 64-point analyser.
func WithAnalyser(a *Analyser) Option {
	return func(p *Pipeline) { p.analyser = a }
}

// Pipeline is the capture state machine: Idle → Recording → Idle.
// Start and Stop are re-entrant no-ops when already in the target state.
type Pipeline struct {
	backend   Backend
	format    audio.Format
	frameSize int
	onFrame   func(audio.AudioFrame)
	onError   func(error)
	analyser  *Analyser

	mu  sync.Mutex
	cur *recording
}

// recording holds the resources of one Start/Stop cycle.
type recording struct {
	stream  Stream
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool
}

// New creates an idle Pipeline that captures mono audio at [audio.CaptureRate].
func New(backend Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:   backend,
		format:    audio.Format{SampleRate: audio.CaptureRate, Channels: 1},
		frameSize: DefaultFrameSize,
		onFrame:   func(audio.AudioFrame) {},
		onError:   func(error) {},
	}
	for _, o := range opts {
		o(p)
	}
	if p.analyser == nil {
		p.analyser = NewAnalyser(DefaultFFTSize, DefaultSmoothing)
	}
	return p
}

// Recording reports whether the pipeline currently holds the microphone.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

// Start acquires the microphone and begins delivering frames. Calling Start
// while recording is a no-op. If the device cannot be opened the error is
// passed to the error handler, returned, and the pipeline stays idle.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cur != nil {
		p.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := p.backend.Open(runCtx, p.format)
	if err != nil {
		p.mu.Unlock()
		cancel()
		err = fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		p.onError(err)
		return err
	}

	rec := &recording{stream: stream, cancel: cancel, done: make(chan struct{})}
	p.cur = rec
	p.analyser.Reset()
	go p.loop(rec)
	p.mu.Unlock()

	slog.Debug("capture started", "sample_rate", p.format.SampleRate, "frame_size", p.frameSize)
	return nil
}

// Stop releases the microphone. It returns only after the capture goroutine
// has exited, so no frame is delivered after Stop returns. Calling Stop while
// idle is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	rec := p.cur
	p.cur = nil
	p.mu.Unlock()
	if rec == nil {
		return
	}

	rec.stopped.Store(true)
	rec.cancel()
	if err := rec.stream.Close(); err != nil {
		slog.Debug("capture: close stream", "err", err)
	}
	<-rec.done
	slog.Debug("capture stopped")
}

// FrequencySummary returns six bar levels in [0, 1]. ok is false when the
// pipeline is not recording.
func (p *Pipeline) FrequencySummary() (bars [6]float64, ok bool) {
	if !p.Recording() {
		return bars, false
	}
	return p.analyser.Summary(), true
}

func (p *Pipeline) loop(rec *recording) {
	defer close(rec.done)

	buf := make([]float32, p.frameSize)
	var captured int64
	for {
		n, err := rec.stream.Read(buf)
		if rec.stopped.Load() {
			return
		}
		if n > 0 {
			samples := buf[:n]
			p.analyser.Write(samples)
			p.onFrame(audio.AudioFrame{
				Data:       audio.EncodePCM16(samples),
				SampleRate: p.format.SampleRate,
				Timestamp:  time.Duration(captured) * time.Second / time.Duration(p.format.SampleRate),
			})
			captured += int64(n)
		}
		if err != nil {
			p.fail(rec, err)
			return
		}
	}
}

// fail tears down a recording that ended without Stop being called.
func (p *Pipeline) fail(rec *recording, cause error) {
	p.mu.Lock()
	if p.cur == rec {
		p.cur = nil
	}
	p.mu.Unlock()

	rec.cancel()
	_ = rec.stream.Close()
	if rec.stopped.Load() {
		return
	}
	err := fmt.Errorf("%w: %w", ErrCaptureUnavailable, cause)
	slog.Warn("capture stream ended", "err", cause)
	p.onError(err)
}
