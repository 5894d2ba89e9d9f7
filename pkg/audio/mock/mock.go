// Package mock provides in-memory implementations of [capture.Backend],
// [capture.Stream] and [playback.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and expose exported fields
// that control return values.
//
// Typical usage:
//
//	stream := mock.NewStream()
//	mic := &mock.Microphone{OpenResult: stream}
//	p := capture.New(mic, capture.WithFrameHandler(onFrame))
//	_ = p.Start(ctx)
//	stream.Push([]float32{0.1, -0.2})
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ capture.Backend = (*Microphone)(nil)
	_ capture.Stream  = (*Stream)(nil)
	_ playback.Output = (*Output)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [capture.Backend].
type Microphone struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, a fresh [Stream] is created.
	OpenResult *Stream

	// OpenError is returned by Open. When set, OpenResult is ignored.
	OpenError error

	// OpenCalls records the format of every Open invocation.
	OpenCalls []audio.Format
}

// Open implements [capture.Backend].
func (m *Microphone) Open(_ context.Context, format audio.Format) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, format)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	if m.OpenResult == nil {
		return NewStream(), nil
	}
	return m.OpenResult, nil
}

// CallCountOpen reports how many times Open was called.
func (m *Microphone) CallCountOpen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [capture.Stream] fed by [Stream.Push]. Read blocks until a
// chunk is pushed, [Stream.Fail] is called, or the stream is closed.
type Stream struct {
	chunks  chan []float32
	failCh  chan error
	closed  chan struct{}
	once    sync.Once
	counter sync.Mutex

	callCountClose int
}

// NewStream returns an open Stream.
func NewStream() *Stream {
	return &Stream{
		chunks: make(chan []float32),
		failCh: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Push delivers one chunk to the next Read. It returns false if the stream
// was closed first.
func (s *Stream) Push(samples []float32) bool {
	select {
	case s.chunks <- samples:
		return true
	case <-s.closed:
		return false
	}
}

// Fail makes the next Read return err.
func (s *Stream) Fail(err error) {
	s.failCh <- err
}

// Read implements [capture.Stream].
func (s *Stream) Read(buf []float32) (int, error) {
	select {
	case chunk := <-s.chunks:
		return copy(buf, chunk), nil
	case err := <-s.failCh:
		return 0, err
	case <-s.closed:
		return 0, io.EOF
	}
}

// Close implements [capture.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.counter.Lock()
	s.callCountClose++
	s.counter.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

// CallCountClose reports how many times Close was called.
func (s *Stream) CallCountClose() int {
	s.counter.Lock()
	defer s.counter.Unlock()
	return s.callCountClose
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Output.Schedule] invocation.
type ScheduleCall struct {
	Samples    []float32
	SampleRate int
	At         time.Duration
}

// Output is a mock [playback.Output] with a manually driven clock.
type Output struct {
	mu sync.Mutex

	// Clock is returned by Now. Advance it with [Output.Advance].
	Clock time.Duration

	// IsSuspended is returned by Suspended and cleared by a successful Resume.
	IsSuspended bool

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// ResumeError is returned by Resume.
	ResumeError error

	// Committed is the end of the audio the device already holds. Flush
	// returns max(Clock, Committed).
	Committed time.Duration

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int
}

// ErrSuspended can be used as ScheduleError to simulate a dead device.
var ErrSuspended = errors.New("mock: output suspended")

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Clock
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Clock += d
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(samples []float32, sampleRate int, at time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleError != nil {
		return o.ScheduleError
	}
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Samples: samples, SampleRate: sampleRate, At: at})
	return nil
}

// Suspended implements [playback.Output].
func (o *Output) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.IsSuspended
}

// Resume implements [playback.Output].
func (o *Output) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	if o.ResumeError != nil {
		return o.ResumeError
	}
	o.IsSuspended = false
	return nil
}

// Flush implements [playback.Output].
func (o *Output) Flush() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountFlush++
	return max(o.Clock, o.Committed)
}

// Calls returns a copy of the recorded Schedule calls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.ScheduleCalls...)
}
