// Package playback schedules decoded model audio against an output clock so
// consecutive chunks play back-to-back with no gap and no overlap.
package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// Output is a platform audio sink with its own monotonic clock.
//
// Schedule must not block until playback: it hands the buffer to the device
// to start at the given clock time and returns.
type Output interface {
	// Now returns the current position of the output clock.
	Now() time.Duration

	// Schedule queues samples (mono float, sampleRate Hz) to begin at at.
	Schedule(samples []float32, sampleRate int, at time.Duration) error

	// Suspended reports whether the output clock is paused.
	Suspended() bool

	// Resume restarts a suspended output.
	Resume(ctx context.Context) error

	// Flush drops every scheduled buffer the device has not consumed yet and
	// returns the clock time at which the audio it already holds ends. That
	// is never earlier than Now.
	Flush() time.Duration
}

// Scheduler owns the single "next start time" cursor. Each buffer starts at
// max(now, cursor) and advances the cursor by exactly its duration, so bursty
// arrivals play contiguously and a stalled cursor resumes at now instead of
// trying to catch up.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	out Output

	mu     sync.Mutex
	cursor time.Duration
}

// New creates a Scheduler for out with the cursor at zero.
func New(out Output) *Scheduler {
	return &Scheduler{out: out}
}

// Enqueue decodes frame and schedules it. A malformed frame returns
// [audio.ErrMalformedFrame] and leaves the cursor untouched. It returns the
// start time the buffer was scheduled at.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) (time.Duration, error) {
	samples, err := audio.DecodePCM16(frame.Data)
	if err != nil {
		return 0, err
	}
	rate := frame.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackRate
	}
	if len(samples) == 0 {
		return s.Cursor(), nil
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(rate)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := max(s.out.Now(), s.cursor)
	if err := s.out.Schedule(samples, rate, start); err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.cursor = start + dur
	return start, nil
}

// EnqueueBase64 unwraps a transport-encoded chunk at [audio.PlaybackRate] and
// schedules it.
func (s *Scheduler) EnqueueBase64(chunk string) (time.Duration, error) {
	return s.EnqueueWire(chunk, audio.PCMMimeType(audio.PlaybackRate))
}

// EnqueueWire unwraps a transport-encoded chunk tagged with mimeType and
// schedules it at the rate the tag declares.
func (s *Scheduler) EnqueueWire(chunk, mimeType string) (time.Duration, error) {
	rate, ok := audio.ParsePCMMimeType(mimeType)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported mime type %q", audio.ErrMalformedFrame, mimeType)
	}
	data, err := audio.UnwrapPayload(chunk)
	if err != nil {
		return 0, err
	}
	return s.Enqueue(audio.AudioFrame{Data: data, SampleRate: rate})
}

// Resume restarts the output if it is suspended. It is idempotent.
func (s *Scheduler) Resume(ctx context.Context) error {
	if !s.out.Suspended() {
		return nil
	}
	if err := s.out.Resume(ctx); err != nil {
		return fmt.Errorf("playback: resume: %w", err)
	}
	return nil
}

// Cursor returns the end of the last scheduled buffer on the output clock.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Reset cancels everything still queued on the output and moves the cursor
// to the end of what the device already holds, so the next buffer starts
// right after it instead of mixing with the old timeline.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.out.Flush()
}
