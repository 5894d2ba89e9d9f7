package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Output = (*Speaker)(nil)

// ErrSpeakerClosed is returned when scheduling on a closed [Speaker].
var ErrSpeakerClosed = errors.New("device: speaker closed")

const (
	defaultTick = 20 * time.Millisecond
	defaultLead = 80 * time.Millisecond
)

// SpeakerOption is a functional option for [Speaker].
type SpeakerOption func(*Speaker)

// WithFFplayPath overrides the ffplay binary. Default: "ffplay" on PATH.
func WithFFplayPath(path string) SpeakerOption {
	return func(s *Speaker) { s.path = path }
}

// WithDeviceRate sets the rate fed to ffplay. Scheduled buffers at other
// rates are resampled. Default: [audio.PlaybackRate].
func WithDeviceRate(rate int) SpeakerOption {
	return func(s *Speaker) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithVolume sets ffplay's volume in [0, 100]. Default: 80.
func WithVolume(v int) SpeakerOption {
	return func(s *Speaker) { s.volume = v }
}

// WithSink replaces the ffplay subprocess with w. The speaker then writes
// PCM16 LE at the device rate straight into w. Used by tests and by callers
// that pipe audio elsewhere.
func WithSink(w io.WriteCloser) SpeakerOption {
	return func(s *Speaker) { s.sink = w }
}

// Speaker is a [playback.Output] that owns a timeline of scheduled buffers
// and streams it to ffplay in real time. Gaps between buffers are filled with
// silence. The clock advances with wall time while running and freezes while
// suspended.
type Speaker struct {
	path   string
	rate   int
	volume int
	tick   time.Duration
	lead   time.Duration
	sink   io.WriteCloser
	cmd    *exec.Cmd

	mu        sync.Mutex
	origin    time.Time
	frozenAt  time.Duration
	suspended bool
	closed    bool
	written   int64
	queue     []segment

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// segment is a buffer placed on the timeline at sample index start.
type segment struct {
	start   int64
	samples []float32
}

// NewSpeaker creates a stopped Speaker. Call [Speaker.Open] to start output.
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		path:   "ffplay",
		rate:   audio.PlaybackRate,
		volume: 80,
		tick:   defaultTick,
		lead:   defaultLead,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts ffplay (unless a sink was supplied) and the feeder goroutine.
// The clock starts at zero in the running state.
func (s *Speaker) Open(ctx context.Context) error {
	if s.sink == nil {
		if _, err := exec.LookPath(s.path); err != nil {
			return fmt.Errorf("device: ffplay not found: %w", err)
		}
		cmd := exec.Command(s.path,
			"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp",
			"-autoexit",
			"-volume", strconv.Itoa(s.volume),
			"-f", "s16le", "-ch_layout", "mono", "-ar", strconv.Itoa(s.rate),
			"-probesize", "32", "-fflags", "nobuffer",
			"-i", "-",
		)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("device: open ffplay stdin: %w", err)
		}
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("device: start ffplay: %w", err)
		}
		s.cmd = cmd
		s.sink = stdin
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.origin = time.Now()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.feed(runCtx)
	return nil
}

// Now implements [playback.Output].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockLocked()
}

func (s *Speaker) clockLocked() time.Duration {
	if s.suspended || s.origin.IsZero() {
		return s.frozenAt
	}
	return time.Since(s.origin)
}

// Schedule implements [playback.Output]. Samples that would start before the
// already-written portion of the timeline are clipped.
func (s *Speaker) Schedule(samples []float32, sampleRate int, at time.Duration) error {
	samples = audio.Resample(samples, sampleRate, s.rate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpeakerClosed
	}
	start := s.sampleAt(at)
	if start < s.written {
		skip := s.written - start
		if skip >= int64(len(samples)) {
			return nil
		}
		samples = samples[skip:]
		start = s.written
	}
	s.queue = append(s.queue, segment{start: start, samples: samples})
	return nil
}

// Flush implements [playback.Output]. Samples already written to ffplay keep
// playing. Everything after them is discarded.
func (s *Speaker) Flush() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return max(s.clockLocked(), s.timeAt(s.written))
}

// Suspended implements [playback.Output].
func (s *Speaker) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Suspend freezes the clock. Pending buffers keep their timeline position.
func (s *Speaker) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.frozenAt = s.clockLocked()
	s.suspended = true
}

// Resume implements [playback.Output].
func (s *Speaker) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpeakerClosed
	}
	if !s.suspended {
		return nil
	}
	s.origin = time.Now().Add(-s.frozenAt)
	s.suspended = false
	return nil
}

// Close stops the feeder and ffplay. It is idempotent.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		if s.sink != nil {
			err = s.sink.Close()
		}
		if s.cmd != nil {
			_ = s.cmd.Wait()
		}
	})
	return err
}

func (s *Speaker) sampleAt(d time.Duration) int64 {
	return int64(d) * int64(s.rate) / int64(time.Second)
}

// timeAt is the inverse of sampleAt, rounded up so that
// sampleAt(timeAt(n)) == n.
func (s *Speaker) timeAt(n int64) time.Duration {
	rate := int64(s.rate)
	return time.Duration((n*int64(time.Second) + rate - 1) / rate)
}

func (s *Speaker) feed(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		block := s.render()
		if len(block) == 0 {
			continue
		}
		if _, err := s.sink.Write(audio.EncodePCM16(block)); err != nil {
			slog.Warn("speaker write failed", "err", err)
			return
		}
	}
}

// render mixes the timeline up to now+lead and returns the new samples.
func (s *Speaker) render() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}
	target := s.sampleAt(s.clockLocked() + s.lead)
	if target <= s.written {
		return nil
	}

	from := s.written
	block := make([]float32, target-from)
	kept := s.queue[:0]
	for _, seg := range s.queue {
		end := seg.start + int64(len(seg.samples))
		lo := max(seg.start, from)
		hi := min(end, target)
		for i := lo; i < hi; i++ {
			block[i-from] += seg.samples[i-seg.start]
		}
		if end > target {
			kept = append(kept, seg)
		}
	}
	s.queue = kept
	s.written = target
	return block
}
