// Package device provides desktop audio backends that drive the ffmpeg and
// ffplay binaries as subprocesses: [Microphone] implements [capture.Backend]
// and [Speaker] implements [playback.Output].
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/capture"
)

// Compile-time interface assertion.
var _ capture.Backend = (*Microphone)(nil)

// MicOption is a functional option for [Microphone].
type MicOption func(*Microphone)

// WithFFmpegPath overrides the ffmpeg binary. Default: "ffmpeg" on PATH.
func WithFFmpegPath(path string) MicOption {
	return func(m *Microphone) { m.path = path }
}

// WithInputDevice selects the capture device passed to ffmpeg's -i flag,
// e.g. "default" (pulse), ":0" (avfoundation) or "audio=Microphone" (dshow).
func WithInputDevice(dev string) MicOption {
	return func(m *Microphone) { m.device = dev }
}

// Microphone captures from the system default input through ffmpeg, which
// resamples to the requested format and emits float32 little-endian samples.
type Microphone struct {
	path   string
	device string
	goos   string
}

// NewMicrophone creates a Microphone for the current platform.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{path: "ffmpeg", goos: runtime.GOOS}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [capture.Backend]. The subprocess is bound to ctx.
func (m *Microphone) Open(ctx context.Context, format audio.Format) (capture.Stream, error) {
	if _, err := exec.LookPath(m.path); err != nil {
		return nil, fmt.Errorf("device: ffmpeg not found: %w", err)
	}
	args, err := micArgs(m.goos, m.device, format)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, m.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("device: open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("device: start ffmpeg: %w", err)
	}
	return &micStream{cmd: cmd, stdout: stdout}, nil
}

// micArgs builds the ffmpeg command line for goos.
func micArgs(goos, dev string, format audio.Format) ([]string, error) {
	var input []string
	switch goos {
	case "linux":
		if dev == "" {
			dev = "default"
		}
		input = []string{"-f", "pulse", "-i", dev}
	case "darwin":
		if dev == "" {
			dev = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", dev}
	case "windows":
		if dev == "" {
			return nil, errors.New("device: windows capture needs an explicit dshow device (audio=<name>)")
		}
		input = []string{"-f", "dshow", "-i", dev}
	default:
		return nil, fmt.Errorf("device: microphone capture is not implemented for %s", goos)
	}

	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, input...)
	args = append(args,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le", "-",
	)
	return args, nil
}

// micStream reads float32 LE samples from ffmpeg's stdout.
type micStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	raw    []byte
	once   sync.Once
}

func (s *micStream) Read(buf []float32) (int, error) {
	need := len(buf) * 4
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	raw := s.raw[:need]

	n, err := io.ReadFull(s.stdout, raw)
	samples := n / 4
	for i := range samples {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return samples, err
}

// Close kills ffmpeg and reaps it. It is idempotent.
func (s *micStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}
