package audio

import "time"

// Fixed wire rates. Captured audio travels upstream at CaptureRate; audio
// returned by the model is played back at PlaybackRate.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

// AudioFrame is one chunk of mono PCM16 little-endian audio. Frames are created
// by the capture pipeline or by decoding an inbound wire message, consumed
// exactly once, and never mutated after creation.
type AudioFrame struct {
	// Data holds the PCM16 LE samples.
	Data []byte

	// SampleRate in Hz (CaptureRate for outbound, PlaybackRate for inbound).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples reports the number of 16-bit samples in the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Duration reports how long the frame plays at its sample rate.
// A frame without a sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// MimeType returns the wire media type for the frame, e.g. "audio/pcm;rate=16000".
func (f AudioFrame) MimeType() string { return PCMMimeType(f.SampleRate) }

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}
