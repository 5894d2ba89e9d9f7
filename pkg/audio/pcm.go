package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedFrame is returned when inbound audio is truncated or corrupt.
// Callers drop the frame; the stream continues.
var ErrMalformedFrame = errors.New("audio: malformed frame")

const sampleWidth = 2

// EncodePCM16 converts float samples in [-1, 1] to PCM16 little-endian bytes.
// Out-of-range samples are clamped. Negative values scale by 0x8000, the rest
// by 0x7FFF, truncating toward zero.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*sampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*sampleWidth:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s != s: // NaN
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(float64(s) * 0x8000)
	}
	return int16(float64(s) * 0x7FFF)
}

// DecodePCM16 converts PCM16 little-endian bytes back to float samples.
// It returns [ErrMalformedFrame] when len(data) is not a multiple of two.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%sampleWidth != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedFrame, len(data))
	}
	out := make([]float32, len(data)/sampleWidth)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*sampleWidth:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7FFF
		}
	}
	return out, nil
}

// WrapPayload encodes binary audio as transport-safe text (standard base64).
func WrapPayload(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// UnwrapPayload reverses [WrapPayload]. Invalid input yields [ErrMalformedFrame].
func UnwrapPayload(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return data, nil
}

// PCMMimeType returns the media type tag for PCM16 at the given rate.
func PCMMimeType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParsePCMMimeType extracts the sample rate from a tag such as
// "audio/pcm;rate=24000". A missing rate parameter defaults to PlaybackRate,
// which is what the upstream service sends.
func ParsePCMMimeType(mime string) (int, bool) {
	base, params, _ := strings.Cut(mime, ";")
	if strings.TrimSpace(base) != "audio/pcm" {
		return 0, false
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 || rate > math.MaxInt32 {
			return 0, false
		}
		return rate, true
	}
	return PlaybackRate, true
}
