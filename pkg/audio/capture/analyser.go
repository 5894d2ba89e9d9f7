package capture

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser defaults. They mirror what a browser AnalyserNode uses for a
// 64-point FFT, so visualisations look the same across clients.
const (
	DefaultFFTSize     = 64
	DefaultSmoothing   = 0.7
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
	summaryBars        = 6
)

// summaryBins are the FFT bins sampled for the bar summary, lowest first.
// At 16 kHz with a 64-point FFT each bin is 250 Hz wide.
var summaryBins = [4]int{1, 3, 6, 10}

// Analyser keeps a sliding window of the most recent samples and computes a
// smoothed magnitude spectrum on demand. It is safe for concurrent use: the
// capture goroutine writes while the control goroutine reads summaries.
type Analyser struct {
	mu sync.Mutex

	fft       *fourier.FFT
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	ring []float64
	pos  int

	smoothed []float64
	scratch  []float64
	coeffs   []complex128
}

// NewAnalyser creates an Analyser with the given FFT size (a power of two)
// and time-smoothing coefficient in [0, 1).
func NewAnalyser(size int, smoothing float64) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &Analyser{
		fft:       fourier.NewFFT(size),
		size:      size,
		smoothing: smoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
		ring:      make([]float64, size),
		smoothed:  make([]float64, size/2+1),
		scratch:   make([]float64, size),
		coeffs:    make([]complex128, size/2+1),
	}
}

// Write appends samples to the analysis window, keeping only the newest.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.size
	}
}

// Reset clears the window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}

// Spectrum returns the smoothed per-bin levels normalised to [0, 1].
// Each call advances the smoothing by one step.
func (a *Analyser) Spectrum() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Unroll the ring oldest-first.
	n := copy(a.scratch, a.ring[a.pos:])
	copy(a.scratch[n:], a.ring[:a.pos])
	window.Blackman(a.scratch)

	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	out := make([]float64, len(a.smoothed))
	for i, c := range a.coeffs {
		mag := cmplx.Abs(c) / float64(a.size)
		a.smoothed[i] = a.smoothing*a.smoothed[i] + (1-a.smoothing)*mag
		out[i] = a.normalise(a.smoothed[i])
	}
	return out
}

func (a *Analyser) normalise(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := (db - a.minDB) / (a.maxDB - a.minDB)
	return math.Max(0, math.Min(1, v))
}

// Summary reduces the spectrum to six mirrored bars: the outer pair shows the
// lowest bin, the next pair the second bin, and the centre pair the mean of
// the two highest bins.
func (a *Analyser) Summary() [summaryBars]float64 {
	spec := a.Spectrum()
	level := func(bin int) float64 {
		if bin >= len(spec) {
			return 0
		}
		return spec[bin]
	}
	lo := level(summaryBins[0])
	mid := level(summaryBins[1])
	hi := (level(summaryBins[2]) + level(summaryBins[3])) / 2
	return [summaryBars]float64{lo, mid, hi, hi, mid, lo}
}
