// Package resample implements streaming rational-ratio sample-rate
// conversion for 16-bit linear PCM audio.
//
// No third-party Go resampling library was found anywhere in the example
// pack; the one comparable implementation found
// (square-key-labs-strawgo-ai's audio.Resample) is itself a hand-rolled
// linear-interpolation stand-in whose own comment recommends reaching for a
// real library in production — confirming none was available even when the
// same need arose. This implementation designs its own windowed-sinc
// low-pass filter and runs it as a direct-form FIR over a zero-stuffed
// signal (the textbook realization of polyphase interpolation/decimation),
// carrying filter memory and the decimation phase across Process calls so
// resampling an utterance block-by-block produces the same result as
// resampling it all at once.
package resample

import "math"

// Resampler converts 16-bit linear PCM from one sample rate to another at a
// fixed rational ratio, fixed at construction time.
type Resampler struct {
	up, down int
	taps     []float64
	state    []float64 // filter memory: last len(taps)-1 samples of the zero-stuffed stream
	phase    int        // decimation phase carried across Process calls
}

// New returns a Resampler for inRate -> outRate. The ratio is reduced to
// lowest terms with a denominator capped at maxDenominator (mirroring
// Python's Fraction(...).limit_denominator(1000), used by the reference
// implementation this was distilled from) so the filter stays small for the
// 8000<->24000 Hz ratios this bridge actually uses (3:1) while still
// supporting arbitrary rates.
func New(inRate, outRate, maxDenominator int) *Resampler {
	up, down := reduceRatio(outRate, inRate, maxDenominator)
	taps := designLowpass(up, down)
	return &Resampler{
		up:    up,
		down:  down,
		taps:  taps,
		state: make([]float64, len(taps)-1),
	}
}

// Process resamples one block of input samples, returning the corresponding
// output samples. Blocks may be any length, including very short ones (a
// single 20ms telephony frame); filter continuity across calls is
// maintained internally.
func (r *Resampler) Process(input []int16) []int16 {
	if len(input) == 0 {
		return nil
	}

	stuffed := make([]float64, len(input)*r.up)
	for i, s := range input {
		stuffed[i*r.up] = float64(s)
	}

	full := make([]float64, 0, len(r.state)+len(stuffed))
	full = append(full, r.state...)
	full = append(full, stuffed...)

	tapsLen := len(r.taps)
	outLen := len(full) - tapsLen + 1
	if outLen <= 0 {
		// Not enough accumulated samples yet to produce output; keep what
		// we have as state and wait for more input.
		r.state = full
		return nil
	}

	filtered := make([]float64, outLen)
	for i := 0; i < outLen; i++ {
		var sum float64
		window := full[i : i+tapsLen]
		for k, h := range r.taps {
			sum += h * window[k]
		}
		filtered[i] = sum
	}

	r.state = append([]float64{}, full[len(full)-(tapsLen-1):]...)

	gain := float64(r.up)
	var out []int16
	i := r.phase
	for ; i < len(filtered); i += r.down {
		out = append(out, clipInt16(filtered[i]*gain))
	}
	r.phase = i - len(filtered)

	return out
}

func clipInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// reduceRatio reduces num/den to lowest terms, capping the denominator at
// maxDenominator by progressively coarsening via integer division when the
// exact reduction still exceeds it (in practice, telephony/Realtime rate
// pairs like 8000/24000 reduce exactly to small integers).
func reduceRatio(num, den, maxDenominator int) (int, int) {
	g := gcd(num, den)
	n, d := num/g, den/g
	if maxDenominator <= 0 || d <= maxDenominator {
		return n, d
	}
	// Rare fallback: even the reduced ratio has a denominator larger than
	// allowed. Scale both terms down by the same factor and re-reduce,
	// trading exact rate fidelity for a bounded filter size.
	shrink := d / maxDenominator
	if shrink < 1 {
		shrink = 1
	}
	n, d = n/shrink, d/shrink
	if n < 1 {
		n = 1
	}
	if d < 1 {
		d = 1
	}
	g = gcd(n, d)
	return n / g, d / g
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	if a == 0 {
		return 1
	}
	return a
}

// designLowpass builds a windowed-sinc low-pass FIR for the interpolate-by-up
// / decimate-by-down chain, with cutoff at the tighter of the two Nyquist
// limits so the filter both removes imaging from the zero-stuffing and
// anti-aliases before decimation.
func designLowpass(up, down int) []float64 {
	const tapsPerSide = 8 // filter half-length in units of max(up,down)
	maxUD := up
	if down > maxUD {
		maxUD = down
	}
	half := tapsPerSide * maxUD
	if half < 4 {
		half = 4
	}
	// Cap absolute filter size; large up/down ratios still resample
	// correctly, just with a shorter (lower-quality) filter.
	const maxHalf = 512
	if half > maxHalf {
		half = maxHalf
	}
	n := 2*half + 1

	cutoff := 1.0 / float64(maxUD) // normalized to the zero-stuffed rate
	taps := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		x := float64(i - half)
		var sinc float64
		if x == 0 {
			sinc = cutoff
		} else {
			sinc = math.Sin(math.Pi*cutoff*x) / (math.Pi * x)
		}
		// Hamming window.
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = sinc * w
		sum += taps[i]
	}
	// Normalize DC gain to 1 so a constant input passes through unscaled.
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

// BytesToInt16 decodes little-endian 16-bit PCM bytes to samples.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// Int16ToBytes encodes samples to little-endian 16-bit PCM bytes.
func Int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
