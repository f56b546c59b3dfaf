// Package pcm provides helpers for 16-bit signed little-endian PCM audio:
// sample/byte conversion, dB gain staging with clamping, and linear-
// interpolation resampling for mono streams.
package pcm

import "math"

// BytesToSamples converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts a slice of int16 PCM samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// DBToLinear converts a decibel gain value to a linear amplitude multiplier
// (10^(dB/20)). 0 dB is the identity, +6 dB roughly doubles amplitude.
func DBToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// ApplyGain multiplies every sample by the linear gain factor in place and
// returns the number of samples that had to be clamped to the int16 range.
// A gain of exactly 1 is a no-op.
func ApplyGain(samples []int16, gain float64) (clamped int) {
	if gain == 1 {
		return 0
	}
	for i, s := range samples {
		scaled := float64(s) * gain
		switch {
		case scaled > math.MaxInt16:
			samples[i] = math.MaxInt16
			clamped++
		case scaled < math.MinInt16:
			samples[i] = math.MinInt16
			clamped++
		default:
			samples[i] = int16(scaled)
		}
	}
	return clamped
}

// ResampleMono resamples 16-bit mono PCM samples from srcRate to dstRate
// using linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Silence returns a zeroed sample block of the given length.
func Silence(samples int) []int16 {
	return make([]int16, samples)
}

// Energy returns the mean squared sample value of a PCM block. Useful for
// asserting that lossy codec round-trips stay within a tolerance band.
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}
