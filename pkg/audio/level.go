package audio

import "math"

// RMS returns the root mean square level of 16-bit little-endian PCM,
// normalized to [0, 1].
func RMS(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}

	var sum float64
	for i := 0; i < len(chunk)-1; i += 2 {
		sample := int16(chunk[i]) | (int16(chunk[i+1]) << 8)
		f := float64(sample) / 32768.0
		sum += f * f
	}

	return math.Sqrt(sum / float64(len(chunk)/2))
}
