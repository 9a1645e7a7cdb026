package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square amplitude of a 16-bit signed little-endian
// PCM buffer, expressed in sample units (0–32767). Returns 0 for buffers
// shorter than one sample.
//
// This is a diagnostic measure: callers on the codec path log it but must not
// use it to gate or drop frames. The turn coordinator applies its own
// configured threshold for energy-based barge-in.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
