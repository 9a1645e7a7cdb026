package audio

// G.711 μ-law transcoding, table-driven in both directions. The decode table
// has one entry per code byte; the encode table covers the full 16-bit sample
// space so the hot path is a single index per sample.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	mulawToLinear [256]int16
	linearToMulaw [65536]uint8
)

func init() {
	for i := 0; i < 256; i++ {
		mulawToLinear[i] = decodeMulawSample(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToMulaw[uint16(int16(i))] = encodeMulawSample(int16(i))
	}
}

// decodeMulawSample expands one μ-law code byte to a 16-bit linear sample.
func decodeMulawSample(u uint8) int16 {
	u = ^u
	sign := u & 0x80
	exponent := uint(u>>4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa<<3 + mulawBias) << exponent) - mulawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// encodeMulawSample compresses one 16-bit linear sample to a μ-law code byte.
func encodeMulawSample(sample int16) uint8 {
	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		if sample == -32768 {
			sample = 32767
		} else {
			sample = -sample
		}
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 && sample&mask == 0 {
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// MulawToPCM16 expands μ-law bytes to 16-bit signed little-endian PCM. The
// output is exactly twice the input length.
func MulawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := mulawToLinear[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// PCM16ToMulaw compresses 16-bit signed little-endian PCM to μ-law bytes. A
// trailing odd byte is ignored; the output is len(in)/2 bytes.
func PCM16ToMulaw(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := uint16(in[i*2]) | uint16(in[i*2+1])<<8
		out[i] = linearToMulaw[s]
	}
	return out
}
