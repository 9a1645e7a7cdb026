// Package audio provides the codec primitives used on the telephony media
// path: G.711 μ-law transcoding, PCM16 resampling, frame chunking, and RMS
// metering.
//
// Telephony audio arrives and leaves as 8 kHz μ-law; the speech recogniser
// consumes 16 kHz PCM16; the synthesiser produces PCM16 at 22 050 Hz. All
// conversions between those formats are pure functions in this package.
package audio

import (
	"errors"
	"fmt"
)

// ErrInvalidEncoding is returned when a conversion is asked to handle an
// encoding it does not support. Conversions never partially write.
var ErrInvalidEncoding = errors.New("audio: invalid encoding")

// Encoding identifies the byte-level sample encoding of a frame.
type Encoding string

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM, 2 bytes per sample.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingMulaw is G.711 μ-law, 1 byte per sample.
	EncodingMulaw Encoding = "mulaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingMulaw:
		return true
	}
	return false
}

// BytesPerSample returns the sample width of the encoding in bytes, or 0 for
// an unrecognised encoding.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCM16:
		return 2
	case EncodingMulaw:
		return 1
	}
	return 0
}

// Frame is a tagged audio byte sequence. Frames are immutable once produced;
// conversions allocate new frames rather than mutating Data in place.
type Frame struct {
	Encoding   Encoding
	SampleRate int
	Data       []byte
}

// Samples returns the number of whole samples contained in the frame.
func (f Frame) Samples() int {
	if w := f.Encoding.BytesPerSample(); w > 0 {
		return len(f.Data) / w
	}
	return 0
}

// DurationMs returns the playback duration of the frame in milliseconds.
// Returns 0 for invalid sample rates.
func (f Frame) DurationMs() int {
	if f.SampleRate <= 0 {
		return 0
	}
	return f.Samples() * 1000 / f.SampleRate
}

// Transcode converts a frame to the target encoding and sample rate. The
// source frame is left untouched. When the frame already matches, it is
// returned unchanged with zero allocation.
//
// μ-law is only meaningful at 8 kHz on the telephony path, but Transcode does
// not enforce that: rate conversion always happens in the PCM16 domain, so a
// μ-law source is decoded, resampled, and re-encoded as needed.
func Transcode(f Frame, enc Encoding, rate int) (Frame, error) {
	if !f.Encoding.IsValid() || !enc.IsValid() {
		return Frame{}, fmt.Errorf("audio: transcode %q to %q: %w", f.Encoding, enc, ErrInvalidEncoding)
	}
	if rate <= 0 {
		return Frame{}, fmt.Errorf("audio: transcode to %d Hz: invalid rate", rate)
	}
	if f.Encoding == enc && f.SampleRate == rate {
		return f, nil
	}

	// Decode to linear.
	pcm := f.Data
	if f.Encoding == EncodingMulaw {
		pcm = MulawToPCM16(f.Data)
	}

	// Resample in the PCM16 domain.
	if f.SampleRate != rate {
		pcm = Resample(pcm, f.SampleRate, rate)
	}

	// Re-encode.
	out := pcm
	if enc == EncodingMulaw {
		out = PCM16ToMulaw(pcm)
	}

	return Frame{Encoding: enc, SampleRate: rate, Data: out}, nil
}
