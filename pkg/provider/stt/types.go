package stt

import "errors"

// Sentinel errors shared by SessionHandle implementations.
var (
	// ErrSessionClosed is returned by SendAudio after Close.
	ErrSessionClosed = errors.New("stt: session closed")
	// ErrModelUnavailable is returned by StartStream when the recognition
	// model is not loaded on the back-end.
	ErrModelUnavailable = errors.New("stt: model unavailable")
)

// AudioFormat names the encoding and rate of a caller audio frame handed to
// SendAudio. Sessions normalise every format to 16 kHz PCM16 internally.
type AudioFormat string

const (
	// FormatPCM16K is 16 kHz mono signed 16-bit little-endian PCM,
	// the recogniser's native format.
	FormatPCM16K AudioFormat = "pcm16_16k"
	// FormatPCM8K is 8 kHz mono signed 16-bit little-endian PCM.
	FormatPCM8K AudioFormat = "pcm16_8k"
	// FormatMulaw8K is 8 kHz G.711 μ-law, the telephony leg's encoding.
	FormatMulaw8K AudioFormat = "mulaw8k"
)

// IsValid reports whether f is a supported input format.
func (f AudioFormat) IsValid() bool {
	switch f {
	case FormatPCM16K, FormatPCM8K, FormatMulaw8K:
		return true
	}
	return false
}

// Transcript is one recognition result. Both partials (interim hypotheses)
// and finals use this type; IsFinal tells them apart.
type Transcript struct {
	// Text is the transcribed speech. May be empty on a final when the
	// utterance contained no recognisable speech.
	Text string

	// IsFinal marks an authoritative end-of-utterance result. Exactly one
	// final is produced per utterance.
	IsFinal bool

	// Confidence is the recogniser's score in [0,1]. Zero when the engine
	// does not report one.
	Confidence float64
}
