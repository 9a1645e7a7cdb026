// Package stt defines the Provider interface for the speech-to-text stage.
//
// An STT provider wraps a real-time transcription engine (the local AI
// back-end, or any service speaking the same contract) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened
// for a call, a session accepts caller audio in any supported telephony
// format and emits final Transcript values on a bounded queue. Interim
// hypotheses (partials) are delivered through the OnPartial callback so the
// turn coordinator can detect barge-in; they are never queued and must not
// enter the conversation history.
//
// Implementations must be safe for concurrent use. One session exists per
// active call.
package stt

import "context"

// StreamConfig describes the recognition settings for a new STT session.
type StreamConfig struct {
	// Language is the recognition language tag (e.g., "en"). Empty lets the
	// engine use its configured default.
	Language string

	// OnPartial, when non-nil, is invoked from the session's receive
	// goroutine for every interim hypothesis. The callback must return
	// quickly; it feeds barge-in detection only. Nil drops partials after
	// logging.
	OnPartial func(Transcript)
}

// SessionHandle is an open per-call transcription session. It is an
// interface so tests can substitute fakes without a live back-end.
//
// Callers must call Close when the call ends; failing to do so leaks the
// back-end sub-session. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one frame of caller audio. The frame is converted
	// to 16 kHz mono PCM16 before transmission, whatever the Format says.
	// Empty input is a no-op. Calling SendAudio after Close returns
	// ErrSessionClosed.
	SendAudio(chunk []byte, format AudioFormat) error

	// Results returns the final-transcript queue. Exactly one Transcript is
	// delivered per utterance. A nil value is the end-of-stream sentinel:
	// after it the channel is closed and no further results arrive.
	Results() <-chan *Transcript

	// Close flushes and tears down the session. Idempotent; the first call
	// pushes the nil sentinel onto Results.
	Close() error
}

// Provider is the abstraction over any STT back-end.
type Provider interface {
	// StartStream opens a transcription session for one call. The returned
	// handle accepts audio immediately; recognition state (utterance
	// buffers, idle finalisation) lives behind it.
	StartStream(ctx context.Context, callID string, cfg StreamConfig) (SessionHandle, error)
}
