// Package telephony defines the contract between the conversation engine and
// the call-control layer fronting the switch.
//
// The bridge (see internal/telephony) owns the media and signalling legs and
// pushes call events into a [Handler]; the engine drives audio back out
// through [CallControl]. Everything on this boundary is best-effort: a failed
// playback or truncate is logged and the call carries on. The one exception
// is Redirect during a caller transfer, where failure ends the session with
// a spoken error.
package telephony

import "errors"

// ErrUnknownCall is returned by CallControl methods when the call ID does not
// correspond to a live media session.
var ErrUnknownCall = errors.New("telephony: unknown call")

// Handler receives call events from the bridge. The engine's call manager
// implements it. Callbacks are invoked from the bridge's connection
// goroutines and must not block on model inference.
type Handler interface {
	// OnCallAnswered announces a new call: callID is the engine-side handle,
	// callerChannel the switch's channel identifier, and profile the name of
	// the agent profile selected by the dialplan (empty for the default).
	OnCallAnswered(callID, callerChannel, profile string)

	// OnCallerAudio delivers one frame of caller audio: 16-bit signed
	// little-endian PCM, 8 kHz mono, as received from the trunk.
	OnCallerAudio(callID string, frame []byte)

	// OnCallEnded announces hangup. Delivered exactly once per call.
	OnCallEnded(callID string)
}

// CallControl is provided by the bridge for the engine to drive playback and
// call routing.
type CallControl interface {
	// Play starts streaming agent audio to the caller and returns a nonce
	// identifying this playback stream. Chunks are 8 kHz μ-law; the bridge
	// transcodes to the trunk's wire format and consumes the channel at
	// telephony pace. Playback ends when the channel closes.
	Play(callID string, stream <-chan []byte) (streamID string, err error)

	// TruncatePlayback drops whatever of the current playback has not yet
	// reached the caller.
	TruncatePlayback(callID string) error

	// Redirect hands the call to another dialplan target and removes it
	// from the engine.
	Redirect(callID, target string) error
}
