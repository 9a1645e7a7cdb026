// Package tts defines the Provider interface for the speech-synthesis stage.
//
// A TTS provider turns reply text into telephony-ready audio: 8 kHz G.711
// μ-law, delivered as a stream of playback chunks. The chunked channel shape
// lets the orchestrator start playback before the full utterance is
// synthesised and lets barge-in truncate the remainder by abandoning the
// stream.
//
// Implementations must be safe for concurrent use; synthesis for different
// calls may overlap.
package tts

import (
	"context"
	"errors"
)

// Sentinel errors shared by Provider implementations.
var (
	// ErrTimeout is returned when the back-end produces no audio within the
	// provider's deadline. Callers treat it as an empty utterance.
	ErrTimeout = errors.New("tts: synthesis timed out")
	// ErrModelUnavailable is returned when the synthesiser is not loaded or
	// unreachable.
	ErrModelUnavailable = errors.New("tts: model unavailable")
)

// DefaultChunkMs is the playback chunk length used when Options.ChunkMs is
// zero: 40 ms, or 320 μ-law bytes at 8 kHz.
const DefaultChunkMs = 40

// Options carries per-request synthesis settings.
type Options struct {
	// Voice selects the synthesiser voice. Empty uses the back-end default.
	Voice string

	// ChunkMs bounds each emitted chunk's playout duration in milliseconds.
	// Zero means DefaultChunkMs. Chunks are always sample aligned.
	ChunkMs int
}

// Provider is the abstraction over any TTS back-end.
type Provider interface {
	// Synthesize turns text into a stream of μ-law 8 kHz playback chunks.
	// The channel is closed when the utterance is complete, the provider's
	// deadline passes, or ctx is cancelled. Empty or whitespace-only text
	// returns an already-closed channel and no error.
	//
	// Callers own the drain: abandoning the channel mid-stream is the
	// barge-in truncation path and must be safe at any point.
	Synthesize(ctx context.Context, callID, text string, opts Options) (<-chan []byte, error)
}
