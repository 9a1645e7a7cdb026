// Package llm defines the Provider interface for the reply-generation stage.
//
// An LLM provider wraps a text-completion back-end (the local AI server, a
// llama.cpp/Ollama HTTP endpoint, or a hosted API) and exposes one blocking
// operation: turn a caller transcript into a reply. Conversation memory is
// the back-end's concern for the local provider and the caller's concern for
// stateless cloud providers, which receive the rolling history in Options.
//
// Implementations must be safe for concurrent use; calls for different calls
// may overlap. A provider is free to serialise inference internally (local
// models share one process-wide slot).
package llm

import "context"

// Options carries per-request generation settings. Zero values mean
// "provider default" throughout.
type Options struct {
	// SystemPrompt is the persona instruction for this call's agent profile.
	// The local back-end keeps its configured prompt when this is empty.
	SystemPrompt string

	// History is the prior conversation, oldest first, excluding the current
	// transcript. Stateless providers prepend it to the request; the local
	// back-end ignores it and uses its own per-call memory.
	History []Message

	// MaxTokens caps the completion length.
	MaxTokens int

	// Temperature controls sampling randomness in [0.0, 2.0].
	Temperature float64

	// TopP is the nucleus-sampling cutoff in (0.0, 1.0].
	TopP float64
}

// Provider is the abstraction over any reply-generation back-end.
type Provider interface {
	// Generate produces the agent's reply to transcript. It blocks until the
	// reply is complete, the provider's internal timeout elapses, or ctx is
	// cancelled. Callers must not pass empty transcripts; the orchestrator
	// discards those before reaching this point.
	//
	// A non-empty reply with nil error is the only success shape. Providers
	// that recover internally (timeout fallback replies) return those with
	// nil error; hard failures return "" and the error.
	Generate(ctx context.Context, callID, transcript string, opts Options) (string, error)
}
