package localai

import (
	"context"
	"errors"
	"strings"
)

// ErrModelUnavailable reports that a stage's model is not loaded. It is fatal
// at startup; at runtime the affected stage degrades per its own policy.
var ErrModelUnavailable = errors.New("model unavailable")

// Hypothesis is a recognition result. Confidence is nil when the recogniser
// does not score its output.
type Hypothesis struct {
	Text       string
	Confidence *float64
}

// Recognizer is one utterance-scoped speech recognition context. It consumes
// 16 kHz mono PCM16 and maintains a running hypothesis. Implementations need
// not be safe for concurrent use; the server serialises access per call.
type Recognizer interface {
	// AcceptAudio ingests a chunk and reports whether the recogniser
	// completed a final hypothesis on its own (utterance endpoint).
	AcceptAudio(pcm []byte) (bool, error)

	// Result returns the final hypothesis after AcceptAudio reported one.
	Result() Hypothesis

	// Partial returns the current interim hypothesis. It may repeat the
	// previous value; callers de-duplicate before emitting.
	Partial() Hypothesis

	// FinalResult drains whatever the recogniser holds as the best
	// hypothesis for the utterance so far. Used for idle promotion.
	FinalResult() Hypothesis
}

// RecognizerFactory creates one Recognizer per utterance. The expensive model
// is loaded once by the factory and shared across recognisers.
type RecognizerFactory interface {
	NewRecognizer() (Recognizer, error)
}

// GenerateOptions carries per-request sampling parameters.
type GenerateOptions struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	RepeatPenalty float64
	Stop          []string
}

// Generator produces a text completion for a fully assembled prompt.
// Implementations are not required to be reentrant; the server serialises
// calls through a process-wide mutex.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Synthesizer turns text into mono PCM16 audio, returning the samples and
// their rate in Hz. The server converts to μ-law 8 kHz for the wire.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, int, error)
}

// TokenCounter reports the token count of a prompt for context budgeting.
type TokenCounter interface {
	Count(text string) int
}

// Reloadable is implemented by engines that support hot reload via the
// reload_models / reload_llm control messages.
type Reloadable interface {
	Reload(ctx context.Context) error
}

// WhitespaceCounter approximates token counts by splitting on whitespace.
// It is the conservative fallback when no model tokenizer is configured.
type WhitespaceCounter struct{}

// Count implements TokenCounter.
func (WhitespaceCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// Engines bundles the pluggable stage implementations behind the server.
// Any of them may be nil; the corresponding stage then reports
// ErrModelUnavailable behaviour (degraded replies, empty audio).
type Engines struct {
	Recognizers RecognizerFactory
	Generator   Generator
	Synthesizer Synthesizer

	// Tokens counts prompt tokens. Nil falls back to WhitespaceCounter.
	Tokens TokenCounter
}
