package localai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

var _ Generator = (*AnyLLMGenerator)(nil)
var _ Reloadable = (*AnyLLMGenerator)(nil)

// AnyLLMGenerator runs completions through github.com/mozilla-ai/any-llm-go.
// The backend is normally a llama.cpp, llamafile or Ollama server on
// loopback, though the hosted OpenAI-compatible endpoint works too.
type AnyLLMGenerator struct {
	mu       sync.RWMutex
	backend  anyllmlib.Provider
	provider string
	model    string
	opts     []anyllmlib.Option
}

// NewAnyLLMGenerator creates a generator for the named provider. provider
// defaults to "llamacpp" when empty; model must name the model the backend
// serves.
func NewAnyLLMGenerator(provider, model string, opts ...anyllmlib.Option) (*AnyLLMGenerator, error) {
	if provider == "" {
		provider = "llamacpp"
	}
	if model == "" {
		return nil, errors.New("localai: generator model must not be empty")
	}
	backend, err := newAnyLLMBackend(provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("localai: create %q backend: %w", provider, err)
	}
	return &AnyLLMGenerator{backend: backend, provider: provider, model: model, opts: opts}, nil
}

func newAnyLLMBackend(provider string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(provider) {
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "openai":
		return anyllmoai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported generator provider %q; supported: llamacpp, llamafile, ollama, openai", provider)
	}
}

// Generate implements Generator. The prompt arrives fully templated and is
// forwarded as a single user message, which llama.cpp-style servers complete
// verbatim. Stop sequences are enforced on the result because not every
// backend honours them server-side.
func (g *AnyLLMGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	g.mu.RLock()
	backend := g.backend
	model := g.model
	g.mu.RUnlock()

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: []anyllmlib.Message{{Role: "user", Content: prompt}},
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		params.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		mt := opts.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("localai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("localai: completion returned no choices")
	}
	text := resp.Choices[0].Message.ContentString()
	return truncateAtStop(text, opts.Stop), nil
}

// Reload implements Reloadable by rebuilding the backend client with the
// original options.
func (g *AnyLLMGenerator) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	backend, err := newAnyLLMBackend(g.provider, g.opts...)
	if err != nil {
		return fmt.Errorf("localai: reload %q backend: %w", g.provider, err)
	}
	g.mu.Lock()
	g.backend = backend
	g.mu.Unlock()
	return nil
}

// truncateAtStop cuts text at the earliest stop-sequence occurrence.
func truncateAtStop(text string, stops []string) string {
	cut := len(text)
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 && i < cut {
			cut = i
		}
	}
	return strings.TrimSpace(text[:cut])
}

var _ TokenCounter = (*TokenizerCounter)(nil)

// TokenizerCounter counts prompt tokens with a HuggingFace tokenizer.json so
// the context budget tracks what the model actually sees instead of a
// whitespace approximation.
type TokenizerCounter struct {
	tk *tokenizer.Tokenizer
}

// NewTokenizerCounter loads a tokenizer.json from disk.
func NewTokenizerCounter(path string) (*TokenizerCounter, error) {
	if path == "" {
		return nil, errors.New("localai: tokenizer path must not be empty")
	}
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("localai: load tokenizer %q: %w", path, err)
	}
	return &TokenizerCounter{tk: tk}, nil
}

// Count implements TokenCounter. Encoding failures fall back to a whitespace
// split.
func (t *TokenizerCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	enc, err := t.tk.EncodeSingle(text, false)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(enc.GetIds())
}
