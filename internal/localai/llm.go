package localai

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/asterivox/pkg/wire"
)

// Spoken fallbacks. A generation failure must never leave the caller in
// silence, so each failure class maps to a canned reply.
const (
	// fallbackUnavailable is spoken when no generator is configured at all.
	fallbackUnavailable = "I'm here to help you. How can I assist you today?"

	// fallbackRetry is spoken when generation timed out or errored.
	fallbackRetry = "I'm here to help you. Could you please repeat that?"

	// fallbackEmpty replaces a generated reply that came back blank.
	fallbackEmpty = "I'm here to help you."
)

// warmupPrompt is the throwaway utterance used to page the model in.
const warmupPrompt = "Hello, can you hear me?"

// promptReserve is held back from the context window on top of the reply
// budget, covering template markers and tokenizer mismatch.
const promptReserve = 64

// minPromptBudget is the floor for the prompt token budget even when the
// configured context window is tiny.
const minPromptBudget = 128

// handleLLMRequest answers an explicit text generation request. The request
// text joins the call's rolling turn history exactly like a transcript final
// does, so a peer driving recognition and generation as separate streams
// still gets conversational replies — including the duplicate skip: a request
// repeating the last remembered turn runs no inference. Context, when set,
// overrides the configured system prompt for this call's prompt assembly.
func (cs *connSession) handleLLMRequest(msg wire.LLMRequest) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		slog.Warn("localai: llm_request missing text", "call_id", msg.CallID)
		return
	}

	c := cs.call(msg.CallID)
	if msg.Mode.IsValid() {
		c.mu.Lock()
		c.mode = msg.Mode
		c.mu.Unlock()
	}
	mode := c.modeFor(msg.Mode)
	if !mode.IsValid() {
		mode = wire.ModeLLM
	}

	slog.Info("localai: llm_request received", "call_id", c.id, "mode", mode, "preview", preview(text))

	// Same rule as the transcript path: a text identical to the last
	// remembered turn would only make the model repeat itself.
	norm := normalizeText(text)
	c.mu.Lock()
	duplicateTurn := norm != "" && len(c.userTurns) > 0 && normalizeText(c.userTurns[len(c.userTurns)-1]) == norm
	c.mu.Unlock()
	if duplicateTurn {
		slog.Info("localai: skipping generation for duplicate request",
			"call_id", c.id, "mode", mode, "preview", preview(text))
		return
	}

	prompt := cs.srv.preparePrompt(c, msg.Context, text)
	reply := cs.srv.generate(cs.ctx, c.id, prompt)
	cs.emitLLMResponse(c, reply, msg.RequestID, mode)
}

// emitLLMResponse sends the reply envelope, substituting the spoken fallback
// for a blank reply so the peer always has something to play. Reports
// whether the send succeeded.
func (cs *connSession) emitLLMResponse(c *callContext, reply, requestID string, mode wire.Mode) bool {
	text := strings.TrimSpace(reply)
	if text == "" {
		slog.Info("localai: empty generation, using fallback", "call_id", c.id, "mode", mode)
		text = fallbackEmpty
	}
	msg := wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: c.id, Mode: mode, RequestID: requestID},
		Text:   text,
	}
	if err := cs.w.writeJSON(cs.ctx, msg); err != nil {
		slog.Warn("localai: llm_response send failed", "error", err, "call_id", c.id)
		return false
	}
	return true
}

// buildPrompt assembles the instruct template around one user text block.
// An empty user text becomes "Hello" so the model always has a turn to
// answer.
func buildPrompt(systemPrompt, userText string) string {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		userText = "Hello"
	}
	segments := []string{"<|system|>", strings.TrimSpace(systemPrompt), "<|user|>", userText, "<|assistant|>"}
	return strings.Join(segments, "\n") + "\n"
}

// stripLeadingBOS removes beginning-of-sequence markers some templates leak
// into the prompt text. The backend adds its own BOS; a doubled one degrades
// small models badly.
func stripLeadingBOS(prompt string) string {
	cleaned := strings.TrimLeftFunc(prompt, unicode.IsSpace)
	for {
		switch {
		case strings.HasPrefix(cleaned, "<s>"):
			cleaned = strings.TrimLeftFunc(cleaned[len("<s>"):], unicode.IsSpace)
		case strings.HasPrefix(cleaned, "<|bos|>"):
			cleaned = strings.TrimLeftFunc(cleaned[len("<|bos|>"):], unicode.IsSpace)
		default:
			return cleaned
		}
	}
}

// preparePrompt appends one user turn to the call's history, drops the
// oldest turns until the assembled prompt fits the token budget, and returns
// the final prompt. systemPrompt overrides the configured one when non-empty.
//
// The budget is context − max_tokens − promptReserve, floored at
// minPromptBudget, so the reply always has room even after a long
// conversation.
func (s *Server) preparePrompt(c *callContext, systemPrompt, newTurn string) string {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = s.cfg.SystemPrompt
	}

	c.mu.Lock()
	turns := append(slices.Clone(c.userTurns), newTurn)
	c.mu.Unlock()

	rawTokens := s.eng.Tokens.Count(buildPrompt(systemPrompt, strings.Join(turns, "\n\n")))

	budget := max(s.cfg.ContextTokens-s.cfg.MaxTokens-promptReserve, minPromptBudget)
	truncated := false
	for len(turns) > 0 && s.eng.Tokens.Count(buildPrompt(systemPrompt, strings.Join(turns, "\n\n"))) > budget {
		turns = turns[1:]
		truncated = true
	}

	prompt := stripLeadingBOS(buildPrompt(systemPrompt, strings.Join(turns, "\n\n")))

	c.mu.Lock()
	c.userTurns = turns
	c.mu.Unlock()

	slog.Info("localai: prompt assembled",
		"call_id", c.id, "tokens", s.eng.Tokens.Count(prompt), "raw_tokens", rawTokens,
		"context", s.cfg.ContextTokens, "turns", len(turns), "truncated", truncated)
	return prompt
}

// generate runs one completion through the process-wide gate, bounded by the
// configured inference timeout. Every failure path returns a spoken fallback
// so the call keeps moving.
func (s *Server) generate(ctx context.Context, callID, prompt string) string {
	if s.eng.Generator == nil {
		slog.Warn("localai: generator not configured, using fallback", "call_id", callID)
		return fallbackUnavailable
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.InferTimeout)
	defer cancel()

	// The deadline covers waiting for the model too: a caller queued behind
	// a slow generation falls back rather than stacking up.
	select {
	case s.llmGate <- struct{}{}:
		defer func() { <-s.llmGate }()
	case <-gctx.Done():
		slog.Warn("localai: generation timed out waiting for the model",
			"call_id", callID, "timeout", s.cfg.InferTimeout)
		return fallbackRetry
	}

	started := time.Now()
	out, err := s.eng.Generator.Generate(gctx, prompt, s.generateOptions(s.cfg.MaxTokens))
	elapsed := time.Since(started)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn("localai: generation timed out, using fallback",
			"call_id", callID, "timeout", s.cfg.InferTimeout, "elapsed_ms", elapsed.Milliseconds())
		return fallbackRetry
	case err != nil:
		slog.Error("localai: generation failed, using fallback",
			"error", err, "call_id", callID, "elapsed_ms", elapsed.Milliseconds())
		return fallbackRetry
	}

	reply := strings.TrimSpace(out)
	slog.Info("localai: generation complete",
		"call_id", callID, "elapsed_ms", elapsed.Milliseconds(), "words", len(strings.Fields(reply)))
	return reply
}

func (s *Server) generateOptions(maxTokens int) GenerateOptions {
	return GenerateOptions{
		MaxTokens:     maxTokens,
		Temperature:   s.cfg.Temperature,
		TopP:          s.cfg.TopP,
		RepeatPenalty: s.cfg.RepeatPenalty,
		Stop:          s.cfg.Stop,
	}
}

// Warmup runs one short inference so the first caller does not pay the
// model's cold-start cost. It logs progress every few seconds while the
// model loads and is best-effort: a failed warm-up only means the first real
// request is slow.
func (s *Server) Warmup(ctx context.Context) {
	if s.eng.Generator == nil {
		return
	}

	scratch := &callContext{id: "warmup"}
	prompt := s.preparePrompt(scratch, "", warmupPrompt)
	maxTokens := min(s.cfg.MaxTokens, 32)

	slog.Info("localai: warm-up started",
		"prompt_tokens", s.eng.Tokens.Count(prompt),
		"context", s.cfg.ContextTokens, "max_tokens", maxTokens)

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(5 * time.Second)
		defer tick.Stop()
		started := time.Now()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				slog.Info("localai: warm-up in progress",
					"elapsed_sec", int(time.Since(started).Seconds()),
					"context", s.cfg.ContextTokens)
			}
		}
	}()
	defer close(done)

	select {
	case s.llmGate <- struct{}{}:
		defer func() { <-s.llmGate }()
	case <-ctx.Done():
		return
	}

	started := time.Now()
	_, err := s.eng.Generator.Generate(ctx, prompt, s.generateOptions(maxTokens))
	if err != nil {
		slog.Warn("localai: warm-up failed", "error", err,
			"elapsed_ms", time.Since(started).Milliseconds())
		return
	}
	slog.Info("localai: warm-up complete", "elapsed_ms", time.Since(started).Milliseconds())
}
