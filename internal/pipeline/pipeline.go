// Package pipeline drives one call's conversation loop: caller audio in,
// synthesised agent speech out.
//
// Each active call owns exactly one Pipeline running in a single goroutine
// (Run). The loop consumes final transcripts from the STT stage, asks the
// LLM stage for a reply, and streams the TTS stage's chunks to the telephony
// bridge, deferring every gating and barge-in decision to the turn
// coordinator. Because the loop is synchronous, at most one reply is ever in
// flight per call: finals that queue up while the agent is speaking are
// drained as stale once playback ends, unless a barge-in truncated the reply
// and made the next final immediately actionable.
//
// Caller audio enters through HandleCallerAudio on the telephony bridge's
// receive goroutine; everything else happens on the Run goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/profile"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/internal/turn"
	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	"github.com/MrWong99/asterivox/pkg/provider/tts"
	"github.com/MrWong99/asterivox/pkg/telephony"
)

const (
	// fallbackReply is spoken when reply generation fails outright. The
	// local back-end applies its own timeout fallback server-side; this is
	// the engine-side last resort for hard provider errors.
	fallbackReply = "I'm here to help you. Could you please repeat that?"

	// transferAnnounce is spoken right before the redirect is issued.
	transferAnnounce = "Transferring your call now. One moment please."

	// transferFailedReply is spoken when the redirect could not be
	// executed, before the call is torn down.
	transferFailedReply = "I'm sorry, the transfer could not be completed. Please call back later."

	// sttReopenDelay spaces attempts to reopen a transcription stream after
	// the back-end drops it mid-call.
	sttReopenDelay = 500 * time.Millisecond

	// sttReopenAttempts bounds how long a call survives without a
	// transcription stream: attempts * delay of silence, then the call is
	// torn down.
	sttReopenAttempts = 10

	// historyMaxTurns bounds the rolling history handed to stateless
	// generators: at most this many caller/agent exchange pairs.
	historyMaxTurns = 8

	// bargePollInterval paces barge-flag checks while a playback send or a
	// synthesis receive is blocked.
	bargePollInterval = 20 * time.Millisecond
)

// Config wires one call's collaborators into a Pipeline. CallID, the three
// stage providers, Control, and Coordinator are required.
type Config struct {
	// CallID identifies the call across every stage and log line.
	CallID string

	// Profile selects the greeting, prompt, and per-stage overrides.
	Profile profile.Profile

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Control is the telephony bridge's playback and redirect surface.
	Control telephony.CallControl

	// Coordinator is this call's turn state machine.
	Coordinator *turn.Coordinator

	// Resolver maps spoken transfer requests to dialplan targets. Nil
	// disables Transfer.
	Resolver *transfer.Resolver

	// Metrics receives pipeline counters. Nil disables recording.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.CallID == "":
		return errors.New("pipeline: config: CallID is required")
	case c.STT == nil:
		return errors.New("pipeline: config: STT provider is required")
	case c.LLM == nil:
		return errors.New("pipeline: config: LLM provider is required")
	case c.TTS == nil:
		return errors.New("pipeline: config: TTS provider is required")
	case c.Control == nil:
		return errors.New("pipeline: config: call control is required")
	case c.Coordinator == nil:
		return errors.New("pipeline: config: turn coordinator is required")
	}
	return nil
}

// Pipeline is one call's conversation loop. Create with New, drive with Run.
type Pipeline struct {
	cfg   Config
	coord *turn.Coordinator
	log   *slog.Logger

	// mu guards sess, which Run swaps on reopen while the bridge goroutine
	// reads it through HandleCallerAudio.
	mu   sync.Mutex
	sess stt.SessionHandle

	// speakMu serialises playback: the Run loop owns almost all speaking,
	// but Transfer may speak from another goroutine.
	speakMu sync.Mutex

	// history is the rolling conversation, touched only on the Run
	// goroutine.
	history []llm.Message
}

// New validates cfg and returns a Pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{cfg: cfg, coord: cfg.Coordinator, log: log}, nil
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// Run opens the transcription stream, speaks the profile greeting, and then
// loops on final transcripts until ctx is cancelled or the stream cannot be
// recovered. It always releases the per-call stage state before returning;
// the caller owns ctx and cancels it when the call ends.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutdown()

	sess, err := p.openSTT(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: call %s: open transcription: %w", p.cfg.CallID, err)
	}
	p.setSession(sess)
	p.log.Info("pipeline started", "call_id", p.cfg.CallID, "profile", p.cfg.Profile.Name)

	if greeting := strings.TrimSpace(p.cfg.Profile.Greeting); greeting != "" {
		if !p.speak(ctx, greeting) {
			p.drainStale(ctx, sess)
		}
		p.remember(llm.Message{Role: llm.RoleAssistant, Content: greeting})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-sess.Results():
			if !ok || tr == nil {
				// End-of-stream sentinel without a call end: the back-end
				// dropped the channel. Reopen and keep going.
				if sess, err = p.reopenSTT(ctx); err != nil {
					return fmt.Errorf("pipeline: call %s: reopen transcription: %w", p.cfg.CallID, err)
				}
				p.setSession(sess)
				continue
			}
			p.handleFinal(ctx, sess, tr)
		}
	}
}

// handleFinal runs one caller turn: transcript in, reply spoken. Empty
// finals only settle the coordinator.
func (p *Pipeline) handleFinal(ctx context.Context, sess stt.SessionHandle, tr *stt.Transcript) {
	p.coord.OnCallerFinal()
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		p.log.Debug("empty final ignored", "call_id", p.cfg.CallID)
		return
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.turn",
		trace.WithAttributes(attribute.String("call_id", p.cfg.CallID)))
	defer span.End()

	start := time.Now()
	p.recordFinal(ctx)
	p.log.Info("caller turn", "call_id", p.cfg.CallID, "chars", len(text), "confidence", tr.Confidence)
	p.log.Debug("caller transcript", "call_id", p.cfg.CallID, "text", text)

	reply := p.generate(ctx, text)
	if reply == "" {
		return
	}
	interrupted := p.speak(ctx, reply)
	p.remember(
		llm.Message{Role: llm.RoleUser, Content: text},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	p.recordTurn(ctx, time.Since(start))
	if !interrupted {
		p.drainStale(ctx, sess)
	}
}

// generate asks the LLM stage for a reply. Every failure path that leaves
// the call alive degrades to the fallback line; a cancelled call returns ""
// and the result, if any, is discarded.
func (p *Pipeline) generate(ctx context.Context, transcript string) string {
	opts := llm.Options{
		SystemPrompt: p.cfg.Profile.SystemPrompt,
		History:      append([]llm.Message(nil), p.history...),
		MaxTokens:    p.cfg.Profile.MaxTokens,
		Temperature:  p.cfg.Profile.Temperature,
		TopP:         p.cfg.Profile.TopP,
	}
	start := time.Now()
	reply, err := p.cfg.LLM.Generate(ctx, p.cfg.CallID, transcript, opts)
	switch {
	case ctx.Err() != nil:
		return ""
	case err != nil:
		p.log.Error("reply generation failed, speaking fallback",
			"call_id", p.cfg.CallID, "elapsed", time.Since(start), "error", err)
		p.recordFallback(ctx)
		return fallbackReply
	case strings.TrimSpace(reply) == "":
		p.log.Warn("blank reply, speaking fallback", "call_id", p.cfg.CallID)
		p.recordFallback(ctx)
		return fallbackReply
	}
	return strings.TrimSpace(reply)
}

// drainStale discards finals that queued while the agent was speaking. They
// raced a reply without a barge-in, so by the gating rule they must not
// drive replies of their own.
func (p *Pipeline) drainStale(ctx context.Context, sess stt.SessionHandle) {
	for {
		select {
		case tr, ok := <-sess.Results():
			if !ok || tr == nil {
				// Stream ended; the Run loop sees the closed channel next
				// and reopens.
				return
			}
			if text := strings.TrimSpace(tr.Text); text != "" {
				p.log.Debug("stale final dropped", "call_id", p.cfg.CallID, "text", text)
				p.recordSuppressed(ctx)
			}
		default:
			return
		}
	}
}

// ─── Speaking ─────────────────────────────────────────────────────────────────

// speak synthesises text and streams it to the call's playback leg. It
// reports whether a barge-in truncated the utterance. The gating token is
// set once the playback stream is registered and cleared exactly once on
// every exit path; a synthesis that produces no audio never gates at all.
func (p *Pipeline) speak(ctx context.Context, text string) (interrupted bool) {
	p.speakMu.Lock()
	defer p.speakMu.Unlock()

	utterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := tts.Options{Voice: p.cfg.Profile.Voice, ChunkMs: p.cfg.Profile.ChunkMs}
	chunks, err := p.cfg.TTS.Synthesize(utterCtx, p.cfg.CallID, text, opts)
	if err != nil {
		p.log.Error("synthesis failed", "call_id", p.cfg.CallID, "error", err)
		return false
	}

	var first []byte
	select {
	case <-ctx.Done():
		return false
	case chunk, ok := <-chunks:
		if !ok {
			p.log.Debug("synthesis produced no audio", "call_id", p.cfg.CallID)
			return false
		}
		first = chunk
	}

	stream := make(chan []byte)
	streamID, err := p.cfg.Control.Play(p.cfg.CallID, stream)
	if err != nil {
		close(stream)
		p.log.Error("playback rejected", "call_id", p.cfg.CallID, "error", err)
		return false
	}
	p.coord.OnTTSStart(streamID)

	return p.forward(ctx, streamID, stream, first, chunks)
}

// forward pushes synthesis chunks into the playback stream, polling the
// coordinator's barge flag on both the send and the receive side so that a
// requested interruption truncates playback within one poll interval.
func (p *Pipeline) forward(ctx context.Context, streamID string, stream chan []byte, first []byte, chunks <-chan []byte) bool {
	ticker := time.NewTicker(bargePollInterval)
	defer ticker.Stop()

	pending := first
	for {
	push:
		for {
			if p.coord.BargeRequested() {
				p.interrupt(ctx, streamID, stream)
				return true
			}
			select {
			case stream <- pending:
				break push
			case <-ticker.C:
			case <-ctx.Done():
				close(stream)
				p.coord.OnTTSCancel(streamID)
				return false
			}
		}

	pull:
		for {
			if p.coord.BargeRequested() {
				p.interrupt(ctx, streamID, stream)
				return true
			}
			select {
			case chunk, ok := <-chunks:
				if !ok {
					close(stream)
					if !p.coord.OnTTSEnd(streamID) {
						p.log.Error("gating token already cleared at playback end",
							"call_id", p.cfg.CallID, "stream_id", streamID)
					}
					return false
				}
				pending = chunk
				break pull
			case <-ticker.C:
			case <-ctx.Done():
				close(stream)
				p.coord.OnTTSCancel(streamID)
				return false
			}
		}
	}
}

// interrupt runs the barge-in truncation sequence: confirm with the
// coordinator, cut bridge playout, abandon the synthesis stream, and clear
// the gating token.
func (p *Pipeline) interrupt(ctx context.Context, streamID string, stream chan<- []byte) {
	p.coord.ConfirmBarge()
	if err := p.cfg.Control.TruncatePlayback(p.cfg.CallID); err != nil {
		p.log.Warn("truncate playback failed", "call_id", p.cfg.CallID, "error", err)
	}
	close(stream)
	if !p.coord.OnTTSCancel(streamID) {
		p.log.Error("gating token already cleared at barge-in",
			"call_id", p.cfg.CallID, "stream_id", streamID)
	}
	p.coord.PlaybackFlushed()
	p.recordBargeIn(ctx)
	p.log.Info("reply interrupted by caller", "call_id", p.cfg.CallID, "stream_id", streamID)
}

// ─── Inbound audio ────────────────────────────────────────────────────────────

// HandleCallerAudio forwards one caller frame (8 kHz mono PCM16) into the
// transcription stream and feeds the coordinator's loudness gate. It is
// called from the telephony bridge's receive goroutine and never blocks on
// inference; frames that arrive while the stream is down are dropped.
func (p *Pipeline) HandleCallerAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	if p.coord.OnCallerAudio(audio.RMS(frame), time.Now()) {
		p.log.Debug("barge-in requested by loudness", "call_id", p.cfg.CallID)
	}
	sess := p.session()
	if sess == nil {
		return
	}
	if err := sess.SendAudio(frame, stt.FormatPCM8K); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		p.log.Debug("caller audio dropped", "call_id", p.cfg.CallID, "error", err)
	}
}

// ─── Transfer ─────────────────────────────────────────────────────────────────

// Transfer resolves spoken against the transfer directory and redirects the
// call. Resolution failure (including transfer.ErrNoTarget) leaves the call
// running and is the caller's cue to keep talking; a redirect failure is the
// one non-best-effort path in the control contract, so the pipeline speaks
// an apology and returns an error the lifecycle layer must treat as fatal
// for this call.
func (p *Pipeline) Transfer(ctx context.Context, spoken string) error {
	if p.cfg.Resolver == nil {
		return fmt.Errorf("pipeline: call %s: transfer: no directory configured: %w", p.cfg.CallID, transfer.ErrNoTarget)
	}
	res, err := p.cfg.Resolver.Resolve(spoken)
	if err != nil {
		p.recordTransfer(ctx, "none", "no_target")
		return fmt.Errorf("pipeline: call %s: transfer: %w", p.cfg.CallID, err)
	}
	p.log.Info("transferring call",
		"call_id", p.cfg.CallID, "target", res.Target, "method", res.Method, "matched", res.Name)

	p.speak(ctx, transferAnnounce)
	if err := p.cfg.Control.Redirect(p.cfg.CallID, res.Target); err != nil {
		p.recordTransfer(ctx, string(res.Method), "error")
		p.speak(ctx, transferFailedReply)
		return fmt.Errorf("pipeline: call %s: redirect to %q: %w", p.cfg.CallID, res.Target, err)
	}
	p.recordTransfer(ctx, string(res.Method), "ok")
	return nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (p *Pipeline) openSTT(ctx context.Context) (stt.SessionHandle, error) {
	return p.cfg.STT.StartStream(ctx, p.cfg.CallID, stt.StreamConfig{
		Language: p.cfg.Profile.Language,
		OnPartial: func(tr stt.Transcript) {
			if p.coord.OnCallerPartial(tr.Text) {
				p.log.Debug("barge-in requested by partial", "call_id", p.cfg.CallID)
			}
		},
	})
}

// reopenSTT re-establishes the transcription stream after the back-end
// dropped it. The new StartStream sends a fresh set_mode, so recognition
// state starts clean: no final from before the drop can be replayed.
func (p *Pipeline) reopenSTT(ctx context.Context) (stt.SessionHandle, error) {
	p.log.Warn("transcription stream ended mid-call", "call_id", p.cfg.CallID)

	timer := time.NewTimer(sttReopenDelay)
	defer timer.Stop()
	for attempt := 1; attempt <= sttReopenAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
		sess, err := p.openSTT(ctx)
		if err == nil {
			p.log.Info("transcription stream reopened", "call_id", p.cfg.CallID, "attempt", attempt)
			p.recordReconnect(ctx)
			return sess, nil
		}
		p.log.Warn("transcription reopen failed",
			"call_id", p.cfg.CallID, "attempt", attempt, "error", err)
		timer.Reset(sttReopenDelay)
	}
	return nil, errors.New("pipeline: transcription stream could not be reopened")
}

// shutdown releases per-call stage state in reverse speech order: TTS, then
// LLM, then the transcription stream. Each provider's Release is idempotent,
// so a double shutdown is harmless.
func (p *Pipeline) shutdown() {
	type releaser interface{ Release(callID string) error }

	if r, ok := p.cfg.TTS.(releaser); ok {
		if err := r.Release(p.cfg.CallID); err != nil {
			p.log.Warn("tts release failed", "call_id", p.cfg.CallID, "error", err)
		}
	}
	if r, ok := p.cfg.LLM.(releaser); ok {
		if err := r.Release(p.cfg.CallID); err != nil {
			p.log.Warn("llm release failed", "call_id", p.cfg.CallID, "error", err)
		}
	}
	if sess := p.session(); sess != nil {
		if err := sess.Close(); err != nil {
			p.log.Warn("transcription close failed", "call_id", p.cfg.CallID, "error", err)
		}
	}
	p.log.Debug("pipeline stopped", "call_id", p.cfg.CallID)
}

func (p *Pipeline) setSession(sess stt.SessionHandle) {
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
}

func (p *Pipeline) session() stt.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// remember appends turns to the rolling history, keeping only the most
// recent exchanges.
func (p *Pipeline) remember(msgs ...llm.Message) {
	p.history = append(p.history, msgs...)
	if limit := historyMaxTurns * 2; len(p.history) > limit {
		p.history = p.history[len(p.history)-limit:]
	}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func (p *Pipeline) recordFinal(ctx context.Context) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordFinal(ctx, p.cfg.Profile.Name)
	}
}

func (p *Pipeline) recordSuppressed(ctx context.Context) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordSuppressedFinal(ctx, p.cfg.Profile.Name)
	}
}

func (p *Pipeline) recordBargeIn(ctx context.Context) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordBargeIn(ctx, p.cfg.Profile.Name)
	}
}

func (p *Pipeline) recordFallback(ctx context.Context) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordFallbackReply(ctx, p.cfg.Profile.Name)
	}
}

func (p *Pipeline) recordReconnect(ctx context.Context) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordReconnect(ctx, "stt_stream")
	}
}

func (p *Pipeline) recordTransfer(ctx context.Context, method, status string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordTransfer(ctx, method, status)
	}
}

func (p *Pipeline) recordTurn(ctx context.Context, d time.Duration) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordTurn(ctx, p.cfg.Profile.Name, d)
	}
}
