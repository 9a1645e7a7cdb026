package localai

import (
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/wire"
)

// recognizerRate is the sample rate every recogniser consumes. Incoming
// audio at other rates is resampled before it reaches the worker.
const recognizerRate = 16000

// recentEmptyWindow is how long an empty final suppresses the next empty
// one. Keeps an idle caller from producing a stream of empty transcripts.
const recentEmptyWindow = 500 * time.Millisecond

// handleAudio routes one audio envelope to its call. A valid mode on the
// envelope re-announces the call's mode, matching set_mode semantics.
func (cs *connSession) handleAudio(msg wire.Audio) {
	c := cs.call(msg.CallID)
	if msg.Mode.IsValid() {
		c.mu.Lock()
		c.mode = msg.Mode
		c.mu.Unlock()
	}
	cs.enqueueAudio(c, msg)
}

// enqueueAudio normalises a chunk to 16 kHz PCM16 and hands it to the call's
// worker. The queue is bounded; when the recogniser cannot keep up the chunk
// is dropped rather than stalling the connection's read loop.
func (cs *connSession) enqueueAudio(c *callContext, msg wire.Audio) {
	if len(msg.Data) == 0 {
		slog.Debug("localai: empty audio payload", "call_id", c.id)
		return
	}
	if msg.Format != "" && msg.Format != wire.FormatPCM16LE {
		slog.Warn("localai: unsupported audio format", "format", msg.Format, "call_id", c.id)
		return
	}
	if mode := c.modeFor(msg.Mode); mode == wire.ModeTTS {
		slog.Warn("localai: audio payload in tts mode, expected text request", "call_id", c.id)
		return
	}

	pcm := msg.Data
	rate := msg.Rate
	if rate <= 0 {
		rate = recognizerRate
	}
	if rate != recognizerRate {
		pcm = audio.Resample(pcm, rate, recognizerRate)
	}

	c.workerOnce.Do(func() { go cs.audioWorker(c) })

	select {
	case c.audioCh <- audioChunk{pcm: pcm, requestID: msg.RequestID}:
	default:
		slog.Warn("localai: audio queue full, dropping chunk", "call_id", c.id, "bytes", len(pcm))
	}
}

// audioWorker drains one call's audio queue. Exactly one runs per call, so
// recognition for a call is strictly ordered even though the connection
// carries many calls.
func (cs *connSession) audioWorker(c *callContext) {
	for {
		select {
		case <-cs.ctx.Done():
			return
		case chunk := <-c.audioCh:
			cs.processChunk(c, chunk)
		}
	}
}

// processChunk feeds one chunk into the call's recogniser and emits whatever
// the recogniser produced: an endpoint final, or a changed partial plus a
// rearmed idle finaliser.
func (cs *connSession) processChunk(c *callContext, chunk audioChunk) {
	c.mu.Lock()
	c.lastReqID = chunk.requestID
	mode := c.mode

	if c.rec == nil {
		if cs.srv.eng.Recognizers == nil {
			c.mu.Unlock()
			slog.Error("localai: no recogniser configured, dropping audio", "call_id", c.id)
			return
		}
		rec, err := cs.srv.eng.Recognizers.NewRecognizer()
		if err != nil {
			c.mu.Unlock()
			slog.Error("localai: recogniser create failed", "error", err, "call_id", c.id)
			return
		}
		c.rec = rec
		c.lastPartial = ""
		c.partialEmitted = false
	}

	endpoint, err := c.rec.AcceptAudio(chunk.pcm)
	if err != nil {
		c.mu.Unlock()
		slog.Error("localai: recognition failed", "error", err, "call_id", c.id)
		return
	}

	if endpoint {
		hyp := c.rec.Result()
		// Disarm the idle finaliser before releasing the lock so it cannot
		// race this final.
		c.idleGen++
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		c.mu.Unlock()

		slog.Info("localai: recogniser endpoint", "call_id", c.id, "mode", mode, "preview", preview(hyp.Text))
		cs.handleFinalTranscript(c, mode, chunk.requestID, hyp, false)
		return
	}

	hyp := c.rec.Partial()
	text := strings.TrimSpace(hyp.Text)
	emit := false
	if text != c.lastPartial || !c.partialEmitted {
		interval := cs.srv.cfg.PartialMinInterval
		if !c.partialEmitted || interval <= 0 || time.Since(c.lastPartialAt) >= interval {
			c.lastPartial = text
			c.lastPartialAt = time.Now()
			c.partialEmitted = true
			emit = true
		}
	}
	c.mu.Unlock()

	if emit {
		slog.Debug("localai: partial hypothesis", "call_id", c.id, "preview", preview(text))
		cs.emitSTTResult(c, text, chunk.requestID, mode, false, true, nil)
	}
	cs.scheduleIdleFinalizer(c)
}

// scheduleIdleFinalizer (re)arms the per-call silence timer. Each arm bumps
// the generation counter so a timer that already fired for an older
// utterance does nothing.
func (cs *connSession) scheduleIdleFinalizer(c *callContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleGen++
	gen := c.idleGen
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(cs.srv.cfg.IdleTimeout, func() { cs.idlePromote(c, gen) })
}

// idlePromote drains the recogniser's current hypothesis after the idle
// window elapsed with no further audio and treats it as a final.
func (cs *connSession) idlePromote(c *callContext, gen uint64) {
	if cs.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.idleGen != gen || c.rec == nil {
		c.mu.Unlock()
		return
	}
	c.idleTimer = nil
	hyp := c.rec.FinalResult()
	mode := c.mode
	reqID := c.lastReqID
	c.mu.Unlock()

	slog.Info("localai: idle finaliser promoting hypothesis",
		"call_id", c.id, "mode", mode,
		"idle_ms", cs.srv.cfg.IdleTimeout.Milliseconds(), "preview", preview(hyp.Text))
	cs.handleFinalTranscript(c, mode, reqID, hyp, true)
}

// handleFinalTranscript is where every final converges: endpoint finals from
// the recogniser and idle-promoted ones. It applies the duplicate and
// empty-transcript suppression rules, emits the stt_result, and for llm/full
// modes chains into generation (and synthesis for full).
//
// Suppression rules, in order:
//   - empty text in stt mode: emitted once so the peer's stream completes,
//     but a second empty within recentEmptyWindow is dropped;
//   - empty text in llm/full modes: always dropped, nothing downstream;
//   - idle-promoted text equal (normalised) to the previous final: dropped,
//     the recogniser was re-reporting an utterance already delivered.
func (cs *connSession) handleFinalTranscript(c *callContext, mode wire.Mode, requestID string, hyp Hypothesis, idlePromoted bool) {
	clean := strings.TrimSpace(hyp.Text)
	norm := normalizeText(clean)

	reason := "recognizer-final"
	if idlePromoted {
		reason = "idle-timeout"
	}

	c.mu.Lock()
	lastText, lastNorm, lastAt := c.lastFinalText, c.lastFinalNorm, c.lastFinalAt
	c.mu.Unlock()
	recentEmpty := lastText == "" && !lastAt.IsZero() && time.Since(lastAt) < recentEmptyWindow

	if clean == "" {
		if mode == wire.ModeSTT {
			if recentEmpty || (idlePromoted && lastText == "") {
				slog.Info("localai: suppressing repeated empty transcript", "call_id", c.id, "mode", mode)
				return
			}
			slog.Info("localai: emitting empty transcript", "call_id", c.id, "mode", mode, "reason", reason)
			if cs.emitSTTResult(c, "", requestID, mode, true, false, hyp.Confidence) {
				cs.resetUtterance(c, "")
			}
			return
		}
		slog.Info("localai: suppressing empty transcript", "call_id", c.id, "mode", mode, "reason", reason)
		return
	}

	if idlePromoted && norm != "" && norm == lastNorm {
		slog.Info("localai: suppressing duplicate idle transcript",
			"call_id", c.id, "mode", mode, "preview", preview(clean))
		return
	}

	slog.Info("localai: emitting final transcript",
		"call_id", c.id, "mode", mode, "reason", reason, "preview", preview(clean))
	if cs.emitSTTResult(c, clean, requestID, mode, true, false, hyp.Confidence) {
		cs.resetUtterance(c, clean)
	}

	if mode == wire.ModeSTT {
		return
	}

	// Generation path for llm/full. A final identical to the last delivered
	// turn would only make the model repeat itself, so skip it.
	c.mu.Lock()
	duplicateTurn := norm != "" && len(c.userTurns) > 0 && normalizeText(c.userTurns[len(c.userTurns)-1]) == norm
	c.mu.Unlock()
	if duplicateTurn {
		slog.Info("localai: skipping generation for duplicate transcript",
			"call_id", c.id, "mode", mode, "preview", preview(clean))
		return
	}

	prompt := cs.srv.preparePrompt(c, "", clean)
	reply := cs.srv.generate(cs.ctx, c.id, prompt)

	respMode := mode
	if mode == wire.ModeFull {
		respMode = wire.ModeLLM
	}
	if !cs.emitLLMResponse(c, reply, requestID, respMode) {
		return
	}

	if mode == wire.ModeFull && reply != "" {
		mulaw := cs.srv.synthesizeTelephony(cs.ctx, c.id, reply)
		cs.emitTTSAudio(c, mulaw, requestID, wire.ModeFull)
	}
}

// resetUtterance clears recognition state after a final was delivered, while
// remembering what that final was so duplicate suppression works across the
// utterance boundary.
func (cs *connSession) resetUtterance(c *callContext, lastText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.rec = nil
	c.lastPartial = ""
	c.partialEmitted = false
	c.lastReqID = ""
	c.lastFinalText = lastText
	c.lastFinalNorm = normalizeText(lastText)
	c.lastFinalAt = time.Now()
}

func (cs *connSession) emitSTTResult(c *callContext, text, requestID string, mode wire.Mode, final, partial bool, confidence *float64) bool {
	msg := wire.STTResult{
		Header:     wire.Header{Type: wire.KindSTTResult, CallID: c.id, Mode: mode, RequestID: requestID},
		Text:       text,
		IsFinal:    final,
		IsPartial:  partial,
		Confidence: confidence,
	}
	if err := cs.w.writeJSON(cs.ctx, msg); err != nil {
		slog.Warn("localai: stt_result send failed", "error", err, "call_id", c.id)
		return false
	}
	return true
}

// normalizeText lowercases and collapses all whitespace runs to single
// spaces. Two transcripts are "the same utterance" when they normalise
// equal.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// preview truncates log text to keep transcript lines readable.
func preview(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
