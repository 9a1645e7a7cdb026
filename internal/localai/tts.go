package localai

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/wire"
)

// telephonyRate is the sample rate of every synthesis segment on the wire.
const telephonyRate = 8000

// handleTTSRequest synthesises one text segment and ships it back as μ-law
// 8 kHz. A synthesis failure still answers the request — with a zero-length
// segment — so the peer's pending request completes instead of timing out.
func (cs *connSession) handleTTSRequest(msg wire.TTSRequest) {
	c := cs.call(msg.CallID)
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		slog.Warn("localai: tts_request missing text", "call_id", c.id)
		return
	}

	mode := c.modeFor(msg.Mode)
	if mode != wire.ModeTTS && mode != wire.ModeFull {
		// An explicit synthesis request forces tts semantics regardless of
		// the call's announced mode.
		mode = wire.ModeTTS
	}

	slog.Info("localai: tts_request received", "call_id", c.id, "mode", mode, "preview", preview(text))

	mulaw := cs.srv.synthesizeTelephony(cs.ctx, c.id, text)
	cs.emitTTSAudio(c, mulaw, msg.RequestID, mode)
}

// synthesizeTelephony renders text and converts it to the 8 kHz μ-law the
// telephony side plays. Failures return nil so the caller can still complete
// the request with an empty segment.
func (s *Server) synthesizeTelephony(ctx context.Context, callID, text string) []byte {
	if s.eng.Synthesizer == nil {
		slog.Error("localai: synthesizer not configured", "call_id", callID)
		return nil
	}

	started := time.Now()
	pcm, rate, err := s.eng.Synthesizer.Synthesize(ctx, text, s.cfg.Voice)
	if err != nil {
		slog.Error("localai: synthesis failed", "error", err, "call_id", callID)
		return nil
	}

	mulaw, err := audio.ToTelephony(pcm, rate)
	if err != nil {
		slog.Error("localai: telephony conversion failed", "error", err, "call_id", callID, "rate", rate)
		return nil
	}

	slog.Info("localai: synthesis complete",
		"call_id", callID, "bytes", len(mulaw), "elapsed_ms", time.Since(started).Milliseconds())
	return mulaw
}

// emitTTSAudio announces and sends one synthesis segment. The announcing
// envelope and its binary frame go out back to back under the writer lock.
// Without a request id there is nothing for the peer to correlate metadata
// against, so only the binary frame is sent.
func (cs *connSession) emitTTSAudio(c *callContext, mulaw []byte, requestID string, mode wire.Mode) {
	if requestID == "" {
		if len(mulaw) == 0 {
			return
		}
		if err := cs.w.writeBinary(cs.ctx, mulaw); err != nil {
			slog.Warn("localai: audio frame send failed", "error", err, "call_id", c.id)
		}
		return
	}

	meta := wire.TTSAudio{
		Header:       wire.Header{Type: wire.KindTTSAudio, CallID: c.id, Mode: mode, RequestID: requestID},
		Encoding:     wire.EncodingMulaw,
		SampleRateHz: telephonyRate,
		ByteLength:   len(mulaw),
	}
	if err := cs.w.writeSegment(cs.ctx, meta, mulaw); err != nil {
		slog.Warn("localai: tts segment send failed", "error", err, "call_id", c.id)
	}
}
