package localai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/asterivox/pkg/wire"
)

// handleStatus answers a diagnostic snapshot: which models are loaded, where
// they came from, and how busy the server is.
func (cs *connSession) handleStatus(h wire.Header) {
	s := cs.srv

	cfgBlob, err := json.Marshal(map[string]any{
		"active_calls": s.activeCalls.Load(),
		"uptime_sec":   int(time.Since(s.started).Seconds()),
		"idle_ms":      s.cfg.IdleTimeout.Milliseconds(),
	})
	if err != nil {
		cfgBlob = nil
	}

	resp := wire.StatusResponse{
		Header: wire.Header{Type: wire.KindStatusResponse, CallID: h.CallID, RequestID: h.RequestID},
		Status: wire.StatusOK,
		Models: wire.ModelsStatus{
			STT: wire.ModelStatus{
				Loaded: s.eng.Recognizers != nil,
				Path:   s.cfg.STTModelPath,
			},
			LLM: wire.ModelStatus{
				Loaded: s.eng.Generator != nil,
				Path:   s.cfg.LLMModelPath,
				Config: map[string]any{
					"context":    s.cfg.ContextTokens,
					"max_tokens": s.cfg.MaxTokens,
				},
			},
			TTS: wire.ModelStatus{
				Loaded: s.eng.Synthesizer != nil,
				Path:   s.cfg.TTSModelPath,
			},
		},
		Config: cfgBlob,
	}
	if err := cs.w.writeJSON(cs.ctx, resp); err != nil {
		slog.Warn("localai: status_response send failed", "error", err)
	}
}

// handleReload hot-swaps models behind the running server. reload_llm
// reloads the generator only; reload_models walks every engine. Engines that
// do not implement Reloadable count as already reloaded.
func (cs *connSession) handleReload(h wire.Header) {
	s := cs.srv

	var err error
	var message string
	switch h.Type {
	case wire.KindReloadLLM:
		slog.Info("localai: reloading language model")
		err = reloadEngine(cs.ctx, s.eng.Generator)
		message = fmt.Sprintf("llm reloaded (context=%d, max_tokens=%d, temperature=%g)",
			s.cfg.ContextTokens, s.cfg.MaxTokens, s.cfg.Temperature)
	default:
		slog.Info("localai: reloading all models")
		err = errors.Join(
			reloadEngine(cs.ctx, s.eng.Recognizers),
			reloadEngine(cs.ctx, s.eng.Generator),
			reloadEngine(cs.ctx, s.eng.Synthesizer),
		)
		message = "all models reloaded"
	}

	resp := wire.ReloadResponse{
		Header:  wire.Header{Type: wire.KindReloadResponse, CallID: h.CallID, RequestID: h.RequestID},
		Status:  wire.StatusOK,
		Message: message,
	}
	if err != nil {
		slog.Error("localai: reload failed", "error", err, "kind", h.Type)
		resp.Status = wire.StatusError
		resp.Message = err.Error()
	} else {
		slog.Info("localai: reload complete", "kind", h.Type)
	}
	if werr := cs.w.writeJSON(cs.ctx, resp); werr != nil {
		slog.Warn("localai: reload_response send failed", "error", werr)
	}
}

func reloadEngine(ctx context.Context, eng any) error {
	if eng == nil {
		return nil
	}
	r, ok := eng.(Reloadable)
	if !ok {
		return nil
	}
	return r.Reload(ctx)
}
