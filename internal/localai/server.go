// Package localai implements the local model server: a WebSocket endpoint
// that runs speech recognition, reply generation and speech synthesis on
// locally hosted models. Remote peers open one connection, announce a mode
// per call with "set_mode" and then stream audio envelopes; the server
// answers with stt_result, llm_response and tts_audio envelopes on the same
// connection.
//
// One process serves many concurrent calls. Recognition state is kept per
// call, reply generation is serialised process-wide because the underlying
// model is single-threaded, and synthesis runs per request.
package localai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asterivox/pkg/wire"
)

// Config tunes the server. Zero values fall back to the documented defaults.
type Config struct {
	// ListenAddr is the TCP address the WebSocket endpoint binds to.
	ListenAddr string `yaml:"listen_addr"`

	// SystemPrompt is prepended to every generation request.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice selects the synthesis voice. Empty uses the model default.
	Voice string `yaml:"voice"`

	// IdleTimeout promotes the last partial hypothesis to a final when no
	// audio arrives for this long. Default 3s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// PartialMinInterval rate-limits partial transcript emission per call.
	// Zero emits on every hypothesis change.
	PartialMinInterval time.Duration `yaml:"partial_min_interval"`

	// ContextTokens is the generation model's context window. Default 768.
	ContextTokens int `yaml:"context_tokens"`

	// MaxTokens bounds the length of a generated reply. Default 48.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature, TopP and RepeatPenalty are passed through to the
	// generation model. Defaults 0.2, 0.85 and 1.05.
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`

	// InferTimeout bounds one generation request. Default 20s.
	InferTimeout time.Duration `yaml:"infer_timeout"`

	// Stop lists additional sequences that end a generated reply.
	Stop []string `yaml:"stop"`

	// Model paths, reported by status_response only.
	STTModelPath string `yaml:"stt_model_path"`
	LLMModelPath string `yaml:"llm_model_path"`
	TTSModelPath string `yaml:"tts_model_path"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8765"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Second
	}
	if c.ContextTokens <= 0 {
		c.ContextTokens = 768
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 48
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.2
	}
	if c.TopP <= 0 {
		c.TopP = 0.85
	}
	if c.RepeatPenalty <= 0 {
		c.RepeatPenalty = 1.05
	}
	if c.InferTimeout <= 0 {
		c.InferTimeout = 20 * time.Second
	}
	if len(c.Stop) == 0 {
		c.Stop = []string{"<|user|>", "<|assistant|>", "<|end|>"}
	}
	return c
}

// Server hosts the model endpoint. Create one with New and run it with
// ListenAndServe, or mount Handler on an existing mux.
type Server struct {
	cfg Config
	eng Engines

	started     time.Time
	activeCalls atomic.Int64

	// llmGate serialises generation across all calls and connections. A
	// channel rather than a mutex so a waiter can give up when its deadline
	// passes while another call still holds the model.
	llmGate chan struct{}
}

// New builds a Server around the given engines. Engines may be partially
// populated; requests that need a missing engine are answered with the
// documented fallback behaviour instead of failing the connection.
func New(cfg Config, eng Engines) *Server {
	if eng.Tokens == nil {
		eng.Tokens = WhitespaceCounter{}
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		eng:     eng,
		started: time.Now(),
		llmGate: make(chan struct{}, 1),
	}
}

// Handler returns the WebSocket endpoint as an http.Handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// ListenAndServe binds cfg.ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("localai: listen %s: %w", s.cfg.ListenAddr, err)
	}
	slog.Info("localai: model server listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: s.Handler()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("localai: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("localai: websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(16 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	cs := &connSession{
		srv:         s,
		w:           &connWriter{conn: conn},
		ctx:         ctx,
		cancel:      cancel,
		defaultMode: wire.ModeFull,
		calls:       make(map[string]*callContext),
	}
	slog.Info("localai: peer connected", "remote", r.RemoteAddr)
	defer func() {
		cs.shutdown()
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("localai: peer disconnected", "remote", r.RemoteAddr)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return
			}
			slog.Info("localai: connection closed", "remote", r.RemoteAddr, "error", err)
			return
		}
		switch typ {
		case websocket.MessageText:
			s.dispatch(cs, data)
		case websocket.MessageBinary:
			cs.handleRawAudio(data)
		}
	}
}

// dispatch routes one text envelope. Slow operations are offloaded so the
// read loop keeps draining audio while a model is busy.
func (s *Server) dispatch(cs *connSession, data []byte) {
	h, err := wire.PeekHeader(data)
	if err != nil {
		slog.Warn("localai: discarding malformed envelope", "error", err)
		return
	}
	switch h.Type {
	case wire.KindSetMode:
		cs.handleSetMode(h)
	case wire.KindAudio:
		var msg wire.Audio
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("localai: bad audio envelope", "error", err, "call_id", h.CallID)
			return
		}
		cs.handleAudio(msg)
	case wire.KindLLMRequest:
		var msg wire.LLMRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("localai: bad llm_request envelope", "error", err, "call_id", h.CallID)
			return
		}
		go cs.handleLLMRequest(msg)
	case wire.KindTTSRequest:
		var msg wire.TTSRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("localai: bad tts_request envelope", "error", err, "call_id", h.CallID)
			return
		}
		go cs.handleTTSRequest(msg)
	case wire.KindStatus:
		cs.handleStatus(h)
	case wire.KindReloadModels, wire.KindReloadLLM:
		go cs.handleReload(h)
	default:
		slog.Warn("localai: skipping unknown message type", "type", h.Type, "call_id", h.CallID)
	}
}
