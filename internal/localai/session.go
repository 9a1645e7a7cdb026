package localai

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/asterivox/pkg/wire"
)

// audioQueueSize bounds buffered audio per call. At 40 ms per chunk this
// holds a bit over a second; beyond that the caller is outpacing the
// recogniser and dropping is better than growing without bound.
const audioQueueSize = 32

// connWriter serialises writes to one connection. The announcing envelope of
// a synthesis segment and its binary frame are written back to back under a
// single lock hold so a concurrent call cannot interleave frames.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *connWriter) writeBinary(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageBinary, data)
}

func (w *connWriter) writeSegment(ctx context.Context, meta wire.TTSAudio, audio []byte) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}
	if len(audio) == 0 {
		return nil
	}
	return w.conn.Write(ctx, websocket.MessageBinary, audio)
}

// connSession is the per-connection state. One connection may carry many
// calls; each distinct call_id gets its own callContext.
type connSession struct {
	srv    *Server
	w      *connWriter
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	defaultMode wire.Mode
	calls       map[string]*callContext
}

// callContext holds recognition and conversation state for one call.
type callContext struct {
	id string

	mu             sync.Mutex
	mode           wire.Mode
	rec            Recognizer
	lastPartial    string
	lastPartialAt  time.Time
	partialEmitted bool
	lastFinalText  string
	lastFinalNorm  string
	lastFinalAt    time.Time
	lastReqID      string
	userTurns      []string
	idleTimer      *time.Timer
	idleGen        uint64

	audioCh    chan audioChunk
	workerOnce sync.Once
}

type audioChunk struct {
	pcm       []byte // 16 kHz mono PCM16
	requestID string
}

// call returns the context for id, creating it on first sight. An empty id
// maps to the connection-wide "unknown" call, mirroring peers that never
// tag their traffic.
func (cs *connSession) call(id string) *callContext {
	if id == "" {
		id = "unknown"
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.calls[id]
	if !ok {
		c = &callContext{
			id:      id,
			mode:    cs.defaultMode,
			audioCh: make(chan audioChunk, audioQueueSize),
		}
		cs.calls[id] = c
		cs.srv.activeCalls.Add(1)
	}
	return c
}

// modeFor resolves the effective mode of one envelope: an explicit valid
// mode on the message wins, otherwise the call keeps its announced mode.
func (c *callContext) modeFor(m wire.Mode) wire.Mode {
	if m.IsValid() {
		return m
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (cs *connSession) handleSetMode(h wire.Header) {
	c := cs.call(h.CallID)
	c.mu.Lock()
	if h.Mode.IsValid() {
		c.mode = h.Mode
	} else if h.Mode != "" {
		slog.Warn("localai: unsupported mode requested, keeping previous",
			"requested", h.Mode, "current", c.mode, "call_id", c.id)
	}
	mode := c.mode
	c.mu.Unlock()

	slog.Info("localai: mode ready", "mode", mode, "call_id", c.id)
	ack := wire.ModeReady{Header: wire.Header{Type: wire.KindModeReady, CallID: c.id, Mode: mode}}
	if err := cs.w.writeJSON(cs.ctx, ack); err != nil {
		slog.Warn("localai: mode_ready send failed", "error", err, "call_id", c.id)
	}
}

// handleRawAudio accepts an untagged binary frame. It is only unambiguous
// while a single call is active on the connection.
func (cs *connSession) handleRawAudio(data []byte) {
	cs.mu.Lock()
	var sole *callContext
	for _, c := range cs.calls {
		if sole != nil {
			sole = nil
			break
		}
		sole = c
	}
	n := len(cs.calls)
	cs.mu.Unlock()

	if sole == nil && n > 1 {
		slog.Warn("localai: dropping raw audio frame, multiple calls active", "calls", n)
		return
	}
	if sole == nil {
		sole = cs.call("")
	}
	cs.enqueueAudio(sole, wire.Audio{
		Header: wire.Header{Type: wire.KindAudio, CallID: sole.id},
		Rate:   16000,
		Format: wire.FormatPCM16LE,
		Data:   data,
	})
}

// shutdown tears down all call state when the connection dies.
func (cs *connSession) shutdown() {
	cs.cancel()
	cs.mu.Lock()
	calls := make([]*callContext, 0, len(cs.calls))
	for _, c := range cs.calls {
		calls = append(calls, c)
	}
	cs.calls = map[string]*callContext{}
	cs.mu.Unlock()

	for _, c := range calls {
		c.mu.Lock()
		c.idleGen++
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		c.rec = nil
		c.mu.Unlock()
		cs.srv.activeCalls.Add(-1)
	}
}
