// Package backend implements the session multiplexer for the duplex channel
// to the AI back-end server.
//
// A single WebSocket connection carries every call. Callers open logical
// sub-sessions keyed by (call_id, mode); one background receive loop reads
// the shared channel and dispatches envelopes to the owning sub-session's
// bounded event queue. Raw binary frames are interpreted through the most
// recent tts_audio envelope announcing them.
//
// If the shared channel dies, every open sub-session receives a terminal
// EventError and is closed; the next OpenSubSession transparently redials
// with bounded exponential backoff. Nothing is replayed across reconnects —
// callers re-issue set_mode by reopening their sub-sessions.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/coder/websocket"
)

// Default channel parameters.
const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultSendTimeout      = 500 * time.Millisecond
	defaultResponseTimeout  = 5 * time.Second
	defaultQueueSize        = 16
	defaultMaxRetries       = 10
	defaultBackoff          = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second

	// maxMessageBytes bounds a single inbound frame. Synthesised audio
	// segments are the largest payloads (tens of seconds of μ-law plus
	// base64 overhead), so the default WebSocket read limit is far too low.
	maxMessageBytes = 16 << 20
)

// ReconnectPolicy bounds the redial loop after the shared channel dies.
type ReconnectPolicy struct {
	// MaxRetries is the number of dial attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles per attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Config configures a [Client].
type Config struct {
	// URL is the WebSocket address of the AI back-end server.
	URL string

	// HandshakeTimeout bounds the wait for mode_ready after set_mode.
	// On expiry the sub-session proceeds unconfirmed with a warning.
	// Defaults to 5s if zero.
	HandshakeTimeout time.Duration

	// SendTimeout bounds how long a send may block on channel back-pressure
	// before failing with ErrBusy. Defaults to 500ms if zero.
	SendTimeout time.Duration

	// ResponseTimeout bounds control round-trips (status, reload).
	// Defaults to 5s if zero.
	ResponseTimeout time.Duration

	// QueueSize is the capacity of each sub-session's inbound event queue.
	// Defaults to 16 if zero.
	QueueSize int

	// Reconnect bounds the redial loop.
	Reconnect ReconnectPolicy

	// OnReconnect is called after each successful redial of a previously
	// established channel, with the attempt number that succeeded. May be nil.
	OnReconnect func(attempt int)
}

type pendingTTS struct {
	sub  *SubSession
	meta wire.TTSAudio
}

// Client multiplexes stage sub-sessions over one duplex channel.
// All methods are safe for concurrent use.
type Client struct {
	url              string
	handshakeTimeout time.Duration
	sendTimeout      time.Duration
	responseTimeout  time.Duration
	queueSize        int
	reconnect        ReconnectPolicy
	onReconnect      func(int)

	// dialMu serialises dial attempts so concurrent opens share one redial.
	dialMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	recvCancel    context.CancelFunc
	subs          map[subKey]*SubSession
	pending       *pendingTTS
	everConnected bool
	closed        bool

	ctlMu      sync.Mutex
	ctlWaiters map[string][]chan []byte
}

// New creates a Client for the given configuration. No connection is made
// until the first sub-session or control call needs one.
func New(cfg Config) *Client {
	c := &Client{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		sendTimeout:      cfg.SendTimeout,
		responseTimeout:  cfg.ResponseTimeout,
		queueSize:        cfg.QueueSize,
		reconnect:        cfg.Reconnect,
		onReconnect:      cfg.OnReconnect,
		subs:             make(map[subKey]*SubSession),
		ctlWaiters:       make(map[string][]chan []byte),
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	if c.sendTimeout <= 0 {
		c.sendTimeout = defaultSendTimeout
	}
	if c.responseTimeout <= 0 {
		c.responseTimeout = defaultResponseTimeout
	}
	if c.queueSize <= 0 {
		c.queueSize = defaultQueueSize
	}
	if c.reconnect.MaxRetries <= 0 {
		c.reconnect.MaxRetries = defaultMaxRetries
	}
	if c.reconnect.Backoff <= 0 {
		c.reconnect.Backoff = defaultBackoff
	}
	if c.reconnect.MaxBackoff <= 0 {
		c.reconnect.MaxBackoff = defaultMaxBackoff
	}
	return c
}

// Connected reports whether the shared channel is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// OpenSubSession establishes a logical stage session for (callID, kind).
// It dials the shared channel if necessary, sends set_mode, and waits up to
// the handshake timeout for mode_ready; on timeout the session proceeds
// unconfirmed. At most one sub-session may exist per (callID, kind);
// duplicates fail with ErrInvariantViolation.
func (c *Client) OpenSubSession(ctx context.Context, callID string, kind wire.Mode) (*SubSession, error) {
	if callID == "" {
		return nil, errors.New("backend: open sub-session: empty call id")
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("backend: open sub-session %s: invalid mode %q", callID, kind)
	}

	key := subKey{callID: callID, kind: kind}

	if _, err := c.ensureConn(ctx); err != nil {
		return nil, fmt.Errorf("backend: open sub-session %s/%s: %w", callID, kind, err)
	}

	sub := &SubSession{
		c:      c,
		key:    key,
		ready:  make(chan struct{}),
		events: make(chan Event, c.queueSize),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("backend: open sub-session %s/%s: %w", callID, kind, ErrChannelClosed)
	}
	if _, exists := c.subs[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("backend: open sub-session %s/%s: already open: %w", callID, kind, ErrInvariantViolation)
	}
	c.subs[key] = sub
	c.mu.Unlock()

	req := wire.SetMode{Header: wire.Header{Type: wire.KindSetMode, CallID: callID, Mode: kind}}
	if err := sub.Send(ctx, req); err != nil {
		sub.Close()
		return nil, fmt.Errorf("backend: open sub-session %s/%s: set_mode: %w", callID, kind, err)
	}

	timer := time.NewTimer(c.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-sub.ready:
	case <-timer.C:
		slog.Warn("backend: proceeding without mode acknowledgement",
			"call_id", callID,
			"mode", kind,
			"timeout", c.handshakeTimeout,
			"err", ErrHandshakeFailed,
		)
	case <-sub.done:
		return nil, fmt.Errorf("backend: open sub-session %s/%s: %w", callID, kind, ErrChannelClosed)
	case <-ctx.Done():
		sub.Close()
		return nil, fmt.Errorf("backend: open sub-session %s/%s: %w", callID, kind, ctx.Err())
	}

	return sub, nil
}

// Close shuts down the client, closing every open sub-session and the shared
// channel. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.recvCancel
	c.recvCancel = nil
	subs := c.drainSubsLocked()
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	c.failControlWaiters()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// ─── Control round-trips ───

// Status asks the server for its diagnostic snapshot.
func (c *Client) Status(ctx context.Context) (wire.StatusResponse, error) {
	req := wire.StatusRequest{Header: wire.Header{Type: wire.KindStatus}}
	raw, err := c.roundTrip(ctx, req, wire.KindStatusResponse)
	if err != nil {
		return wire.StatusResponse{}, fmt.Errorf("backend: status: %w", err)
	}
	var resp wire.StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.StatusResponse{}, fmt.Errorf("backend: status: decode: %w", err)
	}
	return resp, nil
}

// ReloadModels asks the server to hot-reload every model.
func (c *Client) ReloadModels(ctx context.Context) (wire.ReloadResponse, error) {
	return c.reload(ctx, wire.KindReloadModels)
}

// ReloadLLM asks the server to hot-reload only the language model.
func (c *Client) ReloadLLM(ctx context.Context) (wire.ReloadResponse, error) {
	return c.reload(ctx, wire.KindReloadLLM)
}

func (c *Client) reload(ctx context.Context, kind string) (wire.ReloadResponse, error) {
	req := wire.Reload{Header: wire.Header{Type: kind}}
	raw, err := c.roundTrip(ctx, req, wire.KindReloadResponse)
	if err != nil {
		return wire.ReloadResponse{}, fmt.Errorf("backend: %s: %w", kind, err)
	}
	var resp wire.ReloadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.ReloadResponse{}, fmt.Errorf("backend: %s: decode: %w", kind, err)
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req any, respKind string) ([]byte, error) {
	if _, err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	ch := make(chan []byte, 1)
	c.ctlMu.Lock()
	c.ctlWaiters[respKind] = append(c.ctlWaiters[respKind], ch)
	c.ctlMu.Unlock()

	if err := c.write(ctx, websocket.MessageText, data); err != nil {
		c.dropControlWaiter(respKind, ch)
		return nil, err
	}

	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()
	select {
	case raw := <-ch:
		if raw == nil {
			return nil, ErrChannelClosed
		}
		return raw, nil
	case <-timer.C:
		c.dropControlWaiter(respKind, ch)
		return nil, ErrResponseTimeout
	case <-ctx.Done():
		c.dropControlWaiter(respKind, ch)
		return nil, ctx.Err()
	}
}

func (c *Client) dropControlWaiter(kind string, ch chan []byte) {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()
	waiters := c.ctlWaiters[kind]
	for i, w := range waiters {
		if w == ch {
			c.ctlWaiters[kind] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) deliverControl(kind string, raw []byte) {
	c.ctlMu.Lock()
	waiters := c.ctlWaiters[kind]
	var ch chan []byte
	if len(waiters) > 0 {
		ch = waiters[0]
		c.ctlWaiters[kind] = waiters[1:]
	}
	c.ctlMu.Unlock()
	if ch == nil {
		slog.Debug("backend: control response without waiter, skipping", "type", kind)
		return
	}
	ch <- raw
}

func (c *Client) failControlWaiters() {
	c.ctlMu.Lock()
	defer c.ctlMu.Unlock()
	for kind, waiters := range c.ctlWaiters {
		for _, ch := range waiters {
			ch <- nil
		}
		delete(c.ctlWaiters, kind)
	}
}

// ─── Connection management ───

// ensureConn returns the live connection, dialing with bounded exponential
// backoff when the channel is down.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	reconnecting := c.everConnected
	c.mu.Unlock()

	backoff := c.reconnect.Backoff
	var lastErr error
	for attempt := 1; attempt <= c.reconnect.MaxRetries; attempt++ {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err == nil {
			conn.SetReadLimit(maxMessageBytes)

			recvCtx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.conn = conn
			c.recvCancel = cancel
			c.everConnected = true
			c.mu.Unlock()
			go c.receiveLoop(recvCtx, conn)

			if reconnecting {
				slog.Info("backend: channel re-established", "url", c.url, "attempt", attempt)
				if c.onReconnect != nil {
					c.onReconnect(attempt)
				}
			}
			return conn, nil
		}
		lastErr = err

		if attempt == c.reconnect.MaxRetries {
			break
		}
		slog.Warn("backend: dial failed, backing off",
			"url", c.url,
			"attempt", attempt,
			"max_retries", c.reconnect.MaxRetries,
			"backoff", backoff,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.reconnect.MaxBackoff {
			backoff = c.reconnect.MaxBackoff
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", c.url, c.reconnect.MaxRetries, lastErr)
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelClosed
	}

	wctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := conn.Write(wctx, typ, data); err != nil {
		if wctx.Err() != nil && ctx.Err() == nil {
			return ErrBusy
		}
		return err
	}
	return nil
}

// receiveLoop is the single reader of the shared channel. It exits when the
// connection dies, failing every open sub-session.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.channelDown(conn, err)
			return
		}
		switch typ {
		case websocket.MessageText:
			c.dispatchEnvelope(data)
		case websocket.MessageBinary:
			c.dispatchBinary(data)
		}
	}
}

// channelDown tears down state after the shared channel dies: every open
// sub-session receives a terminal error event and is closed, and pending
// control round-trips fail.
func (c *Client) channelDown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection has already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.recvCancel = nil
	c.pending = nil
	wasClosed := c.closed
	subs := c.drainSubsLocked()
	c.mu.Unlock()

	if !wasClosed {
		slog.Warn("backend: channel closed",
			"err", cause,
			"open_sub_sessions", len(subs),
		)
	}
	err := fmt.Errorf("backend: %w: %v", ErrChannelClosed, cause)
	for _, s := range subs {
		s.fail(err)
	}
	c.failControlWaiters()
}

func (c *Client) drainSubsLocked() []*SubSession {
	subs := make([]*SubSession, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[subKey]*SubSession)
	return subs
}

func (c *Client) removeSub(key subKey, s *SubSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[key] == s {
		delete(c.subs, key)
	}
	if c.pending != nil && c.pending.sub == s {
		c.pending = nil
	}
}

// ─── Dispatch ───

func (c *Client) dispatchEnvelope(data []byte) {
	h, err := wire.PeekHeader(data)
	if err != nil {
		slog.Warn("backend: undecodable envelope, skipping", "err", err)
		return
	}

	switch h.Type {
	case wire.KindModeReady:
		sub := c.lookup(h)
		if sub == nil {
			c.logUnrouted(h)
			return
		}
		select {
		case <-sub.ready:
			// Handshake already completed; surface the re-acknowledgement.
			sub.deliver(Event{Kind: EventModeReady})
		default:
			sub.markReady()
		}

	case wire.KindSTTResult:
		var res wire.STTResult
		if err := json.Unmarshal(data, &res); err != nil {
			slog.Warn("backend: bad stt_result, skipping", "err", err)
			return
		}
		sub := c.lookup(h)
		if sub == nil {
			c.logUnrouted(h)
			return
		}
		ev := Event{RequestID: h.RequestID, Text: res.Text, Confidence: res.Confidence}
		switch {
		case res.IsFinal:
			ev.Kind = EventFinalSTT
		case res.IsPartial:
			ev.Kind = EventPartialSTT
		default:
			return
		}
		sub.deliver(ev)

	case wire.KindLLMResponse:
		var res wire.LLMResponse
		if err := json.Unmarshal(data, &res); err != nil {
			slog.Warn("backend: bad llm_response, skipping", "err", err)
			return
		}
		sub := c.lookup(h)
		if sub == nil {
			c.logUnrouted(h)
			return
		}
		sub.deliver(Event{Kind: EventLLMText, RequestID: h.RequestID, Text: res.Text})

	case wire.KindTTSAudio:
		var meta wire.TTSAudio
		if err := json.Unmarshal(data, &meta); err != nil {
			slog.Warn("backend: bad tts_audio meta, skipping", "err", err)
			return
		}
		sub := c.lookup(h)
		if sub == nil {
			c.logUnrouted(h)
			return
		}
		if meta.ByteLength > 0 {
			// A zero-length segment is announced without a binary frame.
			c.mu.Lock()
			c.pending = &pendingTTS{sub: sub, meta: meta}
			c.mu.Unlock()
		}
		sub.deliver(Event{Kind: EventTTSMeta, RequestID: h.RequestID, Meta: &meta})

	case wire.KindTTSResponse:
		var res wire.TTSResponse
		if err := json.Unmarshal(data, &res); err != nil {
			slog.Warn("backend: bad tts_response, skipping", "err", err)
			return
		}
		sub := c.lookup(h)
		if sub == nil {
			c.logUnrouted(h)
			return
		}
		sub.deliver(Event{Kind: EventTTSAudio, RequestID: h.RequestID, Audio: res.AudioData})

	case wire.KindStatusResponse, wire.KindReloadResponse:
		c.deliverControl(h.Type, data)

	default:
		slog.Warn("backend: unknown message type, skipping", "type", h.Type)
	}
}

// dispatchBinary routes a raw frame to the sub-session whose tts_audio
// envelope announced it, or to the sole open tts sub-session when nothing
// was announced.
func (c *Client) dispatchBinary(data []byte) {
	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		if p.meta.ByteLength != len(data) {
			slog.Warn("backend: binary frame length mismatch",
				"call_id", p.sub.key.callID,
				"want", p.meta.ByteLength,
				"got", len(data),
			)
		}
		meta := p.meta
		p.sub.deliver(Event{Kind: EventTTSAudio, RequestID: meta.RequestID, Audio: data, Meta: &meta})
		return
	}

	c.mu.Lock()
	var tts *SubSession
	n := 0
	for key, s := range c.subs {
		if key.kind == wire.ModeTTS {
			tts = s
			n++
		}
	}
	c.mu.Unlock()

	if n == 1 {
		tts.deliver(Event{Kind: EventTTSAudio, Audio: data})
		return
	}
	slog.Warn("backend: unannounced binary frame dropped", "bytes", len(data), "open_tts", n)
}

// lookup resolves the owning sub-session for an envelope: exact
// (call_id, mode) first, then request_id correlation, then the sole
// sub-session of the call.
func (c *Client) lookup(h wire.Header) *SubSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.subs[subKey{callID: h.CallID, kind: h.Mode}]; ok {
		return s
	}
	if h.RequestID != "" {
		for key, s := range c.subs {
			if key.callID == h.CallID && s.matchesRequest(h.RequestID) {
				return s
			}
		}
	}
	var only *SubSession
	n := 0
	for key, s := range c.subs {
		if key.callID == h.CallID {
			only = s
			n++
		}
	}
	if n == 1 {
		return only
	}
	return nil
}

func (c *Client) logUnrouted(h wire.Header) {
	slog.Warn("backend: no sub-session for message, dropping",
		"type", h.Type,
		"call_id", h.CallID,
		"mode", h.Mode,
	)
}
