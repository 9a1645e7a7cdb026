// Package telephony runs the media bridge between Asterisk and the
// conversation engine.
//
// The bridge listens for AudioSocket connections — Asterisk dials one per
// answered call — and turns them into Handler events: answered on the ID
// message, one OnCallerAudio per 20 ms slin frame, ended when the connection
// drops or the switch sends terminate. In the other direction it implements
// the CallControl contract: Play paces μ-law reply chunks back out as slin
// frames, TruncatePlayback cuts a playback between frames, and Redirect moves
// the caller's channel through the manager interface.
//
// The expected dialplan registers the channel before handing media over, so
// Redirect can find it later:
//
//	same => n,Set(GLOBAL(ASTERIVOX_${CALLID})=${CHANNEL})
//	same => n,AudioSocket(${CALLID},127.0.0.1:9092)
package telephony

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asterivox/internal/telephony/ami"
	"github.com/MrWong99/asterivox/internal/telephony/audiosocket"
	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/telephony"
)

const (
	// handshakeTimeout bounds the wait for the ID message on a fresh
	// connection.
	handshakeTimeout = 5 * time.Second

	// redirectTimeout bounds the manager-interface round trips of one
	// Redirect.
	redirectTimeout = 5 * time.Second

	// globalVarPrefix is the dialplan's channel registration prefix.
	globalVarPrefix = "ASTERIVOX_"

	keepAlivePeriod = 30 * time.Second
)

// Manager is the manager-interface surface Redirect needs. *ami.Client
// implements it.
type Manager interface {
	Getvar(ctx context.Context, channel, variable string) (string, error)
	Redirect(ctx context.Context, channel, dialplanContext, exten string) error
}

var _ Manager = (*ami.Client)(nil)

// Config wires a Bridge. ListenAddr and Handler are required; AMI (with
// DialplanContext) enables Redirect.
type Config struct {
	// ListenAddr is the AudioSocket TCP listen address, e.g. "127.0.0.1:9092".
	ListenAddr string

	// Profile is announced with every call answered on this listener. Empty
	// selects the engine's default profile.
	Profile string

	// Handler receives call events.
	Handler telephony.Handler

	// AMI is the manager-interface client used by Redirect. Nil makes
	// Redirect fail with a configuration error.
	AMI Manager

	// DialplanContext is the context Redirect sends channels to. Required
	// when AMI is set.
	DialplanContext string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Bridge is the AudioSocket server plus the CallControl surface over its
// connections. Create with New, bind with Listen, run with Serve.
type Bridge struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	legs    map[string]*leg
	closed  bool
	closeCh chan struct{}

	wg sync.WaitGroup
}

// New validates cfg and returns an unbound Bridge.
func New(cfg Config) (*Bridge, error) {
	switch {
	case cfg.ListenAddr == "":
		return nil, errors.New("telephony: config: ListenAddr is required")
	case cfg.Handler == nil:
		return nil, errors.New("telephony: config: Handler is required")
	case cfg.AMI != nil && cfg.DialplanContext == "":
		return nil, errors.New("telephony: config: DialplanContext is required with AMI")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		log:     log,
		legs:    make(map[string]*leg),
		closeCh: make(chan struct{}),
	}, nil
}

// Listen binds the AudioSocket listener. Addr reports the bound address
// afterwards, which matters when ListenAddr held port 0.
func (b *Bridge) Listen() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("telephony: listen %s: %w", b.cfg.ListenAddr, err)
	}
	b.mu.Lock()
	b.ln = ln
	b.mu.Unlock()
	b.log.Info("audiosocket bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (b *Bridge) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln := b.ln
	b.mu.Unlock()
	if ln == nil {
		return errors.New("telephony: Serve called before Listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || b.isClosed() {
					return nil
				}
				return fmt.Errorf("telephony: accept: %w", err)
			}
			b.wg.Add(1)
			go b.serveConn(gctx, conn)
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return b.Close()
		case <-b.closeCh:
			return nil
		}
	})
	return g.Wait()
}

// ListenAndServe binds and serves in one call.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// Close stops the listener, hangs up every live leg, and waits for the
// connection goroutines to drain.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	ln := b.ln
	legs := make([]*leg, 0, len(b.legs))
	for _, l := range b.legs {
		legs = append(legs, l)
	}
	b.mu.Unlock()

	var errs []error
	if ln != nil {
		errs = append(errs, ln.Close())
	}
	for _, l := range legs {
		l.close()
	}
	b.wg.Wait()
	return errors.Join(errs...)
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ─── Connection handling ──────────────────────────────────────────────────────

func (b *Bridge) serveConn(ctx context.Context, conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		// 20 ms media frames must not sit in Nagle's buffer.
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := audiosocket.Read(conn)
	if err != nil {
		b.log.Warn("connection dropped before identifying", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	callID, err := msg.CallID()
	if err != nil {
		b.log.Warn("connection opened without a call id", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	l := &leg{callID: callID, conn: conn}
	if !b.register(l) {
		b.log.Warn("duplicate media leg rejected", "call_id", callID, "remote", conn.RemoteAddr().String())
		return
	}
	defer b.deregister(callID)

	b.log.Info("media leg up", "call_id", callID, "remote", conn.RemoteAddr().String())
	b.cfg.Handler.OnCallAnswered(callID, conn.RemoteAddr().String(), b.cfg.Profile)
	defer b.cfg.Handler.OnCallEnded(callID)

	for {
		msg, err := audiosocket.Read(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !b.isClosed() {
				b.log.Warn("media leg read failed", "call_id", callID, "error", err)
			}
			return
		}
		switch msg.Kind {
		case audiosocket.KindAudio:
			b.cfg.Handler.OnCallerAudio(callID, msg.Payload)
		case audiosocket.KindHangup:
			b.log.Info("switch hung up", "call_id", callID)
			return
		case audiosocket.KindError:
			b.log.Warn("switch reported media error", "call_id", callID, "code", msg.ErrorCode())
		case audiosocket.KindDTMF:
			b.log.Debug("dtmf digit ignored", "call_id", callID, "digit", string(msg.Payload))
		default:
			b.log.Debug("unknown message kind skipped", "call_id", callID, "kind", msg.Kind.String())
		}
	}
}

func (b *Bridge) register(l *leg) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if _, exists := b.legs[l.callID]; exists {
		return false
	}
	b.legs[l.callID] = l
	return true
}

func (b *Bridge) deregister(callID string) {
	b.mu.Lock()
	delete(b.legs, callID)
	b.mu.Unlock()
}

func (b *Bridge) leg(callID string) *leg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.legs[callID]
}

// ─── CallControl ──────────────────────────────────────────────────────────────

// Play starts pacing stream out to the caller and returns the playback nonce.
// The stream carries 8 kHz μ-law chunks; playback ends when it closes.
func (b *Bridge) Play(callID string, stream <-chan []byte) (string, error) {
	l := b.leg(callID)
	if l == nil {
		return "", fmt.Errorf("telephony: play %s: %w", callID, telephony.ErrUnknownCall)
	}
	gen, streamID := l.beginPlayback()
	b.wg.Add(1)
	go b.playback(l, gen, streamID, stream)
	return streamID, nil
}

// TruncatePlayback drops the rest of the current playback. The pacing loop
// notices within one frame interval.
func (b *Bridge) TruncatePlayback(callID string) error {
	l := b.leg(callID)
	if l == nil {
		return fmt.Errorf("telephony: truncate %s: %w", callID, telephony.ErrUnknownCall)
	}
	l.truncate()
	return nil
}

// Redirect looks the caller's channel up through the dialplan registration
// and moves it to the transfer context. This is the one CallControl method
// whose failure the engine treats as fatal for the call.
func (b *Bridge) Redirect(callID, target string) error {
	if b.leg(callID) == nil {
		return fmt.Errorf("telephony: redirect %s: %w", callID, telephony.ErrUnknownCall)
	}
	if b.cfg.AMI == nil {
		return fmt.Errorf("telephony: redirect %s: manager interface not configured", callID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redirectTimeout)
	defer cancel()

	channel, err := b.cfg.AMI.Getvar(ctx, "", globalVarPrefix+callID)
	if err != nil {
		return fmt.Errorf("telephony: redirect %s: resolve channel: %w", callID, err)
	}
	if channel == "" {
		return fmt.Errorf("telephony: redirect %s: channel not registered in dialplan", callID)
	}
	if err := b.cfg.AMI.Redirect(ctx, channel, b.cfg.DialplanContext, target); err != nil {
		return fmt.Errorf("telephony: redirect %s: %w", callID, err)
	}
	b.log.Info("call redirected", "call_id", callID, "channel", channel, "target", target)
	return nil
}

var _ telephony.CallControl = (*Bridge)(nil)

// ─── Playback pacing ──────────────────────────────────────────────────────────

// playback transcodes μ-law chunks to slin, slices them into 20 ms frames,
// and writes one frame per interval. A bumped generation (truncate or a
// newer playback) stops the writes; the stream is then drained so the
// producer's sends and close never block.
func (b *Bridge) playback(l *leg, gen int, streamID string, stream <-chan []byte) {
	defer b.wg.Done()
	ticker := time.NewTicker(audiosocket.FrameInterval)
	defer ticker.Stop()

	frames := 0
	var buf []byte
	for {
		for len(buf) < audiosocket.FrameBytes {
			chunk, ok := <-stream
			if !ok {
				if len(buf) > 0 && l.generation() == gen {
					tail := make([]byte, audiosocket.FrameBytes)
					copy(tail, buf)
					if err := l.writeAudio(tail); err == nil {
						frames++
					}
				}
				b.log.Debug("playback finished",
					"call_id", l.callID, "stream_id", streamID, "frames", frames)
				return
			}
			if l.generation() != gen {
				b.log.Debug("playback truncated",
					"call_id", l.callID, "stream_id", streamID, "frames", frames)
				audio.Drain(stream)
				return
			}
			buf = append(buf, audio.MulawToPCM16(chunk)...)
		}

		if err := l.writeAudio(buf[:audiosocket.FrameBytes]); err != nil {
			b.log.Debug("playback write failed",
				"call_id", l.callID, "stream_id", streamID, "error", err)
			audio.Drain(stream)
			return
		}
		frames++
		buf = buf[audiosocket.FrameBytes:]

		<-ticker.C
		if l.generation() != gen {
			b.log.Debug("playback truncated",
				"call_id", l.callID, "stream_id", streamID, "frames", frames)
			audio.Drain(stream)
			return
		}
	}
}

// ─── Leg ──────────────────────────────────────────────────────────────────────

// leg is one live AudioSocket connection.
type leg struct {
	callID string
	conn   net.Conn

	// writeMu serialises frame writes; playback, hangup, and close may race.
	writeMu sync.Mutex

	// playMu guards the playback generation and nonce counter.
	playMu  sync.Mutex
	playGen int
	playSeq int
}

// beginPlayback claims a fresh generation — implicitly truncating any
// playback still in flight — and mints the stream nonce.
func (l *leg) beginPlayback() (int, string) {
	l.playMu.Lock()
	defer l.playMu.Unlock()
	l.playGen++
	l.playSeq++
	return l.playGen, fmt.Sprintf("%s/%d", l.callID, l.playSeq)
}

func (l *leg) truncate() {
	l.playMu.Lock()
	l.playGen++
	l.playMu.Unlock()
}

func (l *leg) generation() int {
	l.playMu.Lock()
	defer l.playMu.Unlock()
	return l.playGen
}

func (l *leg) writeAudio(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return audiosocket.WriteAudio(l.conn, frame)
}

// close sends a polite terminate before dropping the connection.
func (l *leg) close() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = audiosocket.WriteHangup(l.conn)
	_ = l.conn.Close()
}
