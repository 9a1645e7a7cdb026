package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/coder/websocket"
)

// EventKind classifies the events a sub-session yields.
type EventKind string

const (
	// EventPartialSTT is an interim transcript. Partials feed barge-in
	// detection only and never represent a completed utterance.
	EventPartialSTT EventKind = "partial_stt"
	// EventFinalSTT is a final transcript; its text may be empty.
	EventFinalSTT EventKind = "final_stt"
	// EventLLMText is a generated reply.
	EventLLMText EventKind = "llm_text"
	// EventTTSMeta announces a binary audio segment that follows.
	EventTTSMeta EventKind = "tts_meta"
	// EventTTSAudio carries synthesised audio bytes, either the binary frame
	// announced by a preceding EventTTSMeta or an inline tts_response payload.
	EventTTSAudio EventKind = "tts_audio"
	// EventModeReady acknowledges a set_mode handshake.
	EventModeReady EventKind = "mode_ready"
	// EventError reports a sub-session failure, typically ErrChannelClosed.
	// It is the last event before the queue closes.
	EventError EventKind = "error"
)

// Event is a demultiplexed message delivered to one sub-session.
type Event struct {
	Kind EventKind

	// RequestID echoes the request_id of the originating envelope, when the
	// server tagged one. Callers correlating round-trips match on it.
	RequestID string
	// Text is the transcript or reply for STT and LLM events.
	Text string
	// Confidence is the recogniser score when reported, nil otherwise.
	Confidence *float64
	// Meta describes the audio segment for EventTTSMeta and, when the
	// segment was announced, for the matching EventTTSAudio.
	Meta *wire.TTSAudio
	// Audio is the synthesised payload for EventTTSAudio.
	Audio []byte
	// Err is set for EventError.
	Err error
}

type subKey struct {
	callID string
	kind   wire.Mode
}

// SubSession is a logical stage session multiplexed over the shared channel.
// Obtain one via [Client.OpenSubSession]. Sends are serialised by a
// per-sub-session lock; inbound events arrive on a bounded queue that closes
// after the final event.
type SubSession struct {
	c   *Client
	key subKey

	sendMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	// deliverMu orders queue delivery against close so the dispatcher never
	// sends on a closed channel.
	deliverMu sync.Mutex
	closed    bool
	events    chan Event

	done      chan struct{}
	closeOnce sync.Once

	reqMu         sync.Mutex
	lastRequestID string
}

// CallID returns the call this sub-session belongs to.
func (s *SubSession) CallID() string { return s.key.callID }

// Kind returns the stage mode this sub-session was opened with.
func (s *SubSession) Kind() wire.Mode { return s.key.kind }

// Events returns the inbound event queue. The channel closes after Close or
// after an EventError terminates the sub-session.
func (s *SubSession) Events() <-chan Event { return s.events }

// Send marshals the envelope and writes it as a text frame under the send
// lock. A write that cannot complete within the client's send timeout fails
// with ErrBusy.
func (s *SubSession) Send(ctx context.Context, envelope any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("backend: marshal envelope: %w", err)
	}
	return s.write(ctx, websocket.MessageText, data)
}

// SendBinary writes a raw binary frame under the send lock. The server
// interprets it as caller audio for this sub-session's current mode.
func (s *SubSession) SendBinary(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.MessageBinary, data)
}

func (s *SubSession) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("backend: send %s/%s: %w", s.key.callID, s.key.kind, ErrSessionClosed)
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.c.write(ctx, typ, data); err != nil {
		return fmt.Errorf("backend: send %s/%s: %w", s.key.callID, s.key.kind, err)
	}
	return nil
}

// TrackRequest records the request_id of the most recent request sent on
// this sub-session so correlated responses route back to it.
func (s *SubSession) TrackRequest(requestID string) {
	s.reqMu.Lock()
	s.lastRequestID = requestID
	s.reqMu.Unlock()
}

func (s *SubSession) matchesRequest(requestID string) bool {
	if requestID == "" {
		return false
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.lastRequestID == requestID
}

// Close unregisters the sub-session and closes its event queue. Safe to call
// multiple times; the second and later calls are no-ops.
func (s *SubSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.c.removeSub(s.key, s)
		s.shutdownQueue()
	})
	return nil
}

// fail delivers a terminal error event and closes the queue. Used when the
// shared channel dies underneath the sub-session.
func (s *SubSession) fail(err error) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.deliver(Event{Kind: EventError, Err: err})
		s.shutdownQueue()
	})
}

func (s *SubSession) shutdownQueue() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *SubSession) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// deliver enqueues an event without ever blocking the shared receive loop.
// A full queue drops the event and logs; per-event loss is preferable to
// stalling every other sub-session on the channel.
func (s *SubSession) deliver(ev Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		slog.Warn("backend: event queue full, dropping event",
			"call_id", s.key.callID,
			"mode", s.key.kind,
			"event", ev.Kind,
		)
	}
}
