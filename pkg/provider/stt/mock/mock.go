// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, "call-1", cfg)
//	sess.EmitFinal("hello there", 0.9)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/asterivox/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// CallID is the call identifier passed to StartStream.
	CallID string
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh NewSession().
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamFunc, if non-nil, replaces the default behaviour entirely.
	// The call is still recorded first.
	StartStreamFunc func(ctx context.Context, callID string, cfg stt.StreamConfig) (stt.SessionHandle, error)

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr. When a
// fresh Session is created its OnPartial callback is taken from cfg.
func (p *Provider) StartStream(ctx context.Context, callID string, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, CallID: callID, Cfg: cfg})
	fn := p.StartStreamFunc
	p.mu.Unlock()
	if fn != nil {
		h, err := fn(ctx, callID, cfg)
		if s, ok := h.(*Session); ok && s != nil {
			s.setOnPartial(cfg.OnPartial)
		}
		return h, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		if s, ok := p.Session.(*Session); ok {
			s.setOnPartial(cfg.OnPartial)
		}
		return p.Session, nil
	}
	s := NewSession()
	s.setOnPartial(cfg.OnPartial)
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
	// Format is the declared input format.
	Format stt.AudioFormat
}

// Session is a mock implementation of stt.SessionHandle. Feed results with
// EmitFinal and EmitPartial; inspect delivered audio via SendAudioCalls.
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results. NewSession buffers it
	// generously so tests never block on emission.
	ResultsCh chan *stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by the first Close.
	CloseErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	onPartial func(stt.Transcript)
	closed    bool
}

// NewSession returns a Session with a buffered results channel.
func NewSession() *Session {
	return &Session{ResultsCh: make(chan *stt.Transcript, 16)}
}

func (s *Session) setOnPartial(fn func(stt.Transcript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPartial = fn
}

// EmitPartial invokes the session's OnPartial callback, mimicking an interim
// hypothesis arriving from the engine.
func (s *Session) EmitPartial(text string) {
	s.mu.Lock()
	fn := s.onPartial
	s.mu.Unlock()
	if fn != nil {
		fn(stt.Transcript{Text: text})
	}
}

// EmitFinal queues a final transcript on the results channel.
func (s *Session) EmitFinal(text string, confidence float64) {
	s.ResultsCh <- &stt.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

// SendAudio records the call and returns SendAudioErr. After Close it
// returns stt.ErrSessionClosed.
func (s *Session) SendAudio(chunk []byte, format stt.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp, Format: format})
	return s.SendAudioErr
}

// Results returns ResultsCh.
func (s *Session) Results() <-chan *stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResultsCh
}

// Close records the call, pushes the nil sentinel, and closes the results
// channel. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case s.ResultsCh <- nil:
	default:
	}
	close(s.ResultsCh)
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
