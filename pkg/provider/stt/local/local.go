// Package local implements stt.Provider on top of the shared back-end
// channel. Each session owns one stt-mode sub-session: caller audio goes out
// as base64 PCM16 envelopes, transcription events come back demultiplexed by
// the channel's receive loop. Utterance state (idle finalisation, duplicate
// suppression) lives on the back-end; this side only normalises audio and
// fans results out.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	"github.com/MrWong99/asterivox/pkg/wire"
)

// recognizerRate is the sample rate every frame is normalised to before it
// crosses the channel.
const recognizerRate = 16000

// finalQueueSize bounds the per-call final-transcript queue. The
// orchestrator consumes one final per turn, so a small buffer absorbs bursts
// without unbounded growth.
const finalQueueSize = 8

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// Provider implements stt.Provider over a backend.Client.
type Provider struct {
	channel *backend.Client
	log     *slog.Logger
}

// New creates a Provider that opens stt-mode sub-sessions on channel.
func New(channel *backend.Client, opts ...Option) *Provider {
	p := &Provider{
		channel: channel,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartStream opens the call's stt sub-session and starts the event pump.
func (p *Provider) StartStream(ctx context.Context, callID string, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sub, err := p.channel.OpenSubSession(ctx, callID, wire.ModeSTT)
	if err != nil {
		return nil, fmt.Errorf("stt/local: open sub-session: %w", err)
	}

	sess := &session{
		sub:       sub,
		callID:    callID,
		onPartial: cfg.OnPartial,
		log:       p.log,
		finals:    make(chan *stt.Transcript, finalQueueSize),
		done:      make(chan struct{}),
	}
	sess.wg.Add(1)
	go sess.pump()
	return sess, nil
}

var _ stt.Provider = (*Provider)(nil)

// session is a live transcription stream for one call. It implements
// stt.SessionHandle.
type session struct {
	sub       *backend.SubSession
	callID    string
	onPartial func(stt.Transcript)
	log       *slog.Logger

	finals chan *stt.Transcript
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// SendAudio normalises one caller frame to 16 kHz PCM16 and ships it. Empty
// input is a no-op.
func (s *session) SendAudio(chunk []byte, format stt.AudioFormat) error {
	if len(chunk) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}

	pcm, err := normalize(chunk, format)
	if err != nil {
		return err
	}
	env := wire.Audio{
		Header: wire.Header{Type: wire.KindAudio, CallID: s.callID, Mode: wire.ModeSTT},
		Rate:   recognizerRate,
		Format: wire.FormatPCM16LE,
		Data:   pcm,
	}
	if err := s.sub.Send(context.Background(), env); err != nil {
		return fmt.Errorf("stt/local: send audio: %w", err)
	}
	return nil
}

// Results returns the final-transcript queue.
func (s *session) Results() <-chan *stt.Transcript { return s.finals }

// Close tears down the sub-session and waits for the pump to flush the nil
// sentinel. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.sub.Close()
		s.wg.Wait()
	})
	return nil
}

var _ stt.SessionHandle = (*session)(nil)

// pump translates sub-session events into Transcript values until the event
// queue closes. Partials go to the callback only; finals are queued.
func (s *session) pump() {
	defer s.wg.Done()
	defer s.flush()

	for ev := range s.sub.Events() {
		switch ev.Kind {
		case backend.EventPartialSTT:
			s.log.Debug("stt partial", "call_id", s.callID, "chars", len(ev.Text))
			if s.onPartial != nil {
				s.onPartial(stt.Transcript{Text: ev.Text, Confidence: score(ev.Confidence)})
			}
		case backend.EventFinalSTT:
			tr := &stt.Transcript{Text: ev.Text, IsFinal: true, Confidence: score(ev.Confidence)}
			select {
			case s.finals <- tr:
			case <-s.done:
				return
			}
		case backend.EventError:
			s.log.Warn("stt stream failed", "call_id", s.callID, "err", ev.Err)
			return
		}
	}
}

// flush pushes the end-of-stream sentinel and closes the results queue. The
// sentinel is best-effort when the queue is full; the close still ends any
// range loop.
func (s *session) flush() {
	select {
	case s.finals <- nil:
	default:
	}
	close(s.finals)
}

// normalize converts a caller frame to recogniser input.
func normalize(chunk []byte, format stt.AudioFormat) ([]byte, error) {
	var frame audio.Frame
	switch format {
	case stt.FormatPCM16K:
		return chunk, nil
	case stt.FormatPCM8K:
		frame = audio.Frame{Encoding: audio.EncodingPCM16, SampleRate: 8000, Data: chunk}
	case stt.FormatMulaw8K:
		frame = audio.Frame{Encoding: audio.EncodingMulaw, SampleRate: 8000, Data: chunk}
	default:
		return nil, fmt.Errorf("stt/local: input format %q: %w", format, audio.ErrInvalidEncoding)
	}
	pcm, err := audio.ToRecognizerPCM(frame)
	if err != nil {
		return nil, fmt.Errorf("stt/local: normalise %s: %w", format, err)
	}
	return pcm, nil
}

func score(c *float64) float64 {
	if c == nil {
		return 0
	}
	return *c
}
