// Package audiosocket implements the framing of Asterisk's AudioSocket
// protocol: a TCP stream of messages with a 3-byte header (one kind byte,
// two bytes of big-endian payload length) followed by the payload.
//
// Asterisk opens one connection per call. The first message carries the
// call's UUID; after that the switch streams 20 ms frames of 8 kHz mono
// signed linear PCM and expects playback frames in the same format. A
// hangup is announced with a zero-length terminate message from either
// side.
package audiosocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an AudioSocket message type.
type Kind byte

const (
	// KindHangup terminates the call. Zero-length payload.
	KindHangup Kind = 0x00

	// KindID carries the call's UUID as 16 raw bytes. Always the first
	// message on a connection.
	KindID Kind = 0x01

	// KindDTMF carries one pressed digit as a single ASCII byte.
	KindDTMF Kind = 0x03

	// KindAudio carries signed linear PCM: 16-bit little-endian, 8 kHz,
	// mono. Asterisk sends 20 ms frames.
	KindAudio Kind = 0x10

	// KindError reports a switch-side problem as a single code byte.
	KindError Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "hangup"
	case KindID:
		return "id"
	case KindDTMF:
		return "dtmf"
	case KindAudio:
		return "audio"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// Error codes carried by KindError messages, per Asterisk's res_audiosocket.
const (
	ErrCodeHangup = 0x01
	ErrCodeFrame  = 0x02
	ErrCodeMemory = 0x04
)

// Frame timing of the slin media leg.
const (
	// SampleRate is the media leg's fixed sample rate.
	SampleRate = 8000

	// FrameBytes is one 20 ms frame of 8 kHz 16-bit mono PCM.
	FrameBytes = 320

	// FrameInterval is the wall-clock spacing of media frames.
	FrameInterval = 20 * time.Millisecond
)

// ErrMalformed is returned when a message violates the framing rules.
var ErrMalformed = errors.New("audiosocket: malformed message")

// Message is one framed AudioSocket unit.
type Message struct {
	Kind    Kind
	Payload []byte
}

// ErrorCode returns the code byte of a KindError message, or 0.
func (m Message) ErrorCode() byte {
	if m.Kind != KindError || len(m.Payload) == 0 {
		return 0
	}
	return m.Payload[0]
}

// CallID decodes the UUID payload of a KindID message.
func (m Message) CallID() (string, error) {
	if m.Kind != KindID {
		return "", fmt.Errorf("audiosocket: call id from %s message: %w", m.Kind, ErrMalformed)
	}
	id, err := uuid.FromBytes(m.Payload)
	if err != nil {
		return "", fmt.Errorf("audiosocket: call id: %w", err)
	}
	return id.String(), nil
}

// Read consumes one message from r. It blocks until a full message arrives
// or r fails; a clean EOF before the header is returned as io.EOF.
func Read(r io.Reader) (Message, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("audiosocket: truncated header: %w", ErrMalformed)
		}
		return Message{}, err
	}
	n := binary.BigEndian.Uint16(hdr[1:])
	m := Message{Kind: Kind(hdr[0])}
	if n == 0 {
		return m, nil
	}
	m.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return Message{}, fmt.Errorf("audiosocket: truncated payload (%d bytes expected): %w", n, ErrMalformed)
	}
	return m, nil
}

// Write frames one message onto w in a single Write call, so writes through
// a net.Conn stay whole without extra buffering.
func Write(w io.Writer, m Message) error {
	if len(m.Payload) > 0xffff {
		return fmt.Errorf("audiosocket: payload of %d bytes exceeds frame limit: %w", len(m.Payload), ErrMalformed)
	}
	buf := make([]byte, 3+len(m.Payload))
	buf[0] = byte(m.Kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.Payload)))
	copy(buf[3:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// WriteAudio frames one slin PCM payload onto w.
func WriteAudio(w io.Writer, pcm []byte) error {
	return Write(w, Message{Kind: KindAudio, Payload: pcm})
}

// WriteHangup asks the switch to terminate the call.
func WriteHangup(w io.Writer) error {
	return Write(w, Message{Kind: KindHangup})
}
