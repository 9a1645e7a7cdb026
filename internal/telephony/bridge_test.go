package telephony

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/asterivox/internal/telephony/audiosocket"
	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/telephony"
)

// ── Fixture ──

type answeredCall struct {
	callID  string
	channel string
	profile string
}

type recordingHandler struct {
	mu       sync.Mutex
	answered []answeredCall
	frames   map[string][][]byte
	ended    map[string]int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		frames: make(map[string][][]byte),
		ended:  make(map[string]int),
	}
}

func (h *recordingHandler) OnCallAnswered(callID, callerChannel, profile string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answered = append(h.answered, answeredCall{callID, callerChannel, profile})
}

func (h *recordingHandler) OnCallerAudio(callID string, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[callID] = append(h.frames[callID], append([]byte(nil), frame...))
}

func (h *recordingHandler) OnCallEnded(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended[callID]++
}

func (h *recordingHandler) answeredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.answered)
}

func (h *recordingHandler) answeredAt(i int) answeredCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.answered[i]
}

func (h *recordingHandler) framesFor(callID string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames[callID]))
	copy(out, h.frames[callID])
	return out
}

func (h *recordingHandler) frameCount(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames[callID])
}

func (h *recordingHandler) endedCount(callID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended[callID]
}

// fakeManager is an in-memory Manager.
type fakeManager struct {
	mu          sync.Mutex
	vars        map[string]string
	getvarErr   error
	redirectErr error
	redirects   [][3]string
}

func newFakeManager() *fakeManager {
	return &fakeManager{vars: make(map[string]string)}
}

func (f *fakeManager) setVar(name, value string) {
	f.mu.Lock()
	f.vars[name] = value
	f.mu.Unlock()
}

func (f *fakeManager) Getvar(ctx context.Context, channel, variable string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getvarErr != nil {
		return "", f.getvarErr
	}
	return f.vars[variable], nil
}

func (f *fakeManager) Redirect(ctx context.Context, channel, dialplanContext, exten string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirectErr != nil {
		return f.redirectErr
	}
	f.redirects = append(f.redirects, [3]string{channel, dialplanContext, exten})
	return nil
}

func (f *fakeManager) redirectCalls() [][3]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][3]string, len(f.redirects))
	copy(out, f.redirects)
	return out
}

type fixture struct {
	t       *testing.T
	handler *recordingHandler
	manager *fakeManager
	bridge  *Bridge

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	serveErr error
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	h := newRecordingHandler()
	m := newFakeManager()
	cfg := Config{
		ListenAddr:      "127.0.0.1:0",
		Profile:         "reception",
		Handler:         h,
		AMI:             m,
		DialplanContext: "asterivox-transfer",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx) }()

	f := &fixture{t: t, handler: h, manager: m, bridge: b, cancel: cancel, done: done}
	t.Cleanup(func() { f.stop() })
	return f
}

// stop cancels Serve and returns its error. Safe to call more than once.
func (f *fixture) stop() error {
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case f.serveErr = <-f.done:
		case <-time.After(5 * time.Second):
			f.t.Error("bridge did not stop within deadline")
		}
	})
	return f.serveErr
}

// switchLeg is the Asterisk side of one AudioSocket connection.
type switchLeg struct {
	t    *testing.T
	conn net.Conn
	id   uuid.UUID
}

func (f *fixture) dialCall(t *testing.T) *switchLeg {
	return f.dialCallID(t, uuid.New())
}

func (f *fixture) dialCallID(t *testing.T, id uuid.UUID) *switchLeg {
	t.Helper()
	conn, err := net.Dial("tcp", f.bridge.Addr().String())
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := audiosocket.Write(conn, audiosocket.Message{Kind: audiosocket.KindID, Payload: id[:]}); err != nil {
		t.Fatalf("send call id: %v", err)
	}
	return &switchLeg{t: t, conn: conn, id: id}
}

func (s *switchLeg) callID() string { return s.id.String() }

func (s *switchLeg) sendAudio(frame []byte) {
	s.t.Helper()
	if err := audiosocket.WriteAudio(s.conn, frame); err != nil {
		s.t.Fatalf("send audio: %v", err)
	}
}

func (s *switchLeg) hangup() {
	s.t.Helper()
	if err := audiosocket.WriteHangup(s.conn); err != nil {
		s.t.Fatalf("send hangup: %v", err)
	}
}

func (s *switchLeg) read(timeout time.Duration) (audiosocket.Message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})
	return audiosocket.Read(s.conn)
}

// collectAudio reads frames until wantBytes of audio arrived.
func (s *switchLeg) collectAudio(wantBytes int, timeout time.Duration) [][]byte {
	s.t.Helper()
	var frames [][]byte
	total := 0
	deadline := time.Now().Add(timeout)
	for total < wantBytes {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.t.Fatalf("collected %d of %d playback bytes before the deadline", total, wantBytes)
		}
		msg, err := s.read(remaining)
		if err != nil {
			s.t.Fatalf("read playback: %v (%d of %d bytes)", err, total, wantBytes)
		}
		if msg.Kind != audiosocket.KindAudio {
			continue
		}
		frames = append(frames, msg.Payload)
		total += len(msg.Payload)
	}
	return frames
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── Config validation ──

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	handler := newRecordingHandler()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing listen address", Config{Handler: handler}},
		{"missing handler", Config{ListenAddr: "127.0.0.1:0"}},
		{"ami without dialplan context", Config{ListenAddr: "127.0.0.1:0", Handler: handler, AMI: newFakeManager()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() accepted an incomplete config")
			}
		})
	}

	if _, err := New(Config{ListenAddr: "127.0.0.1:0", Handler: handler}); err != nil {
		t.Errorf("New() rejected a valid config: %v", err)
	}
}

func TestServeRequiresListen(t *testing.T) {
	t.Parallel()

	b, err := New(Config{ListenAddr: "127.0.0.1:0", Handler: newRecordingHandler()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Serve(context.Background()); err == nil {
		t.Fatal("Serve() before Listen() succeeded")
	}
}

// ── Call lifecycle ──

func TestCallAnswerAndCallerAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)

	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})
	ans := f.handler.answeredAt(0)
	if ans.callID != leg.callID() {
		t.Errorf("callID = %q, want %q", ans.callID, leg.callID())
	}
	if ans.profile != "reception" {
		t.Errorf("profile = %q, want reception", ans.profile)
	}
	if ans.channel == "" {
		t.Error("caller channel is empty")
	}

	frameA := bytes.Repeat([]byte{0x01}, audiosocket.FrameBytes)
	frameB := bytes.Repeat([]byte{0x02}, audiosocket.FrameBytes)
	leg.sendAudio(frameA)
	leg.sendAudio(frameB)
	waitFor(t, 2*time.Second, "caller audio", func() bool {
		return f.handler.frameCount(leg.callID()) == 2
	})
	got := f.handler.framesFor(leg.callID())
	if !bytes.Equal(got[0], frameA) || !bytes.Equal(got[1], frameB) {
		t.Error("caller frames arrived out of order or mangled")
	}

	leg.hangup()
	waitFor(t, 2*time.Second, "call ended", func() bool {
		return f.handler.endedCount(leg.callID()) == 1
	})
}

func TestCallerDisconnectEndsCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	leg.conn.Close()
	waitFor(t, 2*time.Second, "call ended", func() bool {
		return f.handler.endedCount(leg.callID()) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := f.handler.endedCount(leg.callID()); got != 1 {
		t.Errorf("OnCallEnded fired %d times, want 1", got)
	}
}

func TestConnectionWithoutIDIsDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	conn, err := net.Dial("tcp", f.bridge.Addr().String())
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Audio before the ID message violates the handshake.
	if err := audiosocket.WriteAudio(conn, make([]byte, audiosocket.FrameBytes)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := audiosocket.Read(conn); err == nil {
		t.Fatal("bridge kept an unidentified connection open")
	}
	if got := f.handler.answeredCount(); got != 0 {
		t.Errorf("answered = %d, want 0", got)
	}
}

func TestDuplicateCallIDRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	id := uuid.New()
	first := f.dialCallID(t, id)
	waitFor(t, 2*time.Second, "first leg answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	second := f.dialCallID(t, id)
	if _, err := second.read(2 * time.Second); err == nil {
		t.Fatal("duplicate leg kept open")
	}

	// The original leg keeps flowing and was not ended by the rejection.
	first.sendAudio(make([]byte, audiosocket.FrameBytes))
	waitFor(t, 2*time.Second, "audio on the first leg", func() bool {
		return f.handler.frameCount(id.String()) == 1
	})
	if got := f.handler.answeredCount(); got != 1 {
		t.Errorf("answered = %d, want 1", got)
	}
	if got := f.handler.endedCount(id.String()); got != 0 {
		t.Errorf("ended = %d, want 0", got)
	}
}

// ── Playback ──

func TestPlayPacesFramesOnTheWire(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	pcm := make([]byte, 4*audiosocket.FrameBytes)
	for i := range pcm {
		pcm[i] = byte(i * 7)
	}
	ulaw := audio.PCM16ToMulaw(pcm)
	stream := make(chan []byte, 4)
	for off := 0; off < len(ulaw); off += len(ulaw) / 4 {
		stream <- ulaw[off : off+len(ulaw)/4]
	}
	close(stream)

	start := time.Now()
	streamID, err := f.bridge.Play(leg.callID(), stream)
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if !strings.HasPrefix(streamID, leg.callID()+"/") {
		t.Errorf("streamID = %q, want %q prefix", streamID, leg.callID()+"/")
	}

	frames := leg.collectAudio(4*audiosocket.FrameBytes, 3*time.Second)
	elapsed := time.Since(start)
	for i, fr := range frames {
		if len(fr) != audiosocket.FrameBytes {
			t.Errorf("frame %d = %d bytes, want %d", i, len(fr), audiosocket.FrameBytes)
		}
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("four frames arrived in %v, want paced delivery", elapsed)
	}

	want := audio.MulawToPCM16(ulaw)
	var got []byte
	for _, fr := range frames {
		got = append(got, fr...)
	}
	if !bytes.Equal(got, want) {
		t.Error("played audio does not match the transcoded source")
	}
}

func TestPlayPadsFinalFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	chunk := audio.PCM16ToMulaw(bytes.Repeat([]byte{0x10, 0x00}, 50))
	stream := make(chan []byte, 1)
	stream <- chunk
	close(stream)

	if _, err := f.bridge.Play(leg.callID(), stream); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	frames := leg.collectAudio(audiosocket.FrameBytes, 2*time.Second)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	want := audio.MulawToPCM16(chunk)
	if !bytes.Equal(frames[0][:len(want)], want) {
		t.Error("frame head does not match the transcoded chunk")
	}
	for _, b := range frames[0][len(want):] {
		if b != 0 {
			t.Fatal("frame tail is not padded with silence")
		}
	}
}

func TestTruncatePlaybackStopsTheStream(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	stream := make(chan []byte, 50)
	for i := 0; i < 50; i++ {
		stream <- make([]byte, audiosocket.FrameBytes)
	}
	close(stream)

	if _, err := f.bridge.Play(leg.callID(), stream); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	_ = leg.collectAudio(2*audiosocket.FrameBytes, 2*time.Second)

	if err := f.bridge.TruncatePlayback(leg.callID()); err != nil {
		t.Fatalf("TruncatePlayback() error = %v", err)
	}

	// The producer side is drained so its close never wedges.
	waitFor(t, 2*time.Second, "stream drained", func() bool {
		return len(stream) == 0
	})

	// The wire goes quiet after at most a few in-flight frames.
	quiet := time.Now().Add(300 * time.Millisecond)
	extra := 0
	for time.Now().Before(quiet) {
		msg, err := leg.read(time.Until(quiet))
		if err != nil {
			break
		}
		if msg.Kind == audiosocket.KindAudio {
			extra++
		}
	}
	if extra > 3 {
		t.Errorf("%d frames arrived after truncation", extra)
	}
}

func TestNewPlaybackSupersedesThePrevious(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	// Long, quiet first playback.
	first := make(chan []byte, 50)
	for i := 0; i < 50; i++ {
		first <- audio.PCM16ToMulaw(make([]byte, audiosocket.FrameBytes))
	}
	close(first)
	firstID, err := f.bridge.Play(leg.callID(), first)
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	_ = leg.collectAudio(audiosocket.FrameBytes, 2*time.Second)

	// Short, loud second playback takes over mid-stream.
	loud := audio.PCM16ToMulaw(bytes.Repeat([]byte{0x00, 0x40}, audiosocket.FrameBytes/2))
	second := make(chan []byte, 1)
	second <- loud
	close(second)
	secondID, err := f.bridge.Play(leg.callID(), second)
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if secondID == firstID {
		t.Errorf("stream nonces collide: %q", secondID)
	}

	waitFor(t, 2*time.Second, "first stream drained", func() bool {
		return len(first) == 0
	})

	wantFrame := audio.MulawToPCM16(loud)[:audiosocket.FrameBytes]
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("second playback never reached the wire")
		}
		msg, err := leg.read(time.Until(deadline))
		if err != nil {
			t.Fatalf("read playback: %v", err)
		}
		if msg.Kind == audiosocket.KindAudio && bytes.Equal(msg.Payload, wantFrame) {
			break
		}
	}
}

func TestPlayUnknownCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if _, err := f.bridge.Play("ghost", make(chan []byte)); !errors.Is(err, telephony.ErrUnknownCall) {
		t.Errorf("Play() error = %v, want ErrUnknownCall", err)
	}
	if err := f.bridge.TruncatePlayback("ghost"); !errors.Is(err, telephony.ErrUnknownCall) {
		t.Errorf("TruncatePlayback() error = %v, want ErrUnknownCall", err)
	}
}

// ── Redirect ──

func TestRedirectLooksUpChannelAndMoves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})
	f.manager.setVar("ASTERIVOX_"+leg.callID(), "PJSIP/100-00000001")

	if err := f.bridge.Redirect(leg.callID(), "2002"); err != nil {
		t.Fatalf("Redirect() error = %v", err)
	}

	calls := f.manager.redirectCalls()
	if len(calls) != 1 {
		t.Fatalf("redirects = %d, want 1", len(calls))
	}
	want := [3]string{"PJSIP/100-00000001", "asterivox-transfer", "2002"}
	if calls[0] != want {
		t.Errorf("redirect = %v, want %v", calls[0], want)
	}
}

func TestRedirectUnknownCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	if err := f.bridge.Redirect("ghost", "2002"); !errors.Is(err, telephony.ErrUnknownCall) {
		t.Errorf("Redirect() error = %v, want ErrUnknownCall", err)
	}
}

func TestRedirectUnregisteredChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	err := f.bridge.Redirect(leg.callID(), "2002")
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Errorf("Redirect() error = %v, want a registration failure", err)
	}
}

func TestRedirectManagerFailures(t *testing.T) {
	t.Parallel()

	managerDown := errors.New("manager down")
	t.Run("getvar error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		leg := f.dialCall(t)
		waitFor(t, 2*time.Second, "call answered", func() bool {
			return f.handler.answeredCount() == 1
		})
		f.manager.getvarErr = managerDown
		if err := f.bridge.Redirect(leg.callID(), "2002"); !errors.Is(err, managerDown) {
			t.Errorf("Redirect() error = %v, want the manager failure", err)
		}
	})
	t.Run("redirect error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, nil)
		leg := f.dialCall(t)
		waitFor(t, 2*time.Second, "call answered", func() bool {
			return f.handler.answeredCount() == 1
		})
		f.manager.setVar("ASTERIVOX_"+leg.callID(), "PJSIP/100-00000001")
		f.manager.redirectErr = managerDown
		if err := f.bridge.Redirect(leg.callID(), "2002"); !errors.Is(err, managerDown) {
			t.Errorf("Redirect() error = %v, want the manager failure", err)
		}
	})
}

func TestRedirectWithoutManager(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.AMI = nil
		cfg.DialplanContext = ""
	})
	leg := f.dialCall(t)
	waitFor(t, 2*time.Second, "call answered", func() bool {
		return f.handler.answeredCount() == 1
	})

	err := f.bridge.Redirect(leg.callID(), "2002")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("Redirect() error = %v, want a configuration failure", err)
	}
}

// ── Shutdown ──

func TestCloseHangsUpLiveLegs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	legA := f.dialCall(t)
	legB := f.dialCall(t)
	waitFor(t, 2*time.Second, "both calls answered", func() bool {
		return f.handler.answeredCount() == 2
	})

	if err := f.stop(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	for _, leg := range []*switchLeg{legA, legB} {
		msg, err := leg.read(2 * time.Second)
		if err != nil {
			t.Fatalf("read after close: %v", err)
		}
		if msg.Kind != audiosocket.KindHangup {
			t.Errorf("kind = %s, want hangup", msg.Kind)
		}
	}

	// Serve's shutdown waits for the connection goroutines, so the end
	// events are already recorded.
	for _, leg := range []*switchLeg{legA, legB} {
		if got := f.handler.endedCount(leg.callID()); got != 1 {
			t.Errorf("ended(%s) = %d, want 1", leg.callID(), got)
		}
	}
}
