package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/profile"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/internal/turn"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/provider/stt"

	llmmock "github.com/MrWong99/asterivox/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/asterivox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/asterivox/pkg/provider/tts/mock"
	telmock "github.com/MrWong99/asterivox/pkg/telephony/mock"
)

// ── Test fixture ────────────────────────────────────────────────────────────

type fixture struct {
	sess    *sttmock.Session
	sttP    *sttmock.Provider
	llmP    *llmmock.Provider
	ttsP    *ttsmock.Provider
	control *telmock.Control
	coord   *turn.Coordinator
	reader  *sdkmetric.ManualReader
	pipe    *Pipeline

	cancel  context.CancelFunc
	done    chan error
	stopped bool
	runErr  error
}

// newFixture assembles a pipeline around mocks. The LLM answers "Certainly."
// and the TTS produces a single 40 ms chunk unless a test reconfigures them
// before start.
func newFixture(t *testing.T, prof profile.Profile, res *transfer.Resolver) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sess := sttmock.NewSession()
	f := &fixture{
		sess:    sess,
		sttP:    &sttmock.Provider{Session: sess},
		llmP:    &llmmock.Provider{Reply: "Certainly."},
		ttsP:    &ttsmock.Provider{Chunks: [][]byte{make([]byte, 320)}},
		control: &telmock.Control{},
		coord:   turn.New("call-1", turn.Config{}),
		reader:  reader,
	}
	f.pipe, err = New(Config{
		CallID:      "call-1",
		Profile:     prof,
		STT:         f.sttP,
		LLM:         f.llmP,
		TTS:         f.ttsP,
		Control:     f.control,
		Coordinator: f.coord,
		Resolver:    res,
		Metrics:     met,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.pipe.Run(ctx) }()
	t.Cleanup(func() { f.stop(t) })
}

// stop cancels the run context and waits for Run to return. Idempotent; it
// reports the first Run error on every call.
func (f *fixture) stop(t *testing.T) error {
	t.Helper()
	if f.stopped {
		return f.runErr
	}
	f.stopped = true
	f.cancel()
	select {
	case f.runErr = <-f.done:
	case <-time.After(5 * time.Second):
		t.Error("pipeline did not stop within 5s")
	}
	return f.runErr
}

// counter collects current metrics and returns the int64 counter data point
// whose attributes contain key=value, or -1 when absent.
func (f *fixture) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != name {
				continue
			}
			sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == key && kv.Value.AsString() == value {
						return dp.Value
					}
				}
			}
		}
	}
	return -1
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

func awaitPlayback(t *testing.T, pc *telmock.PlayCall) {
	t.Helper()
	select {
	case <-pc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not finish")
	}
}

// settle gives the run loop time to pass its post-playback drain so a final
// emitted next is seen as fresh, not as one queued during playback.
func settle() { time.Sleep(100 * time.Millisecond) }

func chunksOf(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
	}
	return out
}

// ── Config validation ───────────────────────────────────────────────────────

func TestNewRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			CallID:      "call-1",
			STT:         &sttmock.Provider{},
			LLM:         &llmmock.Provider{},
			TTS:         &ttsmock.Provider{},
			Control:     &telmock.Control{},
			Coordinator: turn.New("call-1", turn.Config{}),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing call id", func(c *Config) { c.CallID = "" }},
		{"missing stt", func(c *Config) { c.STT = nil }},
		{"missing llm", func(c *Config) { c.LLM = nil }},
		{"missing tts", func(c *Config) { c.TTS = nil }},
		{"missing control", func(c *Config) { c.Control = nil }},
		{"missing coordinator", func(c *Config) { c.Coordinator = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New error = nil, want error")
			}
		})
	}

	if _, err := New(base()); err != nil {
		t.Errorf("New with complete config: %v", err)
	}
}

// ── Conversation loop ───────────────────────────────────────────────────────

func TestGreetingThenTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception", Greeting: "Hello"}, nil)
	f.llmP.Reply = "It is noon."
	f.start(t)

	// The greeting plays before any caller speech.
	waitFor(t, 2*time.Second, "greeting playback", func() bool { return f.control.PlayCallCount() == 1 })
	awaitPlayback(t, f.control.LastPlay())
	if got := f.control.LastPlay().Bytes(); got != 320 {
		t.Errorf("greeting bytes = %d, want 320", got)
	}
	if f.llmP.GenerateCallCount() != 0 {
		t.Error("greeting must not invoke the generator")
	}
	settle()

	// One caller turn: final in, one reply out.
	f.sess.EmitFinal("what is the time", 0.92)
	waitFor(t, 2*time.Second, "reply playback", func() bool { return f.control.PlayCallCount() == 2 })
	awaitPlayback(t, f.control.LastPlay())

	if got := f.llmP.GenerateCallCount(); got != 1 {
		t.Fatalf("generator calls = %d, want 1", got)
	}
	if got := f.llmP.LastTranscript(); got != "what is the time" {
		t.Errorf("transcript = %q, want %q", got, "what is the time")
	}
	if got := f.ttsP.LastText(); got != "It is noon." {
		t.Errorf("synthesised text = %q, want %q", got, "It is noon.")
	}
	waitFor(t, time.Second, "coordinator idle", func() bool {
		return f.coord.Snapshot().State == turn.StateIdle && !f.coord.Gated()
	})

	// A second turn carries the greeting and the first exchange as history.
	settle()
	f.sess.EmitFinal("thanks", 0.9)
	waitFor(t, 2*time.Second, "second reply", func() bool { return f.llmP.GenerateCallCount() == 2 })
	f.stop(t)

	hist := f.llmP.GenerateCalls[1].Opts.History
	want := []llm.Message{
		{Role: llm.RoleAssistant, Content: "Hello"},
		{Role: llm.RoleUser, Content: "what is the time"},
		{Role: llm.RoleAssistant, Content: "It is noon."},
	}
	if len(hist) != len(want) {
		t.Fatalf("history length = %d, want %d", len(hist), len(want))
	}
	for i := range want {
		if hist[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, hist[i], want[i])
		}
	}
}

func TestEmptyFinalsDoNotTriggerGenerator(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.start(t)

	f.sess.EmitFinal("", 0)
	f.sess.EmitFinal("   ", 0.4)
	f.sess.EmitFinal("hello there", 0.9)

	waitFor(t, 2*time.Second, "real final handled", func() bool { return f.llmP.GenerateCallCount() == 1 })
	if got := f.llmP.LastTranscript(); got != "hello there" {
		t.Errorf("transcript = %q, want %q", got, "hello there")
	}
	waitFor(t, 2*time.Second, "reply playback", func() bool { return f.control.PlayCallCount() == 1 })
}

func TestGenerateFailureSpeaksFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	var calls atomic.Int32
	f.llmP.GenerateFunc = func(context.Context, string, string, llm.Options) (string, error) {
		if calls.Add(1) == 1 {
			return "", llm.ErrTimeout
		}
		return "Back to normal.", nil
	}
	f.start(t)

	f.sess.EmitFinal("hello", 0.9)
	waitFor(t, 2*time.Second, "fallback playback", func() bool { return f.control.PlayCallCount() == 1 })
	awaitPlayback(t, f.control.LastPlay())
	if got := f.ttsP.LastText(); got != fallbackReply {
		t.Errorf("synthesised text = %q, want fallback %q", got, fallbackReply)
	}
	waitFor(t, time.Second, "fallback counter", func() bool {
		return f.counter(t, "asterivox.llm.fallback_replies", "profile", "reception") == 1
	})

	// The next turn succeeds normally.
	settle()
	f.sess.EmitFinal("are you there", 0.9)
	waitFor(t, 2*time.Second, "recovered reply", func() bool { return f.control.PlayCallCount() == 2 })
	awaitPlayback(t, f.control.LastPlay())
	if got := f.ttsP.LastText(); got != "Back to normal." {
		t.Errorf("synthesised text = %q, want %q", got, "Back to normal.")
	}
}

func TestBargeInTruncatesPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.ttsP.Chunks = chunksOf(50, 320)
	f.ttsP.ChunkDelay = 10 * time.Millisecond
	f.start(t)

	f.sess.EmitFinal("tell me everything", 0.9)
	waitFor(t, 2*time.Second, "agent speaking", func() bool { return f.coord.Gated() })

	f.sess.EmitPartial("stop")
	waitFor(t, time.Second, "playback truncated", func() bool { return f.control.TruncateCallCount() == 1 })
	waitFor(t, time.Second, "coordinator settled", func() bool {
		return f.coord.Snapshot().State == turn.StateIdle && !f.coord.Gated()
	})
	if got := f.counter(t, "asterivox.barge_ins", "profile", "reception"); got != 1 {
		t.Errorf("barge-ins = %d, want 1", got)
	}
	awaitPlayback(t, f.control.LastPlay())
	if got := len(f.control.LastPlay().Chunks()); got >= 50 {
		t.Errorf("played %d chunks, want fewer than 50 after truncation", got)
	}

	// The next final is immediately actionable.
	f.sess.EmitFinal("what is your name", 0.9)
	waitFor(t, 2*time.Second, "post-barge turn", func() bool { return f.llmP.GenerateCallCount() == 2 })
	if got := f.llmP.LastTranscript(); got != "what is your name" {
		t.Errorf("transcript = %q, want %q", got, "what is your name")
	}
}

func TestStaleFinalsAreDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.ttsP.Chunks = chunksOf(30, 320)
	f.ttsP.ChunkDelay = 10 * time.Millisecond
	f.start(t)

	f.sess.EmitFinal("first question", 0.9)
	waitFor(t, 2*time.Second, "agent speaking", func() bool { return f.coord.Gated() })

	// Lands on the queue while the reply is playing; no barge-in follows.
	f.sess.EmitFinal("second question", 0.9)

	awaitPlayback(t, f.control.LastPlay())
	waitFor(t, 2*time.Second, "stale final suppressed", func() bool {
		return f.counter(t, "asterivox.stt.suppressed_finals", "profile", "reception") == 1
	})
	if got := f.llmP.GenerateCallCount(); got != 1 {
		t.Fatalf("generator calls = %d, want 1 (stale final must not reply)", got)
	}

	f.sess.EmitFinal("third question", 0.9)
	waitFor(t, 2*time.Second, "third final handled", func() bool { return f.llmP.GenerateCallCount() == 2 })
	if got := f.llmP.LastTranscript(); got != "third question" {
		t.Errorf("transcript = %q, want %q", got, "third question")
	}
}

func TestStreamReopensAfterDrop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)

	sess2 := sttmock.NewSession()
	var opens atomic.Int32
	f.sttP.StartStreamFunc = func(_ context.Context, _ string, _ stt.StreamConfig) (stt.SessionHandle, error) {
		if opens.Add(1) == 1 {
			return f.sess, nil
		}
		return sess2, nil
	}
	f.start(t)

	waitFor(t, time.Second, "first stream open", func() bool { return f.sttP.StartStreamCallCount() == 1 })

	// The back-end drops the stream mid-call.
	f.sess.Close()
	waitFor(t, 3*time.Second, "stream reopened", func() bool { return f.sttP.StartStreamCallCount() == 2 })
	waitFor(t, time.Second, "reconnect counter", func() bool {
		return f.counter(t, "asterivox.reconnects", "kind", "stt_stream") == 1
	})

	// The new stream carries the conversation; nothing is replayed.
	sess2.EmitFinal("still there", 0.9)
	waitFor(t, 2*time.Second, "post-reopen turn", func() bool { return f.llmP.GenerateCallCount() == 1 })
	if got := f.llmP.LastTranscript(); got != "still there" {
		t.Errorf("transcript = %q, want %q", got, "still there")
	}
}

func TestRunFailsWhenStreamCannotOpen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.sttP.Session = nil
	f.sttP.StartStreamErr = stt.ErrModelUnavailable

	err := f.pipe.Run(context.Background())
	if !errors.Is(err, stt.ErrModelUnavailable) {
		t.Fatalf("Run error = %v, want ErrModelUnavailable", err)
	}
}

// ── Inbound audio ───────────────────────────────────────────────────────────

func TestHandleCallerAudioForwardsFrames(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.start(t)

	// Frames arriving before the stream is stored are dropped, so feed until
	// one lands.
	frame := make([]byte, 320)
	waitFor(t, time.Second, "frame forwarded", func() bool {
		f.pipe.HandleCallerAudio(frame)
		return f.sess.SendAudioCallCount() > 0
	})

	before := f.sess.SendAudioCallCount()
	f.pipe.HandleCallerAudio(nil)
	if got := f.sess.SendAudioCallCount(); got != before {
		t.Errorf("empty frame was forwarded: calls = %d, want %d", got, before)
	}

	f.stop(t)
	if got := f.sess.SendAudioCalls[0].Format; got != stt.FormatPCM8K {
		t.Errorf("format = %q, want %q", got, stt.FormatPCM8K)
	}
}

// ── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdownReleasesStages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)
	f.start(t)
	waitFor(t, time.Second, "stream open", func() bool { return f.sttP.StartStreamCallCount() == 1 })

	if err := f.stop(t); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if got := f.ttsP.ReleaseCalls; len(got) != 1 || got[0] != "call-1" {
		t.Errorf("tts releases = %v, want [call-1]", got)
	}
	if got := f.llmP.ReleaseCalls; len(got) != 1 || got[0] != "call-1" {
		t.Errorf("llm releases = %v, want [call-1]", got)
	}
	if f.sess.CloseCallCount == 0 {
		t.Error("transcription session was not closed")
	}
}

// ── Transfer ────────────────────────────────────────────────────────────────

func TestTransferRedirectsCall(t *testing.T) {
	t.Parallel()
	res := transfer.New(transfer.Config{Directory: map[string]string{"billing": "2002"}})
	f := newFixture(t, profile.Profile{Name: "reception"}, res)

	if err := f.pipe.Transfer(context.Background(), "connect me to billing please"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(f.control.RedirectCalls) != 1 {
		t.Fatalf("redirects = %d, want 1", len(f.control.RedirectCalls))
	}
	if got := f.control.RedirectCalls[0]; got.CallID != "call-1" || got.Target != "2002" {
		t.Errorf("redirect = %+v, want call-1 -> 2002", got)
	}
	if got := f.ttsP.LastText(); got != transferAnnounce {
		t.Errorf("announcement = %q, want %q", got, transferAnnounce)
	}
	if got := f.counter(t, "asterivox.transfers", "status", "ok"); got != 1 {
		t.Errorf("ok transfers = %d, want 1", got)
	}
}

func TestTransferRedirectFailureIsFatal(t *testing.T) {
	t.Parallel()
	res := transfer.New(transfer.Config{Directory: map[string]string{"billing": "2002"}})
	f := newFixture(t, profile.Profile{Name: "reception"}, res)
	f.control.RedirectErr = errors.New("dialplan rejected the redirect")

	err := f.pipe.Transfer(context.Background(), "billing")
	if err == nil {
		t.Fatal("Transfer error = nil, want error")
	}
	if errors.Is(err, transfer.ErrNoTarget) {
		t.Fatal("redirect failure must not look like a resolution miss")
	}
	if got := f.ttsP.LastText(); got != transferFailedReply {
		t.Errorf("apology = %q, want %q", got, transferFailedReply)
	}
	if got := f.counter(t, "asterivox.transfers", "status", "error"); got != 1 {
		t.Errorf("failed transfers = %d, want 1", got)
	}
}

func TestTransferWithoutTargetKeepsCallAlive(t *testing.T) {
	t.Parallel()
	res := transfer.New(transfer.Config{Directory: map[string]string{"billing": "2002"}})
	f := newFixture(t, profile.Profile{Name: "reception"}, res)

	err := f.pipe.Transfer(context.Background(), "the department of mysteries")
	if !errors.Is(err, transfer.ErrNoTarget) {
		t.Fatalf("Transfer error = %v, want ErrNoTarget", err)
	}
	if len(f.control.RedirectCalls) != 0 {
		t.Errorf("redirects = %d, want 0", len(f.control.RedirectCalls))
	}
	if got := f.ttsP.SynthesizeCallCount(); got != 0 {
		t.Errorf("synth calls = %d, want 0", got)
	}
}

func TestTransferWithoutResolver(t *testing.T) {
	t.Parallel()
	f := newFixture(t, profile.Profile{Name: "reception"}, nil)

	if err := f.pipe.Transfer(context.Background(), "billing"); !errors.Is(err, transfer.ErrNoTarget) {
		t.Fatalf("Transfer error = %v, want ErrNoTarget", err)
	}
}
