package call_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/asterivox/internal/call"
	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/profile"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	"github.com/MrWong99/asterivox/pkg/telephony"

	llmmock "github.com/MrWong99/asterivox/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/asterivox/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/asterivox/pkg/provider/tts/mock"
	telmock "github.com/MrWong99/asterivox/pkg/telephony/mock"
)

// ── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	sttP    *sttmock.Provider
	llmP    *llmmock.Provider
	ttsP    *ttsmock.Provider
	control *telmock.Control
	reader  *sdkmetric.ManualReader
	mgr     *call.Manager
}

// newFixture builds a Manager over mocks with two profiles: "default"
// (no greeting) and "reception" (greets with "Hello").
func newFixture(t *testing.T) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		sttP:    &sttmock.Provider{},
		llmP:    &llmmock.Provider{Reply: "Certainly."},
		ttsP:    &ttsmock.Provider{Chunks: [][]byte{make([]byte, 320)}},
		control: &telmock.Control{},
		reader:  reader,
	}
	reg := profile.NewRegistry(
		profile.Profile{Name: "default"},
		[]profile.Profile{{Name: "reception", Greeting: "Hello"}},
	)
	f.mgr, err = call.NewManager(call.Config{
		STT:      f.sttP,
		LLM:      f.llmP,
		TTS:      f.ttsP,
		Control:  f.control,
		Profiles: reg,
		Resolver: transfer.New(transfer.Config{Directory: map[string]string{"billing": "2002"}}),

		CleanupDeadline: 2 * time.Second,
		Metrics:         met,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(f.mgr.Close)
	return f
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

// activeCallsGauge sums the active-call up-down counter across data points.
func activeCallsGauge(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name != "asterivox.active_calls" {
				continue
			}
			sum, ok := sm.Metrics[i].Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("active_calls is not an int64 sum")
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// ── Config validation ───────────────────────────────────────────────────────

func TestNewManagerRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()

	base := func() call.Config {
		return call.Config{
			STT:      &sttmock.Provider{},
			LLM:      &llmmock.Provider{},
			TTS:      &ttsmock.Provider{},
			Control:  &telmock.Control{},
			Profiles: profile.NewRegistry(profile.Profile{Name: "default"}, nil),
		}
	}

	tests := []struct {
		name   string
		mutate func(*call.Config)
	}{
		{"missing stt", func(c *call.Config) { c.STT = nil }},
		{"missing llm", func(c *call.Config) { c.LLM = nil }},
		{"missing tts", func(c *call.Config) { c.TTS = nil }},
		{"missing control", func(c *call.Config) { c.Control = nil }},
		{"missing profiles", func(c *call.Config) { c.Profiles = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			if _, err := call.NewManager(cfg); err == nil {
				t.Error("NewManager error = nil, want error")
			}
		})
	}

	if _, err := call.NewManager(base()); err != nil {
		t.Errorf("NewManager with complete config: %v", err)
	}
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func TestCallLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "PJSIP/100-00000001", "reception")
	if got := f.mgr.ActiveCalls(); got != 1 {
		t.Fatalf("active calls = %d, want 1", got)
	}
	if got := activeCallsGauge(t, f.reader); got != 1 {
		t.Errorf("active_calls gauge = %d, want 1", got)
	}

	info, ok := f.mgr.Call("call-1")
	if !ok {
		t.Fatal("Call(call-1) not found")
	}
	if info.Profile != "reception" || info.CallerChannel != "PJSIP/100-00000001" {
		t.Errorf("info = %+v, want reception profile on PJSIP channel", info)
	}

	// The reception profile greets as soon as the pipeline is up.
	waitFor(t, 2*time.Second, "greeting playback", func() bool { return f.control.PlayCallCount() == 1 })
	if got := f.ttsP.LastText(); got != "Hello" {
		t.Errorf("greeting = %q, want %q", got, "Hello")
	}

	f.mgr.OnCallEnded("call-1")
	if got := f.mgr.ActiveCalls(); got != 0 {
		t.Fatalf("active calls after hangup = %d, want 0", got)
	}
	if got := activeCallsGauge(t, f.reader); got != 0 {
		t.Errorf("active_calls gauge after hangup = %d, want 0", got)
	}

	// OnCallEnded returns after the pipeline goroutine exits, so the stage
	// releases are visible.
	if got := f.ttsP.ReleaseCalls; len(got) != 1 || got[0] != "call-1" {
		t.Errorf("tts releases = %v, want [call-1]", got)
	}
	if got := f.llmP.ReleaseCalls; len(got) != 1 || got[0] != "call-1" {
		t.Errorf("llm releases = %v, want [call-1]", got)
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "chan-a", "")
	f.mgr.OnCallAnswered("call-1", "chan-b", "")

	if got := f.mgr.ActiveCalls(); got != 1 {
		t.Fatalf("active calls = %d, want 1", got)
	}
	info, _ := f.mgr.Call("call-1")
	if info.CallerChannel != "chan-a" {
		t.Errorf("caller channel = %q, want the first answer's %q", info.CallerChannel, "chan-a")
	}

	waitFor(t, time.Second, "stream open", func() bool { return f.sttP.StartStreamCallCount() >= 1 })
	f.mgr.OnCallEnded("call-1")
	if got := f.sttP.StartStreamCallCount(); got != 1 {
		t.Errorf("streams opened = %d, want 1", got)
	}
}

func TestUnknownProfileFallsBackToDefault(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "chan", "warehouse")
	info, ok := f.mgr.Call("call-1")
	if !ok {
		t.Fatal("Call(call-1) not found")
	}
	if info.Profile != "default" {
		t.Errorf("profile = %q, want %q", info.Profile, "default")
	}
}

func TestOnCallEndedIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "chan", "")
	f.mgr.OnCallEnded("call-1")
	f.mgr.OnCallEnded("call-1")
	f.mgr.OnCallEnded("never-answered")

	if got := f.mgr.ActiveCalls(); got != 0 {
		t.Fatalf("active calls = %d, want 0", got)
	}
	if got := f.ttsP.ReleaseCalls; len(got) != 1 {
		t.Errorf("tts releases = %v, want exactly one", got)
	}
}

func TestPipelineFailureReleasesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sttP.StartStreamErr = stt.ErrModelUnavailable

	f.mgr.OnCallAnswered("call-1", "chan", "")
	waitFor(t, 2*time.Second, "failed session released", func() bool { return f.mgr.ActiveCalls() == 0 })
	if got := activeCallsGauge(t, f.reader); got != 0 {
		t.Errorf("active_calls gauge = %d, want 0", got)
	}
}

func TestConcurrentCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "chan-1", "")
	f.mgr.OnCallAnswered("call-2", "chan-2", "reception")
	f.mgr.OnCallAnswered("call-3", "chan-3", "")

	if got := f.mgr.ActiveCalls(); got != 3 {
		t.Fatalf("active calls = %d, want 3", got)
	}
	if got := len(f.mgr.Calls()); got != 3 {
		t.Fatalf("Calls() = %d entries, want 3", got)
	}

	f.mgr.OnCallEnded("call-2")
	if got := f.mgr.ActiveCalls(); got != 2 {
		t.Fatalf("active calls = %d, want 2", got)
	}
	if _, ok := f.mgr.Call("call-2"); ok {
		t.Error("call-2 still visible after hangup")
	}

	f.mgr.Close()
	if got := f.mgr.ActiveCalls(); got != 0 {
		t.Fatalf("active calls after Close = %d, want 0", got)
	}
}

// ── Hot reload ──────────────────────────────────────────────────────────────

func TestSetProfilesAppliesToNewCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.OnCallAnswered("call-1", "chan-1", "reception")

	f.mgr.SetProfiles(profile.NewRegistry(
		profile.Profile{Name: "default"},
		[]profile.Profile{{Name: "support", Greeting: "Support line"}},
	))

	// The live call keeps the profile it answered with.
	info, _ := f.mgr.Call("call-1")
	if info.Profile != "reception" {
		t.Errorf("live call profile = %q, want reception", info.Profile)
	}

	f.mgr.OnCallAnswered("call-2", "chan-2", "support")
	info, _ = f.mgr.Call("call-2")
	if info.Profile != "support" {
		t.Errorf("new call profile = %q, want support", info.Profile)
	}

	// "reception" is gone from the swapped registry.
	f.mgr.OnCallAnswered("call-3", "chan-3", "reception")
	info, _ = f.mgr.Call("call-3")
	if info.Profile != "default" {
		t.Errorf("removed profile resolved to %q, want default", info.Profile)
	}

	// A nil swap is ignored.
	f.mgr.SetProfiles(nil)
	f.mgr.OnCallAnswered("call-4", "chan-4", "support")
	info, _ = f.mgr.Call("call-4")
	if info.Profile != "support" {
		t.Errorf("profile after nil swap = %q, want support", info.Profile)
	}
}

func TestSetResolverAppliesToNewCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.mgr.SetResolver(transfer.New(transfer.Config{Directory: map[string]string{"sales": "3001"}}))
	f.mgr.OnCallAnswered("call-1", "chan", "")

	if err := f.mgr.Transfer(context.Background(), "call-1", "sales"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := f.control.RedirectCalls[0].Target; got != "3001" {
		t.Errorf("redirect target = %q, want 3001 from the swapped directory", got)
	}
}

// ── Audio routing ───────────────────────────────────────────────────────────

func TestOnCallerAudioRoutesToSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var mu sync.Mutex
	sessions := make(map[string]*sttmock.Session)
	f.sttP.StartStreamFunc = func(_ context.Context, callID string, _ stt.StreamConfig) (stt.SessionHandle, error) {
		s := sttmock.NewSession()
		mu.Lock()
		sessions[callID] = s
		mu.Unlock()
		return s, nil
	}

	f.mgr.OnCallAnswered("call-1", "chan-1", "")
	f.mgr.OnCallAnswered("call-2", "chan-2", "")

	frame := make([]byte, 320)
	waitFor(t, time.Second, "frame routed to call-1", func() bool {
		f.mgr.OnCallerAudio("call-1", frame)
		mu.Lock()
		s := sessions["call-1"]
		mu.Unlock()
		return s != nil && s.SendAudioCallCount() > 0
	})

	mu.Lock()
	other := sessions["call-2"]
	mu.Unlock()
	if other != nil && other.SendAudioCallCount() != 0 {
		t.Error("call-2 received call-1's audio")
	}

	// Frames racing a hangup are dropped, not fatal.
	f.mgr.OnCallerAudio("ghost", frame)
}

// ── Transfer ────────────────────────────────────────────────────────────────

func TestTransferReleasesSessionOnSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mgr.OnCallAnswered("call-1", "chan", "")

	if err := f.mgr.Transfer(context.Background(), "call-1", "billing please"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(f.control.RedirectCalls) != 1 {
		t.Fatalf("redirects = %d, want 1", len(f.control.RedirectCalls))
	}
	if got := f.control.RedirectCalls[0]; got.CallID != "call-1" || got.Target != "2002" {
		t.Errorf("redirect = %+v, want call-1 -> 2002", got)
	}
	if got := f.mgr.ActiveCalls(); got != 0 {
		t.Errorf("active calls after transfer = %d, want 0", got)
	}
}

func TestTransferMissKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mgr.OnCallAnswered("call-1", "chan", "")

	err := f.mgr.Transfer(context.Background(), "call-1", "the moon")
	if !errors.Is(err, transfer.ErrNoTarget) {
		t.Fatalf("Transfer error = %v, want ErrNoTarget", err)
	}
	if got := f.mgr.ActiveCalls(); got != 1 {
		t.Errorf("active calls = %d, want 1 (call must survive a miss)", got)
	}
}

func TestTransferRedirectFailureReleasesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.control.RedirectErr = errors.New("dialplan rejected the redirect")
	f.mgr.OnCallAnswered("call-1", "chan", "")

	err := f.mgr.Transfer(context.Background(), "call-1", "billing")
	if err == nil {
		t.Fatal("Transfer error = nil, want error")
	}
	if errors.Is(err, transfer.ErrNoTarget) {
		t.Fatal("redirect failure must not look like a resolution miss")
	}
	if got := f.mgr.ActiveCalls(); got != 0 {
		t.Errorf("active calls = %d, want 0 (failed transfer ends the call)", got)
	}
}

func TestTransferUnknownCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.mgr.Transfer(context.Background(), "ghost", "billing")
	if !errors.Is(err, telephony.ErrUnknownCall) {
		t.Fatalf("Transfer error = %v, want ErrUnknownCall", err)
	}
}
