package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/asterivox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/asterivox/pkg/provider/tts/mock"
)

func drain(t *testing.T, stream <-chan []byte) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-time.After(time.Second):
			t.Fatal("timed out draining stream")
		}
	}
}

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
	secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("other")}}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	stream, err := fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{Voice: "amy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 2 || !bytes.Equal(chunks[0], []byte("audio1")) {
		t.Fatalf("got chunks %q, want the primary's", chunks)
	}
	if secondary.SynthesizeCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.SynthesizeCallCount())
	}
	if got := primary.SynthesizeCalls[0]; got.CallID != "call-1" || got.Opts.Voice != "amy" {
		t.Errorf("primary saw callID=%q voice=%q", got.CallID, got.Opts.Voice)
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("fallback audio")}}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	stream, err := fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 1 || !bytes.Equal(chunks[0], []byte("fallback audio")) {
		t.Fatalf("got chunks %q, want the fallback's", chunks)
	}
	if secondary.LastText() != "hello" {
		t.Errorf("fallback saw text %q, want 'hello'", secondary.LastText())
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	_, err := fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("ok")}}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fb.AddFallback("local", secondary)

	for i := 0; i < 3; i++ {
		if _, err := fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{}); err != nil {
			t.Fatalf("synthesize %d: %v", i, err)
		}
	}

	if primary.SynthesizeCallCount() != 2 {
		t.Errorf("primary called %d times, want 2", primary.SynthesizeCallCount())
	}
	if secondary.SynthesizeCallCount() != 3 {
		t.Errorf("secondary called %d times, want 3", secondary.SynthesizeCallCount())
	}
}

func TestTTSFallback_ReleaseFansOut(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Chunks: [][]byte{[]byte("ok")}}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("local", secondary)

	_, _ = fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{})

	if err := fb.Release("call-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.ReleaseCalls) != 1 || primary.ReleaseCalls[0] != "call-1" {
		t.Errorf("primary releases = %v, want [call-1]", primary.ReleaseCalls)
	}
	if len(secondary.ReleaseCalls) != 1 || secondary.ReleaseCalls[0] != "call-1" {
		t.Errorf("secondary releases = %v, want [call-1]", secondary.ReleaseCalls)
	}
}

func TestTTSFallback_Status(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{}

	fb := NewTTSFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("local", secondary)

	_, _ = fb.Synthesize(context.Background(), "call-1", "hello", tts.Options{})

	st := fb.Status()
	if len(st) != 2 {
		t.Fatalf("got %d entries, want 2", len(st))
	}
	if st[0].Name != "cloud" || st[0].State != "open" {
		t.Errorf("entry 0 = %+v, want cloud/open", st[0])
	}
	if st[1].Name != "local" || st[1].State != "closed" {
		t.Errorf("entry 1 = %+v, want local/closed", st[1])
	}
}
