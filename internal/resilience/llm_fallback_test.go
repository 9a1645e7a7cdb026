package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/asterivox/pkg/provider/llm"
	llmmock "github.com/MrWong99/asterivox/pkg/provider/llm/mock"
)

func TestLLMFallback_Generate_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{Reply: "hello from primary"}
	secondary := &llmmock.Provider{Reply: "hello from secondary"}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	reply, err := fb.Generate(context.Background(), "call-1", "hi there", llm.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello from primary" {
		t.Fatalf("reply = %q, want 'hello from primary'", reply)
	}
	if primary.GenerateCallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.GenerateCallCount())
	}
	if secondary.GenerateCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.GenerateCallCount())
	}
}

func TestLLMFallback_Generate_Failover(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Reply: "hello from secondary"}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	opts := llm.Options{SystemPrompt: "be brief", MaxTokens: 48}
	reply, err := fb.Generate(context.Background(), "call-1", "hi there", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello from secondary" {
		t.Fatalf("reply = %q, want 'hello from secondary'", reply)
	}

	// The fallback must see the call untouched.
	got := secondary.GenerateCalls[0]
	if got.CallID != "call-1" || got.Transcript != "hi there" {
		t.Errorf("fallback saw callID=%q transcript=%q", got.CallID, got.Transcript)
	}
	if got.Opts.SystemPrompt != "be brief" || got.Opts.MaxTokens != 48 {
		t.Errorf("fallback saw opts %+v, want them unchanged", got.Opts)
	}
}

func TestLLMFallback_Generate_AllFail(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Err: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", secondary)

	_, err := fb.Generate(context.Background(), "call-1", "hi there", llm.Options{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Reply: "ok"}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fb.AddFallback("local", secondary)

	for i := 0; i < 3; i++ {
		if _, err := fb.Generate(context.Background(), "call-1", "hi", llm.Options{}); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}

	// Two failures opened the breaker; the third call must not reach the
	// primary at all.
	if primary.GenerateCallCount() != 2 {
		t.Errorf("primary called %d times, want 2", primary.GenerateCallCount())
	}
	if secondary.GenerateCallCount() != 3 {
		t.Errorf("secondary called %d times, want 3", secondary.GenerateCallCount())
	}
}

func TestLLMFallback_ReleaseFansOut(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Reply: "ok"}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("local", secondary)

	// Trip the primary's breaker, then release: cleanup must still reach it.
	_, _ = fb.Generate(context.Background(), "call-1", "hi", llm.Options{})

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

func TestLLMFallback_Status(t *testing.T) {
	primary := &llmmock.Provider{Err: errors.New("primary down")}
	secondary := &llmmock.Provider{Reply: "ok"}

	fb := NewLLMFallback(primary, "cloud", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("local", secondary)

	_, _ = fb.Generate(context.Background(), "call-1", "hi", llm.Options{})

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
