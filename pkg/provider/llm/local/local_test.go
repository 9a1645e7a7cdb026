package local

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/coder/websocket"
)

type fakeBackend struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{t: t, conns: make(chan *websocket.Conn, 2)}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(16 << 20)
		fb.conns <- conn
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBackend) accept(ctx context.Context) *websocket.Conn {
	fb.t.Helper()
	select {
	case conn := <-fb.conns:
		return conn
	case <-ctx.Done():
		fb.t.Fatal("timed out waiting for channel connection")
		return nil
	}
}

func writeJSON(ctx context.Context, t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// ackMode consumes a set_mode envelope and acknowledges it.
func ackMode(ctx context.Context, t *testing.T, conn *websocket.Conn) wire.SetMode {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var req wire.SetMode
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode set_mode: %v", err)
	}
	writeJSON(ctx, t, conn, wire.ModeReady{Header: wire.Header{
		Type: wire.KindModeReady, CallID: req.CallID, Mode: req.Mode,
	}})
	return req
}

func readLLMRequest(ctx context.Context, t *testing.T, conn *websocket.Conn) wire.LLMRequest {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	var req wire.LLMRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode llm_request: %v", err)
	}
	return req
}

func newProvider(t *testing.T, url string, opts ...Option) *Provider {
	t.Helper()
	client := backend.New(backend.Config{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		Reconnect:        backend.ReconnectPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond},
	})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...)
}

func TestGenerateRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fb := newFakeBackend(t)
	p := newProvider(t, fb.url())

	type result struct {
		text string
		err  error
	}
	res := make(chan result, 1)
	go func() {
		text, err := p.Generate(ctx, "call-1", "what are your opening hours", llm.Options{SystemPrompt: "be brief"})
		res <- result{text, err}
	}()

	conn := fb.accept(ctx)
	mode := ackMode(ctx, t, conn)
	if mode.Mode != wire.ModeLLM || mode.CallID != "call-1" {
		t.Fatalf("set_mode = %+v, want llm/call-1", mode.Header)
	}

	req := readLLMRequest(ctx, t, conn)
	if req.Type != wire.KindLLMRequest || req.Text != "what are your opening hours" {
		t.Errorf("llm_request = %+v", req)
	}
	if req.Context != "be brief" {
		t.Errorf("context = %q, want system prompt override", req.Context)
	}
	if req.RequestID == "" {
		t.Error("llm_request missing request_id")
	}

	writeJSON(ctx, t, conn, wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: "call-1", Mode: wire.ModeLLM, RequestID: req.RequestID},
		Text:   "We are open nine to five.",
	})

	r := <-res
	if r.err != nil {
		t.Fatalf("Generate: %v", r.err)
	}
	if r.text != "We are open nine to five." {
		t.Errorf("reply = %q", r.text)
	}
}

func TestGenerateSkipsSupersededReply(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fb := newFakeBackend(t)
	p := newProvider(t, fb.url())

	res := make(chan string, 1)
	go func() {
		text, err := p.Generate(ctx, "call-1", "second question", llm.Options{})
		if err != nil {
			t.Errorf("Generate: %v", err)
		}
		res <- text
	}()

	conn := fb.accept(ctx)
	ackMode(ctx, t, conn)
	req := readLLMRequest(ctx, t, conn)

	// A reply left over from an abandoned earlier request arrives first.
	writeJSON(ctx, t, conn, wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: "call-1", Mode: wire.ModeLLM, RequestID: "stale-req"},
		Text:   "stale answer",
	})
	writeJSON(ctx, t, conn, wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: "call-1", Mode: wire.ModeLLM, RequestID: req.RequestID},
		Text:   "fresh answer",
	})

	select {
	case text := <-res:
		if text != "fresh answer" {
			t.Errorf("reply = %q, want fresh answer", text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestGenerateEmptyTranscript(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	p := newProvider(t, fb.url())

	if _, err := p.Generate(context.Background(), "call-1", "   ", llm.Options{}); err == nil {
		t.Fatal("expected error for whitespace transcript")
	}
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fb := newFakeBackend(t)
	p := newProvider(t, fb.url(), WithResponseTimeout(200*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Generate(ctx, "call-1", "anyone there", llm.Options{})
		errCh <- err
	}()

	conn := fb.accept(ctx)
	ackMode(ctx, t, conn)
	readLLMRequest(ctx, t, conn) // swallow the request, never answer

	select {
	case err := <-errCh:
		if !errors.Is(err, llm.ErrTimeout) {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not time out")
	}
}

func TestGenerateChannelDrop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fb := newFakeBackend(t)
	p := newProvider(t, fb.url())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Generate(ctx, "call-1", "hello", llm.Options{})
		errCh <- err
	}()

	conn := fb.accept(ctx)
	ackMode(ctx, t, conn)
	readLLMRequest(ctx, t, conn)
	conn.Close(websocket.StatusInternalError, "gone")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after channel drop")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not observe channel drop")
	}
}

func TestReleaseIdempotentAndReopens(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fb := newFakeBackend(t)
	p := newProvider(t, fb.url())

	res := make(chan string, 1)
	go func() {
		text, err := p.Generate(ctx, "call-1", "first", llm.Options{})
		if err != nil {
			t.Errorf("Generate: %v", err)
		}
		res <- text
	}()

	conn := fb.accept(ctx)
	ackMode(ctx, t, conn)
	req := readLLMRequest(ctx, t, conn)
	writeJSON(ctx, t, conn, wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: "call-1", Mode: wire.ModeLLM, RequestID: req.RequestID},
		Text:   "one",
	})
	<-res

	if err := p.Release("call-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := p.Release("call-1"); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	// The next Generate must re-handshake a fresh sub-session.
	go func() {
		text, err := p.Generate(ctx, "call-1", "second", llm.Options{})
		if err != nil {
			t.Errorf("Generate after release: %v", err)
		}
		res <- text
	}()

	mode := ackMode(ctx, t, conn)
	if mode.Mode != wire.ModeLLM {
		t.Fatalf("expected fresh set_mode after release, got %+v", mode.Header)
	}
	req = readLLMRequest(ctx, t, conn)
	writeJSON(ctx, t, conn, wire.LLMResponse{
		Header: wire.Header{Type: wire.KindLLMResponse, CallID: "call-1", Mode: wire.ModeLLM, RequestID: req.RequestID},
		Text:   "two",
	})
	if got := <-res; got != "two" {
		t.Errorf("reply = %q, want two", got)
	}
}
