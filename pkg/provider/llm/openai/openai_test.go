package openai

import (
	"testing"

	"github.com/MrWong99/asterivox/pkg/provider/llm"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role is converted.
func TestConvertMessage_Assistant(t *testing.T) {
	param, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

// TestConvertMessage_UnknownRole checks the error path.
func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "narrator", Content: "meanwhile"})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

// TestBuildParams_Shape checks message ordering and knob plumbing.
func TestBuildParams_Shape(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	opts := llm.Options{
		SystemPrompt: "Be concise.",
		History: []llm.Message{
			{Role: llm.RoleUser, Content: "hello"},
			{Role: llm.RoleAssistant, Content: "hi, how can I help"},
		},
		Temperature: 0.2,
		MaxTokens:   48,
	}

	params, err := p.buildParams("what are your hours", opts)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	if got := len(params.Messages); got != 4 {
		t.Fatalf("expected 4 messages, got %d", got)
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected leading system message")
	}
	if params.Messages[3].OfUser == nil {
		t.Error("expected trailing user message carrying the transcript")
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.2 {
		t.Errorf("temperature not forwarded: %+v", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 48 {
		t.Errorf("max tokens not forwarded: %+v", params.MaxCompletionTokens)
	}
}

// TestBuildParams_Defaults checks that zero options leave SDK defaults alone.
func TestBuildParams_Defaults(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params, err := p.buildParams("hi", llm.Options{})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
	if params.Temperature.Valid() {
		t.Error("temperature should stay unset")
	}
	if params.MaxCompletionTokens.Valid() {
		t.Error("max tokens should stay unset")
	}
}

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o-mini", WithBaseURL("http://localhost:9999/v1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
