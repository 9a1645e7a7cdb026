package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPeekHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		wantKind string
		wantErr  bool
	}{
		{
			name:     "full header",
			raw:      `{"type":"stt_result","call_id":"c1","mode":"stt","request_id":"r1","text":"hi"}`,
			wantKind: KindSTTResult,
		},
		{
			name:     "unknown kind still routes",
			raw:      `{"type":"telemetry_blob","call_id":"c2","payload":{"nested":true}}`,
			wantKind: "telemetry_blob",
		},
		{
			name:    "missing type",
			raw:     `{"call_id":"c3"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `PCM!binary!noise`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, err := PeekHeader([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("PeekHeader(%q) expected error, got %+v", tt.raw, h)
				}
				return
			}
			if err != nil {
				t.Fatalf("PeekHeader(%q) unexpected error: %v", tt.raw, err)
			}
			if h.Type != tt.wantKind {
				t.Errorf("Type = %q, want %q", h.Type, tt.wantKind)
			}
		})
	}
}

func TestAudioEnvelopeBase64(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x7f, 0x80, 0xff}
	env := Audio{
		Header: Header{Type: KindAudio, CallID: "call-7", Mode: ModeSTT},
		Rate:   16000,
		Format: FormatPCM16LE,
		Data:   pcm,
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// The payload must travel as base64 text, not as a JSON array of numbers.
	if strings.Contains(string(raw), "[1,2") {
		t.Fatalf("audio data serialised as number array: %s", raw)
	}

	var back Audio
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(back.Data) != string(pcm) {
		t.Errorf("data round trip = %v, want %v", back.Data, pcm)
	}
	if back.Rate != 16000 || back.Format != FormatPCM16LE {
		t.Errorf("rate/format = %d/%q, want 16000/%q", back.Rate, back.Format, FormatPCM16LE)
	}
}

func TestSTTResultConfidenceOptional(t *testing.T) {
	t.Parallel()

	var withScore STTResult
	if err := json.Unmarshal([]byte(`{"type":"stt_result","text":"hello","is_final":true,"is_partial":false,"confidence":0.93}`), &withScore); err != nil {
		t.Fatalf("unmarshal scored result: %v", err)
	}
	if withScore.Confidence == nil || *withScore.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", withScore.Confidence)
	}

	var noScore STTResult
	if err := json.Unmarshal([]byte(`{"type":"stt_result","text":"","is_final":true,"is_partial":false}`), &noScore); err != nil {
		t.Fatalf("unmarshal unscored result: %v", err)
	}
	if noScore.Confidence != nil {
		t.Errorf("Confidence = %v, want nil when absent", *noScore.Confidence)
	}
	if !noScore.IsFinal || noScore.IsPartial {
		t.Errorf("flags = final:%v partial:%v, want final:true partial:false", noScore.IsFinal, noScore.IsPartial)
	}
}

func TestModeIsValid(t *testing.T) {
	t.Parallel()

	for _, m := range []Mode{ModeSTT, ModeLLM, ModeTTS, ModeFull} {
		if !m.IsValid() {
			t.Errorf("Mode(%q).IsValid() = false, want true", m)
		}
	}
	for _, m := range []Mode{"", "s2s", "STT"} {
		if m.IsValid() {
			t.Errorf("Mode(%q).IsValid() = true, want false", m)
		}
	}
}
