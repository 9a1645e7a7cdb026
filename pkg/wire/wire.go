// Package wire defines the JSON envelopes exchanged with the AI back-end
// over its duplex message channel.
//
// Every message is either a UTF-8 JSON envelope or a raw binary frame whose
// meaning is given by the most recent envelope announcing it (TTS audio out).
// Envelopes share a common header {type, call_id, mode, request_id}; the
// remaining fields depend on the kind. Unknown kinds must be logged and
// skipped by both sides, never treated as fatal.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message kinds carried in the "type" field.
const (
	KindSetMode        = "set_mode"
	KindModeReady      = "mode_ready"
	KindAudio          = "audio"
	KindSTTResult      = "stt_result"
	KindLLMRequest     = "llm_request"
	KindLLMResponse    = "llm_response"
	KindTTSRequest     = "tts_request"
	KindTTSAudio       = "tts_audio"
	KindTTSResponse    = "tts_response"
	KindStatus         = "status"
	KindStatusResponse = "status_response"
	KindReloadModels   = "reload_models"
	KindReloadLLM      = "reload_llm"
	KindReloadResponse = "reload_response"
)

// FormatPCM16LE is the only audio format accepted inside an Audio envelope:
// little-endian signed 16-bit PCM.
const FormatPCM16LE = "pcm16le"

// EncodingMulaw labels μ-law 8-bit audio in TTSAudio metadata.
const EncodingMulaw = "mulaw"

// Statuses used by ReloadResponse and StatusResponse.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Mode selects which stages a back-end session runs.
type Mode string

const (
	// ModeSTT streams audio in and transcripts out.
	ModeSTT Mode = "stt"
	// ModeLLM generates a reply for a text request.
	ModeLLM Mode = "llm"
	// ModeTTS synthesises speech for a text request.
	ModeTTS Mode = "tts"
	// ModeFull chains STT, LLM, and TTS server-side: audio in, transcripts,
	// reply text, and reply audio out.
	ModeFull Mode = "full"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeSTT, ModeLLM, ModeTTS, ModeFull:
		return true
	}
	return false
}

// Header is the common prefix of every envelope. It is embedded by the
// concrete message types and is also what the receive loop decodes first to
// route a message.
type Header struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Mode      Mode   `json:"mode,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// PeekHeader decodes only the routing header of a raw envelope. The payload
// fields are ignored; callers decode the concrete type once the kind is known.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("wire: decode header: %w", err)
	}
	if h.Type == "" {
		return Header{}, fmt.Errorf("wire: envelope missing type")
	}
	return h, nil
}

// SetMode asks the server to run the session in the given mode.
// The server replies with ModeReady.
type SetMode struct {
	Header
}

// ModeReady acknowledges a SetMode request.
type ModeReady struct {
	Header
}

// Audio carries caller audio to the server. Data is base64 on the wire
// (encoding/json handles that for []byte); Format must be FormatPCM16LE and
// Rate the sample rate of the payload in Hz.
type Audio struct {
	Header
	Rate   int    `json:"rate"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// STTResult is a transcription event. Partials carry IsPartial=true and feed
// barge-in detection only; finals carry IsFinal=true and text that may be
// empty. Confidence is optional and nil when the recogniser does not score.
type STTResult struct {
	Header
	Text       string   `json:"text"`
	IsFinal    bool     `json:"is_final"`
	IsPartial  bool     `json:"is_partial"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// LLMRequest asks the server to generate a reply for Text. Context optionally
// carries a system prompt override for this request.
type LLMRequest struct {
	Header
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// LLMResponse carries the generated reply text.
type LLMResponse struct {
	Header
	Text string `json:"text"`
}

// TTSRequest asks the server to synthesise Text.
type TTSRequest struct {
	Header
	Text string `json:"text"`
}

// TTSAudio announces a binary frame of exactly ByteLength bytes that follows
// this envelope on the channel.
type TTSAudio struct {
	Header
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	ByteLength   int    `json:"byte_length"`
}

// TTSResponse is the inline alternative to TTSAudio: the whole segment as
// base64 in a single envelope.
type TTSResponse struct {
	Header
	AudioData []byte `json:"audio_data"`
}

// StatusRequest asks the server for a diagnostic snapshot.
type StatusRequest struct {
	Header
}

// StatusResponse is the server's diagnostic snapshot.
type StatusResponse struct {
	Header
	Status string          `json:"status"`
	Models ModelsStatus    `json:"models"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ModelsStatus reports per-stage model state.
type ModelsStatus struct {
	STT ModelStatus `json:"stt"`
	LLM ModelStatus `json:"llm"`
	TTS ModelStatus `json:"tts"`
}

// ModelStatus reports whether a stage's model is loaded and where it came from.
type ModelStatus struct {
	Loaded bool           `json:"loaded"`
	Path   string         `json:"path,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Reload asks the server to hot-reload models. Type is KindReloadModels for
// all stages or KindReloadLLM for the language model only.
type Reload struct {
	Header
}

// ReloadResponse reports the outcome of a reload request.
type ReloadResponse struct {
	Header
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
