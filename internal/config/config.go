// Package config provides the configuration schema, loader, and file watcher
// for the Asterivox engine.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/asterivox/internal/localai"
	"github.com/MrWong99/asterivox/internal/profile"
	"github.com/MrWong99/asterivox/internal/telephony/ami"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/internal/turn"
	"github.com/MrWong99/asterivox/pkg/backend"
)

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog scale. Unknown or empty levels mean info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Cloud       CloudConfig       `yaml:"cloud"`
	LocalAI     LocalAIConfig     `yaml:"localai"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Call        CallConfig        `yaml:"call"`
	Telephony   TelephonyConfig   `yaml:"telephony"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Profiles    []ProfileConfig   `yaml:"profiles"`
}

// ServerConfig holds logging and the operational HTTP surface.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ListenAddr is the ops HTTP address serving /metrics, health probes,
	// and engine status (e.g. ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// HealthAddr optionally binds the health probes on their own listener,
	// e.g. for a load balancer on a private interface. Empty serves them on
	// ListenAddr.
	HealthAddr string `yaml:"health_addr"`
}

// BackendConfig locates the AI back-end the engine multiplexes calls onto.
type BackendConfig struct {
	// URL is the back-end WebSocket endpoint (e.g. "ws://127.0.0.1:8573/ws").
	// Empty with localai.listen_addr set dials the embedded server.
	URL string `yaml:"url"`

	// HandshakeTimeoutSec bounds the mode handshake after connect. Default 5.
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`

	// ResponseTimeoutSec bounds control-message responses. Default 5.
	ResponseTimeoutSec int `yaml:"response_timeout_sec"`

	// SendTimeoutMs bounds one outbound send before the channel reports
	// busy. Default 500.
	SendTimeoutMs int `yaml:"send_timeout_ms"`

	// QueueSize is the outbound queue depth per channel. Zero uses the
	// client default.
	QueueSize int `yaml:"queue_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig shapes the channel reconnection backoff.
type ReconnectConfig struct {
	// MaxRetries caps consecutive reconnection attempts. Zero uses the
	// client default.
	MaxRetries int `yaml:"max_retries"`

	// InitialMs is the first backoff delay. Doubles per attempt.
	InitialMs int `yaml:"initial_ms"`

	// MaxMs caps the backoff delay.
	MaxMs int `yaml:"max_ms"`
}

// ClientConfig maps the section onto the back-end client's configuration.
// Zero fields stay zero; the client applies its own defaults.
func (b BackendConfig) ClientConfig() backend.Config {
	return backend.Config{
		URL:              b.URL,
		HandshakeTimeout: seconds(b.HandshakeTimeoutSec),
		ResponseTimeout:  seconds(b.ResponseTimeoutSec),
		SendTimeout:      millis(b.SendTimeoutMs),
		QueueSize:        b.QueueSize,
		Reconnect: backend.ReconnectPolicy{
			MaxRetries: b.Reconnect.MaxRetries,
			Backoff:    millis(b.Reconnect.InitialMs),
			MaxBackoff: millis(b.Reconnect.MaxMs),
		},
	}
}

// CloudConfig holds optional hosted-model credentials. When set, the cloud
// generator becomes the primary of the reply chain and the back-end model
// its fallback.
type CloudConfig struct {
	LLM CloudLLMConfig `yaml:"llm"`
}

// CloudLLMConfig configures the hosted chat-completion generator.
type CloudLLMConfig struct {
	// APIKey authenticates against the hosted API. Empty disables the
	// cloud generator entirely.
	APIKey string `yaml:"api_key"`

	// Model names the hosted model (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint, for gateways and compatible
	// servers.
	BaseURL string `yaml:"base_url"`

	// InferTimeoutSec bounds one completion request. Default 10.
	InferTimeoutSec int `yaml:"infer_timeout_sec"`
}

// Enabled reports whether a cloud generator is configured.
func (c CloudLLMConfig) Enabled() bool { return c.APIKey != "" }

// LocalAIConfig configures the in-process AI server.
type LocalAIConfig struct {
	// ListenAddr is the loopback WebSocket address the embedded server
	// binds to (e.g. "127.0.0.1:8573"). Empty disables the embedded server;
	// backend.url must then point at an external one.
	ListenAddr string `yaml:"listen_addr"`

	STT STTEngineConfig `yaml:"stt"`
	LLM LLMEngineConfig `yaml:"llm"`
	TTS TTSEngineConfig `yaml:"tts"`
}

// Enabled reports whether the embedded AI server should run.
func (l LocalAIConfig) Enabled() bool { return l.ListenAddr != "" }

// STTEngineConfig configures the embedded recogniser.
type STTEngineConfig struct {
	// ModelPath points at the whisper model file.
	ModelPath string `yaml:"model_path"`

	// Language hints the recogniser (e.g. "en"). Empty uses the engine
	// default.
	Language string `yaml:"language"`

	// IdleMs promotes the last partial to a final after this much silence.
	// Default 3000.
	IdleMs int `yaml:"idle_ms"`

	// PartialMinIntervalMs rate-limits partial emission per call. Zero
	// emits on every hypothesis change.
	PartialMinIntervalMs int `yaml:"partial_min_interval_ms"`
}

// LLMEngineConfig configures the embedded generator.
type LLMEngineConfig struct {
	// Provider selects the generation backend (e.g. "llamacpp", "ollama").
	Provider string `yaml:"provider"`

	// Model is the model name or file the provider loads.
	Model string `yaml:"model"`

	// BaseURL overrides the provider's endpoint where applicable.
	BaseURL string `yaml:"base_url"`

	// TokenizerPath points at a tokenizer.json for exact token budgets.
	// Empty falls back to whitespace counting.
	TokenizerPath string `yaml:"tokenizer_path"`

	// Context is the model context window in tokens. Default 768.
	Context int `yaml:"context"`

	// MaxTokens bounds one generated reply. Default 48.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature, TopP, and RepeatPenalty are passed to the model.
	// Defaults 0.2, 0.85, 1.05.
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`

	// InferTimeoutSec bounds one generation. Default 20.
	InferTimeoutSec int `yaml:"infer_timeout_sec"`

	// Stop lists comma-separated sequences that end a reply.
	Stop string `yaml:"stop"`

	// SystemPrompt frames every model turn for the default profile.
	SystemPrompt string `yaml:"system_prompt"`
}

// TTSEngineConfig configures the embedded synthesiser.
type TTSEngineConfig struct {
	// BaseURL is the synthesis server endpoint.
	BaseURL string `yaml:"base_url"`

	// Voice selects the synthesis voice. Empty uses the server default.
	Voice string `yaml:"voice"`

	// CacheEntries sizes the phrase cache. Zero uses the engine default.
	CacheEntries int `yaml:"cache_entries"`
}

// ServerConfig flattens the section into the embedded server's configuration.
func (l LocalAIConfig) ServerConfig() localai.Config {
	return localai.Config{
		ListenAddr:         l.ListenAddr,
		SystemPrompt:       l.LLM.SystemPrompt,
		Voice:              l.TTS.Voice,
		IdleTimeout:        millis(l.STT.IdleMs),
		PartialMinInterval: millis(l.STT.PartialMinIntervalMs),
		ContextTokens:      l.LLM.Context,
		MaxTokens:          l.LLM.MaxTokens,
		Temperature:        l.LLM.Temperature,
		TopP:               l.LLM.TopP,
		RepeatPenalty:      l.LLM.RepeatPenalty,
		InferTimeout:       seconds(l.LLM.InferTimeoutSec),
		Stop:               splitList(l.LLM.Stop),
		STTModelPath:       l.STT.ModelPath,
		LLMModelPath:       l.LLM.Model,
		TTSModelPath:       l.TTS.BaseURL,
	}
}

// PipelineConfig shapes the per-call conversation loop.
type PipelineConfig struct {
	// Greeting is spoken when a call is answered. Empty skips it.
	Greeting string `yaml:"greeting"`

	// ChunkSizeMs is the reply audio chunk size handed to playback.
	// Default 40.
	ChunkSizeMs int `yaml:"chunk_size_ms"`
}

// CoordinatorConfig shapes barge-in detection.
type CoordinatorConfig struct {
	// BargeMinChars is the number of non-whitespace characters a partial
	// must exceed to count as a barge-in. Default 3.
	BargeMinChars int `yaml:"barge_min_chars"`

	// BargeMinMs is how long caller energy must stay above the threshold
	// before it counts as a barge-in. Default 250.
	BargeMinMs int `yaml:"barge_min_ms"`

	// BargeRMSThreshold is the caller RMS level (int16 sample units) that
	// starts the energy window. Zero disables energy barge-in.
	BargeRMSThreshold float64 `yaml:"barge_rms_threshold"`
}

// TurnConfig maps the section onto the coordinator's configuration.
func (c CoordinatorConfig) TurnConfig() turn.Config {
	return turn.Config{
		BargeMinChars:     c.BargeMinChars,
		BargeMinMs:        millis(c.BargeMinMs),
		BargeRMSThreshold: c.BargeRMSThreshold,
	}
}

// CallConfig shapes call lifecycle handling.
type CallConfig struct {
	// CleanupDeadlineSec bounds one session teardown. Default 5.
	CleanupDeadlineSec int `yaml:"cleanup_deadline_sec"`
}

// CleanupDeadline returns the teardown bound, zero meaning the manager
// default.
func (c CallConfig) CleanupDeadline() time.Duration {
	return seconds(c.CleanupDeadlineSec)
}

// TelephonyConfig wires the engine to the switch.
type TelephonyConfig struct {
	// AudioSocketAddr is the TCP address Asterisk dials with AudioSocket()
	// (e.g. "127.0.0.1:9092").
	AudioSocketAddr string `yaml:"audiosocket_addr"`

	// Profile names the conversation profile for calls answered on this
	// listener. Empty uses the default profile.
	Profile string `yaml:"profile"`

	// AMI configures the manager-interface client used for transfers. Nil
	// disables call redirects.
	AMI *AMIConfig `yaml:"ami"`

	// DialplanContext is the dialplan context transfers redirect into.
	// Required when AMI is set.
	DialplanContext string `yaml:"dialplan_context"`
}

// AMIConfig locates and authenticates the Asterisk Manager Interface.
type AMIConfig struct {
	// Addr is the manager's host:port, conventionally port 5038.
	Addr string `yaml:"addr"`

	// Username and Secret are the manager account credentials.
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`

	// ActionTimeoutSec bounds one action round-trip. Default 5.
	ActionTimeoutSec int `yaml:"action_timeout_sec"`
}

// ClientConfig maps the section onto the AMI client's configuration.
func (a AMIConfig) ClientConfig() ami.Config {
	return ami.Config{
		Addr:          a.Addr,
		Username:      a.Username,
		Secret:        a.Secret,
		ActionTimeout: seconds(a.ActionTimeoutSec),
	}
}

// TransferConfig holds the spoken-destination directory.
type TransferConfig struct {
	// Directory maps spoken destination names to dialplan targets
	// (e.g. "billing" → "2002").
	Directory map[string]string `yaml:"directory"`

	// DefaultTarget catches transfer requests nothing else matched.
	// Empty disables the fallback.
	DefaultTarget string `yaml:"default_target"`
}

// ResolverConfig maps the section onto the transfer resolver's configuration.
func (t TransferConfig) ResolverConfig() transfer.Config {
	return transfer.Config{
		Directory:     t.Directory,
		DefaultTarget: t.DefaultTarget,
	}
}

// ResilienceConfig shapes the circuit breakers around the reply chain.
type ResilienceConfig struct {
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures one circuit breaker. Zero fields use the breaker
// defaults.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutSec is how long the breaker stays open before probing.
	// Default 30.
	ResetTimeoutSec int `yaml:"reset_timeout_sec"`

	// HalfOpenMax is the probe budget in the half-open state. Default 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// ProfileConfig describes one named conversation profile. Fields left zero
// inherit from the default profile.
type ProfileConfig struct {
	// Name identifies the profile in dialplan arguments.
	Name string `yaml:"name"`

	// Greeting is spoken when the call is answered.
	Greeting string `yaml:"greeting"`

	// SystemPrompt frames every model turn.
	SystemPrompt string `yaml:"system_prompt"`

	// Language overrides the recogniser language.
	Language string `yaml:"language"`

	// Voice overrides the synthesiser voice.
	Voice string `yaml:"voice"`

	// ChunkSizeMs overrides the playback chunk size.
	ChunkSizeMs int `yaml:"chunk_size_ms"`

	// MaxTokens caps the model reply length.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature and TopP override sampling.
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
}

func (p ProfileConfig) profile() profile.Profile {
	return profile.Profile{
		Name:         p.Name,
		Greeting:     p.Greeting,
		SystemPrompt: p.SystemPrompt,
		Language:     p.Language,
		Voice:        p.Voice,
		ChunkMs:      p.ChunkSizeMs,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
		TopP:         p.TopP,
	}
}

// ProfileRegistry assembles the default profile from the pipeline and model
// sections and overlays the named profiles on it.
func (c *Config) ProfileRegistry() *profile.Registry {
	named := make([]profile.Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		named = append(named, p.profile())
	}
	return profile.NewRegistry(c.defaultProfile(), named)
}

// defaultProfile derives the fallback profile every named profile inherits
// from.
func (c *Config) defaultProfile() profile.Profile {
	return profile.Profile{
		Name:         "default",
		Greeting:     c.Pipeline.Greeting,
		SystemPrompt: c.LocalAI.LLM.SystemPrompt,
		Language:     c.LocalAI.STT.Language,
		Voice:        c.LocalAI.TTS.Voice,
		ChunkMs:      c.Pipeline.ChunkSizeMs,
		MaxTokens:    c.LocalAI.LLM.MaxTokens,
		Temperature:  c.LocalAI.LLM.Temperature,
		TopP:         c.LocalAI.LLM.TopP,
	}
}

// BackendURL returns the back-end endpoint, deriving the embedded server's
// address when backend.url is empty.
func (c *Config) BackendURL() string {
	if c.Backend.URL != "" {
		return c.Backend.URL
	}
	if c.LocalAI.Enabled() {
		return "ws://" + c.LocalAI.ListenAddr + "/ws"
	}
	return ""
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

// splitList splits a comma-separated option into entries. Only spaces and
// tabs are trimmed; newlines are meaningful in stop sequences.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, " \t"); p != "" {
			out = append(out, p)
		}
	}
	return out
}
