package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the generation backends the embedded server knows
// how to drive. Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Numeric knobs. Zero means "use the default"; negatives are mistakes.
	for _, f := range []struct {
		name string
		v    int
	}{
		{"backend.handshake_timeout_sec", cfg.Backend.HandshakeTimeoutSec},
		{"backend.response_timeout_sec", cfg.Backend.ResponseTimeoutSec},
		{"backend.send_timeout_ms", cfg.Backend.SendTimeoutMs},
		{"backend.queue_size", cfg.Backend.QueueSize},
		{"backend.reconnect.max_retries", cfg.Backend.Reconnect.MaxRetries},
		{"backend.reconnect.initial_ms", cfg.Backend.Reconnect.InitialMs},
		{"backend.reconnect.max_ms", cfg.Backend.Reconnect.MaxMs},
		{"cloud.llm.infer_timeout_sec", cfg.Cloud.LLM.InferTimeoutSec},
		{"localai.stt.idle_ms", cfg.LocalAI.STT.IdleMs},
		{"localai.stt.partial_min_interval_ms", cfg.LocalAI.STT.PartialMinIntervalMs},
		{"localai.llm.context", cfg.LocalAI.LLM.Context},
		{"localai.llm.max_tokens", cfg.LocalAI.LLM.MaxTokens},
		{"localai.llm.infer_timeout_sec", cfg.LocalAI.LLM.InferTimeoutSec},
		{"localai.tts.cache_entries", cfg.LocalAI.TTS.CacheEntries},
		{"pipeline.chunk_size_ms", cfg.Pipeline.ChunkSizeMs},
		{"coordinator.barge_min_chars", cfg.Coordinator.BargeMinChars},
		{"coordinator.barge_min_ms", cfg.Coordinator.BargeMinMs},
		{"call.cleanup_deadline_sec", cfg.Call.CleanupDeadlineSec},
		{"resilience.breaker.max_failures", cfg.Resilience.Breaker.MaxFailures},
		{"resilience.breaker.reset_timeout_sec", cfg.Resilience.Breaker.ResetTimeoutSec},
		{"resilience.breaker.half_open_max", cfg.Resilience.Breaker.HalfOpenMax},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.v))
		}
	}
	if cfg.Coordinator.BargeRMSThreshold < 0 {
		errs = append(errs, fmt.Errorf("coordinator.barge_rms_threshold %.2f must not be negative", cfg.Coordinator.BargeRMSThreshold))
	}

	// Back-end reachability — the engine needs something to dial.
	if cfg.Backend.URL == "" && !cfg.LocalAI.Enabled() {
		errs = append(errs, errors.New("backend.url is required when localai.listen_addr is empty"))
	}
	if cfg.Backend.URL != "" && cfg.LocalAI.Enabled() && cfg.Backend.URL != "ws://"+cfg.LocalAI.ListenAddr+"/ws" {
		slog.Warn("backend.url points away from the embedded server; the engine dials backend.url",
			"backend_url", cfg.Backend.URL,
			"localai_addr", cfg.LocalAI.ListenAddr,
		)
	}

	// Cloud generator
	if cfg.Cloud.LLM.APIKey != "" && cfg.Cloud.LLM.Model == "" {
		errs = append(errs, errors.New("cloud.llm.model is required when cloud.llm.api_key is set"))
	}
	if cfg.Cloud.LLM.APIKey == "" && cfg.Cloud.LLM.Model != "" {
		slog.Warn("cloud.llm.model is set but cloud.llm.api_key is empty; the cloud generator stays disabled")
	}

	// Embedded AI server — when enabled, all three engines must be loadable.
	if cfg.LocalAI.Enabled() {
		if cfg.LocalAI.STT.ModelPath == "" {
			errs = append(errs, errors.New("localai.stt.model_path is required when localai.listen_addr is set"))
		}
		if cfg.LocalAI.LLM.Provider == "" {
			errs = append(errs, errors.New("localai.llm.provider is required when localai.listen_addr is set"))
		}
		if cfg.LocalAI.LLM.Model == "" {
			errs = append(errs, errors.New("localai.llm.model is required when localai.listen_addr is set"))
		}
		if cfg.LocalAI.TTS.BaseURL == "" {
			errs = append(errs, errors.New("localai.tts.base_url is required when localai.listen_addr is set"))
		}
	}
	validateLLMProvider(cfg.LocalAI.LLM.Provider)

	// Sampling ranges
	if cfg.LocalAI.LLM.Temperature != 0 && (cfg.LocalAI.LLM.Temperature < 0 || cfg.LocalAI.LLM.Temperature > 2) {
		errs = append(errs, fmt.Errorf("localai.llm.temperature %.2f is out of range [0, 2]", cfg.LocalAI.LLM.Temperature))
	}
	if cfg.LocalAI.LLM.TopP != 0 && (cfg.LocalAI.LLM.TopP < 0 || cfg.LocalAI.LLM.TopP > 1) {
		errs = append(errs, fmt.Errorf("localai.llm.top_p %.2f is out of range [0, 1]", cfg.LocalAI.LLM.TopP))
	}
	if cfg.LocalAI.LLM.RepeatPenalty < 0 {
		errs = append(errs, fmt.Errorf("localai.llm.repeat_penalty %.2f must not be negative", cfg.LocalAI.LLM.RepeatPenalty))
	}

	// Playback framing
	if cfg.Pipeline.ChunkSizeMs > 0 && cfg.Pipeline.ChunkSizeMs%20 != 0 {
		slog.Warn("pipeline.chunk_size_ms is not a multiple of the 20 ms frame size; final frames will be padded",
			"chunk_size_ms", cfg.Pipeline.ChunkSizeMs,
		)
	}

	// Telephony
	if cfg.Telephony.AudioSocketAddr == "" {
		errs = append(errs, errors.New("telephony.audiosocket_addr is required"))
	}
	if ami := cfg.Telephony.AMI; ami != nil {
		if ami.Addr == "" {
			errs = append(errs, errors.New("telephony.ami.addr is required when telephony.ami is set"))
		}
		if ami.Username == "" {
			errs = append(errs, errors.New("telephony.ami.username is required when telephony.ami is set"))
		}
		if ami.Secret == "" {
			errs = append(errs, errors.New("telephony.ami.secret is required when telephony.ami is set"))
		}
		if ami.ActionTimeoutSec < 0 {
			errs = append(errs, fmt.Errorf("telephony.ami.action_timeout_sec %d must not be negative", ami.ActionTimeoutSec))
		}
		if cfg.Telephony.DialplanContext == "" {
			errs = append(errs, errors.New("telephony.dialplan_context is required when telephony.ami is set"))
		}
		if len(cfg.Transfer.Directory) == 0 && cfg.Transfer.DefaultTarget == "" {
			slog.Warn("telephony.ami is configured but transfer.directory is empty; transfer requests will be declined")
		}
	} else if cfg.Telephony.DialplanContext != "" {
		slog.Warn("telephony.dialplan_context is set but telephony.ami is not; transfers stay disabled")
	}

	// Transfer directory
	for name, target := range cfg.Transfer.Directory {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("transfer.directory contains an empty destination name"))
		}
		if strings.TrimSpace(target) == "" {
			errs = append(errs, fmt.Errorf("transfer.directory[%q] has an empty target extension", name))
		}
	}

	// Profile duplicate name detection — case-insensitive, matching resolution.
	profileNamesSeen := make(map[string]int, len(cfg.Profiles))

	// Profiles
	for i, p := range cfg.Profiles {
		prefix := fmt.Sprintf("profiles[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			key := strings.ToLower(p.Name)
			if prev, ok := profileNamesSeen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of profiles[%d]", prefix, p.Name, prev))
			}
			profileNamesSeen[key] = i
		}
		if p.ChunkSizeMs < 0 {
			errs = append(errs, fmt.Errorf("%s.chunk_size_ms %d must not be negative", prefix, p.ChunkSizeMs))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens %d must not be negative", prefix, p.MaxTokens))
		}
		if p.Temperature != 0 && (p.Temperature < 0 || p.Temperature > 2) {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, p.Temperature))
		}
		if p.TopP != 0 && (p.TopP < 0 || p.TopP > 1) {
			errs = append(errs, fmt.Errorf("%s.top_p %.2f is out of range [0, 1]", prefix, p.TopP))
		}
	}

	// Listener profile availability
	if name := cfg.Telephony.Profile; name != "" && !strings.EqualFold(name, "default") {
		if _, ok := profileNamesSeen[strings.ToLower(name)]; !ok {
			slog.Warn("telephony.profile does not match any configured profile; calls will use the default profile",
				"profile", name,
			)
		}
	}

	return errors.Join(errs...)
}

// validateLLMProvider logs a warning if name is non-empty and not found in
// the [ValidLLMProviders] list.
func validateLLMProvider(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown LLM provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidLLMProviders,
	)
}
