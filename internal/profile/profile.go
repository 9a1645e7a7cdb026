// Package profile holds the named conversation profiles a call can run
// under: what the agent says first, how it prompts the model, and per-stage
// overrides. The dialplan picks the profile by name when it hands a call to
// the engine; unknown names fall back to the default.
package profile

import "strings"

// Profile describes one conversation agent.
type Profile struct {
	// Name identifies the profile in config and dialplan arguments.
	Name string

	// Greeting is spoken when the call is answered. Empty skips the
	// greeting.
	Greeting string

	// SystemPrompt frames every model turn for this profile.
	SystemPrompt string

	// Language overrides the recogniser language (BCP-47 or engine tag).
	Language string

	// Voice overrides the synthesiser voice.
	Voice string

	// ChunkMs overrides the playback chunk size in milliseconds.
	ChunkMs int

	// MaxTokens caps the model reply length.
	MaxTokens int

	// Temperature overrides the sampling temperature. Zero inherits.
	Temperature float64

	// TopP overrides nucleus sampling. Zero inherits.
	TopP float64
}

// merge overlays p's non-zero fields onto base.
func merge(base, p Profile) Profile {
	out := base
	out.Name = p.Name
	if p.Greeting != "" {
		out.Greeting = p.Greeting
	}
	if p.SystemPrompt != "" {
		out.SystemPrompt = p.SystemPrompt
	}
	if p.Language != "" {
		out.Language = p.Language
	}
	if p.Voice != "" {
		out.Voice = p.Voice
	}
	if p.ChunkMs > 0 {
		out.ChunkMs = p.ChunkMs
	}
	if p.MaxTokens > 0 {
		out.MaxTokens = p.MaxTokens
	}
	if p.Temperature != 0 {
		out.Temperature = p.Temperature
	}
	if p.TopP != 0 {
		out.TopP = p.TopP
	}
	return out
}

// Registry resolves profile names. Read-only after construction and safe for
// concurrent use.
type Registry struct {
	def      Profile
	profiles map[string]Profile
}

// NewRegistry builds a registry over the default profile and the named
// overrides. Each named profile inherits every field it leaves zero from the
// default. Duplicate names keep the last definition.
func NewRegistry(def Profile, profiles []Profile) *Registry {
	r := &Registry{
		def:      def,
		profiles: make(map[string]Profile, len(profiles)),
	}
	for _, p := range profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		r.profiles[strings.ToLower(name)] = merge(def, p)
	}
	return r
}

// Resolve returns the profile for name, or the default when name is empty or
// unknown. The second return reports whether the name was known.
func (r *Registry) Resolve(name string) (Profile, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return r.def, true
	}
	if p, ok := r.profiles[name]; ok {
		return p, true
	}
	return r.def, false
}

// Default returns the default profile.
func (r *Registry) Default() Profile { return r.def }

// Names returns the registered profile names, unordered.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}
