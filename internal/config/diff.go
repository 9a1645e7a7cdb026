package config

import (
	"maps"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged covers the generation settings (embedded and cloud). The
	// engine reacts by pushing a model reload to the back-end.
	LLMChanged bool

	// STTChanged and TTSChanged cover the recogniser and synthesiser
	// settings of the embedded server.
	STTChanged bool
	TTSChanged bool

	// ProfilesChanged covers the named profiles and the sections the
	// default profile derives from. New calls pick up the rebuilt registry.
	ProfilesChanged bool
	ProfileChanges  []ProfileDiff

	// TransferChanged covers the spoken-destination directory.
	TransferChanged bool
}

// Empty reports whether the diff carries no reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.LLMChanged && !d.STTChanged && !d.TTSChanged &&
		!d.ProfilesChanged && !d.TransferChanged
}

// ProfileDiff describes what changed for a single profile between two configs.
type ProfileDiff struct {
	Name    string
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Model engines
	if old.LocalAI.LLM != new.LocalAI.LLM || old.Cloud.LLM != new.Cloud.LLM {
		d.LLMChanged = true
	}
	if old.LocalAI.STT != new.LocalAI.STT {
		d.STTChanged = true
	}
	if old.LocalAI.TTS != new.LocalAI.TTS {
		d.TTSChanged = true
	}

	// Transfer directory
	if !maps.Equal(old.Transfer.Directory, new.Transfer.Directory) ||
		old.Transfer.DefaultTarget != new.Transfer.DefaultTarget {
		d.TransferChanged = true
	}

	// The default profile inherits from pipeline and model sections, so a
	// greeting or prompt edit reshapes every profile.
	if old.defaultProfile() != new.defaultProfile() {
		d.ProfilesChanged = true
	}

	// Build profile lookup maps keyed by name.
	oldProfiles := make(map[string]*ProfileConfig, len(old.Profiles))
	for i := range old.Profiles {
		oldProfiles[strings.ToLower(old.Profiles[i].Name)] = &old.Profiles[i]
	}
	newProfiles := make(map[string]*ProfileConfig, len(new.Profiles))
	for i := range new.Profiles {
		newProfiles[strings.ToLower(new.Profiles[i].Name)] = &new.Profiles[i]
	}

	// Detect modified and removed profiles.
	for name, oldP := range oldProfiles {
		newP, exists := newProfiles[name]
		if !exists {
			d.ProfileChanges = append(d.ProfileChanges, ProfileDiff{
				Name:    oldP.Name,
				Removed: true,
			})
			d.ProfilesChanged = true
			continue
		}
		if *oldP != *newP {
			d.ProfileChanges = append(d.ProfileChanges, ProfileDiff{
				Name:    newP.Name,
				Changed: true,
			})
			d.ProfilesChanged = true
		}
	}

	// Detect added profiles.
	for name, newP := range newProfiles {
		if _, exists := oldProfiles[name]; !exists {
			d.ProfileChanges = append(d.ProfileChanges, ProfileDiff{
				Name:  newP.Name,
				Added: true,
			})
			d.ProfilesChanged = true
		}
	}

	return d
}
