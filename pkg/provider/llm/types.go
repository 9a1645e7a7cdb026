package llm

import "errors"

// Sentinel errors shared by Provider implementations.
var (
	// ErrTimeout is returned when generation exceeds the provider's
	// configured deadline and no internal fallback applies.
	ErrTimeout = errors.New("llm: generation timed out")
	// ErrModelUnavailable is returned when the underlying model is not
	// loaded or the back-end is unreachable.
	ErrModelUnavailable = errors.New("llm: model unavailable")
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem marks the persona instruction.
	RoleSystem Role = "system"
	// RoleUser marks caller turns.
	RoleUser Role = "user"
	// RoleAssistant marks agent turns.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single turn in a conversation history.
type Message struct {
	// Role is the message author.
	Role Role

	// Content is the text of the turn.
	Content string
}
