// Package turn tracks whose turn it is on a call and decides when the caller
// may interrupt the agent.
//
// Each call owns one [Coordinator]. The playback path arms it with a gating
// token when agent audio starts and clears the token exactly once when the
// stream ends or is cancelled. While the token is held, caller partials and
// sustained caller energy can request a barge-in; the orchestrator confirms
// the request, truncates playback and treats the next final transcript as
// immediately actionable.
package turn

import (
	"sync"
	"time"
	"unicode"
)

// State is the conversation phase of one call.
type State int

const (
	// StateIdle means neither side is speaking.
	StateIdle State = iota
	// StateListening means the caller is speaking and the recogniser is
	// producing partials.
	StateListening
	// StateAgentSpeaking means agent audio is playing and the gating token
	// is held.
	StateAgentSpeaking
	// StateInterrupting means a barge-in was confirmed and playback is being
	// flushed.
	StateInterrupting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateInterrupting:
		return "interrupting"
	default:
		return "unknown"
	}
}

// Default barge-in thresholds. The RMS threshold has no default: energy
// based barge-in stays off unless configured, because a sensible level
// depends on the trunk's echo characteristics.
const (
	DefaultBargeMinChars = 3
	DefaultBargeMinMs    = 250 * time.Millisecond
)

// Config tunes barge-in detection.
type Config struct {
	// BargeMinChars is the number of non-whitespace characters a partial
	// must exceed to request a barge-in. Zero means DefaultBargeMinChars.
	BargeMinChars int

	// BargeMinMs is how long caller energy must stay above the threshold
	// before it counts as a barge-in. Zero means DefaultBargeMinMs.
	BargeMinMs time.Duration

	// BargeRMSThreshold is the caller RMS level (in int16 sample units) that
	// starts the energy window. Zero or negative disables energy barge-in.
	BargeRMSThreshold float64
}

func (c Config) withDefaults() Config {
	if c.BargeMinChars <= 0 {
		c.BargeMinChars = DefaultBargeMinChars
	}
	if c.BargeMinMs <= 0 {
		c.BargeMinMs = DefaultBargeMinMs
	}
	return c
}

// Snapshot is a point-in-time view of one call's turn state.
type Snapshot struct {
	State          State
	StreamID       string
	Gated          bool
	BargeRequested bool
}

// Coordinator is the per-call turn state machine. All transitions run under
// one lock; readers take snapshots and never hold the lock across I/O.
type Coordinator struct {
	callID string
	cfg    Config

	mu             sync.Mutex
	state          State
	streamID       string
	bargeRequested bool
	loudSince      time.Time
}

// New creates a coordinator for one call.
func New(callID string, cfg Config) *Coordinator {
	return &Coordinator{callID: callID, cfg: cfg.withDefaults()}
}

// CallID returns the call this coordinator belongs to.
func (c *Coordinator) CallID() string { return c.callID }

// OnTTSStart arms the gating token with the playback stream's nonce and
// enters agent_speaking. Any barge-in state left over from an earlier reply
// is reset.
func (c *Coordinator) OnTTSStart(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = streamID
	c.state = StateAgentSpeaking
	c.bargeRequested = false
	c.loudSince = time.Time{}
}

// OnTTSEnd clears the gating token when streamID matches the held nonce.
// It reports whether this call performed the clear; a second clear for the
// same stream is a no-op returning false.
func (c *Coordinator) OnTTSEnd(streamID string) bool {
	return c.clearToken(streamID)
}

// OnTTSCancel clears the gating token after a truncated playback, with the
// same exactly-once semantics as OnTTSEnd.
func (c *Coordinator) OnTTSCancel(streamID string) bool {
	return c.clearToken(streamID)
}

func (c *Coordinator) clearToken(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if streamID == "" || c.streamID != streamID {
		return false
	}
	c.streamID = ""
	c.loudSince = time.Time{}
	// A confirmed interruption stays in interrupting until the playback
	// queue is flushed; PlaybackFlushed finishes that transition.
	if c.state == StateAgentSpeaking {
		c.state = StateIdle
	}
	return true
}

// OnCallerPartial feeds an interim transcript into the state machine. During
// idle it promotes the call to listening. During agent_speaking a partial
// longer than the configured minimum requests a barge-in; the return value is
// true only for the partial that newly set the request.
func (c *Coordinator) OnCallerPartial(text string) bool {
	n := countNonSpace(text)
	if n == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateIdle:
		c.state = StateListening
	case StateAgentSpeaking:
		if n > c.cfg.BargeMinChars && !c.bargeRequested {
			c.bargeRequested = true
			return true
		}
	}
	return false
}

// OnCallerAudio feeds one caller frame's RMS level, stamped with its arrival
// time. Sustained energy above the threshold during agent_speaking requests
// a barge-in; the return value is true only when this frame newly set the
// request. Levels are ignored when energy barge-in is disabled.
func (c *Coordinator) OnCallerAudio(level float64, at time.Time) bool {
	if c.cfg.BargeRMSThreshold <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAgentSpeaking {
		c.loudSince = time.Time{}
		return false
	}
	if level < c.cfg.BargeRMSThreshold {
		c.loudSince = time.Time{}
		return false
	}
	if c.loudSince.IsZero() {
		c.loudSince = at
		return false
	}
	if at.Sub(c.loudSince) < c.cfg.BargeMinMs {
		return false
	}
	if c.bargeRequested {
		return false
	}
	c.bargeRequested = true
	return true
}

// OnCallerFinal marks the end of a caller utterance. A listening call
// returns to idle; other states are left for the orchestrator to resolve.
func (c *Coordinator) OnCallerFinal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateListening {
		c.state = StateIdle
	}
}

// ConfirmBarge moves a pending barge-in request into interrupting. It
// reports false when no request is pending or the agent is not speaking.
func (c *Coordinator) ConfirmBarge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAgentSpeaking || !c.bargeRequested {
		return false
	}
	c.state = StateInterrupting
	return true
}

// PlaybackFlushed completes an interruption: the playback queue is empty and
// the call returns to idle with the barge-in request consumed.
func (c *Coordinator) PlaybackFlushed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInterrupting {
		return
	}
	c.state = StateIdle
	c.bargeRequested = false
	c.loudSince = time.Time{}
}

// Gated reports whether a playback stream currently holds the gating token.
func (c *Coordinator) Gated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID != ""
}

// BargeRequested reports whether a barge-in is pending confirmation.
func (c *Coordinator) BargeRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bargeRequested
}

// Snapshot returns a consistent copy of the current turn state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:          c.state,
		StreamID:       c.streamID,
		Gated:          c.streamID != "",
		BargeRequested: c.bargeRequested,
	}
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
