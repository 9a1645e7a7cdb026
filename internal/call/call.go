// Package call owns the lifecycle of every active call.
//
// The telephony bridge pushes events into the [Manager], which implements
// telephony.Handler. Each answered call gets one session — a turn coordinator
// plus a conversation pipeline running in its own goroutine — torn down
// exactly once on hangup, fatal pipeline error, or completed transfer. Audio
// frames and transfer requests carry only the call ID and re-lookup the
// session, so an event racing a hangup is dropped instead of acting on a dead
// call.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/pipeline"
	"github.com/MrWong99/asterivox/internal/profile"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/internal/turn"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	"github.com/MrWong99/asterivox/pkg/provider/tts"
	"github.com/MrWong99/asterivox/pkg/telephony"
)

// DefaultCleanupDeadline bounds how long a hangup waits for the pipeline
// goroutine before the session is force-released.
const DefaultCleanupDeadline = 5 * time.Second

// Config holds the Manager's dependencies. The three stage providers,
// Control, and Profiles are required.
type Config struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Control is the bridge's playback and redirect surface.
	Control telephony.CallControl

	// Profiles resolves the dialplan's profile argument.
	Profiles *profile.Registry

	// Resolver maps spoken transfer requests to dialplan targets. Nil
	// disables transfers.
	Resolver *transfer.Resolver

	// Coordinator tunes barge-in detection for every call.
	Coordinator turn.Config

	// CleanupDeadline bounds session teardown. Zero means
	// DefaultCleanupDeadline.
	CleanupDeadline time.Duration

	// Metrics receives the active-call gauge and is handed to every
	// pipeline. Nil disables recording.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.STT == nil:
		return errors.New("call: config: STT provider is required")
	case c.LLM == nil:
		return errors.New("call: config: LLM provider is required")
	case c.TTS == nil:
		return errors.New("call: config: TTS provider is required")
	case c.Control == nil:
		return errors.New("call: config: call control is required")
	case c.Profiles == nil:
		return errors.New("call: config: profile registry is required")
	}
	return nil
}

// Info is a point-in-time view of one active call.
type Info struct {
	CallID        string
	CallerChannel string
	Profile       string
	AnsweredAt    time.Time
	State         turn.State
}

// session is one live call's state. Immutable after OnCallAnswered except
// through the pipeline and coordinator, which synchronise internally.
type session struct {
	callID        string
	callerChannel string
	prof          profile.Profile
	coord         *turn.Coordinator
	pipe          *pipeline.Pipeline
	answeredAt    time.Time

	cancel context.CancelFunc
	done   chan struct{} // closed when the pipeline goroutine returns
}

// Manager is the call-session arena. All exported methods are safe for
// concurrent use; the bridge calls the Handler methods from its connection
// goroutines.
type Manager struct {
	cfg      Config
	deadline time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	calls map[string]*session
}

// NewManager validates cfg and returns an empty Manager.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	deadline := cfg.CleanupDeadline
	if deadline <= 0 {
		deadline = DefaultCleanupDeadline
	}
	return &Manager{
		cfg:      cfg,
		deadline: deadline,
		log:      log,
		calls:    make(map[string]*session),
	}, nil
}

// ─── telephony.Handler ────────────────────────────────────────────────────────

// OnCallAnswered allocates a session for the call and starts its conversation
// pipeline. A duplicate answer for a live call ID is ignored.
func (m *Manager) OnCallAnswered(callID, callerChannel, profileName string) {
	m.mu.Lock()
	profiles, resolver := m.cfg.Profiles, m.cfg.Resolver
	m.mu.Unlock()

	prof, known := profiles.Resolve(profileName)
	if !known {
		m.log.Warn("unknown profile requested, using default",
			"call_id", callID, "profile", profileName, "default", prof.Name)
	}

	coord := turn.New(callID, m.cfg.Coordinator)
	pipe, err := pipeline.New(pipeline.Config{
		CallID:      callID,
		Profile:     prof,
		STT:         m.cfg.STT,
		LLM:         m.cfg.LLM,
		TTS:         m.cfg.TTS,
		Control:     m.cfg.Control,
		Coordinator: coord,
		Resolver:    resolver,
		Metrics:     m.cfg.Metrics,
		Logger:      m.log,
	})
	if err != nil {
		m.log.Error("call rejected: pipeline construction failed", "call_id", callID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		callID:        callID,
		callerChannel: callerChannel,
		prof:          prof,
		coord:         coord,
		pipe:          pipe,
		answeredAt:    time.Now(),
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.calls[callID]; exists {
		m.mu.Unlock()
		cancel()
		m.log.Warn("duplicate answer for live call ignored", "call_id", callID)
		return
	}
	m.calls[callID] = s
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	}
	m.log.Info("call answered",
		"call_id", callID, "caller_channel", callerChannel, "profile", prof.Name)

	go func() {
		err := pipe.Run(ctx)
		close(s.done)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("call pipeline failed", "call_id", callID, "error", err)
			m.release(callID, "pipeline_error")
		}
	}()
}

// OnCallerAudio routes one caller frame to the call's pipeline. Frames for
// unknown calls — typically racing a hangup — are dropped.
func (m *Manager) OnCallerAudio(callID string, frame []byte) {
	m.mu.Lock()
	s := m.calls[callID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.pipe.HandleCallerAudio(frame)
}

// OnCallEnded tears the call's session down. Safe to call more than once and
// for unknown call IDs.
func (m *Manager) OnCallEnded(callID string) {
	m.release(callID, "hangup")
}

var _ telephony.Handler = (*Manager)(nil)

// ─── Operations ───────────────────────────────────────────────────────────────

// Transfer resolves spoken against the transfer directory and redirects the
// call. On success the session is released: the call now belongs to another
// dialplan target. A resolution miss (transfer.ErrNoTarget) leaves the call
// running; a failed redirect tears it down after the pipeline's spoken
// apology.
func (m *Manager) Transfer(ctx context.Context, callID, spoken string) error {
	m.mu.Lock()
	s := m.calls[callID]
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("call: transfer %s: %w", callID, telephony.ErrUnknownCall)
	}

	err := s.pipe.Transfer(ctx, spoken)
	switch {
	case err == nil:
		m.release(callID, "transferred")
		return nil
	case errors.Is(err, transfer.ErrNoTarget):
		return err
	default:
		m.release(callID, "transfer_failed")
		return err
	}
}

// SetProfiles swaps the profile registry. Calls answered from now on resolve
// against the new registry; live calls keep the profile they answered with.
// The config watcher calls this when a reload touches the profiles section.
func (m *Manager) SetProfiles(reg *profile.Registry) {
	if reg == nil {
		return
	}
	m.mu.Lock()
	m.cfg.Profiles = reg
	m.mu.Unlock()
}

// SetResolver swaps the transfer resolver for calls answered from now on.
// Nil disables transfers on them.
func (m *Manager) SetResolver(r *transfer.Resolver) {
	m.mu.Lock()
	m.cfg.Resolver = r
	m.mu.Unlock()
}

// ActiveCalls returns the number of live sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Call returns a snapshot of one live call.
func (m *Manager) Call(callID string) (Info, bool) {
	m.mu.Lock()
	s := m.calls[callID]
	m.mu.Unlock()
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// Calls returns snapshots of every live call, unordered.
func (m *Manager) Calls() []Info {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.calls))
	for _, s := range m.calls {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.info()
	}
	return infos
}

func (s *session) info() Info {
	return Info{
		CallID:        s.callID,
		CallerChannel: s.callerChannel,
		Profile:       s.prof.Name,
		AnsweredAt:    s.answeredAt,
		State:         s.coord.Snapshot().State,
	}
}

// Close releases every live session. Called on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.release(id, "shutdown")
	}
}

// ─── Teardown ─────────────────────────────────────────────────────────────────

// release tears one session down: remove it from the arena, cancel the
// pipeline, flush playback, and wait for the pipeline goroutine up to the
// cleanup deadline. Removing first makes release idempotent — the second
// caller finds nothing.
func (m *Manager) release(callID, reason string) {
	m.mu.Lock()
	s := m.calls[callID]
	delete(m.calls, callID)
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.cancel()
	if err := m.cfg.Control.TruncatePlayback(callID); err != nil && !errors.Is(err, telephony.ErrUnknownCall) {
		m.log.Debug("playback flush on release failed", "call_id", callID, "error", err)
	}

	timer := time.NewTimer(m.deadline)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		m.log.Error("session cleanup overran deadline, force-releasing",
			"call_id", callID, "deadline", m.deadline)
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
	}
	m.log.Info("call ended",
		"call_id", callID, "reason", reason,
		"duration_ms", time.Since(s.answeredAt).Milliseconds())
}
