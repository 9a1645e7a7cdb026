// Package app wires all Asterivox subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects the
// subsystems — the embedded model server, the back-end channel, the stage
// provider chains, the call manager, the telephony bridge and the ops HTTP
// listeners — Run serves them until the context ends, and Shutdown tears
// everything down in reverse order.
//
// For testing, inject mock stage providers via the Providers argument and
// subsystem doubles via functional options (WithLocalEngines, WithMetrics).
// Slots left nil are built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/asterivox/internal/call"
	"github.com/MrWong99/asterivox/internal/config"
	"github.com/MrWong99/asterivox/internal/localai"
	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/resilience"
	"github.com/MrWong99/asterivox/internal/telephony"
	"github.com/MrWong99/asterivox/internal/telephony/ami"
	"github.com/MrWong99/asterivox/internal/transfer"
	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	llmlocal "github.com/MrWong99/asterivox/pkg/provider/llm/local"
	llmopenai "github.com/MrWong99/asterivox/pkg/provider/llm/openai"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	sttlocal "github.com/MrWong99/asterivox/pkg/provider/stt/local"
	"github.com/MrWong99/asterivox/pkg/provider/tts"
	ttslocal "github.com/MrWong99/asterivox/pkg/provider/tts/local"
	pkgtel "github.com/MrWong99/asterivox/pkg/telephony"
)

const (
	// reloadTimeout bounds one back-end model reload after a config change.
	// Whisper reloads reopen the model file, which can take a while.
	reloadTimeout = 30 * time.Second

	// opsShutdownTimeout bounds the drain of one ops HTTP listener.
	opsShutdownTimeout = 5 * time.Second
)

// Providers holds one interface value per conversation stage. Nil slots are
// built from the config against the back-end channel; tests pass mocks here
// and skip the channel entirely.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
}

// App owns all subsystem lifetimes and runs the Asterivox engine.
type App struct {
	cfg *config.Config
	log *slog.Logger

	// Stage providers as handed in or built; the chains wrap them.
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics  *observe.Metrics
	engines  localai.Engines
	localAI  *localai.Server
	backend  *backend.Client
	sttChain *resilience.STTFallback
	llmChain *resilience.LLMFallback
	ttsChain *resilience.TTSFallback
	ami      *ami.Client
	bridge   *telephony.Bridge
	manager  *call.Manager
	watcher  *config.Watcher
	ops      []*http.Server

	// level is retargeted when a reload changes server.log_level.
	level *slog.LevelVar

	// configPath enables the watcher when set.
	configPath string

	started time.Time

	// closers run newest-first during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger routes engine logging through log instead of slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithLogLevel registers the handler level var so config reloads can change
// verbosity without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithLocalEngines injects embedded-server engines instead of loading the
// model files named in the config.
func WithLocalEngines(eng localai.Engines) Option {
	return func(a *App) { a.engines = eng }
}

// WithMetrics injects a metrics recorder instead of building one on the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath starts the config watcher on path, enabling hot reload and
// the ops reload endpoint.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers may be nil
// or partially filled; missing stages are served by the back-end channel at
// cfg.BackendURL. Use Option functions to inject test doubles.
//
// New is synchronous and eager: model files load, the AudioSocket listener
// binds, and the config watcher starts before it returns. Nothing accepts
// traffic until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		log:     slog.Default(),
		started: time.Now(),
	}
	if providers != nil {
		a.stt, a.llm, a.tts = providers.STT, providers.LLM, providers.TTS
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: init metrics: %w", err)
		}
		a.metrics = m
	}

	// ── 2. Embedded model server ─────────────────────────────────────────
	if err := a.initLocalAI(); err != nil {
		return nil, fmt.Errorf("app: init localai: %w", err)
	}

	// ── 3. Stage providers + fallback chains ─────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 4. Manager interface ─────────────────────────────────────────────
	if amiCfg := cfg.Telephony.AMI; amiCfg != nil {
		a.ami = ami.New(amiCfg.ClientConfig())
		a.closers = append(a.closers, a.ami.Close)
	}

	// ── 5. Media bridge ──────────────────────────────────────────────────
	if err := a.initBridge(); err != nil {
		return nil, fmt.Errorf("app: init bridge: %w", err)
	}

	// ── 6. Call manager ──────────────────────────────────────────────────
	if err := a.initManager(); err != nil {
		return nil, fmt.Errorf("app: init call manager: %w", err)
	}

	// ── 7. Ops listeners ─────────────────────────────────────────────────
	a.initOps()

	// ── 8. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLocalAI builds the embedded model server when localai.listen_addr is
// set. Engines come from WithLocalEngines or are loaded from the configured
// model files.
func (a *App) initLocalAI() error {
	if !a.cfg.LocalAI.Enabled() {
		return nil
	}
	if a.engines.Recognizers == nil && a.engines.Generator == nil && a.engines.Synthesizer == nil {
		if err := a.buildEngines(); err != nil {
			return err
		}
	}
	a.localAI = localai.New(a.cfg.LocalAI.ServerConfig(), a.engines)
	return nil
}

// buildEngines loads the recogniser, generator and synthesiser named in the
// localai section. A missing or corrupt model file fails startup here rather
// than on the first call.
func (a *App) buildEngines() error {
	sttCfg := a.cfg.LocalAI.STT
	var wOpts []localai.WhisperOption
	if sttCfg.Language != "" {
		wOpts = append(wOpts, localai.WithWhisperLanguage(sttCfg.Language))
	}
	rec, err := localai.NewWhisperFactory(sttCfg.ModelPath, wOpts...)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rec.Close)

	llmCfg := a.cfg.LocalAI.LLM
	var gOpts []anyllmlib.Option
	if llmCfg.BaseURL != "" {
		gOpts = append(gOpts, anyllmlib.WithBaseURL(llmCfg.BaseURL))
	}
	gen, err := localai.NewAnyLLMGenerator(llmCfg.Provider, llmCfg.Model, gOpts...)
	if err != nil {
		return err
	}

	ttsCfg := a.cfg.LocalAI.TTS
	var sOpts []localai.SynthOption
	if sttCfg.Language != "" {
		sOpts = append(sOpts, localai.WithSynthLanguage(sttCfg.Language))
	}
	if ttsCfg.CacheEntries > 0 {
		sOpts = append(sOpts, localai.WithSynthCacheSize(ttsCfg.CacheEntries))
	}
	synth, err := localai.NewHTTPSynthesizer(ttsCfg.BaseURL, sOpts...)
	if err != nil {
		return err
	}

	a.engines = localai.Engines{Recognizers: rec, Generator: gen, Synthesizer: synth}
	if path := llmCfg.TokenizerPath; path != "" {
		tok, err := localai.NewTokenizerCounter(path)
		if err != nil {
			return err
		}
		a.engines.Tokens = tok
	}
	return nil
}

// initProviders fills the stage slots from the back-end channel, stacks the
// cloud generator on top when configured, and wraps every stage in an
// instrumented fallback chain.
func (a *App) initProviders() error {
	if a.stt == nil || a.llm == nil || a.tts == nil {
		url := a.cfg.BackendURL()
		if url == "" {
			return errors.New("backend.url or localai.listen_addr must be set")
		}
		ccfg := a.cfg.Backend.ClientConfig()
		ccfg.URL = url
		ccfg.OnReconnect = func(attempt int) {
			a.metrics.RecordReconnect(context.Background(), "backend_channel")
			a.log.Info("back-end channel reconnected", "attempt", attempt)
		}
		a.backend = backend.New(ccfg)
		a.closers = append(a.closers, a.backend.Close)
	}

	if a.stt == nil {
		a.stt = sttlocal.New(a.backend, sttlocal.WithLogger(a.log))
	}
	if a.tts == nil {
		a.tts = ttslocal.New(a.backend, ttslocal.WithLogger(a.log))
	}

	var cloud llm.Provider
	if cc := a.cfg.Cloud.LLM; a.llm == nil && cc.Enabled() {
		var oOpts []llmopenai.Option
		if cc.BaseURL != "" {
			oOpts = append(oOpts, llmopenai.WithBaseURL(cc.BaseURL))
		}
		if cc.InferTimeoutSec > 0 {
			oOpts = append(oOpts, llmopenai.WithTimeout(time.Duration(cc.InferTimeoutSec)*time.Second))
		}
		p, err := llmopenai.New(cc.APIKey, cc.Model, oOpts...)
		if err != nil {
			return err
		}
		cloud = p
	}
	if a.llm == nil {
		lOpts := []llmlocal.Option{llmlocal.WithLogger(a.log)}
		if t := a.cfg.LocalAI.LLM.InferTimeoutSec; t > 0 {
			// The server bounds generation at infer_timeout; allow transit
			// on top so the provider does not give up first.
			lOpts = append(lOpts, llmlocal.WithResponseTimeout(time.Duration(t)*time.Second+2*time.Second))
		}
		a.llm = llmlocal.New(a.backend, lOpts...)
	}

	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.Resilience.Breaker.MaxFailures,
			ResetTimeout: time.Duration(a.cfg.Resilience.Breaker.ResetTimeoutSec) * time.Second,
			HalfOpenMax:  a.cfg.Resilience.Breaker.HalfOpenMax,
		},
	}

	a.sttChain = resilience.NewSTTFallback(observe.InstrumentSTT(a.stt, "local", a.metrics), "local", fcfg)
	a.ttsChain = resilience.NewTTSFallback(observe.InstrumentTTS(a.tts, "local", a.metrics), "local", fcfg)
	if cloud != nil {
		a.llmChain = resilience.NewLLMFallback(observe.InstrumentLLM(cloud, "cloud", a.metrics), "cloud", fcfg)
		a.llmChain.AddFallback("local", observe.InstrumentLLM(a.llm, "local", a.metrics))
	} else {
		a.llmChain = resilience.NewLLMFallback(observe.InstrumentLLM(a.llm, "local", a.metrics), "local", fcfg)
	}
	return nil
}

// initBridge binds the AudioSocket listener. Binding is eager so a port
// conflict fails startup, but no connection is accepted until Run.
func (a *App) initBridge() error {
	bcfg := telephony.Config{
		ListenAddr:      a.cfg.Telephony.AudioSocketAddr,
		Profile:         a.cfg.Telephony.Profile,
		Handler:         a,
		DialplanContext: a.cfg.Telephony.DialplanContext,
		Logger:          a.log,
	}
	if a.ami != nil {
		bcfg.AMI = a.ami
	}
	b, err := telephony.New(bcfg)
	if err != nil {
		return err
	}
	if err := b.Listen(); err != nil {
		return err
	}
	a.bridge = b
	a.closers = append(a.closers, b.Close)
	return nil
}

func (a *App) initManager() error {
	mgr, err := call.NewManager(call.Config{
		STT:             a.sttChain,
		LLM:             a.llmChain,
		TTS:             a.ttsChain,
		Control:         a.bridge,
		Profiles:        a.cfg.ProfileRegistry(),
		Resolver:        buildResolver(a.cfg.Transfer),
		Coordinator:     a.cfg.Coordinator.TurnConfig(),
		CleanupDeadline: a.cfg.Call.CleanupDeadline(),
		Metrics:         a.metrics,
		Logger:          a.log,
	})
	if err != nil {
		return err
	}
	a.manager = mgr
	a.closers = append(a.closers, func() error {
		mgr.Close()
		return nil
	})
	return nil
}

// buildResolver returns nil when no destination is configured, which
// disables caller transfers entirely.
func buildResolver(cfg config.TransferConfig) *transfer.Resolver {
	if len(cfg.Directory) == 0 && cfg.DefaultTarget == "" {
		return nil
	}
	return transfer.New(cfg.ResolverConfig())
}

// ─── Telephony events ────────────────────────────────────────────────────────

// The bridge pushes call events through the App so the bridge and the call
// manager can be built in dependency order: the bridge needs a handler
// before the manager exists, and the manager needs the bridge for playback
// control. The manager is always set before Run accepts the first call.

var _ pkgtel.Handler = (*App)(nil)

func (a *App) OnCallAnswered(callID, callerChannel, profile string) {
	a.manager.OnCallAnswered(callID, callerChannel, profile)
}

func (a *App) OnCallerAudio(callID string, frame []byte) {
	a.manager.OnCallerAudio(callID, frame)
}

func (a *App) OnCallEnded(callID string) {
	a.manager.OnCallEnded(callID)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig is the watcher's change hook. Live calls keep the profile and
// directory they answered with; everything here affects new work only.
func (a *App) applyConfig(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.Empty() {
		return
	}
	a.log.Info("configuration changed",
		"log_level", d.LogLevelChanged,
		"llm", d.LLMChanged,
		"stt", d.STTChanged,
		"tts", d.TTSChanged,
		"profiles", d.ProfilesChanged,
		"transfer", d.TransferChanged,
	)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(cur.Server.LogLevel.Level())
	}
	if d.ProfilesChanged {
		a.manager.SetProfiles(cur.ProfileRegistry())
	}
	if d.TransferChanged {
		a.manager.SetResolver(buildResolver(cur.Transfer))
	}

	if a.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	switch {
	case d.STTChanged || d.TTSChanged:
		// A full model reload also covers the generator.
		resp, err := a.backend.ReloadModels(ctx)
		if err != nil {
			a.log.Error("model reload failed", "error", err)
			return
		}
		a.log.Info("models reloaded", "status", resp.Status, "message", resp.Message)
	case d.LLMChanged:
		resp, err := a.backend.ReloadLLM(ctx)
		if err != nil {
			a.log.Error("generator reload failed", "error", err)
			return
		}
		a.log.Info("generator reloaded", "status", resp.Status, "message", resp.Message)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the engine until ctx is cancelled or a listener fails. The
// embedded model server comes up alongside the bridge; the back-end channel
// dials itself on the first call. A graceful stop returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.bridge.Serve(gctx) })
	if a.localAI != nil {
		g.Go(func() error { return a.localAI.ListenAndServe(gctx) })
		// Page the generation model in before the first caller. Best
		// effort: a failed warm-up only makes the first reply slow.
		go a.localAI.Warmup(gctx)
	}
	for _, srv := range a.ops {
		a.serveOps(gctx, g, srv)
	}

	a.log.Info("engine running",
		"audiosocket", a.bridge.Addr().String(),
		"localai", a.localAI != nil,
		"ami", a.ami != nil,
	)
	return g.Wait()
}

func (a *App) serveOps(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops listener %s: %w", srv.Addr, err)
		}
		return nil
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order: watcher, live
// calls, bridge, channel, model files. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
