package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/asterivox/internal/health"
	"github.com/MrWong99/asterivox/internal/observe"
	"github.com/MrWong99/asterivox/internal/resilience"
)

// initOps assembles the operational HTTP listeners from the server section.
// server.listen_addr carries metrics, status and reload; health probes live
// there too unless server.health_addr splits them onto their own listener
// (e.g. for a load balancer on a private interface). Both empty disables the
// surface entirely.
func (a *App) initOps() {
	h := health.New(a.probes()...)

	opsAddr, healthAddr := a.cfg.Server.ListenAddr, a.cfg.Server.HealthAddr
	if opsAddr == "" && healthAddr == "" {
		return
	}

	var mux *http.ServeMux
	if opsAddr != "" {
		mux = http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.HandleFunc("GET /statusz", a.handleStatusz)
		mux.HandleFunc("POST /-/reload", a.handleReload)
		a.ops = append(a.ops, &http.Server{Addr: opsAddr, Handler: observe.Middleware(a.metrics)(mux)})
	}

	if healthAddr == "" {
		h.Register(mux)
		return
	}
	// The dedicated health listener stays unwrapped; per-second probe
	// traffic does not belong in the request log or the trace store.
	hm := http.NewServeMux()
	h.Register(hm)
	a.ops = append(a.ops, &http.Server{Addr: healthAddr, Handler: hm})
}

// probes lists the readiness checks for this deployment shape. Every probe
// targets a dependency calls actually traverse; an optional subsystem that
// is not configured contributes no probe.
func (a *App) probes() []health.Probe {
	probes := []health.Probe{
		health.CheckTCP("telephony", a.bridge.Addr().String()),
	}
	if a.backend != nil {
		// A status round-trip proves the channel dials, authenticates and
		// answers control messages, not just that a port accepts.
		probes = append(probes, health.Probe{
			Name: "backend",
			Check: func(ctx context.Context) error {
				_, err := a.backend.Status(ctx)
				return err
			},
		})
	}
	if a.localAI != nil {
		probes = append(probes, health.CheckTCP("localai", a.cfg.LocalAI.ListenAddr))
	}
	if a.ami != nil {
		probes = append(probes, health.Probe{Name: "ami", Check: a.ami.Ping})
	}
	return probes
}

// ─── Status ──────────────────────────────────────────────────────────────────

type statusResponse struct {
	Status      string         `json:"status"`
	Uptime      string         `json:"uptime"`
	ActiveCalls int            `json:"active_calls"`
	Calls       []callStatus   `json:"calls,omitempty"`
	Backend     *backendStatus `json:"backend,omitempty"`
	Engines     engineStatus   `json:"engines"`
}

type callStatus struct {
	CallID     string    `json:"call_id"`
	Channel    string    `json:"channel"`
	Profile    string    `json:"profile"`
	AnsweredAt time.Time `json:"answered_at"`
	State      string    `json:"state"`
}

type backendStatus struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
}

type engineStatus struct {
	STT []resilience.EntryStatus `json:"stt"`
	LLM []resilience.EntryStatus `json:"llm"`
	TTS []resilience.EntryStatus `json:"tts"`
}

// handleStatusz reports uptime, live calls and the breaker state of every
// chain member. Status flips to "degraded" while any breaker is open.
func (a *App) handleStatusz(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status: "ok",
		Uptime: time.Since(a.started).Round(time.Second).String(),
		Engines: engineStatus{
			STT: a.sttChain.Status(),
			LLM: a.llmChain.Status(),
			TTS: a.ttsChain.Status(),
		},
	}

	for _, stage := range [][]resilience.EntryStatus{resp.Engines.STT, resp.Engines.LLM, resp.Engines.TTS} {
		for _, entry := range stage {
			if entry.State == "open" {
				resp.Status = "degraded"
			}
		}
	}

	for _, info := range a.manager.Calls() {
		resp.Calls = append(resp.Calls, callStatus{
			CallID:     info.CallID,
			Channel:    info.CallerChannel,
			Profile:    info.Profile,
			AnsweredAt: info.AnsweredAt.UTC(),
			State:      info.State.String(),
		})
	}
	resp.ActiveCalls = len(resp.Calls)

	if a.backend != nil {
		resp.Backend = &backendStatus{
			URL:       a.cfg.BackendURL(),
			Connected: a.backend.Connected(),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// handleReload forces the config watcher to re-read its file now instead of
// on the next poll. The watcher validates before applying, so a broken file
// reports an error here and the engine keeps the old config.
func (a *App) handleReload(w http.ResponseWriter, _ *http.Request) {
	if a.watcher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "config watching is disabled",
		})
		return
	}
	if err := a.watcher.Reload(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"config": a.watcher.Path(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
