// Package health serves the engine's liveness and readiness probes.
//
// Two endpoints:
//
//   - /healthz — liveness; returns 200 whenever the process can serve HTTP.
//   - /readyz  — readiness; returns 200 only while every registered [Probe]
//     passes. A dialplan health monitor should gate call routing on this
//     endpoint so callers never land on an engine whose back-end channel or
//     telephony listener is down.
//
// Responses are JSON with a top-level "status" field ("ok" or "fail") and a
// "checks" map naming each probe's result. Probes run concurrently, so one
// readiness request costs the slowest probe rather than the sum of all of
// them.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// A Probe is a named readiness check. Check returns nil while the dependency
// can serve calls and an error describing the failure otherwise. It must
// respect context cancellation.
type Probe struct {
	// Name labels the probe in the JSON response (e.g. "telephony",
	// "backend", "ami").
	Name string

	// Check runs the probe under a deadline derived from the request.
	Check func(ctx context.Context) error
}

// CheckTCP returns a Probe that dials addr and hangs up. It proves a
// listener is accepting; the engine points it at its own AudioSocket and AI
// server ports, where a bound socket with a wedged accept loop would
// otherwise go unnoticed.
func CheckTCP(name, addr string) Probe {
	return Probe{
		Name: name,
		Check: func(ctx context.Context) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// report is the JSON body served by both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. It is safe for concurrent use; the
// probe set is fixed at construction time.
type Handler struct {
	probes []Probe
}

// New creates a [Handler] that evaluates the given probes on each /readyz
// request.
func New(probes ...Probe) *Handler {
	p := make([]Probe, len(probes))
	copy(p, probes)
	return &Handler{probes: p}
}

// Healthz is the liveness probe; it always returns 200. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz returns 200 while every probe passes and 503 otherwise. Each probe
// runs in its own goroutine with a [probeTimeout] deadline derived from the
// request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]error, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			results[i] = p.Check(ctx)
		}()
	}
	wg.Wait()

	rep := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.probes)),
	}
	status := http.StatusOK
	for i, p := range h.probes {
		if err := results[i]; err != nil {
			rep.Checks[p.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			rep.Checks[p.Name] = "ok"
		}
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code. On encoding
// failure it falls back to a plain 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
