// Package health serves liveness and readiness probes for the bridge.
//
// /healthz reports liveness: a process that can answer HTTP is alive.
// /readyz reports readiness and passes only while every registered probe
// passes, which for the bridge means the radio socket is open and the
// channel session is connected.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout caps how long one readiness probe may run.
const probeTimeout = 2 * time.Second

// Probe is a named readiness check. Fn returns nil while the dependency is
// usable and must honor ctx cancellation.
type Probe struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ProbeFunc wraps a bare readiness function as a named [Probe].
func ProbeFunc(name string, fn func(ctx context.Context) error) Probe {
	return Probe{Name: name, Fn: fn}
}

type probeStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type report struct {
	Status string        `json:"status"`
	Probes []probeStatus `json:"probes,omitempty"`
}

// Handler answers the probe endpoints. The probe set is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	probes []Probe
}

// New builds a handler over the given probes.
func New(probes ...Probe) *Handler {
	return &Handler{probes: append([]Probe(nil), probes...)}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe concurrently and answers 200 only when all pass.
// Failing probes are reported by name so an operator can tell a dead radio
// socket from a lost channel session at a glance.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		statuses []probeStatus
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, p := range h.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			st := probeStatus{Name: p.Name, OK: true}
			if err := p.Fn(pctx); err != nil {
				st.OK = false
				st.Error = err.Error()
			}
			mu.Lock()
			statuses = append(statuses, st)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	res := report{Status: "ok", Probes: statuses}
	code := http.StatusOK
	for _, st := range statuses {
		if !st.OK {
			res.Status = "fail"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
