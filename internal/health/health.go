// Package health reports whether a Parley process can hold a conversation.
//
// [Handler] serves two probes. /healthz answers 200 while the process serves
// HTTP at all. /readyz runs every [Checker] concurrently and answers 200 only
// when all of them pass, with a JSON [Report] naming each result.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness evaluation.
const DefaultTimeout = 2 * time.Second

// Checker is a named readiness condition. Check returns nil when the
// condition holds and must return promptly once ctx is done.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the outcome of one readiness evaluation. Checks maps each
// checker name to "ok" or "fail: <reason>".
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == "ok" }

// Handler evaluates a fixed set of checkers. It is safe for concurrent use.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout bounds each evaluation. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New creates a Handler for checkers.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...), timeout: DefaultTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs all checkers concurrently under the handler timeout.
func (h *Handler) Evaluate(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var mu sync.Mutex
	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			res := "ok"
			if err := c.Check(ctx); err != nil {
				res = "fail: " + err.Error()
			}
			mu.Lock()
			rep.Checks[c.Name] = res
			if res != "ok" {
				rep.Status = "fail"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		slog.Debug("health report not written", "err", err)
	}
}
