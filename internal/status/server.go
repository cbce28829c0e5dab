package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Enabler manually re-enables a target, clearing its Disabled flag
// regardless of the breaker's own Active/Cooling state — the
// operation cmd/redisbridgectl's "cooldown <target>" command
// triggers. Implemented by internal/engine, which is the only
// collaborator holding the health.Monitor references this package
// never owns directly.
type Enabler interface {
	EnableTarget(name string) error
}

// ErrUnknownTarget is returned by the cooldown endpoint for a target
// name the Enabler doesn't recognize.
var ErrUnknownTarget = errors.New("status: unknown target")

// Server is the minimal HTTP surface spec.md §6 calls "the out-of-
// scope HTML dashboard's" wire contract: a JSON snapshot at /status,
// Prometheus metrics at /metrics (a supplement), and a manual
// re-enable endpoint at POST /targets/{name}/cooldown for
// cmd/redisbridgectl.
type Server struct {
	registry *Registry
	enabler  Enabler
	mux      *http.ServeMux
}

// NewServer builds a Server wrapping reg. It registers reg's
// collector on a private Prometheus registry (never the global
// DefaultRegisterer) so multiple Server instances in the same process
// — as in tests — never collide on metric registration. enabler may
// be nil, in which case the cooldown endpoint answers 501.
func NewServer(reg *Registry, enabler Enabler) *Server {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(reg.Collector())

	s := &Server{registry: reg, enabler: enabler, mux: http.NewServeMux()}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/targets/", s.handleTargetAction)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleTargetAction serves POST /targets/{name}/cooldown.
func (s *Server) handleTargetAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name, action, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/targets/"), "/")
	if !ok || name == "" || action != "cooldown" {
		http.NotFound(w, r)
		return
	}
	if s.enabler == nil {
		http.Error(w, "cooldown not supported", http.StatusNotImplemented)
		return
	}
	if err := s.enabler.EnableTarget(name); err != nil {
		if errors.Is(err, ErrUnknownTarget) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// NewHTTPServer builds an *http.Server serving Server at addr, ready
// to be handed to internal/runsvc.HTTPServer.
func NewHTTPServer(addr string, reg *Registry, enabler Enabler) *http.Server {
	return &http.Server{Addr: addr, Handler: NewServer(reg, enabler)}
}
