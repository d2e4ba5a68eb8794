package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Health is the body of /health.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime"`
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	start    time.Time

	mu     sync.Mutex
	checks map[string]HealthCheck
	server *http.Server
}

// NewServer creates a server for the collectors in g.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		gatherer: g,
		start:    time.Now(),
		checks:   make(map[string]HealthCheck),
	}
}

// AddCheck adds a named health check.
func (s *Server) AddCheck(name string, check HealthCheck) {
	s.mu.Lock()
	s.checks[name] = check
	s.mu.Unlock()
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.health)
	return mux
}

// Start listens and serves until Shutdown. It returns once the listener is
// bound; serving continues in the background.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	go srv.Serve(ln)
	return ln.Addr(), nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.Unlock()

	h := Health{Status: "healthy", Uptime: time.Since(s.start).Round(time.Second).String()}
	if len(checks) > 0 {
		h.Checks = make(map[string]string, len(checks))
	}
	for name, check := range checks {
		if err := check(r.Context()); err != nil {
			h.Checks[name] = err.Error()
			h.Status = "unhealthy"
			continue
		}
		h.Checks[name] = "ok"
	}

	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(h)
}
