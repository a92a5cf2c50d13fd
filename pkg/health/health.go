// Package health exposes the operational HTTP endpoint: component health
// under /healthz and Prometheus metrics under /metrics.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FFasir/MailSystem/logger"
)

// Check probes one component. A nil error means healthy.
type Check func() error

// Server serves the health and metrics endpoint.
type Server struct {
	addr   string
	checks map[string]Check
	http   *http.Server
}

// NewServer creates a health server listening on addr with the given
// named component checks.
func NewServer(addr string, checks map[string]Check) *Server {
	s := &Server{addr: addr, checks: checks}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Components: make(map[string]string)}
	code := http.StatusOK

	for name, check := range s.checks {
		if err := check(); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			resp.Components[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// Start runs the HTTP listener. Fatal listener errors are sent to errChan.
func (s *Server) Start(errChan chan<- error) {
	logger.Info("Health endpoint listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- err
	}
}

// Close shuts the HTTP listener down gracefully.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.Warn("Health endpoint shutdown", "error", err)
	}
}
