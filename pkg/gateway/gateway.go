// Package gateway serves the operational HTTP surface next to the gRPC
// listener: prometheus metrics, a health summary and active alerts.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	thresholds metrics.Thresholds
	clock      clockwork.Clock
	logger     hclog.Logger
}

func NewServer(httpAddr string, reg *prometheus.Registry, m *metrics.Metrics, th metrics.Thresholds, clock clockwork.Clock, logger hclog.Logger) *Server {
	s := &Server{
		metrics:    m,
		thresholds: th,
		clock:      clock,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /alerts", s.alerts)
	return mux
}

// 503 once the health score falls under the alert floor
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.Snapshot()
	code := http.StatusOK
	if snap.HealthScore < s.thresholds.MinHealthScore {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, snap)
}

func (s *Server) alerts(w http.ResponseWriter, _ *http.Request) {
	alerts := s.metrics.Evaluate(s.clock.Now(), s.thresholds)
	if alerts == nil {
		alerts = []metrics.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
