package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type statusServer struct {
	logger  zerolog.Logger
	gateway *Gateway
	server  *http.Server
	ln      net.Listener
}

type ownerStatus struct {
	Owner           string `json:"owner"`
	Slot            string `json:"slot"`
	RefCount        int    `json:"ref_count"`
	Waiters         int    `json:"waiters"`
	Held            bool   `json:"held"`
	BearerID        string `json:"bearer_id,omitempty"`
	BearerClass     string `json:"bearer_class,omitempty"`
	AlternateActive bool   `json:"alternate_active"`
	RxBytes         uint64 `json:"rx_bytes"`
	TxBytes         uint64 `json:"tx_bytes"`
	Cost            string `json:"cost"`
}

type statusResponse struct {
	Owners []ownerStatus `json:"owners"`
}

func newStatusServer(listen string, g *Gateway, logger zerolog.Logger) (*statusServer, error) {
	if listen == "" {
		listen = ":18090"
	}
	server := &statusServer{logger: logger, gateway: g}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", server.handleStatus)
	mux.HandleFunc("/healthz", server.handleHealth)

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	server.server = srv
	server.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("status server started")
	return server, nil
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	statuses := s.gateway.Statuses()
	owners := make([]ownerStatus, 0, len(statuses))
	for _, status := range statuses {
		owners = append(owners, ownerStatus{
			Owner:           status.Owner,
			Slot:            status.Slot,
			RefCount:        status.RefCount,
			Waiters:         status.Waiters,
			Held:            status.Held,
			BearerID:        status.BearerID,
			BearerClass:     status.BearerClass,
			AlternateActive: status.AlternateActive,
			RxBytes:         status.Usage.RxBytes,
			TxBytes:         status.Usage.TxBytes,
			Cost:            status.Usage.Cost.String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusResponse{Owners: owners}); err != nil {
		s.logger.Error().Err(err).Msg("encode status response")
	}
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *statusServer) addr() string {
	return s.ln.Addr().String()
}

func (s *statusServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("status server shutdown")
	}
}

type metricsServer struct {
	logger zerolog.Logger
	server *http.Server
	ln     net.Listener
}

func newMetricsServer(listen string, logger zerolog.Logger) (*metricsServer, error) {
	if listen == "" {
		listen = ":19090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	server := &metricsServer{
		logger: logger,
		server: &http.Server{Handler: mux},
		ln:     ln,
	}
	go func() {
		if err := server.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("listen", ln.Addr().String()).Msg("metrics server started")
	return server, nil
}

func (s *metricsServer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}
