package server

import (
	"context"
	"net/http"
	"time"
)

type proverHealth struct {
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	ProverAPI proverHealth `json:"prover_api"`
	MockMode  bool         `json:"mock_mode"`
}

func (s *Server) checkProver(ctx context.Context) proverHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	latency, err := s.prover.Ping(ctx)
	health := proverHealth{
		URL:       s.proverURL,
		Reachable: err == nil,
		LatencyMS: latency.Milliseconds(),
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pv := s.checkProver(r.Context())
	status := "ok"
	if !pv.Reachable && !s.mockMode {
		status = "degraded"
	}
	s.respond(w, http.StatusOK, healthResponse{
		Status:    status,
		Version:   Version,
		ProverAPI: pv,
		MockMode:  s.mockMode,
	})
}

func (s *Server) handleProverHealth(w http.ResponseWriter, r *http.Request) {
	pv := s.checkProver(r.Context())
	status := http.StatusOK
	if !pv.Reachable {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, pv)
}
