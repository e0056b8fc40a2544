package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/riskengine/internal/domain"
	"github.com/aristath/riskengine/internal/modules/optimization"
)

// analyzeRequest is the JSON body for /api/analyze and /api/score.
type analyzeRequest struct {
	Portfolio domain.Portfolio      `json:"portfolio"`
	Proxies   domain.FactorProxySet `json:"proxies"`
	Limits    domain.RiskLimitSet   `json:"limits"`
}

// optimizeRequest adds the objective and solver options.
type optimizeRequest struct {
	analyzeRequest
	Objective string          `json:"objective"`
	Options   optimizeOptions `json:"options"`
}

type optimizeOptions struct {
	LowerBound     *float64 `json:"lower_bound,omitempty"`
	UpperBound     *float64 `json:"upper_bound,omitempty"`
	MaxIterations  int      `json:"max_iterations,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
}

// handleAnalyze handles POST /api/analyze
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.analysis.Analyze(r.Context(), req.Portfolio, req.Proxies, req.Limits)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleScore handles POST /api/score. The analysis runs (or is served from
// cache) first; the score derives from it.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.analysis.Analyze(r.Context(), req.Portfolio, req.Proxies, req.Limits)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": result.Fingerprint,
		"score":       s.analysis.Score(result),
	})
}

// handleOptimize handles POST /api/optimize
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	objective := optimization.Objective(req.Objective)
	opts := optimization.Options{
		LowerBound:    req.Options.LowerBound,
		UpperBound:    req.Options.UpperBound,
		MaxIterations: req.Options.MaxIterations,
		Timeout:       s.cfg.OptimizerTimeout,
	}
	if req.Options.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.Options.TimeoutSeconds * float64(time.Second))
	}

	result, err := s.analysis.Optimize(r.Context(), req.Portfolio, objective, req.Proxies, req.Limits, opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleInvalidate handles DELETE /api/cache/{fingerprint}
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	fingerprint := chi.URLParam(r, "fingerprint")
	removed := s.analysis.Invalidate(r.Context(), fingerprint)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": fingerprint,
		"removed":     removed,
	})
}

// handleInvalidateAll handles DELETE /api/cache
func (s *Server) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	removed := s.analysis.Invalidate(r.Context(), "")
	s.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuAvg := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}

	memUsed := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		memUsed = stat.UsedPercent
	} else {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "riskengine",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"cpu_percent":    cpuAvg,
		"memory_percent": memUsed,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps pipeline errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDataInsufficient):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrDataUnavailable):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
