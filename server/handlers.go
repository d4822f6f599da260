package server

import (
	"net/http"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/scheduler"
)

type triggerRequest struct {
	JobName    string   `json:"job_name,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
	AssetClass string   `json:"asset_class,omitempty"`
}

// handleTriggerRun starts a manual run. Duplicate triggers for an active
// job return the existing run.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	req := triggerRequest{}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			return
		}
	}
	if req.JobName == "" {
		req.JobName = scheduler.JobManual
	}
	if req.AssetClass != "" && !market.IsValidAssetClass(req.AssetClass) {
		writeError(w, http.StatusBadRequest, "Unknown asset class: "+req.AssetClass)
		return
	}

	var filter *market.UnitFilter
	if len(req.Symbols) > 0 || req.AssetClass != "" {
		filter = &market.UnitFilter{
			Symbols:    req.Symbols,
			AssetClass: market.AssetClass(req.AssetClass),
		}
	}

	run, err := s.scheduler.TriggerNow(r.Context(), req.JobName, filter)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrPaused):
			writeError(w, http.StatusConflict, "Scheduler is paused")
		default:
			s.log.Errorw("failed to trigger run",
				logger.FieldJobName, req.JobName,
				logger.FieldError, err.Error(),
			)
			writeError(w, http.StatusInternalServerError, "Failed to start run")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns runs currently in flight
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	runs, err := s.store.ActiveRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*progress.RunExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

type runDetailResponse struct {
	Run   *progress.RunExecution  `json:"run"`
	Units []progress.UnitProgress `json:"units"`
}

// handleGetRun returns one run with its per-unit progress
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	id := pathSuffix(r.URL.Path, "/api/runs/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Run not found: "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to read run")
		return
	}

	units, err := s.store.ListUnitProgress(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read unit progress")
		return
	}
	if units == nil {
		units = []progress.UnitProgress{}
	}

	writeJSON(w, http.StatusOK, runDetailResponse{Run: run, Units: units})
}

// handleSymbols lists (GET) or upserts (POST) registry entries
func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var filter *market.UnitFilter
		if ac := r.URL.Query().Get("asset_class"); ac != "" {
			if !market.IsValidAssetClass(ac) {
				writeError(w, http.StatusBadRequest, "Unknown asset class: "+ac)
				return
			}
			filter = &market.UnitFilter{AssetClass: market.AssetClass(ac)}
		}
		units, err := s.registry.ListActive(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list symbols")
			return
		}
		if units == nil {
			units = []market.WorkUnit{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": units})

	case http.MethodPost:
		var unit market.WorkUnit
		if err := readJSON(w, r, &unit); err != nil {
			return
		}
		if err := s.registry.Upsert(r.Context(), unit); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, unit)

	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleSymbol deactivates one symbol
func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	symbol := pathSuffix(r.URL.Path, "/api/symbols/")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing symbol")
		return
	}

	if err := s.registry.Deactivate(r.Context(), symbol); err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Symbol not found: "+symbol)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to deactivate symbol")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth serves the operational snapshot. Always 200; degradation
// shows in the status field.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.reporter.Report(r.Context()))
}
