package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/evalflow/pkg/model"
)

// handleCheckout pops the next unit.
// POST /api/v1/units/checkout
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	unit, err := s.queue.Checkout(r.Context())
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	if unit == nil {
		respondNoContent(w, reqID)
		return
	}
	respondOK(w, reqID, unit)
}

// handleAllocate records the worker of a unit.
// POST /api/v1/units/{id}/allocate
func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Worker == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("worker is required"))
		return
	}
	if err := s.queue.Allocate(r.Context(), id, req.Worker); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	s.logger.Info("unit allocated", "unit", id, "worker", req.Worker)
	respondOK(w, reqID, map[string]string{"id": id, "worker": req.Worker})
}

// handleFinish marks a unit finished.
// POST /api/v1/units/{id}/finish
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.queue.Finish(r.Context(), id); err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	s.logger.Info("unit finished", "unit", id)
	respondOK(w, reqID, map[string]string{"id": id})
}

// handleRetry requeues a failed unit while its budget lasts.
// POST /api/v1/units/{id}/retry
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req model.RetryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid JSON body: "+err.Error()))
			return
		}
	}
	resp, err := s.queue.Retry(r.Context(), id, s.budget, req.Error)
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	if resp.Requeued {
		s.logger.Warn("unit requeued", "unit", id, "worker", req.Worker, "attempts", resp.Attempts, "error", req.Error)
	} else {
		s.logger.Error("unit retry budget exhausted", "unit", id, "attempts", resp.Attempts, "error", req.Error)
	}
	respondOK(w, reqID, resp)
}

// handleUnitStatus reports the queue bookkeeping.
// GET /api/v1/units
func (s *Server) handleUnitStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	status, err := s.queue.Status(r.Context())
	if err != nil {
		respondStoreError(w, reqID, err)
		return
	}
	respondOK(w, reqID, status)
}
