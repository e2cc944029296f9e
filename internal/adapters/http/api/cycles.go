package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	service "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/domain/types"
)

// handleCreateCouple handles POST /v1/couples. The caller becomes partner one.
func (s *Server) handleCreateCouple(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, ErrUnauthenticated)
		return
	}
	var req types.CreateCoupleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	couple, err := s.deps.CreateCouple(r.Context(), userID, req.PartnerID, req.Location)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, couple)
}

// handleCurrentCycle handles POST /v1/cycles/current.
func (s *Server) handleCurrentCycle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.EnsureCurrentCycle(r.Context(), sess)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}

// handleGetCycle handles GET /v1/cycles/{id}.
func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.GetCycle(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}

// handleHistory handles GET /v1/cycles?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, codeBadRequest,
				fmt.Errorf("%w: limit must be 1..%d", ErrBadRequest, maxHistoryLimit))
			return
		}
		limit = n
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	h, err := s.deps.History(r.Context(), sess, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := types.HistoryResponse{
		Cycles:      make([]types.CycleView, 0, len(h.Cycles)),
		Completions: h.Completions,
	}
	for _, c := range h.Cycles {
		resp.Cycles = append(resp.Cycles, s.view(sess, c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSubmitInput handles POST /v1/cycles/{id}/input.
func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	var req types.InputRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	status, err := s.deps.SubmitInput(r.Context(), sess, r.PathValue("id"), service.InputPayload{
		Moods:  req.Moods,
		Desire: req.Desire,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.InputResponse{Status: status})
}

// handleGenerate handles POST /v1/cycles/{id}/generate. When the wait
// ceiling passes the cycle is returned with 202 while generation continues.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.InvokeGeneration(r.Context(), sess, r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.view(sess, c))
	case errors.Is(err, service.ErrGenerationTimeout) && c != nil:
		writeJSON(w, http.StatusAccepted, types.GenerationResponse{
			Code:  codeGenerationTimeout,
			Cycle: s.view(sess, c),
		})
	default:
		s.writeServiceError(w, r, err)
	}
}

// handleSwap handles POST /v1/cycles/{id}/swap.
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req types.SwapRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.Swap(r.Context(), sess, r.PathValue("id"), req.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}
