package api

import (
	"net/http"

	"github.com/okian/ritual/internal/domain/types"
)

// handleRankings handles PUT /v1/cycles/{id}/rankings.
func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	var req types.RankingsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.SetRankings(r.Context(), sess, r.PathValue("id"), req.Rankings)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}

// handleAvailability handles PUT /v1/cycles/{id}/availability.
func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req types.AvailabilityRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.SetAvailability(r.Context(), sess, r.PathValue("id"), req.Slots)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}

// handleAgreement handles POST /v1/cycles/{id}/agreement. A conflict is a
// normal outcome and is reported with 200 and conflict set.
func (s *Server) handleAgreement(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	res, err := s.deps.ComputeAgreement(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := types.AgreementResponse{
		State:    string(res.State),
		Conflict: res.Conflict(),
		Picker:   res.Picker,
		Overlap:  res.Overlap,
		Cycle:    s.view(sess, res.Cycle),
	}
	for _, m := range res.Mutual {
		resp.Mutual = append(resp.Mutual, m.Proposal.Title)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefineTime handles PUT /v1/cycles/{id}/agreement/time.
func (s *Server) handleRefineTime(w http.ResponseWriter, r *http.Request) {
	var req types.RefineTimeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	c, err := s.deps.RefineTime(r.Context(), sess, r.PathValue("id"), req.Hour)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess, c))
}

// handleCompletion handles POST /v1/cycles/{id}/completion.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	done, err := s.deps.RecordCompletion(r.Context(), sess, r.PathValue("id"), req.Rating)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, done)
}
