package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/promptsync/internal/actions"
)

type putSubjectRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

func (s *Server) handlePutSubject(w http.ResponseWriter, r *http.Request) {
	var req putSubjectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	subject := actions.Subject{
		ID:   strings.TrimSpace(chi.URLParam(r, "id")),
		Name: strings.TrimSpace(req.Name),
		Kind: strings.TrimSpace(req.Kind),
	}
	if subject.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	if err := s.store.SaveSubject(ctx, subject); err != nil {
		respondDomainError(w, err)
		return
	}
	saved, err := s.store.GetSubject(ctx, subject.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	subject, err := s.store.GetSubject(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subject)
}

// handleDeleteSubject removes a subject; pending prompts about it resolve as
// invalid when answered.
func (s *Server) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	if err := s.store.DeleteSubject(ctx, chi.URLParam(r, "id")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = v
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	outcomes, err := s.store.ListOutcomes(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []actions.Outcome{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}
