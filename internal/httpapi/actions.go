package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/promptsync/internal/actions"
	"github.com/ent0n29/promptsync/internal/resolve"
)

type createActionResponse struct {
	Record  actions.Record `json:"record"`
	Deduped bool           `json:"deduped"`
}

type resolveActionRequest struct {
	OwnerID string `json:"owner_id"`
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

type listActionsResponse struct {
	Records []actions.Record `json:"records"`
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req actions.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()

	record, deduped, err := s.store.CreateRecord(ctx, req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if deduped {
		status = http.StatusOK
	}
	respondJSON(w, status, createActionResponse{Record: record, Deduped: deduped})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if ownerID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}
	activeOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "active must be a boolean")
			return
		}
		activeOnly = v
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	ctx, cancel := s.storeContext(r)
	defer cancel()
	var (
		records []actions.Record
		err     error
	)
	if activeOnly {
		records, err = s.store.ListActive(ctx, ownerID)
	} else {
		records, err = s.store.ListByOwner(ctx, ownerID, limit)
	}
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if records == nil {
		records = []actions.Record{}
	}
	respondJSON(w, http.StatusOK, listActionsResponse{Records: records})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	record, err := s.store.GetRecord(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleResolveAction(w http.ResponseWriter, r *http.Request) {
	if s.runtime == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "prompt runtime not configured")
		return
	}
	var req resolveActionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "owner_id is required")
		return
	}

	res, err := s.runtime.Resolve(r.Context(), resolve.Request{
		RecordID: chi.URLParam(r, "id"),
		OwnerID:  req.OwnerID,
		Score:    req.Score,
		Comment:  req.Comment,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.StoreOpTimeout)
}
