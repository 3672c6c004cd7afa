package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"aisync/internal/domain"
	"aisync/internal/retrieval"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handlePushCallback dispatches a provider push notification to the Handler
// registered for {source}, per C8.
func (s *Server) handlePushCallback(w http.ResponseWriter, r *http.Request) {
	source := domain.Source(r.PathValue("source"))
	handler, ok := s.push[source]
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no push handler registered for source"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := handler.HandleCallback(r.Context(), bearer, body); err != nil {
		if errors.Is(err, domain.ErrTransient) {
			// Provider retries on 5xx; ack nothing so it redelivers.
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
		// Any other failure (a rejected signature, an unresolvable user) is
		// acknowledged with 200 so the provider does not redeliver it.
		respondJSON(w, http.StatusOK, map[string]any{"status": "rejected", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "accepted"})
}

type searchRequest struct {
	Query           string   `json:"query"`
	UserID          string   `json:"user_id"`
	ProjectID       string   `json:"project_id"`
	K               int      `json:"k"`
	MentionedPeople []string `json:"mentioned_people"`
}

// handleSearch runs the hybrid dense+sparse Retrieval search, per C12.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("query and user_id are required"))
		return
	}

	results, err := s.retrieval.Search(r.Context(), req.Query, req.UserID, retrieval.Options{
		ProjectID:       req.ProjectID,
		K:               req.K,
		MentionedPeople: req.MentionedPeople,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
