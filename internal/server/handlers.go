package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/catalog"
	"github.com/hyperjump/kotae/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleAsk runs one question through the pipeline. Pipeline failures come
// back with status 200 and the error in the body; only a malformed payload
// is an HTTP error.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	resp := s.pipe.Ask(r.Context(), req.Messages, req.Role)
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	cat := s.store.Snapshot()
	entries := make([]*catalog.Entry, 0, cat.Len())
	for _, id := range cat.IDs() {
		entries = append(entries, cat.Entry(id))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"databases": entries,
		"count":     len(entries),
	})
}

// handleReload rescans the catalog root and publishes the new snapshot.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cat, err := catalog.Scan(r.Context(), &s.config.Catalog, s.logger)
	if err != nil {
		s.logger.Error("catalog reload failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "catalog reload failed")
		return
	}
	s.store.Replace(cat)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"databases": cat.Len(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"databases": s.store.Snapshot().Len(),
		"model":     s.config.LLM.Model,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
