package httpapi

import (
	"net/http"
	"strconv"
)

// Memory Vault routes — grounded on goals.py's "Memory Vault routes" section.
// Every handler here responds 503 when no vault is configured, mirroring
// memory.py's _enabled() guard (ChromaDB not installed -> every call is a
// silent no-op there; this surface makes the disabled state explicit to the
// caller instead).

func (s *Server) requireMemory(w http.ResponseWriter) bool {
	if s.memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory vault is not configured")
		return false
	}
	return true
}

func (s *Server) handleGetSessionMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	planID := r.PathValue("plan_id")

	breadcrumbs, err := s.memory.SessionBreadcrumbs(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	shortTerm, longTerm, err := s.memory.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":     planID,
		"breadcrumbs": breadcrumbs,
		"stats":       map[string]int{"short_term": shortTerm, "long_term": longTerm},
	})
}

func (s *Server) handleWipeSessionMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	planID := r.PathValue("plan_id")
	wiped, err := s.memory.WipeSession(r.Context(), planID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan_id": planID, "wiped": wiped})
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var body struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		Category string `json:"category"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.memory.Remember(r.Context(), body.Key, body.Value, body.Category); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "key": body.Key})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	q := r.URL.Query().Get("q")
	n := 5
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	results, err := s.memory.Recall(r.Context(), q, n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (s *Server) handleWipeAllMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	if err := s.memory.WipeAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "all_memory_wiped"})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	shortTerm, longTerm, err := s.memory.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"short_term": shortTerm, "long_term": longTerm})
}
