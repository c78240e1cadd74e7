package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/store"
	"github.com/soyeahso/seekchat/internal/version"
)

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Clients int    `json:"clients"`
}

// ChatList is the body of GET /chats.
type ChatList struct {
	Chats []domain.Conversation `json:"chats"`
}

// ErrorResponse is the body of every JSON error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// handleHealth reports liveness and, when a store is wired, its health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version, Clients: s.clients.Count()}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("store health check failed")
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	id, _ := IdentityFrom(r.Context())
	chats, err := s.chats.List(r.Context(), id.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user", id.UserID).Msg("listing chats failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if chats == nil {
		chats = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, ChatList{Chats: chats})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if s.chats == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	id, _ := IdentityFrom(r.Context())
	conv, err := s.chats.Get(r.Context(), r.PathValue("id"), id.UserID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user", id.UserID).Msg("loading chat failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.quota == nil {
		writeError(w, http.StatusServiceUnavailable, "quota not available")
		return
	}
	id, _ := IdentityFrom(r.Context())
	d, err := s.quota.Usage(r.Context(), id.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user", id.UserID).Msg("reading usage failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
