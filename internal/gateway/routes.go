package gateway

import "net/http"

// registerRoutes sets up all HTTP routes on the server mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("GET /chat/ws", s.requireAuth(s.handleChatWS))
	mux.HandleFunc("GET /chats", s.requireAuth(s.handleListChats))
	mux.HandleFunc("GET /chats/{id}", s.requireAuth(s.handleGetChat))
	mux.HandleFunc("GET /usage", s.requireAuth(s.handleUsage))

	// Catch-all for unknown routes
	mux.HandleFunc("/", handleNotFound)
}
