package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/seekchat/internal/store"
)

const wsRequestWait = 10 * time.Second

// handleChatWS runs one chat turn over a WebSocket. The client sends the
// chat request as its first message; every frame of the turn follows as a
// JSON Frame, and the server closes the connection when the turn ends.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeError(w, http.StatusServiceUnavailable, "no model configured")
		return
	}
	id, _ := IdentityFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	client := NewClient(conn, id.UserID, s.log.Sub("ws"))
	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsRequestWait))
	var req ChatRequest
	if err := client.ReadJSON(&req); err != nil {
		s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("reading chat request failed")
		client.CloseWith(websocket.CloseUnsupportedData, "invalid chat request")
		return
	}
	conn.SetReadDeadline(time.Time{})

	if err := validateChatRequest(req); err != nil {
		client.CloseWith(websocket.CloseUnsupportedData, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	d, err := s.admit(ctx, id.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user", id.UserID).Msg("quota check failed")
		client.CloseWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	if !d.Allowed {
		client.CloseWith(websocket.ClosePolicyViolation, "too many requests")
		return
	}

	// The only reads after the request are control frames; a read error
	// means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	em := newEmitter(client)
	err = s.runTurn(ctx, req.turn(id.UserID), em)
	switch {
	case errors.Is(err, store.ErrOwnershipViolation) && !em.Started():
		client.CloseWith(websocket.ClosePolicyViolation, "chat belongs to another user")
	default:
		client.CloseWith(websocket.CloseNormalClosure, "")
	}
}
