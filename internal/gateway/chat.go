package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/seekchat/internal/agent"
	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/quota"
	"github.com/soyeahso/seekchat/internal/store"
)

// ChatRequest is the body of POST /chat and the first WebSocket message.
type ChatRequest struct {
	Messages  []domain.Message `json:"messages"`
	ChatID    string           `json:"chatId,omitempty"`
	IsNewChat bool             `json:"isNewChat,omitempty"`
}

// RateLimitResponse is the body of a 429 from the daily cap.
type RateLimitResponse struct {
	Error string `json:"error"`
	Limit int    `json:"limit"`
	Used  int    `json:"used"`
}

var errBadRequest = errors.New("bad request")

func decodeChatRequest(r io.Reader) (ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return req, validateChatRequest(req)
}

func validateChatRequest(req ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", errBadRequest)
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has invalid role %q", errBadRequest, i, m.Role)
		}
	}
	return nil
}

// turn builds the orchestrator input. A request without a chat id starts
// a new conversation under a fresh id.
func (req ChatRequest) turn(userID string) agent.Turn {
	t := agent.Turn{
		UserID:   userID,
		ChatID:   req.ChatID,
		IsNew:    req.IsNewChat,
		Messages: req.Messages,
	}
	if t.ChatID == "" {
		t.ChatID = uuid.NewString()
		t.IsNew = true
	}
	return t
}

// admit consumes one request from the caller's daily allowance. It
// returns the decision, or an error if the check itself failed.
func (s *Server) admit(ctx context.Context, userID string) (quota.Decision, error) {
	if s.quota == nil {
		return quota.Decision{Allowed: true}, nil
	}
	return s.quota.CheckAndConsume(ctx, userID)
}

func writeRateLimited(w http.ResponseWriter, d quota.Decision) {
	secs := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, RateLimitResponse{
		Error: "too many requests",
		Limit: d.Limit,
		Used:  d.Used,
	})
}

// runTurn runs a turn under the turn timeout. Failures after the turn has
// produced output are replaced by the generic error frame; the returned
// error is for logging and pre-output handling only.
func (s *Server) runTurn(ctx context.Context, turn agent.Turn, em *Emitter) error {
	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	err := s.runRecovered(ctx, turn, em)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrOwnershipViolation) && !em.Started() {
		return err
	}

	s.log.Error().Err(err).Str("chat", turn.ChatID).Str("user", turn.UserID).Msg("chat turn failed")
	if ferr := em.Fail(); ferr != nil {
		s.log.Debug().Err(ferr).Str("chat", turn.ChatID).Msg("error frame not delivered")
	}
	return err
}

// runRecovered runs the turn and turns a panic into an error so the stream
// still ends with an error frame.
func (s *Server) runRecovered(ctx context.Context, turn agent.Turn, em *Emitter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().
				Str("chat", turn.ChatID).
				Str("stack", string(debug.Stack())).
				Msgf("chat turn panicked: %v", p)
			err = fmt.Errorf("chat turn panicked: %v", p)
		}
	}()
	_, err = s.turns.Run(ctx, turn, em)
	return err
}

// handleChat runs one chat turn and streams its output.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeError(w, http.StatusServiceUnavailable, "no model configured")
		return
	}
	id, _ := IdentityFrom(r.Context())

	req, err := decodeChatRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.admit(r.Context(), id.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user", id.UserID).Msg("quota check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !d.Allowed {
		writeRateLimited(w, d)
		return
	}

	turn := req.turn(id.UserID)
	em := newEmitter(newLineSink(w))
	err = s.runTurn(r.Context(), turn, em)
	if errors.Is(err, store.ErrOwnershipViolation) && !em.Started() {
		writeError(w, http.StatusForbidden, "chat belongs to another user")
	}
}
