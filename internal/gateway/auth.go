package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/soyeahso/seekchat/internal/domain"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "seekchat_session"

var errNoCredentials = errors.New("no credentials provided")

// TokenVerifier turns a session token into a verified identity.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// UserEnsurer records a verified user in the store.
type UserEnsurer interface {
	Ensure(ctx context.Context, id domain.Identity) error
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the auth middleware.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok && id.UserID != ""
}

// credential returns the bearer token from the Authorization header, or
// the session cookie when no header is present.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// authenticate resolves the caller's identity.
func (s *Server) authenticate(r *http.Request) (domain.Identity, error) {
	token := credential(r)
	if token == "" {
		return domain.Identity{}, errNoCredentials
	}
	return s.verifier.Verify(token)
}

// requireAuth rejects requests without a valid identity with 401 and
// ensures the user row exists before calling next.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "authentication not configured")
			return
		}

		id, err := s.authenticate(r)
		if err != nil {
			s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("unauthorized")
			w.Header().Set("WWW-Authenticate", `Bearer realm="seekchat"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		if s.users != nil {
			if err := s.users.Ensure(r.Context(), id); err != nil {
				s.log.Error().Err(err).Str("user", id.UserID).Msg("recording user failed")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		next(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}
