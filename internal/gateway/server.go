// Package gateway serves the chat HTTP API: authentication, the daily
// quota gate, streamed chat turns and conversation history.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/seekchat/internal/agent"
	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/hooks"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/quota"
)

var ErrClientClosed = errors.New("client connection closed")

// maxBodyBytes caps a chat request body. Tool results travel back in the
// message history, so bodies can be large.
const maxBodyBytes = 4 * 1024 * 1024

// QuotaChecker gates chat turns on the daily request cap.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string) (quota.Decision, error)
	Usage(ctx context.Context, userID string) (quota.Decision, error)
}

// TurnRunner runs one chat turn, writing its output to out.
type TurnRunner interface {
	Run(ctx context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error)
}

// ChatReader loads a user's stored conversations.
type ChatReader interface {
	Get(ctx context.Context, chatID, userID string) (*domain.Conversation, error)
	List(ctx context.Context, userID string) ([]domain.Conversation, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the seekchat HTTP + WebSocket server.
type Server struct {
	cfg     config.GatewayConfig
	log     *logging.Logger
	clients *ClientRegistry
	limiter *ipLimiter

	verifier TokenVerifier
	users    UserEnsurer
	quota    QuotaChecker
	turns    TurnRunner
	chats    ChatReader
	pinger   Pinger
	hooks    *hooks.Manager

	turnTimeout time.Duration
	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithAuth sets the token verifier and the store that records users.
func WithAuth(v TokenVerifier, users UserEnsurer) ServerOption {
	return func(s *Server) {
		s.verifier = v
		s.users = users
	}
}

// WithQuota sets the daily request gate.
func WithQuota(q QuotaChecker) ServerOption {
	return func(s *Server) {
		s.quota = q
	}
}

// WithTurns sets the chat turn runner.
func WithTurns(t TurnRunner) ServerOption {
	return func(s *Server) {
		s.turns = t
	}
}

// WithChats sets the conversation reader for the history endpoints.
func WithChats(c ChatReader) ServerOption {
	return func(s *Server) {
		s.chats = c
	}
}

// WithPinger sets the store health check used by /health.
func WithPinger(p Pinger) ServerOption {
	return func(s *Server) {
		s.pinger = p
	}
}

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a new gateway server.
func New(cfg config.GatewayConfig, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log.Sub("gateway"),
		clients:     NewClientRegistry(log.Sub("clients")),
		limiter:     newIPLimiter(cfg.RequestsPerSec, cfg.Burst),
		turnTimeout: time.Duration(cfg.TurnTimeoutSec) * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
	}
	if s.turnTimeout <= 0 {
		s.turnTimeout = 5 * time.Minute
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.AllowedOrigins, s.limiter)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: a streamed turn is bounded by the turn timeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Enable TLS if configured
	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln = tls.NewListener(ln, tlsCfg)
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, session tokens will be transmitted in cleartext")
	}

	s.startedAt = time.Now()
	go s.limiter.run(ctx)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Dur("turn_timeout", s.turnTimeout).
		Msg("gateway server ready")

	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{
		"addr": ln.Addr().String(),
	})

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.hooks.Emit(context.Background(), hooks.EventGatewayStop, nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}
