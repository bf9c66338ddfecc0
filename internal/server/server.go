// Package server assembles the HTTP mux, middleware chain, and WebSocket
// endpoints into a runnable http.Server.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Naveenravi07/Avara/internal/api"
	"github.com/Naveenravi07/Avara/internal/models"
	"github.com/Naveenravi07/Avara/internal/observability/logging"
	"github.com/Naveenravi07/Avara/internal/serverutil"
	"github.com/Naveenravi07/Avara/internal/signaling"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr   string
	TLS    TLSConfig
	Logger *slog.Logger
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, sessionGW *signaling.SessionGateway, admissionGW *signaling.AdmissionGateway, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.HandleFunc("/api/auth/signup", handler.Signup)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/session", handler.Session)
	mux.HandleFunc("/api/meetings", handler.CreateMeeting)
	mux.HandleFunc("/api/meetings/", handler.MeetingByID)

	if sessionGW != nil {
		mux.HandleFunc("/ws/session", authenticatedWS(handler, sessionGW.HandleConnection))
	}
	if admissionGW != nil {
		mux.HandleFunc("/ws/admission", authenticatedWS(handler, admissionGW.HandleConnection))
	}

	handlerChain := http.Handler(mux)
	handlerChain = authMiddleware(handler, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the full middleware chain, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
		ShutdownTimeout: serverutil.DefaultShutdownTimeout,
	})
}

// authMiddleware resolves the session token, when present, into a user on the
// request context. Handlers decide whether authentication is required.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, err := handler.AuthenticateRequest(r); err == nil {
			r = r.WithContext(api.ContextWithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticatedWS rejects unauthenticated upgrade attempts before they reach
// the gateway.
func authenticatedWS(handler *api.Handler, serve func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := api.UserFromContext(r.Context())
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
			return
		}
		serve(w, r, user)
	}
}
