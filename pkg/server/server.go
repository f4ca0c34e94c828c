// Package server implements the GoChat server: the HTTP API, the realtime
// WebSocket endpoint and the process lifecycle around the relay core.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/NicolasHaas/gochat/pkg/auth"
	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/logging"
	"github.com/NicolasHaas/gochat/pkg/metrics"
	"github.com/NicolasHaas/gochat/pkg/relay"
)

// Server is the main GoChat server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	relay    *relay.Relay
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      *slog.Logger

	httpSrv  *http.Server
	listener net.Listener
	conns    sync.WaitGroup // live WebSocket connections

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance. An empty JWTSecret is replaced by a
// random one, which invalidates issued tokens on restart.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: missing store dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logging.Component("server")
	if cfg.JWTSecret == "" {
		secret, err := crypto.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("server: generate jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
		log.Warn("no JWT secret configured, using a random one; tokens will not survive a restart")
	}
	authn, err := auth.New(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:   cfg,
		store: deps.Store,
		relay: relay.New(deps.Store.NonTx(), relay.Options{
			Logger:     logging.Component("relay"),
			Metrics:    m,
			SendBuffer: cfg.SendBuffer,
		}),
		auth:     authn,
		metrics:  m,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Relay returns the relay core.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Auth returns the token authenticator.
func (s *Server) Auth() *auth.Authenticator {
	return s.auth
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("GET /api/messages", s.handleHistory)
	mux.HandleFunc("POST /api/messages/read", s.handleMarkRead)
	mux.HandleFunc("GET /api/online", s.handleOnline)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// checkOrigin accepts requests without an Origin header, same-host origins,
// and any origin listed in AllowedOrigins ("*" allows all).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if lo.Contains(s.cfg.AllowedOrigins, "*") || lo.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// shutdownGrace bounds Shutdown when Run handles a signal.
const shutdownGrace = 10 * time.Second
