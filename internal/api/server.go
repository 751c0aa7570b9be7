// Package api exposes the match host over HTTP: package management, match
// lifecycle, commands, action hooks and websocket view connections.
package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/ugc-runtime-go/internal/actionhook"
	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/pkgstore"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxBodyBytes          = 1 << 20
)

// Options tunes a Server.
type Options struct {
	// Token guards mutating routes. Empty disables the check.
	Token          string
	Executor       executor.Config
	HookTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger
	SecurityLogger *log.Logger
}

// Server serves the host API.
type Server struct {
	store    *pkgstore.Store
	registry *match.Registry
	hooks    *actionhook.Executor
	opts     Options

	logger    *log.Logger
	security  *SecurityLogger
	startTime time.Time

	httpServer *http.Server
}

func NewServer(store *pkgstore.Store, registry *match.Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stdout, "[API] ", log.LstdFlags)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Server{
		store:     store,
		registry:  registry,
		hooks:     actionhook.New(actionhook.Config{Timeout: opts.HookTimeout, Logger: opts.Logger}),
		opts:      opts,
		logger:    opts.Logger,
		security:  NewSecurityLogger(opts.SecurityLogger),
		startTime: time.Now(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.SecurityLoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.CORSMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept out of the request timeout.
		r.Get("/matches/{id}/view", s.handleView)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Get("/packages", s.handleListPackages)
			r.Get("/packages/{id}", s.handleGetPackage)
			r.Get("/matches", s.handleListMatches)
			r.Get("/matches/{id}", s.handleGetMatch)
			r.Get("/matches/{id}/state", s.handleGetState)

			r.Group(func(r chi.Router) {
				r.Use(s.RequireToken)

				r.Post("/packages", s.handleCreatePackage)
				r.Put("/packages/{id}", s.handleUpdatePackage)
				r.Delete("/packages/{id}", s.handleDeletePackage)
				r.Post("/matches", s.handleCreateMatch)
				r.Post("/matches/{id}/commands", s.handleCommand)
				r.Post("/matches/{id}/actions", s.handleAction)
				r.Post("/matches/{id}/actions/visible", s.handleVisibleActions)
				r.Delete("/matches/{id}", s.handleDeleteMatch)
			})
		})
	})

	return r
}

// Start begins listening in a goroutine. It returns once the socket is bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.security.LogSystemStartup(ln.Addr().String(), map[string]interface{}{
		"token_required":  s.opts.Token != "",
		"call_timeout_ms": s.opts.Executor.CallTimeout.Milliseconds(),
		"hook_timeout_ms": s.opts.HookTimeout.Milliseconds(),
	})
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("serve: %v", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops accepting requests, then closes every live match, which
// disconnects its views.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.Close()
	s.security.LogSystemShutdown("shutdown requested", time.Since(s.startTime))
	return err
}
