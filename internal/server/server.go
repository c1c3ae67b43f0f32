// Package server hosts the dispatch API through which worker processes share
// the work queue of a parallel run.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/evalflow/internal/store"
)

// Server is the dispatch REST API.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	queue     store.Queue
	budget    int
	tokens    *TokenService
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithTokenService requires workers to present tokens issued by ts.
func WithTokenService(ts *TokenService) Option {
	return func(s *Server) {
		s.tokens = ts
	}
}

// New creates a Server over q. budget is the number of attempts a unit gets
// before a retry request abandons it.
func New(q store.Queue, budget int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		queue:     q,
		budget:    budget,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(dispatchLogMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/units", func(r chi.Router) {
			r.Use(workerAuthMiddleware(s.tokens, s.logger))
			r.Get("/", s.handleUnitStatus)
			r.Post("/checkout", s.handleCheckout)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/allocate", s.handleAllocate)
				r.Post("/finish", s.handleFinish)
				r.Post("/retry", s.handleRetry)
			})
		})
	})
}

// Listener is a running dispatch endpoint.
type Listener struct {
	URL  string
	srv  *http.Server
	done chan error
}

// Listen serves s on a loopback port chosen by the kernel.
func (s *Server) Listen() (*Listener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	l := &Listener{
		URL:  "http://" + ln.Addr().String(),
		srv:  &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second},
		done: make(chan error, 1),
	}
	go func() {
		err := l.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		l.done <- err
	}()
	s.logger.Info("dispatch api listening", "url", l.URL)
	return l, nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (l *Listener) Shutdown(ctx context.Context) error {
	if err := l.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-l.done
}
