// Package api exposes the broker engine over HTTP/JSON: health, quotes,
// option chains and option quotes, order placement, positions and the
// account summary.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"ibbroker/internal/domain"
	"ibbroker/internal/engine"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "IBKR Broker Service"
	// Version is reported by the health endpoint.
	Version = "1.0.0"

	shutdownTimeout = 5 * time.Second
)

// Broker is the set of engine operations the HTTP surface serves.
type Broker interface {
	Connected() bool
	Quote(ctx context.Context, req engine.QuoteRequest) (domain.Quote, error)
	OptionChain(ctx context.Context, req engine.OptionChainRequest) ([]domain.OptionChainItem, error)
	OptionQuotes(ctx context.Context, reqs []engine.OptionContractRequest) ([]domain.OptionQuote, error)
	PlaceOrder(ctx context.Context, in engine.PlaceOrderInput) (domain.OrderResult, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	Account(ctx context.Context) (domain.AccountSummary, error)
}

// Compile-time interface check.
var _ Broker = (*engine.Engine)(nil)

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	broker Broker
	log    zerolog.Logger
}

// NewServer creates a Server serving b.
func NewServer(cfg Config, b Broker, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		broker: b,
		log:    logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.accessLog)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleHealth)
	s.router.Post("/quote", s.handleQuote)
	s.router.Post("/optionChain", s.handleOptionChain)
	s.router.Post("/options/quotes", s.handleOptionQuotes)
	s.router.Post("/placeOrder", s.handlePlaceOrder)
	s.router.Get("/positions", s.handlePositions)
	s.router.Get("/account", s.handleAccount)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
