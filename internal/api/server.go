package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/seral-labs/harbinger/pkg/config"
	"github.com/seral-labs/harbinger/pkg/health"
	"github.com/seral-labs/harbinger/pkg/logger"
	"github.com/seral-labs/harbinger/pkg/metrics"
	"github.com/seral-labs/harbinger/pkg/middleware"
)

// Server hosts the collection handlers plus health endpoints behind the
// shared middleware chain.
type Server struct {
	cfg      config.ServerConfig
	handlers []*Handler
	checker  *health.Checker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewServer(cfg config.ServerConfig, handlers []*Handler, checker *health.Checker, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		checker:  checker,
		metrics:  m,
		logger:   logger.WithComponent("api-server"),
	}
}

// Handler returns the composed route tree with the middleware chain applied,
// for callers that bring their own listener.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	for _, h := range s.handlers {
		base := "/api/v1/" + h.Name()
		mux.HandleFunc("GET "+base+"/search", h.Search)
		mux.HandleFunc("GET "+base, h.Fetch)
		mux.HandleFunc("POST "+base, h.Publish)
		mux.HandleFunc("PUT "+base, h.Publish)
		mux.HandleFunc("DELETE "+base, h.Delete)
	}
	mux.HandleFunc("GET /healthz/live", s.checker.LiveHandler())
	mux.HandleFunc("GET /healthz/ready", s.checker.ReadyHandler())

	var handler http.Handler = mux
	if s.metrics != nil {
		handler = middleware.Metrics(s.metrics)(handler)
	}
	handler = middleware.Timeout(s.cfg.RequestTimeout)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.RequestID()(handler)
	return handler
}

// Run serves until ctx is cancelled, then drains connections within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return nil
}
