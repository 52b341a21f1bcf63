// Package core provides the HTTP chassis of the diagnostic API: a chi router
// with the cross-cutting middleware (recovery, timeouts, request ids,
// logging, CORS), the JSON envelope helpers and the health endpoint. Domain
// handlers mount themselves under /v1 through V1RouteRegistrars.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cmipdiag/internal/config"
)

// Server holds the router and the dependencies shared by all routes.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	HealthProbes []HealthProbe

	// V1RouteRegistrars are applied to the /v1 group by MountRoutes. The
	// entry point populates them so core does not import handler packages.
	V1RouteRegistrars []func(chi.Router)

	// Closers are released in order by Shutdown.
	Closers []func() error

	router *chi.Mux
}

// NewServer validates its inputs and prepares an empty router. Routes are
// mounted by MountRoutes once registrars are in place.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases the registered closers. All closers run even when one
// fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	var errs []error
	for _, c := range s.Closers {
		if err := c(); err != nil {
			s.Logger.ErrorContext(ctx, "error releasing server resource", "error", err)
			errs = append(errs, err)
		}
	}
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return errors.Join(errs...)
}
