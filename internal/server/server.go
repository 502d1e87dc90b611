package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/marketpost/internal/app"
	"github.com/ternarybob/marketpost/internal/common"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app: application,
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(application),
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.app.Logger.Info().
		Str("address", s.server.Addr).
		Strs("platforms", s.app.Orchestrator.SupportedPlatforms()).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}

func writeTimeout(a *app.App) time.Duration {
	timeout := 15 * time.Second
	if a.Config == nil {
		return timeout
	}
	automation := a.Config.Automation
	var budget time.Duration
	for _, v := range []struct {
		value    string
		fallback time.Duration
	}{
		{automation.LoginTimeout, 30 * time.Second},
		{automation.VerifyTimeout, 30 * time.Second},
		{automation.ManualWait, 30 * time.Second},
	} {
		budget += common.ParseDuration(v.value, v.fallback)
	}
	// Platforms run in parallel; one platform's waits bound a request
	if budget*2 > timeout {
		timeout = budget * 2
	}
	return timeout
}
