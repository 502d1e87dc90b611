package server

import (
	"net/http"

	"github.com/ternarybob/marketpost/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - System
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/api/platforms", s.app.StatusHandler.PlatformsHandler)

	// API routes - Registration
	mux.HandleFunc("/api/register", s.app.AutomationHandler.RegisterAllHandler) // POST - every platform
	mux.HandleFunc("/api/register/", s.handleRegisterRoutes)                    // POST /{platform}
	mux.HandleFunc("/api/direct/", s.handleDirectRoutes)                        // POST /{platform}, /{platform}/raw

	// API routes - Attempt history
	mux.HandleFunc("/api/results", s.app.AutomationHandler.ResultsHandler)
	mux.HandleFunc("/api/results/", s.handleResultRoutes)

	// API routes - Token bundles
	mux.HandleFunc("/api/tokens", s.handleTokensRoute)  // GET (list), POST (save)
	mux.HandleFunc("/api/tokens/", s.handleTokenRoutes) // GET/DELETE /{platform}, POST /{platform}/refresh

	// API routes - Blocking detection
	mux.HandleFunc("/api/blocking", s.app.BlockingHandler.ListHandler)
	mux.HandleFunc("/api/blocking/", s.handleBlockingRoutes)

	// API routes - Manual interventions
	mux.HandleFunc("/api/interventions", s.app.AutomationHandler.ListInterventionsHandler)
	mux.HandleFunc("/api/interventions/", s.handleInterventionRoutes)

	if s.app.Config.Metrics.Enabled && s.app.Metrics != nil {
		path := s.app.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.app.Metrics.Handler())
	}

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", notFoundHandler)

	return mux
}

// handleRegisterRoutes routes POST /api/register/{platform}
func (s *Server) handleRegisterRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/register/")
	if len(segments) != 1 {
		notFoundHandler(w, r)
		return
	}
	s.app.AutomationHandler.RegisterPlatformHandler(w, r, segments[0])
}

// handleDirectRoutes routes POST /api/direct/{platform} and /api/direct/{platform}/raw
func (s *Server) handleDirectRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/direct/")
	switch {
	case len(segments) == 1:
		s.app.AutomationHandler.DirectHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "raw":
		s.app.AutomationHandler.RawHandler(w, r, segments[0])
	default:
		notFoundHandler(w, r)
	}
}

// handleResultRoutes routes GET /api/results/{id}
func (s *Server) handleResultRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/results/")
	if len(segments) != 1 {
		notFoundHandler(w, r)
		return
	}
	s.app.AutomationHandler.ResultHandler(w, r, segments[0])
}

// handleTokensRoute handles the token collection
func (s *Server) handleTokensRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.TokenHandler.ListTokensHandler,
		http.MethodPost: s.app.TokenHandler.SaveTokenHandler,
	})
}

// handleTokenRoutes routes /api/tokens/{platform} and /api/tokens/{platform}/refresh
func (s *Server) handleTokenRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/tokens/")
	switch {
	case len(segments) == 1:
		platform := segments[0]
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
				s.app.TokenHandler.GetTokenHandler(w, r, platform)
			},
			http.MethodDelete: func(w http.ResponseWriter, r *http.Request) {
				s.app.TokenHandler.DeleteTokenHandler(w, r, platform)
			},
		})
	case len(segments) == 2 && segments[1] == "refresh":
		s.app.TokenHandler.RefreshTokenHandler(w, r, segments[0])
	default:
		notFoundHandler(w, r)
	}
}

// handleBlockingRoutes routes /api/blocking/complete, /api/blocking/{platform}
// and /api/blocking/{platform}/reset
func (s *Server) handleBlockingRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/blocking/")
	switch {
	case len(segments) == 1 && segments[0] == "complete":
		s.app.BlockingHandler.CompleteHandler(w, r)
	case len(segments) == 1:
		s.app.BlockingHandler.GetHandler(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "reset":
		s.app.BlockingHandler.ResetHandler(w, r, segments[0])
	default:
		notFoundHandler(w, r)
	}
}

// handleInterventionRoutes routes /api/interventions/{id}/resolve and /cancel
func (s *Server) handleInterventionRoutes(w http.ResponseWriter, r *http.Request) {
	segments := handlers.PathSegments(r.URL.Path, "/api/interventions/")
	if len(segments) != 2 {
		notFoundHandler(w, r)
		return
	}

	id := segments[0]
	matched := RouteBySuffix(w, r, []SuffixRoute{
		{Suffix: "/resolve", Handler: func(w http.ResponseWriter, r *http.Request) {
			s.app.AutomationHandler.ResolveInterventionHandler(w, r, id)
		}},
		{Suffix: "/cancel", Handler: func(w http.ResponseWriter, r *http.Request) {
			s.app.AutomationHandler.CancelInterventionHandler(w, r, id)
		}},
	})
	if !matched {
		notFoundHandler(w, r)
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "Not found: "+r.URL.Path)
}
