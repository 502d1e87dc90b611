package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
)

// StatusHandler handles health, version and platform status requests
type StatusHandler struct {
	registrar Registrar
	startedAt time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(registrar Registrar, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		registrar: registrar,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthHandler handles GET /api/health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"goroutines": common.GetGoroutineCount(),
	})
}

// VersionHandler handles GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}

// PlatformsHandler handles GET /api/platforms
func (h *StatusHandler) PlatformsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"supported": h.registrar.SupportedPlatforms(),
		"platforms": h.registrar.PlatformStatus(r.Context()),
	})
}
