package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/services/blocking"
)

// BlockingHandler exposes the per-platform blocking detectors
type BlockingHandler struct {
	controller *blocking.Controller
	registry   *locators.Registry
	logger     arbor.ILogger
}

// NewBlockingHandler creates a new BlockingHandler
func NewBlockingHandler(controller *blocking.Controller, registry *locators.Registry, logger arbor.ILogger) *BlockingHandler {
	return &BlockingHandler{
		controller: controller,
		registry:   registry,
		logger:     logger,
	}
}

// ListHandler handles GET /api/blocking
func (h *BlockingHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"threshold": h.controller.Threshold(),
		"platforms": h.controller.States(),
	})
}

// GetHandler handles GET /api/blocking/{platform}
func (h *BlockingHandler) GetHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	detector, ok := h.detector(w, r, platform)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, detector.Snapshot())
}

// ResetHandler handles POST /api/blocking/{platform}/reset
func (h *BlockingHandler) ResetHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	detector, ok := h.detector(w, r, platform)
	if !ok {
		return
	}
	if err := detector.ResetErrorCount(r.Context()); err != nil {
		h.logger.Error().Err(err).Str("platform", platform).Msg("Failed to reset blocking counter")
		WriteError(w, http.StatusInternalServerError, "Failed to reset blocking counter")
		return
	}

	WriteJSON(w, http.StatusOK, detector.Snapshot())
}

// CompleteHandler handles POST /api/blocking/complete: the batch run is
// over, so the rotation helper may stop the instance
func (h *BlockingHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.controller.Complete(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write completion marker")
		WriteError(w, http.StatusBadGateway, "Failed to write completion marker")
		return
	}

	WriteSuccess(w, "Completion marker written")
}

func (h *BlockingHandler) detector(w http.ResponseWriter, r *http.Request, platform string) (*blocking.Detector, bool) {
	if !h.registry.Supported(platform) {
		WriteError(w, http.StatusNotFound, "Unsupported platform: "+platform)
		return nil, false
	}

	detector, err := h.controller.Detector(r.Context(), platform)
	if err != nil {
		h.logger.Error().Err(err).Str("platform", platform).Msg("Failed to load blocking state")
		WriteError(w, http.StatusInternalServerError, "Failed to load blocking state")
		return nil, false
	}
	return detector, true
}
