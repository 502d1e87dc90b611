package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/apireg"
	"github.com/ternarybob/marketpost/internal/services/automation"
)

// RegisterRequest is the body of the registration endpoints.
// Mode only applies to single-platform registration.
type RegisterRequest struct {
	Listing     *models.ProductListing `json:"listing"`
	Credentials *models.Credentials    `json:"credentials,omitempty"`
	Mode        string                 `json:"mode,omitempty"`
}

// RawRequest is forwarded to a platform's private API
type RawRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// AutomationHandler exposes listing registration, history and manual interventions
type AutomationHandler struct {
	registrar     Registrar
	interventions *automation.Interventions
	logger        arbor.ILogger
}

// NewAutomationHandler creates a new AutomationHandler
func NewAutomationHandler(registrar Registrar, interventions *automation.Interventions, logger arbor.ILogger) *AutomationHandler {
	return &AutomationHandler{
		registrar:     registrar,
		interventions: interventions,
		logger:        logger,
	}
}

// RegisterAllHandler handles POST /api/register
func (h *AutomationHandler) RegisterAllHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req RegisterRequest
	if !DecodeJSON(w, r, &req, false) {
		return
	}

	results, err := h.registrar.RegisterAll(r.Context(), req.Listing, req.Credentials)
	if err != nil {
		h.writeRegistrationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, results)
}

// RegisterPlatformHandler handles POST /api/register/{platform}
func (h *AutomationHandler) RegisterPlatformHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req RegisterRequest
	if !DecodeJSON(w, r, &req, false) {
		return
	}

	mode, err := automation.ParseMode(req.Mode)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.registerVia(w, r, platform, &req, mode)
}

// DirectHandler handles POST /api/direct/{platform}: API registration only
func (h *AutomationHandler) DirectHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req RegisterRequest
	if !DecodeJSON(w, r, &req, false) {
		return
	}

	h.registerVia(w, r, platform, &req, automation.ModeAPI)
}

func (h *AutomationHandler) registerVia(w http.ResponseWriter, r *http.Request, platform string, req *RegisterRequest, mode automation.Mode) {
	result, err := h.registrar.RegisterVia(r.Context(), platform, req.Listing, req.Credentials, mode)
	if err != nil {
		h.writeRegistrationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

func (h *AutomationHandler) writeRegistrationError(w http.ResponseWriter, err error) {
	if errors.Is(err, automation.ErrInvalidListing) {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error().Err(err).Msg("Registration request failed")
	WriteError(w, http.StatusInternalServerError, "Registration failed")
}

// RawHandler handles POST /api/direct/{platform}/raw
func (h *AutomationHandler) RawHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req RawRequest
	if !DecodeJSON(w, r, &req, false) {
		return
	}
	if req.Path == "" {
		WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	body, status, err := h.registrar.Raw(r.Context(), platform, strings.ToUpper(req.Method), req.Path, req.Body)
	if err != nil {
		var apiErr *apireg.APIError
		switch {
		case errors.Is(err, automation.ErrUnsupportedPlatform):
			WriteError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, apireg.ErrAPIDisabled), errors.Is(err, apireg.ErrForeignHost):
			WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, apireg.ErrNoValidBundle):
			WriteCodedError(w, http.StatusConflict, string(models.ErrorCodeTokenExpired), err.Error())
		case errors.As(err, &apiErr):
			WriteCodedError(w, http.StatusBadGateway, string(apiErr.Code), err.Error())
		default:
			h.logger.Error().Err(err).Str("platform", platform).Msg("Raw API request failed")
			WriteError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status_code": status,
		"body":        body,
	})
}

// ResultsHandler handles GET /api/results?platform=&limit=
func (h *AutomationHandler) ResultsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	platform := r.URL.Query().Get("platform")
	limit := QueryInt(r, "limit", 0)

	results, err := h.registrar.History(r.Context(), platform, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list results")
		WriteError(w, http.StatusInternalServerError, "Failed to list results")
		return
	}

	WriteJSON(w, http.StatusOK, results)
}

// ResultHandler handles GET /api/results/{id}
func (h *AutomationHandler) ResultHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	result, err := h.registrar.Result(r.Context(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Result not found")
			return
		}
		h.logger.Error().Err(err).Str("result_id", id).Msg("Failed to load result")
		WriteError(w, http.StatusInternalServerError, "Failed to load result")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// ListInterventionsHandler handles GET /api/interventions
func (h *AutomationHandler) ListInterventionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.interventions.List())
}

// ResolveInterventionHandler handles POST /api/interventions/{id}/resolve
func (h *AutomationHandler) ResolveInterventionHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	h.finishIntervention(w, id, h.interventions.Resolve(id), "resolved")
}

// CancelInterventionHandler handles POST /api/interventions/{id}/cancel
func (h *AutomationHandler) CancelInterventionHandler(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	h.finishIntervention(w, id, h.interventions.Cancel(id), "cancelled")
}

func (h *AutomationHandler) finishIntervention(w http.ResponseWriter, id string, err error, verb string) {
	if err != nil {
		if errors.Is(err, automation.ErrInterventionNotFound) {
			WriteError(w, http.StatusNotFound, "Intervention not found or already finished")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info().Str("intervention_id", id).Str("action", verb).Msg("Intervention finished by operator")
	WriteSuccess(w, "Intervention "+verb)
}
