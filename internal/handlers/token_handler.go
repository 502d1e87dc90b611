package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/automation"
	"github.com/ternarybob/marketpost/internal/services/tokens"
)

// TokenHandler manages captured token bundles
type TokenHandler struct {
	store     TokenStore
	registrar Registrar
	logger    arbor.ILogger
}

// NewTokenHandler creates a new TokenHandler
func NewTokenHandler(store TokenStore, registrar Registrar, logger arbor.ILogger) *TokenHandler {
	return &TokenHandler{
		store:     store,
		registrar: registrar,
		logger:    logger,
	}
}

// ListTokensHandler handles GET /api/tokens
func (h *TokenHandler) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	statuses, err := h.store.AllStatus(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list token bundles")
		WriteError(w, http.StatusInternalServerError, "Failed to list token bundles")
		return
	}

	WriteJSON(w, http.StatusOK, statuses)
}

// SaveTokenHandler handles POST /api/tokens with a bundle captured elsewhere
// (for example a browser extension)
func (h *TokenHandler) SaveTokenHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var bundle models.TokenBundle
	if !DecodeJSON(w, r, &bundle, false) {
		return
	}
	if bundle.Platform == "" {
		WriteError(w, http.StatusBadRequest, "platform is required")
		return
	}
	if len(bundle.Cookies) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one cookie is required")
		return
	}
	if bundle.Source == "" {
		bundle.Source = "manual"
	}

	if err := h.store.Save(r.Context(), &bundle); err != nil {
		if errors.Is(err, tokens.ErrStaleBundle) {
			WriteError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("platform", bundle.Platform).Msg("Failed to save token bundle")
		WriteError(w, http.StatusInternalServerError, "Failed to save token bundle")
		return
	}

	h.logger.Info().
		Str("platform", bundle.Platform).
		Int("cookies", len(bundle.Cookies)).
		Bool("csrf", bundle.HasCSRF()).
		Msg("Token bundle saved via API")

	WriteJSON(w, http.StatusOK, h.store.Status(r.Context(), bundle.Platform))
}

// GetTokenHandler handles GET /api/tokens/{platform}
func (h *TokenHandler) GetTokenHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.store.Status(r.Context(), platform))
}

// DeleteTokenHandler handles DELETE /api/tokens/{platform}
func (h *TokenHandler) DeleteTokenHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	if err := h.store.Delete(r.Context(), platform); err != nil {
		h.logger.Error().Err(err).Str("platform", platform).Msg("Failed to delete token bundle")
		WriteError(w, http.StatusInternalServerError, "Failed to delete token bundle")
		return
	}

	WriteSuccess(w, "Token bundle deleted")
}

// RefreshTokenHandler handles POST /api/tokens/{platform}/refresh.
// The body may carry credentials; configured accounts are used otherwise.
func (h *TokenHandler) RefreshTokenHandler(w http.ResponseWriter, r *http.Request, platform string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var creds models.Credentials
	if !DecodeJSON(w, r, &creds, true) {
		return
	}

	status, err := h.registrar.RefreshTokens(r.Context(), platform, &creds)
	if err != nil {
		if errors.Is(err, automation.ErrUnsupportedPlatform) {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Warn().Err(err).Str("platform", platform).Msg("Token refresh failed")
		WriteCodedError(w, http.StatusBadGateway, string(automation.CodeOf(err)), err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, status)
}
