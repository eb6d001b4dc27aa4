package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/position-monitor/internal/ingest"
	"github.com/position-monitor/internal/logging"
	"github.com/position-monitor/internal/models"
	"github.com/position-monitor/internal/types"
)

// handleStatus handles GET /api/status. It reports degraded state in the
// body and never fails.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.Status())
}

// handleWebhook handles POST /webhooks/{provider}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(mux.Vars(r)["provider"])
	if s.ingester == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Webhook ingestion is not configured", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidInput, "Request body too large", map[string]interface{}{
				"limit": tooLarge.Limit,
			})
			return
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Failed to read body", nil)
		return
	}
	defer r.Body.Close()

	summary, err := s.ingester.Handle(r.Context(), provider, body, r.Header.Get(ingest.SignatureHeader))
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).WithField("provider", provider).Warn("Webhook delivery rejected")
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// handleTrackWallet handles POST /api/wallets.
func (s *Server) handleTrackWallet(w http.ResponseWriter, r *http.Request) {
	var req TrackWalletRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := validateRequest(req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.monitor.Track(r.Context(), req.Wallet, req.UserID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if len(result.Pending) > 0 {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

// handleUntrackWallet handles DELETE /api/wallets/{wallet}.
func (s *Server) handleUntrackWallet(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	n, err := s.monitor.Untrack(r.Context(), wallet)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":      strings.ToLower(wallet),
		"deactivated": n,
	})
}

// handleWalletPositions handles GET /api/wallets/{wallet}/positions.
func (s *Server) handleWalletPositions(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(mux.Vars(r)["wallet"])
	positions, err := s.monitor.WalletPositions(r.Context(), wallet)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if positions == nil {
		positions = []models.Snapshot{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet":    wallet,
		"positions": positions,
		"count":     len(positions),
	})
}

// handleInvalidateWallet handles POST /api/wallets/{wallet}/invalidate.
func (s *Server) handleInvalidateWallet(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(mux.Vars(r)["wallet"])
	if err := s.monitor.Invalidate(r.Context(), wallet); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"wallet":      wallet,
		"invalidated": true,
	})
}

// handleGetPosition handles GET /api/positions/{ref}.
func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	ref := types.PositionRef(mux.Vars(r)["ref"])
	snap, err := s.monitor.GetPosition(r.Context(), ref)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleGetPreferences handles GET /api/users/{id}/preferences.
func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	pref, err := s.monitor.Preference(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pref)
}

// handlePutPreferences handles PUT /api/users/{id}/preferences.
func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]

	var req PreferenceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := validateRequest(req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	pref, err := req.toPreference(userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	saved, err := s.monitor.SavePreference(r.Context(), pref)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}
