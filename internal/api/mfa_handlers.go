package api

import (
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
)

type mfaSetupResponse struct {
	Secret string `json:"secret"`
	QRCode []byte `json:"qrCode"`
}

// handleMFASetup implements `POST /mfa/setup`, generating a TOTP secret
// for the caller's own account. The secret is not persisted until
// handleMFAActivate proves possession of a valid code.
func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	secret, qr, err := s.Auth.SetupMFA(claims.Account)
	if err != nil {
		s.Logger.Error("setup mfa", "error", err)
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeDB, "mfa setup failed"))
		return
	}
	helpers.RespondData(w, http.StatusOK, mfaSetupResponse{Secret: secret, QRCode: qr}, false)
}

type mfaActivateRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

// handleMFAActivate implements `POST /mfa/activate`, committing the
// secret handleMFASetup generated once the caller proves possession of
// a valid TOTP code.
func (s *Server) handleMFAActivate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req mfaActivateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if err := s.Auth.ActivateMFA(r.Context(), claims.UserID, req.Secret, req.Code); err != nil {
		helpers.RespondErr(w, s.Logger, mapAuthErr(err))
		return
	}
	helpers.RespondNoContent(w)
}

type stepUpRequest struct {
	Code string `json:"code"`
}

type stepUpResponse struct {
	StepUpToken string `json:"stepUpToken"`
}

// handleMFAStepUp implements `POST /mfa/step-up`, exchanging a fresh
// TOTP code for a short-lived token gating a sensitive admin operation
// (e.g. DELETE /unit/{id} when auth.password.require_mfa_for_unit_delete
// is set).
func (s *Server) handleMFAStepUp(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req stepUpRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	token, err := s.Auth.RequireStepUp(r.Context(), claims.UserID, req.Code)
	if err != nil {
		helpers.RespondErr(w, s.Logger, mapAuthErr(err))
		return
	}
	helpers.RespondData(w, http.StatusOK, stepUpResponse{StepUpToken: token}, false)
}
