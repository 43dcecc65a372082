package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/auth"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

func TestHandleMFASetup_ReturnsSecretAndQR(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	_, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mfa/setup", nil)
	req = withClaims(req, &auth.Claims{UserID: "u1", Account: "alice@example.com"})
	rr := httptest.NewRecorder()

	s.handleMFASetup(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp mfaSetupResponse
	require.NoError(t, json.Unmarshal(envelopeData(t, rr.Body.Bytes()), &resp))
	require.NotEmpty(t, resp.Secret)
	require.NotEmpty(t, resp.QRCode)
}

func generateTOTPKey(t *testing.T) *otp.Key {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test-issuer", AccountName: "alice@example.com"})
	require.NoError(t, err)
	return key
}

func TestHandleMFAActivate_ValidCode(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	u, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", nil)
	require.NoError(t, err)

	key := generateTOTPKey(t)
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)

	body, _ := json.Marshal(mfaActivateRequest{Secret: key.Secret(), Code: code})
	req := httptest.NewRequest(http.MethodPost, "/mfa/activate", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: u.UserID})
	rr := httptest.NewRecorder()

	s.handleMFAActivate(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHandleMFAActivate_InvalidCode(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	u, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", nil)
	require.NoError(t, err)

	key := generateTOTPKey(t)
	body, _ := json.Marshal(mfaActivateRequest{Secret: key.Secret(), Code: "000000"})
	req := httptest.NewRequest(http.MethodPost, "/mfa/activate", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: u.UserID})
	rr := httptest.NewRecorder()

	s.handleMFAActivate(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleMFAStepUp_IssuesTokenAfterActivation(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	u, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", nil)
	require.NoError(t, err)

	key := generateTOTPKey(t)
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Auth.ActivateMFA(context.Background(), u.UserID, key.Secret(), code))

	stepCode, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	body, _ := json.Marshal(stepUpRequest{Code: stepCode})
	req := httptest.NewRequest(http.MethodPost, "/mfa/step-up", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: u.UserID})
	rr := httptest.NewRecorder()

	s.handleMFAStepUp(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp stepUpResponse
	require.NoError(t, json.Unmarshal(envelopeData(t, rr.Body.Bytes()), &resp))
	require.NotEmpty(t, resp.StepUpToken)
	require.NoError(t, s.Auth.ConsumeStepUp(resp.StepUpToken, u.UserID))
}
