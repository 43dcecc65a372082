package api

import (
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/auth"
)

type oauth2TokenRequest struct {
	GrantType    string `json:"grant_type"`
	Account      string `json:"account"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type oauth2TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleOAuth2Token implements `POST /oauth2/token`, the single token
// endpoint that maps a verified credential to a Principal and mints a
// signed access token (spec.md §4.8). Authorization-code and
// refresh-token grants are out of core scope (§4.8 Non-goals) — this
// module supports the two grants that resolve entirely within the
// repositories already wired here:
//
//   - "password": account + password, via AuthService.Login
//   - "client_credentials": client_id + client_secret, via AuthenticateClient
func (s *Server) handleOAuth2Token(w http.ResponseWriter, r *http.Request) {
	var req oauth2TokenRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	var principal auth.Principal
	switch req.GrantType {
	case "password":
		u, err := s.Auth.Login(r.Context(), req.Account, req.Password)
		if err != nil {
			helpers.RespondErr(w, s.Logger, mapAuthErr(err))
			return
		}
		principal = s.Auth.Principal(u)
	case "client_credentials":
		p, err := s.Auth.AuthenticateClient(r.Context(), req.ClientID, req.ClientSecret)
		if err != nil {
			helpers.RespondErr(w, s.Logger, mapAuthErr(err))
			return
		}
		principal = p
	default:
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "unsupported grant_type"))
		return
	}
	token, err := s.Tokens.GenerateAccessToken(principal)
	if err != nil {
		s.Logger.Error("generate access token", "error", err)
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeDB, "token generation failed"))
		return
	}
	helpers.RespondData(w, http.StatusOK, oauth2TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.Cfg.TokenTTL.Seconds()),
	}, false)
}
