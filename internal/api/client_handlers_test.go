package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/storage"

	"github.com/stretchr/testify/require"
)

func TestHandleClientCreate_ReturnsSecretOnce(t *testing.T) {
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	s := newAuthTestServer(t, users, clients)
	s.Repos = storage.Repositories{Client: clients}

	body, _ := json.Marshal(clientCreateRequest{Name: "cli"})
	req := httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: "u1", Roles: map[string]bool{}})
	rr := httptest.NewRecorder()

	s.handleClientCreate(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var got clientResponse
	raw := envelopeData(t, rr.Body.Bytes())
	require.NoError(t, json.Unmarshal(raw, &got))
	require.NotEmpty(t, got.Secret)
	require.Equal(t, "u1", got.UserID)
}

func TestHandleClientCreate_CannotImpersonateOwner(t *testing.T) {
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	s := newAuthTestServer(t, users, clients)
	s.Repos = storage.Repositories{Client: clients}

	body, _ := json.Marshal(clientCreateRequest{Name: "cli", UserID: "someone-else"})
	req := httptest.NewRequest(http.MethodPost, "/client", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: "u1", Roles: map[string]bool{}})
	rr := httptest.NewRecorder()

	s.handleClientCreate(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleClientGet_DeniesNonOwner(t *testing.T) {
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	s := newAuthTestServer(t, users, clients)
	s.Repos = storage.Repositories{Client: clients}
	c, _, err := s.Auth.RegisterClient(context.Background(), "owner1", "cli", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/client/"+c.ClientID, nil)
	req = withClaims(req, &auth.Claims{UserID: "stranger", Roles: map[string]bool{}})
	req = requestWithURLParam(req, "id", c.ClientID)
	rr := httptest.NewRecorder()

	s.handleClientGet(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleClientGet_AllowsManager(t *testing.T) {
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	s := newAuthTestServer(t, users, clients)
	s.Repos = storage.Repositories{Client: clients}
	c, _, err := s.Auth.RegisterClient(context.Background(), "owner1", "cli", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/client/"+c.ClientID, nil)
	req = withClaims(req, &auth.Claims{UserID: "mgr1", Roles: map[string]bool{"manager": true}})
	req = requestWithURLParam(req, "id", c.ClientID)
	rr := httptest.NewRecorder()

	s.handleClientGet(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}
