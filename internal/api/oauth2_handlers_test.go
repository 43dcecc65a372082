package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"

	"github.com/stretchr/testify/require"
)

type fakeUserRepo struct {
	byID      map[string]*domain.User
	byAccount map[string]string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[string]*domain.User{}, byAccount: map[string]string{}}
}

func (r *fakeUserRepo) Add(ctx context.Context, u *domain.User) error {
	if _, exists := r.byAccount[u.Account]; exists {
		return storage.ErrConflict
	}
	cp := *u
	r.byID[u.UserID] = &cp
	r.byAccount[u.Account] = u.UserID
	return nil
}

func (r *fakeUserRepo) Get(ctx context.Context, cond storage.UserCond) (*domain.User, error) {
	if cond.UserID != "" {
		if u, ok := r.byID[cond.UserID]; ok {
			cp := *u
			return &cp, nil
		}
		return nil, storage.ErrNotFound
	}
	if id, ok := r.byAccount[cond.Account]; ok {
		cp := *r.byID[id]
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (r *fakeUserRepo) List(ctx context.Context, cond storage.UserCond, opts storage.ListOptions) (storage.ListResult[domain.User], error) {
	return storage.ListResult[domain.User]{}, nil
}

func (r *fakeUserRepo) Count(ctx context.Context, cond storage.UserCond) (int64, error) {
	return int64(len(r.byID)), nil
}

func (r *fakeUserRepo) Update(ctx context.Context, cond storage.UserCond, fields storage.UserUpdate) error {
	return storage.ErrNotFound
}

func (r *fakeUserRepo) Del(ctx context.Context, cond storage.UserCond) error {
	return storage.ErrNotFound
}

type fakeClientRepo struct {
	byID map[string]*domain.Client
}

func newFakeClientRepo() *fakeClientRepo {
	return &fakeClientRepo{byID: map[string]*domain.Client{}}
}

func (r *fakeClientRepo) Add(ctx context.Context, c *domain.Client) error {
	cp := *c
	r.byID[c.ClientID] = &cp
	return nil
}

func (r *fakeClientRepo) Get(ctx context.Context, cond storage.ClientCond) (*domain.Client, error) {
	if c, ok := r.byID[cond.ClientID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (r *fakeClientRepo) List(ctx context.Context, cond storage.ClientCond, opts storage.ListOptions) (storage.ListResult[domain.Client], error) {
	var items []domain.Client
	for _, c := range r.byID {
		if cond.UserID == "" || c.UserID == cond.UserID {
			items = append(items, *c)
		}
	}
	return storage.ListResult[domain.Client]{Items: items}, nil
}

func (r *fakeClientRepo) Count(ctx context.Context, cond storage.ClientCond) (int64, error) {
	return int64(len(r.byID)), nil
}

func (r *fakeClientRepo) Update(ctx context.Context, cond storage.ClientCond, fields storage.ClientUpdate) error {
	return storage.ErrNotFound
}

func (r *fakeClientRepo) Del(ctx context.Context, cond storage.ClientCond) error {
	if _, ok := r.byID[cond.ClientID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.byID, cond.ClientID)
	return nil
}

func testRSAKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func newAuthTestServer(t *testing.T, users *fakeUserRepo, clients *fakeClientRepo) *Server {
	t.Helper()
	tokens := auth.NewJWTProvider(testRSAKeyPEM(t), "test-issuer", time.Minute)
	mfa := auth.NewMFAService("test-issuer")
	svc := auth.NewAuthService(users, clients, tokens, mfa, audit.Noop{}, testLogger())
	return &Server{Auth: svc, Tokens: tokens, Logger: testLogger(), Audit: audit.Noop{}}
}

func TestHandleOAuth2Token_PasswordGrant(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	_, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", map[string]bool{"owner": true})
	require.NoError(t, err)

	body, _ := json.Marshal(oauth2TokenRequest{GrantType: "password", Account: "alice@example.com", Password: "correct-horse"})
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleOAuth2Token(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp oauth2TokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "Bearer", resp.TokenType)
	require.NotEmpty(t, resp.AccessToken)
}

func TestHandleOAuth2Token_PasswordGrant_WrongPassword(t *testing.T) {
	users := newFakeUserRepo()
	s := newAuthTestServer(t, users, newFakeClientRepo())
	_, err := s.Auth.Register(context.Background(), "alice@example.com", "Alice", "correct-horse", map[string]bool{"owner": true})
	require.NoError(t, err)

	body, _ := json.Marshal(oauth2TokenRequest{GrantType: "password", Account: "alice@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleOAuth2Token(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleOAuth2Token_ClientCredentialsGrant(t *testing.T) {
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	s := newAuthTestServer(t, users, clients)
	u, err := s.Auth.Register(context.Background(), "svc@example.com", "Service Owner", "svc-password", map[string]bool{"service": true})
	require.NoError(t, err)
	c, secret, err := s.Auth.RegisterClient(context.Background(), u.UserID, "ingest-worker", nil, []string{"broker:write"})
	require.NoError(t, err)

	body, _ := json.Marshal(oauth2TokenRequest{GrantType: "client_credentials", ClientID: c.ClientID, ClientSecret: secret})
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleOAuth2Token(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleOAuth2Token_UnsupportedGrant(t *testing.T) {
	s := newAuthTestServer(t, newFakeUserRepo(), newFakeClientRepo())
	body, _ := json.Marshal(oauth2TokenRequest{GrantType: "authorization_code"})
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleOAuth2Token(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
