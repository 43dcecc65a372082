package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
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
	byID map[string]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[string]*domain.User{}}
}

func (r *fakeUserRepo) Add(ctx context.Context, u *domain.User) error {
	cp := *u
	r.byID[u.UserID] = &cp
	return nil
}

func (r *fakeUserRepo) Get(ctx context.Context, cond storage.UserCond) (*domain.User, error) {
	if u, ok := r.byID[cond.UserID]; ok {
		cp := *u
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
	u, ok := r.byID[cond.UserID]
	if !ok {
		return storage.ErrNotFound
	}
	if fields.Password != nil {
		u.Password = *fields.Password
	}
	if fields.Salt != nil {
		u.Salt = *fields.Salt
	}
	return nil
}

func (r *fakeUserRepo) Del(ctx context.Context, cond storage.UserCond) error {
	delete(r.byID, cond.UserID)
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

// TestRequireAuth_PasswordChangeRevokesToken drives the actual HTTP
// middleware (not just the AuthService helper in isolation) to prove a
// bearer token issued before a password change is rejected afterward,
// per spec.md §4.8's cached-salt revocation mechanism.
func TestRequireAuth_PasswordChangeRevokesToken(t *testing.T) {
	users := newFakeUserRepo()
	tokens := auth.NewJWTProvider(testRSAKeyPEM(t), "test-issuer", time.Minute)
	mfa := auth.NewMFAService("test-issuer")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := auth.NewAuthService(users, nil, tokens, mfa, audit.Noop{}, log)
	ctx := context.Background()

	u, err := svc.Register(ctx, "dana@example.com", "Dana", "pw-one", nil)
	require.NoError(t, err)

	accessToken, err := tokens.GenerateAccessToken(svc.Principal(u))
	require.NoError(t, err)

	handler := RequireAuth(svc, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, svc.ChangePassword(ctx, u.UserID, "pw-two"))

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("Authorization", "Bearer "+accessToken)
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusUnauthorized, rr2.Code)
}
