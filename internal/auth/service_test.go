package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nimbusgrid/iotbroker/internal/audit"
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
	if cond.Account != "" {
		if id, ok := r.byAccount[cond.Account]; ok {
			cp := *r.byID[id]
			return &cp, nil
		}
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
	if fields.Roles != nil {
		u.Roles = fields.Roles
	}
	if fields.DisabledAt != nil {
		if *fields.DisabledAt == nil {
			u.DisabledAt = nil
		} else {
			t := time.UnixMilli(**fields.DisabledAt).UTC()
			u.DisabledAt = &t
		}
	}
	if fields.VerifiedAt != nil {
		if *fields.VerifiedAt == nil {
			u.VerifiedAt = nil
		} else {
			t := time.UnixMilli(**fields.VerifiedAt).UTC()
			u.VerifiedAt = &t
		}
	}
	if fields.MFASecret != nil {
		u.MFASecret = *fields.MFASecret
	}
	return nil
}

func (r *fakeUserRepo) Del(ctx context.Context, cond storage.UserCond) error {
	delete(r.byID, cond.UserID)
	return nil
}

type fakeClientRepo struct{ byID map[string]*domain.Client }

func newFakeClientRepo() *fakeClientRepo { return &fakeClientRepo{byID: map[string]*domain.Client{}} }

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
	return storage.ListResult[domain.Client]{}, nil
}
func (r *fakeClientRepo) Count(ctx context.Context, cond storage.ClientCond) (int64, error) { return 0, nil }
func (r *fakeClientRepo) Update(ctx context.Context, cond storage.ClientCond, fields storage.ClientUpdate) error {
	return nil
}
func (r *fakeClientRepo) Del(ctx context.Context, cond storage.ClientCond) error { return nil }

func newTestService(t *testing.T) (*AuthService, *fakeUserRepo) {
	t.Helper()
	users := newFakeUserRepo()
	clients := newFakeClientRepo()
	tokens := NewJWTProvider(testRSAKeyPEM(t), "iotbroker-test", time.Minute)
	mfa := NewMFAService("iotbroker-test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAuthService(users, clients, tokens, mfa, audit.Noop{}, log), users
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "Alice@Example.com", "Alice", "s3cret-pw", map[string]bool{"dev": true})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", u.Account)

	got, err := svc.Login(ctx, "alice@example.com", "s3cret-pw")
	require.NoError(t, err)
	require.Equal(t, u.UserID, got.UserID)

	_, err = svc.Login(ctx, "alice@example.com", "wrong-pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterDuplicateAccountConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "bob@example.com", "Bob", "pw12345", nil)
	require.NoError(t, err)
	_, err = svc.Register(ctx, "bob@example.com", "Bob2", "pw12345", nil)
	require.Error(t, err)
}

func TestChangePasswordRevokesCachedSalt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "carol@example.com", "Carol", "pw-one", nil)
	require.NoError(t, err)

	token, err := svc.tokens.GenerateAccessToken(svc.Principal(u))
	require.NoError(t, err)

	_, err = svc.ValidateBearer(ctx, token)
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(ctx, u.UserID, "pw-two"))

	_, err = svc.ValidateBearer(ctx, token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestDisabledUserRejectsLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "dave@example.com", "Dave", "pw-dave", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Disable(ctx, u.UserID, true))

	_, err = svc.Login(ctx, "dave@example.com", "pw-dave")
	require.ErrorIs(t, err, ErrAccountDisabled)
}

func TestSetRolesElevationRules(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "erin@example.com", "Erin", "pw-erin", nil)
	require.NoError(t, err)

	// a manager-only caller may not grant admin
	err = svc.SetRoles(ctx, map[string]bool{"manager": true}, u.UserID, map[string]bool{"admin": true})
	require.ErrorIs(t, err, ErrRoleForbidden)

	// an admin caller may grant manager
	err = svc.SetRoles(ctx, map[string]bool{"admin": true}, u.UserID, map[string]bool{"manager": true})
	require.NoError(t, err)

	// service is exclusive with manager/admin
	err = svc.SetRoles(ctx, map[string]bool{"admin": true}, u.UserID, map[string]bool{"service": true, "manager": true})
	require.Error(t, err)
}

func TestMFAActivateAndStepUp(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "frank@example.com", "Frank", "pw-frank", nil)
	require.NoError(t, err)

	secret, _, err := svc.SetupMFA(u.Account)
	require.NoError(t, err)

	code, err := svc.mfa.GenerateCode(secret)
	require.NoError(t, err)
	require.NoError(t, svc.ActivateMFA(ctx, u.UserID, secret, code))

	code2, err := svc.mfa.GenerateCode(secret)
	require.NoError(t, err)
	stepUpToken, err := svc.RequireStepUp(ctx, u.UserID, code2)
	require.NoError(t, err)
	require.NoError(t, svc.ConsumeStepUp(stepUpToken, u.UserID))
}
