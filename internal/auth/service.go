package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

// AuthService implements the C8 primitives spec.md §4.8 scopes core auth
// to: password storage/verification, role elevation rules, and the
// disable/verify lifecycle. OAuth2 authorization-code/refresh-token
// grants are treated as external collaborators (§4.8) — this service
// only maps a validated bearer token back to a Principal, which C7's
// middleware consumes.
type AuthService struct {
	users   storage.UserRepository
	clients storage.ClientRepository
	hasher  PasswordHasher
	secrets *SecretHasher
	tokens  TokenProvider
	mfa     *MFAService
	audit   audit.Service
	log     *slog.Logger
}

// NewAuthService wires the concrete collaborators the service needs.
// Pass audit.Noop{} when no audit sink is configured.
func NewAuthService(users storage.UserRepository, clients storage.ClientRepository, tokens TokenProvider, mfa *MFAService, auditSvc audit.Service, log *slog.Logger) *AuthService {
	return &AuthService{
		users:   users,
		clients: clients,
		hasher:  NewPBKDF2Hasher(),
		secrets: NewSecretHasher(),
		tokens:  tokens,
		mfa:     mfa,
		audit:   auditSvc,
		log:     log,
	}
}

var (
	// ErrInvalidCredentials covers both unknown account and password
	// mismatch — the two are never distinguished in a response, so a
	// caller can't enumerate valid accounts by timing or message content.
	ErrInvalidCredentials = errors.New("invalid account or password")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrRoleForbidden      = errors.New("caller may not grant this role")
)

// Register creates a new user with a freshly salted password hash. The
// account is normalized to lowercase to match the uniqueness constraint
// spec.md §3 documents on the User model.
func (s *AuthService) Register(ctx context.Context, account, name, password string, roles map[string]bool) (*domain.User, error) {
	account = strings.ToLower(strings.TrimSpace(account))
	if account == "" || password == "" {
		return nil, apperrors.New(apperrors.CodeParam, "account and password are required")
	}
	hash, salt, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := domain.NowMS()
	u := &domain.User{
		UserID:     domain.NewID(),
		Account:    account,
		Password:   hash,
		Salt:       salt,
		Roles:      roles,
		Name:       name,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := s.users.Add(ctx, u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, apperrors.New(apperrors.CodeUserExist, "account already registered")
		}
		return nil, fmt.Errorf("add user: %w", err)
	}
	return u, nil
}

// Login verifies account/password and, on success, returns the user
// record ready for GenerateAccessToken via Principal. A disabled account
// fails verification even with the correct password (§4.8: "verification
// rejects disabled users").
func (s *AuthService) Login(ctx context.Context, account, password string) (*domain.User, error) {
	account = strings.ToLower(strings.TrimSpace(account))
	u, err := s.users.Get(ctx, storage.UserCond{Account: account})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logLogin(ctx, "", account, false)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !s.hasher.Verify(password, u.Password, u.Salt) {
		s.logLogin(ctx, u.UserID, account, false)
		return nil, ErrInvalidCredentials
	}
	if u.Disabled() {
		s.logLogin(ctx, u.UserID, account, false)
		return nil, ErrAccountDisabled
	}
	s.logLogin(ctx, u.UserID, account, true)
	return u, nil
}

func (s *AuthService) logLogin(ctx context.Context, userID, account string, ok bool) {
	action := audit.ActionLoginFailed
	if ok {
		action = audit.ActionLoginSuccess
	}
	s.audit.Log(ctx, audit.Entry{Actor: userID, Action: action, Target: account})
}

// Principal builds the token Principal for an already-authenticated
// user, matching the bearer token contract (spec.md §6.2).
func (s *AuthService) Principal(u *domain.User) Principal {
	return Principal{
		UserID:  u.UserID,
		Account: u.Account,
		Roles:   u.Roles,
		Name:    u.Name,
		Salt:    u.Salt,
	}
}

// ValidateBearer parses and verifies a bearer token, rejecting one whose
// cached salt no longer matches the account's current salt — the
// mechanism spec.md §4.8 calls out by which a password change revokes
// every token issued before it ("token validity is revoked on password
// change by comparing the cached salt against the stored salt during
// token verification"). The salt is embedded in the token itself at
// issuance (GenerateAccessToken), so the comparison needs no external
// cache: a changed password's old tokens die immediately, not just when
// their own TTL elapses.
func (s *AuthService) ValidateBearer(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.tokens.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Scope != "" && claims.Scope != "access" {
		return nil, ErrInvalidToken
	}
	u, err := s.users.Get(ctx, storage.UserCond{UserID: claims.UserID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u.Disabled() {
		return nil, ErrAccountDisabled
	}
	if claims.Salt != u.Salt {
		return nil, ErrExpiredToken
	}
	return claims, nil
}

// ChangePassword rotates the password hash and salt. Per §4.8 the salt
// rotation is itself the revocation mechanism — no separate token
// blacklist is needed.
func (s *AuthService) ChangePassword(ctx context.Context, userID, newPassword string) error {
	hash, salt, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.Update(ctx, storage.UserCond{UserID: userID}, storage.UserUpdate{
		Password: &hash,
		Salt:     &salt,
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// SetRoles applies a role-elevation request from caller (identified by
// their own roles) to target, enforcing spec.md §4.8's elevation rules:
// only admin may grant admin; only admin or manager may grant manager;
// service is exclusive with admin/manager. This sets the full desired
// role map — callers must read-modify-write, it does not patch a single
// role.
func (s *AuthService) SetRoles(ctx context.Context, callerRoles map[string]bool, targetUserID string, desired map[string]bool) error {
	if desired["admin"] && !callerRoles["admin"] {
		return ErrRoleForbidden
	}
	if desired["manager"] && !callerRoles["admin"] && !callerRoles["manager"] {
		return ErrRoleForbidden
	}
	if desired["service"] && (desired["admin"] || desired["manager"]) {
		return apperrors.New(apperrors.CodeParam, "service role is exclusive with admin/manager")
	}
	if err := s.users.Update(ctx, storage.UserCond{UserID: targetUserID}, storage.UserUpdate{Roles: desired}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return fmt.Errorf("update roles: %w", err)
	}
	s.audit.Log(ctx, audit.Entry{Action: audit.ActionUserRoleChange, Target: targetUserID, Metadata: map[string]any{"roles": desired}})
	return nil
}

// Disable toggles disabled_at on or off (on=true sets it to now, on=false
// clears it). A disabled user fails Login and ValidateBearer immediately.
func (s *AuthService) Disable(ctx context.Context, userID string, on bool) error {
	var outer *int64
	if on {
		ms := domain.NowMS().UnixMilli()
		outer = &ms
	}
	if err := s.users.Update(ctx, storage.UserCond{UserID: userID}, storage.UserUpdate{DisabledAt: &outer}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return fmt.Errorf("update disabled_at: %w", err)
	}
	if on {
		s.audit.Log(ctx, audit.Entry{Action: audit.ActionUserDisable, Target: userID})
	}
	return nil
}

// Verify marks a user account verified (e.g. after email confirmation).
func (s *AuthService) Verify(ctx context.Context, userID string) error {
	ms := domain.NowMS().UnixMilli()
	outer := &ms
	if err := s.users.Update(ctx, storage.UserCond{UserID: userID}, storage.UserUpdate{VerifiedAt: &outer}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return fmt.Errorf("update verified_at: %w", err)
	}
	return nil
}

// RegisterClient creates an OAuth2 client record owned by userID. The
// client secret returned in plaintext is shown to the caller exactly
// once; only its bcrypt hash is persisted.
func (s *AuthService) RegisterClient(ctx context.Context, userID, name string, redirectURIs, scopes []string) (*domain.Client, string, error) {
	secret := domain.NewID() + domain.NewID()
	hash, err := s.secrets.Hash(secret)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}
	now := domain.NowMS()
	c := &domain.Client{
		ClientID:          domain.NewID(),
		RedirectURIs:      redirectURIs,
		Scopes:            scopes,
		UserID:            userID,
		Name:              name,
		CredentialsSecret: hash,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	if err := s.clients.Add(ctx, c); err != nil {
		return nil, "", fmt.Errorf("add client: %w", err)
	}
	return c, secret, nil
}

// AuthenticateClient verifies an OAuth2 client_id/client_secret pair
// (the client-credentials half of the token→principal mapping §4.8
// keeps in core scope) and returns the owning user's Principal with the
// client_id attached.
func (s *AuthService) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (Principal, error) {
	c, err := s.clients.Get(ctx, storage.ClientCond{ClientID: clientID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, fmt.Errorf("get client: %w", err)
	}
	if !s.secrets.Verify(c.CredentialsSecret, clientSecret) {
		return Principal{}, ErrInvalidCredentials
	}
	u, err := s.users.Get(ctx, storage.UserCond{UserID: c.UserID})
	if err != nil {
		return Principal{}, fmt.Errorf("get client owner: %w", err)
	}
	p := s.Principal(u)
	p.ClientID = c.ClientID
	p.Scopes = c.Scopes
	return p, nil
}

// SetupMFA generates a TOTP secret for the user (not yet persisted —
// ActivateMFA commits it after the caller proves possession).
func (s *AuthService) SetupMFA(accountName string) (secret string, qrPNG []byte, err error) {
	key, img, err := s.mfa.GenerateSecret(accountName)
	if err != nil {
		return "", nil, err
	}
	return key.Secret(), img, nil
}

// ActivateMFA validates code against secret and, on success, persists
// the secret on the user record so RequireStepUp can later verify fresh
// codes against it.
func (s *AuthService) ActivateMFA(ctx context.Context, userID, secret, code string) error {
	if !s.mfa.ValidateCode(code, secret) {
		return ErrInvalidCode
	}
	stored := &secret
	if err := s.users.Update(ctx, storage.UserCond{UserID: userID}, storage.UserUpdate{MFASecret: &stored}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return fmt.Errorf("update mfa secret: %w", err)
	}
	return nil
}

// RequireStepUp validates a TOTP code against userID's activated MFA
// secret and, on success, issues a short-lived step-up token gating a
// sensitive admin operation (e.g. unit deletion).
func (s *AuthService) RequireStepUp(ctx context.Context, userID, code string) (string, error) {
	u, err := s.users.Get(ctx, storage.UserCond{UserID: userID})
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if u.MFASecret == nil {
		return "", ErrMFANotEnabled
	}
	if !s.mfa.ValidateCode(code, *u.MFASecret) {
		return "", ErrInvalidCode
	}
	return s.tokens.GenerateStepUpToken(userID)
}

// ConsumeStepUp validates a previously-issued step-up token's subject
// matches userID, gating the sensitive operation it was minted for.
func (s *AuthService) ConsumeStepUp(tokenString, userID string) error {
	claims, err := s.tokens.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	if claims.Scope != "step_up" || claims.UserID != userID {
		return ErrInvalidToken
	}
	return nil
}
