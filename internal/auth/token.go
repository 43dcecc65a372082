package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// TokenProvider defines the contract for generating and validating the
// bearer tokens C7 authenticates against (spec.md §6.2).
type TokenProvider interface {
	GenerateAccessToken(p Principal) (string, error)
	GenerateStepUpToken(userID string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	GetJWKS() (*JWKS, error)
}

// Principal is the set of fields spec.md §6.2 requires a bearer token to
// carry: "{user_id, account, roles: map<string,bool>, name, client_id,
// scopes: [string], expires_at}". ExpiresAt is stamped by the provider at
// signing time, not supplied by the caller.
type Principal struct {
	UserID   string
	Account  string
	Roles    map[string]bool
	Name     string
	ClientID string
	Scopes   []string
	// Salt is the user's current password salt at issuance time, embedded
	// in the signed token so ValidateBearer can detect a password change
	// without a separate cache (spec.md §4.8).
	Salt string
}

// Claims is the JWT claim set. It embeds Principal's fields directly so
// ValidateToken's result matches the token contract without a
// translation step.
type Claims struct {
	UserID   string          `json:"user_id"`
	Account  string          `json:"account"`
	Roles    map[string]bool `json:"roles"`
	Name     string          `json:"name,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Scopes   []string        `json:"scopes,omitempty"`
	// Scope distinguishes a full access token from a short-lived step-up
	// token used to gate sensitive admin operations (e.g. unit deletion)
	// behind a second factor; see internal/auth/mfa.go.
	Scope string `json:"scope,omitempty"`
	// Salt is the password salt cached at issuance time; ValidateBearer
	// compares it against the account's current salt to revoke every
	// token issued before a password change.
	Salt string `json:"salt,omitempty"`
	jwt.RegisteredClaims
}

// ExpiresAtUnix surfaces the registered "exp" claim as the expires_at field
// the token contract names.
func (c Claims) ExpiresAtUnix() int64 {
	if c.RegisteredClaims.ExpiresAt == nil {
		return 0
	}
	return c.RegisteredClaims.ExpiresAt.Unix()
}

// HasRole reports whether the token carries the named role.
func (c Claims) HasRole(role string) bool {
	return c.Roles != nil && c.Roles[role]
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWTProvider implements TokenProvider using RSA-SHA256 (RS256).
type JWTProvider struct {
	privateKey    *rsa.PrivateKey
	publicKey     *rsa.PublicKey
	tokenDuration time.Duration
	stepUpTTL     time.Duration
	issuer        string
	kid           string
}

// NewJWTProvider creates a new token provider. secretKeyPEM must be the
// content of the RSA private key, not a filename.
func NewJWTProvider(secretKeyPEM, issuer string, tokenDuration time.Duration) *JWTProvider {
	block, _ := pem.Decode([]byte(secretKeyPEM))
	if block == nil {
		panic("failed to parse PEM block containing the private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			panic(fmt.Sprintf("failed to parse private key: %v | %v", err, err2))
		}
		var ok bool
		priv, ok = key.(*rsa.PrivateKey)
		if !ok {
			panic("key is not of type *rsa.PrivateKey")
		}
	}

	if tokenDuration <= 0 {
		tokenDuration = 15 * time.Minute
	}

	return &JWTProvider{
		privateKey:    priv,
		publicKey:     &priv.PublicKey,
		tokenDuration: tokenDuration,
		stepUpTTL:     2 * time.Minute,
		issuer:        issuer,
		kid:           "sig-1",
	}
}

// GenerateAccessToken signs a full access token for p.
func (p *JWTProvider) GenerateAccessToken(principal Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   principal.UserID,
		Account:  principal.Account,
		Roles:    principal.Roles,
		Name:     principal.Name,
		ClientID: principal.ClientID,
		Scopes:   principal.Scopes,
		Scope:    "access",
		Salt:     principal.Salt,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			Issuer:    p.issuer,
		},
	}
	return p.sign(claims)
}

// GenerateStepUpToken creates a short-lived token scoped to the second
// MFA factor required before a sensitive admin operation proceeds.
func (p *JWTProvider) GenerateStepUpToken(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Scope:  "step_up",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(p.stepUpTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    p.issuer,
		},
	}
	return p.sign(claims)
}

func (p *JWTProvider) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies the JWT.
func (p *JWTProvider) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GetJWKS returns the JSON Web Key Set for the public key.
func (p *JWTProvider) GetJWKS() (*JWKS, error) {
	eBuf := big.NewInt(int64(p.publicKey.E)).Bytes()
	e := base64.RawURLEncoding.EncodeToString(eBuf)
	n := base64.RawURLEncoding.EncodeToString(p.publicKey.N.Bytes())

	return &JWKS{Keys: []JWK{{
		Kty: "RSA",
		Kid: p.kid,
		Use: "sig",
		N:   n,
		E:   e,
		Alg: "RS256",
	}}}, nil
}
