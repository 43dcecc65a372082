package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 120_000

// PasswordHasher defines the contract for user password operations
// (spec.md §4.8: "hash = PBKDF2-like(account, salt)", read per
// original_source/sylvia-iot-auth's password_hash(password, salt) as
// PBKDF2 over the password keyed by a per-account salt — see DESIGN.md).
// A fresh Salt is generated on every call to Hash, which is what makes
// password change revoke outstanding tokens: ValidateSalt compares the
// caller's cached salt against the stored one.
type PasswordHasher interface {
	Hash(password string) (hash, salt string, err error)
	Verify(password, hash, salt string) bool
}

// PBKDF2Hasher implements PasswordHasher using PBKDF2-HMAC-SHA256.
type PBKDF2Hasher struct {
	iterations int
	keyLen     int
}

// NewPBKDF2Hasher creates a hasher with the default iteration count.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{iterations: pbkdf2Iterations, keyLen: sha256.Size}
}

// Hash derives a new random salt and returns the PBKDF2 digest of
// password under that salt, both hex-encoded.
func (h *PBKDF2Hasher) Hash(password string) (string, string, error) {
	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	return h.derive(password, salt), salt, nil
}

// Verify reports whether password, hashed under salt, matches hash.
func (h *PBKDF2Hasher) Verify(password, hash, salt string) bool {
	candidate := h.derive(password, salt)
	return SecureCompareTokens(candidate, hash)
}

func (h *PBKDF2Hasher) derive(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), h.iterations, h.keyLen, sha256.New)
	return hex.EncodeToString(key)
}

// SecretHasher hashes OAuth2 client credentials secrets (spec.md §4.8's
// Client model carries `credentials_secret`). Retained from the
// teacher's bcrypt-based PasswordHasher — client secrets are generated
// server-side, high-entropy, and compared far less often than user
// logins, so bcrypt's fixed cost is the right tool here while PBKDF2
// with salt rotation is the right one for user passwords above.
type SecretHasher struct {
	cost int
}

// NewSecretHasher creates a new hasher with the default cost (12).
func NewSecretHasher() *SecretHasher {
	return &SecretHasher{cost: 12}
}

// Hash returns the bcrypt hash of secret.
func (h *SecretHasher) Hash(secret string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash client secret: %w", err)
	}
	return string(bytes), nil
}

// Verify reports whether secret matches hash.
func (h *SecretHasher) Verify(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
