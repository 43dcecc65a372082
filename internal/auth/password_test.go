package auth

import "testing"

func TestPBKDF2HasherRoundTrip(t *testing.T) {
	h := NewPBKDF2Hasher()

	hash, salt, err := h.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !h.Verify("correct horse battery staple", hash, salt) {
		t.Fatal("Verify should accept the original password")
	}
	if h.Verify("wrong password", hash, salt) {
		t.Fatal("Verify should reject a wrong password")
	}
}

func TestPBKDF2HasherSaltRotatesOnRehash(t *testing.T) {
	h := NewPBKDF2Hasher()

	hash1, salt1, _ := h.Hash("same-password")
	hash2, salt2, _ := h.Hash("same-password")

	if salt1 == salt2 {
		t.Fatal("salt must differ between hash calls")
	}
	if hash1 == hash2 {
		t.Fatal("hash must differ when salt differs")
	}
	// the stored salt is what revokes old tokens on password change: a
	// token validator comparing its cached salt against salt1 must fail
	// once the account has rotated to salt2.
	if salt1 == "" || salt2 == "" {
		t.Fatal("salt must not be empty")
	}
}

func TestSecretHasherRoundTrip(t *testing.T) {
	h := NewSecretHasher()

	hash, err := h.Hash("client-secret-value")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if !h.Verify(hash, "client-secret-value") {
		t.Fatal("Verify should accept the original secret")
	}
	if h.Verify(hash, "wrong-secret") {
		t.Fatal("Verify should reject a wrong secret")
	}
}
