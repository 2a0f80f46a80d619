// Package auth verifies judge handshake credentials against stored
// HMAC-SHA256 hashes. Comparison is constant-time; unknown judges fail
// closed.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const HashAlgorithmHMACSHA256 = "hmac-sha256"

// CredentialSource resolves the stored key hash for a judge identity.
type CredentialSource interface {
	JudgeKeyHash(ctx context.Context, judgeID string) (string, error)
}

// Hasher computes keyed credential hashes; the key never leaves the
// server.
type Hasher struct {
	key []byte
}

func NewHasher(key string) (*Hasher, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("auth: hash key is required")
	}
	return &Hasher{key: []byte(trimmed)}, nil
}

func (h *Hasher) Hash(value string) string {
	mac := hmac.New(sha256.New, h.key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hasher) Equal(hash string, plain string) bool {
	expected := h.Hash(plain)
	return hmac.Equal([]byte(strings.TrimSpace(hash)), []byte(expected))
}

// Verifier implements the bridge's Authenticator contract.
type Verifier struct {
	source CredentialSource
	hasher *Hasher
}

func NewVerifier(source CredentialSource, hasher *Hasher) *Verifier {
	return &Verifier{source: source, hasher: hasher}
}

func (v *Verifier) Authenticate(ctx context.Context, judgeID string, key string) bool {
	trimmedID := strings.TrimSpace(judgeID)
	if trimmedID == "" || key == "" {
		return false
	}
	storedHash, err := v.source.JudgeKeyHash(ctx, trimmedID)
	if err != nil || strings.TrimSpace(storedHash) == "" {
		return false
	}
	return v.hasher.Equal(storedHash, key)
}
