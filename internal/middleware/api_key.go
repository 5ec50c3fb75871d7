// Package middleware holds the HTTP middleware and gRPC interceptors shared by
// the cartfee transports: bearer API key auth, failed-auth throttling and
// request logging.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// SplitAPIKey splits a bearer token of the form "id.secret".
func SplitAPIKey(token string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

// GenerateSecret returns n random bytes hex encoded.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// APIKeyStore looks up the stored hash for an API key ID.
type APIKeyStore interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator validates "id.secret" bearer tokens against an APIKeyStore.
type APIKeyValidator struct {
	Store APIKeyStore
}

// ValidateToken returns the key ID when the secret matches the stored hash.
func (v APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	id, secret, ok := SplitAPIKey(token)
	if !ok {
		return "", errInvalidAuthorizationHeader
	}
	hash, err := v.Store.ValidateAPIKey(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lookup api key %q: %w", id, err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAuthorizationHeader
	}
	return id, nil
}
