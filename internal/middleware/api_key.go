// Package middleware holds the HTTP and gRPC middleware of the flagstaff
// server: bearer API key authentication, failed-auth rate limiting and
// request logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errInvalidAPIKey = errors.New("invalid api key")

// APIKeyMatchesHash reports whether secret matches a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// APIKeyLookup returns the stored hash and name of a live API key.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, name string, err error)
}

// APIKeyValidator checks "keyID.secret" bearer tokens. The actor it returns
// is the key's name.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAPIKey
	}

	hash, name, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAPIKey
	}
	if name == "" {
		name = keyID
	}
	return name, nil
}
