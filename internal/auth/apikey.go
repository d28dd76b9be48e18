// ABOUTME: Opaque API keys for agents; only their SHA-256 hash is ever stored
// ABOUTME: Keys are "agk_" followed by 32 random bytes in unpadded base64url

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// APIKeyPrefix marks a credential as an API key rather than a JWT.
const APIKeyPrefix = "agk_"

// GenerateAPIKey returns a new API key and the hash to persist.
func GenerateAPIKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	key = APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return key, HashAPIKey(key), nil
}

// HashAPIKey returns the lookup hash for key.
func HashAPIKey(key string) string {
	return sha256Hex(key)
}

// IsAPIKey reports whether credential has the API key shape.
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, APIKeyPrefix)
}
