package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// APIKeyPrefix marks UAEF-issued agent credentials.
const APIKeyPrefix = "uaef_"

// GenerateAPIKey returns a new agent API key: the uaef_ prefix followed by 32
// bytes of cryptographically secure randomness, base64url-encoded. Only the
// hash of the key is ever stored.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("api key generation failed: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateEventID returns a 128-bit random identifier rendered as URL-safe
// text. It is the ledger event row id and is distinct from the event hash.
func GenerateEventID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("event id generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyKeyHash compares a stored credential hash against the hash of a
// presented key in constant time.
func VerifyKeyHash(storedHash, presentedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}
