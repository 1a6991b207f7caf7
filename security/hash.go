// Package security provides the cryptographic primitives for UAEF: canonical
// hashing for the trust ledger, hash chaining, credential generation, JWT
// tokens, and symmetric encryption for sealed fields.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashService computes the canonical hashes used by the trust ledger.
//
// Canonical form is JSON with lexicographically sorted keys and no
// insignificant whitespace. encoding/json already emits map keys in sorted
// order and compact output, so canonical hashing requires callers to express
// structured data as maps rather than structs.
type HashService struct{}

// NewHashService returns a HashService using SHA-256.
func NewHashService() *HashService {
	return &HashService{}
}

// Hash returns the hex-encoded SHA-256 digest of data.
func (h *HashService) Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// HashChain links data to the previous hash:
// SHA256(previousHash + ":" + data).
func (h *HashService) HashChain(previousHash, data string) string {
	return h.Hash(fmt.Sprintf("%s:%s", previousHash, data))
}

// VerifyChain checks a single chain link in constant time.
func (h *HashService) VerifyChain(previousHash, data, expectedHash string) bool {
	computed := h.HashChain(previousHash, data)
	return hmac.Equal([]byte(computed), []byte(expectedHash))
}

// HashCanonical hashes structured data in canonical JSON form. The value must
// be JSON-serializable; maps are emitted with sorted keys.
func (h *HashService) HashCanonical(data map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	return h.Hash(string(canonical)), nil
}
