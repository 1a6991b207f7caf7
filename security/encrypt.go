package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// derivationSalt is the fixed domain-separation salt for key derivation.
// Changing it invalidates every previously sealed field.
const derivationSalt = "uaef-salt-v1"

const derivationIterations = 100000

// Encryptor seals sensitive fields with authenticated encryption. The data
// key is derived from the configured secret via PBKDF2-HMAC-SHA256 and used
// with AES-256-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives the data key from the configured secret. The secret
// must be at least 32 bytes.
func NewEncryptor(secret string) (*Encryptor, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("encryption secret must be at least 32 bytes, got %d", len(secret))
	}

	key := pbkdf2.Key([]byte(secret), []byte(derivationSalt), derivationIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher initialization failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead initialization failed: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64url ciphertext with the nonce
// prepended.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64url ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("ciphertext decoding failed: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// EncryptMap seals a map as JSON.
func (e *Encryptor) EncryptMap(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serialization failed: %w", err)
	}
	return e.Encrypt(string(raw))
}

// DecryptMap opens ciphertext produced by EncryptMap.
func (e *Encryptor) DecryptMap(encrypted string) (map[string]interface{}, error) {
	plaintext, err := e.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(plaintext), &data); err != nil {
		return nil, fmt.Errorf("deserialization failed: %w", err)
	}
	return data, nil
}
