package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/cuemby/foundry/pkg/types"
)

// SecretBox seals and opens origin secrets with AES-256-GCM. One box exists
// per origin, wrapping that origin's 32-byte key.
type SecretBox struct {
	key []byte
}

// GenerateKey returns a fresh base64-encoded 32-byte key suitable for
// storing as an origin secret key body.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NewSecretBox builds a box from a base64-encoded key body.
func NewSecretBox(body string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &SecretBox{key: key}, nil
}

// BoxForOrigin builds a box from a stored origin key.
func BoxForOrigin(key *types.OriginSecretKey) (*SecretBox, error) {
	box, err := NewSecretBox(key.Body)
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", key.Origin, err)
	}
	return box, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot seal empty value")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// OpenSecret decrypts a stored origin secret into the form a worker receives.
func (b *SecretBox) OpenSecret(secret *types.OriginSecret) (*types.DecryptedSecret, error) {
	value, err := b.Open(secret.Value)
	if err != nil {
		return nil, fmt.Errorf("secret %s/%s: %w", secret.Origin, secret.Name, err)
	}
	return &types.DecryptedSecret{Name: secret.Name, Value: value}, nil
}
