// Package crypto provides at-rest symmetric encryption for credential and
// key material that falls back to database storage when the OS keyring is
// unavailable (headless hosts, CI runners).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
	"crypto/sha256"
)

const (
	secretFileName = ".autocrypt-secret"
	secretLen      = 32
	pbkdf2Iters    = 100000
	keyLen         = 32
)

var salt = []byte("autocrypt-core-at-rest-v1")

// Encryptor encrypts and decrypts strings with a key derived from a
// per-installation secret file. The secret file is created on first use
// with owner-only permissions.
type Encryptor struct {
	key []byte
}

// NewEncryptor loads or creates the per-installation secret under dataDir
// and derives an AES-256 key from it.
func NewEncryptor(dataDir string) (*Encryptor, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	secretPath := filepath.Join(dataDir, secretFileName)
	secret, err := os.ReadFile(secretPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		secret = make([]byte, secretLen)
		if _, randErr := rand.Read(secret); randErr != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", randErr)
		}
		if writeErr := os.WriteFile(secretPath, secret, 0600); writeErr != nil {
			return nil, fmt.Errorf("failed to persist secret: %w", writeErr)
		}
	}

	key := pbkdf2.Key(secret, salt, pbkdf2Iters, keyLen, sha256.New)
	return &Encryptor{key: key}, nil
}

// Encrypt returns base64(nonce || ciphertext) for plaintext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
