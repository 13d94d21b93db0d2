// Package secrets encrypts agent registration secrets at rest. The plaintext
// secret is needed later for HMAC envelope operations, so it is stored
// AES-256-GCM encrypted under a key derived from the server master secret,
// alongside a SHA-256 hash used for registration lookups.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Service encrypts and decrypts agent secrets.
type Service struct {
	aead cipher.AEAD
}

// New derives the encryption key as SHA-256 of the master secret and
// initializes AES-256-GCM.
func New(masterSecret string) (*Service, error) {
	key := sha256.Sum256([]byte(masterSecret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Service{aead: aead}, nil
}

// Encrypt seals the plaintext with a fresh random nonce. The returned string
// is hex(nonce || ciphertext); distinct calls on the same plaintext produce
// distinct ciphertexts.
func (s *Service) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *Service) Decrypt(encrypted string) (string, error) {
	raw, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Hash returns the SHA-256 hex digest of a secret, used to locate a machine
// row at registration time without decrypting anything.
func Hash(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
