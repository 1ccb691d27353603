// Package crypto seals credentials kept on disk. It uses AES-256-GCM; each value is bound to
// a label (for example "oauth/x/refresh") so a ciphertext copied into another field fails to
// open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a ciphertext fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor seals and opens values bound to a label.
type Encryptor interface {
	Encrypt(plaintext []byte, label string) ([]byte, error)
	Decrypt(ciphertext []byte, label string) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext []byte, label string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Decrypt opens a value produced by Encrypt with the same label.
func (e *AESEncryptor) Decrypt(ciphertext []byte, label string) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], []byte(label))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// EncryptString seals plaintext and base64-encodes it for a JSON document. Empty stays empty.
func EncryptString(enc Encryptor, plaintext, label string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := enc.Encrypt([]byte(plaintext), label)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, encoded, label string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct, label)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
