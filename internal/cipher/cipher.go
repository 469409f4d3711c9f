// Package cipher provides authenticated encryption of opaque blobs with a
// pre-shared key. It protects persisted browser state at rest.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	formatVersion byte = 1
	hkdfInfo           = "go-learn-gateway state cipher v1"
)

// Cipher seals and opens byte blobs.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// XChaCha seals with XChaCha20-Poly1305. Output layout is
// version(1) || nonce(24) || ciphertext+tag.
type XChaCha struct {
	key []byte
}

var _ Cipher = (*XChaCha)(nil)

// New creates a cipher from a 32 byte key.
func New(key []byte) (*XChaCha, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("[cipher New] key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &XChaCha{key: k}, nil
}

// NewFromString accepts the ENCRYPTION_KEY value. A base64 (std or url,
// padded or not) encoding of exactly 32 bytes is used as-is; anything else is
// treated as a passphrase and stretched with HKDF-SHA256.
func NewFromString(secret string) (*XChaCha, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("[cipher NewFromString] empty key")
	}
	if raw, ok := decodeRawKey(secret); ok {
		return New(raw)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("[cipher NewFromString] hkdf: %w", err)
	}
	return New(key)
}

func decodeRawKey(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, true
		}
	}
	return nil, false
}

// Seal encrypts plaintext with a fresh random nonce.
func (c *XChaCha) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("[cipher Seal] NewX: %w", err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = formatVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("[cipher Seal] nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, []byte{formatVersion}), nil
}

// Open authenticates and decrypts a blob produced by Seal. Any failure,
// including a wrong key, yields ErrDecryptionFailed.
func (c *XChaCha) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("[cipher Open] NewX: %w", err)
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != formatVersion {
		return nil, fmt.Errorf("[cipher Open] malformed blob: %w", apperrors.ErrDecryptionFailed)
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], []byte{formatVersion})
	if err != nil {
		return nil, fmt.Errorf("[cipher Open] %w", apperrors.ErrDecryptionFailed)
	}
	return plaintext, nil
}
