package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// SessionIDBytes is the entropy of every opaque session identifier (192 bits).
const SessionIDBytes = 24

var urlSafeID = regexp.MustCompile(`^[A-Za-z0-9_-]{22,128}$`)

// RandomString returns length random bytes encoded as unpadded base64url.
func RandomString(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("[utils RandomString] rand.Read: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewSessionID mints an opaque, URL-safe session identifier.
func NewSessionID() (string, error) {
	return RandomString(SessionIDBytes)
}

// IsSessionID reports whether id has the shape of an identifier minted by
// NewSessionID. Ids are used in file names, so nothing else is accepted.
func IsSessionID(id string) bool {
	return urlSafeID.MatchString(id)
}

// ShortID trims an identifier for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
