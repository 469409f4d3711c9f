package config

import "time"

const (
	encryptionKeyVar = "ENCRYPTION_KEY"
	secretKeyVar     = "SECRET_KEY"
)

type SecurityConfig interface {
	GetEncryptionKey() string
	GetSecretKey() string
	GetSessionCookieMaxAge() time.Duration
	GetEnableRateLimiting() bool
}

type Security struct{}

var _ SecurityConfig = Security{}

// GetEncryptionKey is the pre-shared key for persisted browser state.
func (Security) GetEncryptionKey() string {
	return GetEnv(encryptionKeyVar, "")
}

// GetSecretKey signs the session cookie handed to browsers.
func (Security) GetSecretKey() string {
	return GetEnv(secretKeyVar, "")
}

func (Security) GetSessionCookieMaxAge() time.Duration {
	return 30 * 24 * time.Hour
}

func (Security) GetEnableRateLimiting() bool {
	return Proxy{}.GetRateLimit() > 0
}
