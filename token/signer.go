package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
)

// SessionSigner wraps opaque session ids in HS256 tokens so the value handed
// to a browser cannot be forged or replayed past its expiry.
type SessionSigner struct {
	secret  []byte
	nowFunc func() time.Time
}

type SignerOption func(*SessionSigner)

func WithSignerNowFunc(now func() time.Time) SignerOption {
	return func(s *SessionSigner) {
		s.nowFunc = now
	}
}

// NewSessionSigner creates a signer keyed by secret
func NewSessionSigner(secret string, opts ...SignerOption) *SessionSigner {
	s := &SessionSigner{
		secret:  []byte(secret),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns a compact token carrying sessionID as its subject.
func (s *SessionSigner) Sign(sessionID string, ttl time.Duration) (string, error) {
	if sessionID == "" {
		return "", apperrors.Validationf("session id is required")
	}
	now := s.nowFunc()
	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("[token Sign] failed to sign session: %w", err)
	}
	return signed, nil
}

// Verify returns the session id inside raw. Any tampering, expiry or
// algorithm switch is reported as ErrNotAuthenticated.
func (s *SessionSigner) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.verificationKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.nowFunc),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("[token Verify] %w: %v", apperrors.ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("[token Verify] %w: empty subject", apperrors.ErrNotAuthenticated)
	}
	return claims.Subject, nil
}

func (s *SessionSigner) verificationKey(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return s.secret, nil
}
