package token_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/token"
	"github.com/stretchr/testify/require"
)

func TestSessionSignerRoundTrip(t *testing.T) {
	clock := newFakeClock()
	signer := token.NewSessionSigner("cookie-secret", token.WithSignerNowFunc(clock.Now))

	raw, err := signer.Sign("sid-123", time.Hour)
	require.NoError(t, err)

	sid, err := signer.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, "sid-123", sid)
}

func TestSessionSignerRejects(t *testing.T) {
	clock := newFakeClock()
	signer := token.NewSessionSigner("cookie-secret", token.WithSignerNowFunc(clock.Now))
	other := token.NewSessionSigner("different-secret", token.WithSignerNowFunc(clock.Now))

	good, err := signer.Sign("sid-123", time.Hour)
	require.NoError(t, err)
	forged, err := other.Sign("sid-123", time.Hour)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "sid-123",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong key", forged},
		{"alg none", noneAlg},
		{"tampered payload", tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := signer.Verify(tt.raw)
			require.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
		})
	}
}

func TestSessionSignerExpiry(t *testing.T) {
	clock := newFakeClock()
	signer := token.NewSessionSigner("cookie-secret", token.WithSignerNowFunc(clock.Now))

	raw, err := signer.Sign("sid-123", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = signer.Verify(raw)
	require.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
}

func TestSessionSignerRequiresID(t *testing.T) {
	signer := token.NewSessionSigner("cookie-secret")
	_, err := signer.Sign("", time.Minute)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
