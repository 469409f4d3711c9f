package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers at the HTTP boundary
// classify with errors.Is; components wrap with fmt.Errorf and %w.
var (
	// Caller errors
	ErrValidation       = errors.New("validation error")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUnknownSession   = errors.New("unknown session")
	ErrNoSavedState     = errors.New("no saved state for session")
	ErrRateLimited      = errors.New("rate limited")

	// Authorization flow errors
	ErrCSRFMismatch          = errors.New("csrf state mismatch")
	ErrUnknownOrExpiredState = errors.New("unknown or expired state")

	// Security errors
	ErrSSRFBlocked      = errors.New("destination blocked")
	ErrDecryptionFailed = errors.New("decryption failed")

	// Upstream errors
	ErrUpstream            = errors.New("upstream error")
	ErrUnauthorized        = errors.New("upstream rejected credentials")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTooManyRedirects    = errors.New("too many redirects")

	// General errors
	ErrInternal = errors.New("internal error")
)

// UpstreamError is a non-2xx answer from the identity provider or a target
// site. The body is kept for diagnostics.
type UpstreamError struct {
	Op     string
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("%s: upstream returned status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: upstream returned status %d: %s", e.Op, e.Status, truncate(string(e.Body), 512))
}

// Is lets errors.Is(err, ErrUpstream) match any UpstreamError.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// Validationf builds an ErrValidation with a caller-facing message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
