package auth

import (
	"net/url"
	"strings"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
)

const maxStateLength = 512

// ValidateRedirectURI checks that uri is an absolute http(s) URL without a
// fragment, as the authorization server requires.
func ValidateRedirectURI(uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return apperrors.Validationf("redirect_uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return apperrors.Validationf("redirect_uri is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Validationf("redirect_uri must use http or https scheme")
	}
	if u.Host == "" {
		return apperrors.Validationf("redirect_uri must be absolute")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return apperrors.Validationf("redirect_uri must not contain fragments")
	}
	return nil
}

// ValidateState rejects callback state values that could never have been
// issued: oversized, or outside the URL-safe alphabet.
func ValidateState(state string) error {
	if len(state) > maxStateLength {
		return apperrors.Validationf("state parameter exceeds %d characters", maxStateLength)
	}
	for _, r := range state {
		if !isURLSafe(r) {
			return apperrors.Validationf("state parameter contains invalid characters")
		}
	}
	return nil
}

func isURLSafe(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}
