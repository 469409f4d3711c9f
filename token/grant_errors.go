package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"golang.org/x/oauth2"
)

// ClassifyGrantError turns an error from the oauth2 package into the gateway
// taxonomy. A non-2xx answer becomes an UpstreamError carrying the body,
// anything else means the token endpoint could not be reached.
func ClassifyGrantError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := http.StatusBadGateway
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &apperrors.UpstreamError{Op: op, Status: status, Body: re.Body}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrUpstreamUnavailable, err)
}
