package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxRequestBody  = 1 << 20
)

// errorStatus maps the error taxonomy onto HTTP. Order matters: the first
// match wins, so specific sentinels come before the ErrUpstream family.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{apperrors.ErrValidation, http.StatusBadRequest, "invalid_request"},
	{apperrors.ErrCSRFMismatch, http.StatusBadRequest, "csrf_mismatch"},
	{apperrors.ErrUnknownOrExpiredState, http.StatusBadRequest, "unknown_or_expired_state"},
	{apperrors.ErrSSRFBlocked, http.StatusBadRequest, "ssrf_blocked"},
	{apperrors.ErrNotAuthenticated, http.StatusUnauthorized, "not_authenticated"},
	{apperrors.ErrNoSavedState, http.StatusUnauthorized, "no_saved_state"},
	{apperrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{apperrors.ErrDecryptionFailed, http.StatusForbidden, "decryption_failed"},
	{apperrors.ErrUnknownSession, http.StatusNotFound, "unknown_session"},
	{apperrors.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{apperrors.ErrTooManyRedirects, http.StatusBadGateway, "too_many_redirects"},
	{apperrors.ErrUpstreamTimeout, http.StatusGatewayTimeout, "upstream_timeout"},
	{apperrors.ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},
	{apperrors.ErrUpstream, http.StatusBadGateway, "upstream_error"},
	{apperrors.ErrInternal, http.StatusInternalServerError, "server_error"},
}

// classifyError returns the status and error code for err.
func classifyError(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "server_error"
}

// writeError renders err in the taxonomy's JSON shape. Internal errors are
// logged and replaced by a generic description.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	description := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		log.Error().Err(err).Str("type", fmt.Sprintf("%T", err)).Str("path", r.URL.Path).Msg("internal error")
		description = apperrors.ErrInternal.Error()
	case status >= http.StatusBadGateway:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream failure")
	}
	writeJSONError(w, code, description, status)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Err(err).Msg("failed to encode response")
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads a bounded JSON body into out and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validationf("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return apperrors.Validationf("malformed JSON body: %v", err)
	}
	if err := s.validate.Struct(out); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.Validationf("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return apperrors.Validationf("%s", strings.Join(msgs, "; "))
}
