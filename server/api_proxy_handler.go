package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/rs/zerolog/log"
)

// APIProxyHandler calls the learning platform REST API with the caller's
// refreshed user token. Only paths under the public API prefix are reachable.
func (s *Server) APIProxyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := s.sessionFromCookie(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		accessToken, err := s.tokens.RefreshIfNeeded(r.Context(), sessionID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		target, ok := s.apiTarget(r.PathValue("path"), r.URL.RawQuery)
		if !ok {
			writeJSONError(w, "blocked_path", "only the public REST API may be called", http.StatusForbidden)
			return
		}

		var body io.Reader
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			body = r.Body
		}
		upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
		if err != nil {
			writeError(w, r, fmt.Errorf("[server APIProxyHandler] %w", err))
			return
		}
		upstreamReq.Header.Set("Authorization", "Bearer "+accessToken)
		if ct := r.Header.Get("Content-Type"); ct != "" {
			upstreamReq.Header.Set("Content-Type", ct)
		}
		if accept := r.Header.Get("Accept"); accept != "" {
			upstreamReq.Header.Set("Accept", accept)
		}

		resp, err := s.apiClient.Do(upstreamReq)
		if err != nil {
			if utils.IsTimeout(err) {
				writeError(w, r, fmt.Errorf("[server APIProxyHandler] %w: %v", apperrors.ErrUpstreamTimeout, err))
				return
			}
			writeError(w, r, fmt.Errorf("[server APIProxyHandler] %w: %v", apperrors.ErrUpstream, err))
			return
		}
		defer resp.Body.Close()

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			log.Warn().Err(err).Str("session", utils.ShortID(sessionID)).Msg("api passthrough copy interrupted")
		}
	}
}

// apiTarget resolves apiPath against the base URL and reports whether the
// cleaned result stays under the public API prefix.
func (s *Server) apiTarget(apiPath, rawQuery string) (string, bool) {
	base, err := url.Parse(s.config.GetBaseURL())
	if err != nil || base.Host == "" {
		return "", false
	}
	cleaned := path.Clean("/" + apiPath)
	if !strings.HasPrefix(cleaned, s.config.GetPublicAPIPrefix()) {
		return "", false
	}
	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + cleaned
	target.RawPath = ""
	target.RawQuery = rawQuery
	return target.String(), true
}
