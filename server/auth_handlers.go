package server

import (
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/rs/zerolog/log"
)

// LoginHandler starts the authorization-code flow: it records the CSRF state
// in a short-lived cookie and redirects to the identity provider.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.auth.IssueAuthorizationRequest(s.config.GetRedirectURI())
		if err != nil {
			writeError(w, r, err)
			return
		}
		setStateCookie(w, req.CSRFCookieValue, req.CSRFCookieMaxAge)
		http.Redirect(w, r, req.AuthorizationURL, http.StatusFound)
	}
}

// CallbackHandler completes the flow and hands the browser a signed sid
// cookie wrapping the new session id.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if errorParam := r.FormValue("error"); errorParam != "" {
			writeJSONError(w, errorParam, r.FormValue("error_description"), http.StatusBadRequest)
			return
		}

		var presented string
		if cookie, err := r.Cookie(stateCookieName); err == nil {
			presented = cookie.Value
		}

		sessionID, err := s.auth.HandleCallback(r.Context(), r.FormValue("code"), r.FormValue("state"), presented)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.setSessionCookie(w, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
		clearCookie(w, stateCookieName)
		http.Redirect(w, r, strings.TrimRight(s.config.GetWebOrigin(), "/")+"/app?auth=ok", http.StatusFound)
	}
}

// RefreshHandler refreshes the cookie session's user token when expired.
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := s.sessionFromCookie(r)
		if err != nil {
			writeJSONError(w, "no_session", "no valid session cookie", http.StatusUnauthorized)
			return
		}
		if _, err := s.tokens.RefreshIfNeeded(r.Context(), sessionID); err != nil {
			if errors.Is(err, apperrors.ErrNotAuthenticated) {
				log.Info().Str("session", utils.ShortID(sessionID)).Msg("refresh failed, re-authentication required")
				writeJSONError(w, "refresh_failed", "re-authentication required", http.StatusUnauthorized)
				return
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// AppTokenHandler warms the application token cache.
func (s *Server) AppTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.tokens.GetAppToken(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sessionID, err := s.sessionFromCookie(r); err == nil {
			s.tokens.ClearUserToken(sessionID)
		}
		clearCookie(w, sessionCookieName)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
