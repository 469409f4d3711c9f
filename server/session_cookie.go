package server

import (
	"net/http"
	"time"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
)

func (s *Server) setSessionCookie(w http.ResponseWriter, sessionID string) error {
	maxAge := s.config.GetSessionCookieMaxAge()
	signed, err := s.sessions.Sign(sessionID, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge / time.Second),
	})
	return nil
}

// sessionFromCookie returns the opaque session id behind the signed sid
// cookie. A missing or invalid cookie is ErrNotAuthenticated.
func (s *Server) sessionFromCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", apperrors.ErrNotAuthenticated
	}
	return s.sessions.Verify(cookie.Value)
}

func setStateCookie(w http.ResponseWriter, state string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge / time.Second),
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
