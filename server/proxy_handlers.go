package server

import (
	"net/http"

	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/jrsteele09/go-learn-gateway/proxy"
)

type proxyRequest struct {
	SessionID       string            `json:"session_id" validate:"required"`
	URL             string            `json:"url" validate:"required"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Body            *string           `json:"body"`
	Cookies         map[string]string `json:"cookies"`
	FollowRedirects *bool             `json:"follow_redirects"`
}

type proxyEndRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

func (s *Server) ProxyStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := s.proxy.OpenSession()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID})
	}
}

// ProxyRequestHandler forwards one request through a forwarder session.
// Redirects are followed unless follow_redirects is explicitly false.
func (s *Server) ProxyRequestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxyRequest
		if err := s.decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		follow := true
		if req.FollowRedirects != nil {
			follow = *req.FollowRedirects
		}
		result, err := s.proxy.Forward(r.Context(), proxy.Request{
			SessionID:       req.SessionID,
			URL:             req.URL,
			Method:          req.Method,
			Headers:         req.Headers,
			Body:            []byte(utils.Value(req.Body)),
			ExtraCookies:    req.Cookies,
			FollowRedirects: follow,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) ProxyEndHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req proxyEndRequest
		if err := s.decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		s.proxy.EndSession(req.SessionID)
		writeJSON(w, http.StatusOK, map[string]string{"ended": req.SessionID})
	}
}
