package server

import (
	"net/http"
)

type browserLoginRequest struct {
	LoginURL string `json:"login_url" validate:"required,url"`
}

type browserScrapeRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// BrowserLoginHandler launches an interactive login and returns at once with
// the capture session id.
func (s *Server) BrowserLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req browserLoginRequest
		if err := s.decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		sessionID, err := s.browser.StartLogin(req.LoginURL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
	}
}

func (s *Server) BrowserCommitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statePath, err := s.browser.Commit(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    "session committed, cookies saved",
			"state_path": statePath,
		})
	}
}

func (s *Server) BrowserCloseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.browser.Close(r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]string{"message": "session closed, nothing saved"})
	}
}

func (s *Server) BrowserStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.browser.Status(r.PathValue("id")))
	}
}

// BrowserScrapeHandler fetches a page with the saved cookies of a committed
// session.
func (s *Server) BrowserScrapeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req browserScrapeRequest
		if err := s.decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		result, err := s.browser.Scrape(r.Context(), r.PathValue("id"), req.URL)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
