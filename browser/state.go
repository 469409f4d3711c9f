package browser

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
)

// Cookie is one cookie captured from the browser.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"httpOnly"`
	Expires  float64 `json:"expires"`
	SameSite string  `json:"sameSite,omitempty"`
}

// State is everything persisted for a committed session: the cookie jar and
// the localStorage of each captured origin.
type State struct {
	Cookies []Cookie                     `json:"cookies"`
	Storage map[string]map[string]string `json:"storage"`
}

func (s State) Marshal() ([]byte, error) {
	if s.Cookies == nil {
		s.Cookies = []Cookie{}
	}
	if s.Storage == nil {
		s.Storage = map[string]map[string]string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("[browser State.Marshal] %w", err)
	}
	return b, nil
}

// UnmarshalState parses persisted state. Bytes that are not a state document
// mean the blob was sealed with a key we do not hold.
func UnmarshalState(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("[browser UnmarshalState] %w: state is not readable", apperrors.ErrDecryptionFailed)
	}
	return s, nil
}

// ReplayCookies converts stored cookies into the form a cookie jar accepts,
// grouped by the URL they must be set against. Leading dots are stripped
// from domains and an empty path becomes "/".
func ReplayCookies(cookies []Cookie) map[string][]*http.Cookie {
	out := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" || c.Name == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		u := (&url.URL{Scheme: scheme, Host: domain, Path: "/"}).String()
		out[u] = append(out[u], hc)
	}
	return out
}
