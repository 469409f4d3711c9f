package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jrsteele09/go-learn-gateway/extract"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"golang.org/x/net/publicsuffix"
)

const (
	maxScrapeBody   = 10 << 20
	scrapeMaxTries  = 3
	scrapeRetryWait = 250 * time.Millisecond
	// MaxScrapeRedirects bounds the redirects a scrape follows.
	MaxScrapeRedirects = 10
)

// ScrapeResult summarises a page fetched with a saved session.
type ScrapeResult struct {
	URL           string         `json:"url"`
	Status        int            `json:"status"`
	Title         string         `json:"title"`
	ContentLength int            `json:"content_length"`
	SampleLinks   []extract.Link `json:"sample_links"`
}

type fetched struct {
	status   int
	finalURL string
	body     []byte
}

// LoadState reads and decrypts the persisted state for sessionID.
func (m *Manager) LoadState(sessionID string) (State, error) {
	data, err := m.store.Read(sessionID)
	if err != nil {
		return State{}, err
	}
	if m.cipher != nil {
		if data, err = m.cipher.Open(data); err != nil {
			return State{}, err
		}
	}
	return UnmarshalState(data)
}

// NewReplayJar builds a cookie jar holding every stored cookie.
func NewReplayJar(state State) (http.CookieJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("[browser NewReplayJar] %w", err)
	}
	for rawURL, cookies := range ReplayCookies(state.Cookies) {
		u, err := url.Parse(rawURL)
		if err != nil {
			continue
		}
		jar.SetCookies(u, cookies)
	}
	return jar, nil
}

// Scrape fetches targetURL with the cookies saved for sessionID and returns
// the page title and its first links. Upstream 401 and 403 mean the saved
// cookies no longer work and surface as ErrUnauthorized.
func (m *Manager) Scrape(ctx context.Context, sessionID, targetURL string) (ScrapeResult, error) {
	target, err := url.Parse(targetURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return ScrapeResult{}, apperrors.Validationf("url must be an absolute http or https url")
	}
	if m.policy != nil {
		if _, err := m.policy.Validate(ctx, targetURL); err != nil {
			return ScrapeResult{}, err
		}
	}

	state, err := m.LoadState(sessionID)
	if err != nil {
		return ScrapeResult{}, err
	}
	jar, err := NewReplayJar(state)
	if err != nil {
		return ScrapeResult{}, err
	}
	client := &http.Client{
		Transport:     m.httpClient.Transport,
		Timeout:       m.httpClient.Timeout,
		Jar:           jar,
		CheckRedirect: m.checkRedirect,
	}

	res, err := backoff.Retry(ctx, func() (*fetched, error) {
		return m.fetch(ctx, client, target.String())
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(scrapeRetryWait)),
		backoff.WithMaxTries(scrapeMaxTries),
	)
	if err != nil {
		return ScrapeResult{}, err
	}

	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return ScrapeResult{}, fmt.Errorf("[browser Scrape] status %d: %w", res.status, apperrors.ErrUnauthorized)
	case res.status < 200 || res.status > 299:
		return ScrapeResult{}, &apperrors.UpstreamError{Op: "scrape", Status: res.status, Body: res.body}
	}

	page, err := extract.Parse(res.body)
	if err != nil {
		return ScrapeResult{}, err
	}
	return ScrapeResult{
		URL:           res.finalURL,
		Status:        res.status,
		Title:         page.Title,
		ContentLength: len(res.body),
		SampleLinks:   page.Links,
	}, nil
}

// checkRedirect holds every hop to the same policy as the first request.
func (m *Manager) checkRedirect(next *http.Request, via []*http.Request) error {
	if len(via) >= MaxScrapeRedirects {
		return fmt.Errorf("%w (>%d)", apperrors.ErrTooManyRedirects, MaxScrapeRedirects)
	}
	if m.policy == nil {
		return nil
	}
	_, err := m.policy.Validate(next.Context(), next.URL.String())
	return err
}

// fetch performs one GET. Only timeouts are retried.
func (m *Manager) fetch(ctx context.Context, client *http.Client, target string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(apperrors.Validationf("bad url: %v", err))
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBody))
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	return &fetched{status: resp.StatusCode, finalURL: resp.Request.URL.String(), body: body}, nil
}

func classifyFetchError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}
	if errors.Is(err, apperrors.ErrSSRFBlocked) || errors.Is(err, apperrors.ErrTooManyRedirects) {
		return backoff.Permanent(fmt.Errorf("[browser Scrape] %w", err))
	}
	if utils.IsTimeout(err) {
		return fmt.Errorf("[browser Scrape] %w: %v", apperrors.ErrUpstreamTimeout, err)
	}
	return backoff.Permanent(fmt.Errorf("[browser Scrape] %w: %v", apperrors.ErrUpstreamUnavailable, err))
}
