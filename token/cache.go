// Package token caches the application credential and the per-user
// credentials obtained through the authorization-code grant.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/metrics"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	// ExpirySkew is subtracted from every upstream lifetime.
	ExpirySkew = 30 * time.Second
	// MinLifetime is the floor applied to user records.
	MinLifetime = 30 * time.Second
	// DefaultExpiresIn applies when the token endpoint omits expires_in.
	DefaultExpiresIn = 3600

	appFlightKey = "app"
)

// AppToken is the application credential obtained with client credentials.
type AppToken struct {
	Value     string
	ExpiresAt time.Time
}

// Endpoint describes the upstream token endpoint and this client's credentials.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// AuthInParams sends the client credentials in the form body instead of
	// HTTP Basic.
	AuthInParams bool
}

func (e Endpoint) authStyle() oauth2.AuthStyle {
	if e.AuthInParams {
		return oauth2.AuthStyleInParams
	}
	return oauth2.AuthStyleInHeader
}

// OAuth2Config builds the authorization-code configuration shared with the
// flow controller.
func (e Endpoint) OAuth2Config(authURL, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.ClientID,
		ClientSecret: e.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  e.TokenURL,
			AuthStyle: e.authStyle(),
		},
	}
}

// Cache holds the app token and user token records. All methods are safe for
// concurrent use.
type Cache struct {
	endpoint   Endpoint
	httpClient *http.Client
	repo       Repo
	nowFunc    func() time.Time

	mu  sync.Mutex
	app *AppToken

	flights singleflight.Group
}

type CacheOption func(*Cache)

func WithNowFunc(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.nowFunc = now
	}
}

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(client *http.Client) CacheOption {
	return func(c *Cache) {
		c.httpClient = client
	}
}

func WithRepo(repo Repo) CacheOption {
	return func(c *Cache) {
		c.repo = repo
	}
}

func New(endpoint Endpoint, opts ...CacheOption) *Cache {
	c := &Cache{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		repo:       NewInMemoryRepo(),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the token endpoint configuration.
func (c *Cache) Endpoint() Endpoint {
	return c.endpoint
}

// HTTPContext attaches the cache's HTTP client for use by the oauth2 package.
func (c *Cache) HTTPContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Cache) now() time.Time {
	return c.nowFunc()
}

// cachedApp returns the app token if it is outside the expiry skew.
func (c *Cache) cachedApp() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app != nil && c.now().Before(c.app.ExpiresAt.Add(-ExpirySkew)) {
		return c.app.Value, true
	}
	return "", false
}

// GetAppToken returns a valid app token, fetching one with the
// client-credentials grant when absent or within the expiry skew. Concurrent
// callers on a stale cache share a single upstream fetch. A stale token is
// never served when the fetch fails.
func (c *Cache) GetAppToken(ctx context.Context) (string, error) {
	if v, ok := c.cachedApp(); ok {
		return v, nil
	}

	res, err, _ := c.flights.Do(appFlightKey, func() (any, error) {
		// a flight that finished while we waited may already have refreshed
		if v, ok := c.cachedApp(); ok {
			return v, nil
		}
		return c.fetchAppToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Cache) fetchAppToken(ctx context.Context) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     c.endpoint.ClientID,
		ClientSecret: c.endpoint.ClientSecret,
		TokenURL:     c.endpoint.TokenURL,
		AuthStyle:    c.endpoint.authStyle(),
	}
	// the fetch must outlive the caller that happened to start the flight
	fetchCtx := c.HTTPContext(context.WithoutCancel(ctx))
	tok, err := cc.Token(fetchCtx)
	if err != nil {
		metrics.TokenRequests.WithLabelValues("client_credentials", "error").Inc()
		log.Err(err).Msg("app token fetch failed")
		return "", ClassifyGrantError("[token GetAppToken]", err)
	}
	metrics.TokenRequests.WithLabelValues("client_credentials", "ok").Inc()

	expiresAt := c.appExpiry(ExpiresIn(tok))
	c.mu.Lock()
	c.app = &AppToken{Value: tok.AccessToken, ExpiresAt: expiresAt}
	c.mu.Unlock()

	log.Debug().Time("expiresAt", expiresAt).Msg("app token refreshed")
	return tok.AccessToken, nil
}

// ExpiresIn reads the lifetime in seconds the token endpoint granted,
// defaulting to DefaultExpiresIn when it said nothing. The wire value wins
// over Expiry so the result does not depend on the wall clock.
func ExpiresIn(tok *oauth2.Token) int {
	if tok.ExpiresIn > 0 {
		return int(tok.ExpiresIn)
	}
	if secs, ok := wireExpiresIn(tok.Extra("expires_in")); ok {
		return secs
	}
	if !tok.Expiry.IsZero() {
		if secs := int(time.Until(tok.Expiry) / time.Second); secs > 0 {
			return secs
		}
	}
	return DefaultExpiresIn
}

// wireExpiresIn decodes expires_in from a JSON or form-encoded response.
func wireExpiresIn(v any) (int, bool) {
	var secs int64
	switch n := v.(type) {
	case float64:
		secs = int64(n)
	case int64:
		secs = n
	case int:
		secs = int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		secs = i
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		secs = i
	default:
		return 0, false
	}
	if secs <= 0 {
		return 0, false
	}
	return int(secs), true
}

// appExpiry is chosen so the app token is served for max(30, expiresIn-30)
// seconds, the same window user records get.
func (c *Cache) appExpiry(expiresIn int) time.Time {
	return c.userExpiry(expiresIn).Add(ExpirySkew)
}

// userExpiry applies the skew and the floor: now + max(30, expiresIn-30).
func (c *Cache) userExpiry(expiresIn int) time.Time {
	lifetime := time.Duration(expiresIn)*time.Second - ExpirySkew
	if lifetime < MinLifetime {
		lifetime = MinLifetime
	}
	return c.now().Add(lifetime)
}

// SaveUserToken inserts or overwrites the record for sessionID. An empty
// refresh token means none was issued.
func (c *Cache) SaveUserToken(sessionID, access string, expiresIn int, refresh string) error {
	record := Record{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    c.userExpiry(expiresIn),
	}
	if err := c.repo.Upsert(sessionID, record); err != nil {
		return fmt.Errorf("[token SaveUserToken] repo.Upsert: %w", err)
	}
	metrics.UserSessions.Set(float64(c.repo.Count()))
	return nil
}

// GetUserAccess returns the access token only while it is unexpired. It
// never refreshes and never mutates the record.
func (c *Cache) GetUserAccess(sessionID string) (string, bool) {
	record, ok := c.repo.Get(sessionID)
	if !ok || !c.now().Before(record.ExpiresAt) {
		return "", false
	}
	return record.AccessToken, true
}

// RefreshIfNeeded returns a usable access token for sessionID, refreshing it
// with the refresh-token grant when expired. It returns ErrNotAuthenticated
// when there is no record, when an expired record has no refresh token, and
// after a rejected refresh, which also deletes the record. A record cleared
// while its refresh is in flight stays cleared. Concurrent
// refreshes of the same session share one upstream exchange.
func (c *Cache) RefreshIfNeeded(ctx context.Context, sessionID string) (string, error) {
	if access, ok := c.GetUserAccess(sessionID); ok {
		return access, nil
	}

	res, err, _ := c.flights.Do("user:"+sessionID, func() (any, error) {
		record, ok := c.repo.Get(sessionID)
		if !ok {
			return "", apperrors.ErrNotAuthenticated
		}
		if c.now().Before(record.ExpiresAt) {
			return record.AccessToken, nil
		}
		if record.RefreshToken == "" {
			return "", apperrors.ErrNotAuthenticated
		}
		return c.refresh(ctx, sessionID, record)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Cache) refresh(ctx context.Context, sessionID string, record Record) (string, error) {
	cfg := c.endpoint.OAuth2Config("", "")
	refreshCtx := c.HTTPContext(context.WithoutCancel(ctx))
	tok, err := cfg.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: record.RefreshToken}).Token()
	if err != nil {
		classified := ClassifyGrantError("[token RefreshIfNeeded]", err)
		if errors.Is(classified, apperrors.ErrUpstream) {
			metrics.TokenRequests.WithLabelValues("refresh_token", "rejected").Inc()
			log.Warn().Str("session", utils.ShortID(sessionID)).Msg("refresh rejected, purging user token record")
			c.ClearUserToken(sessionID)
			return "", fmt.Errorf("[token RefreshIfNeeded] %w: %w", apperrors.ErrNotAuthenticated, classified)
		}
		metrics.TokenRequests.WithLabelValues("refresh_token", "error").Inc()
		return "", classified
	}
	metrics.TokenRequests.WithLabelValues("refresh_token", "ok").Inc()

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = record.RefreshToken
	}
	updated := Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    c.userExpiry(ExpiresIn(tok)),
	}
	// a logout during the exchange wins; the new tokens are dropped
	if !c.repo.Replace(sessionID, record.RefreshToken, updated) {
		log.Info().Str("session", utils.ShortID(sessionID)).Msg("session ended during refresh, discarding tokens")
		return "", fmt.Errorf("[token RefreshIfNeeded] %w", apperrors.ErrNotAuthenticated)
	}
	return tok.AccessToken, nil
}

// ClearUserToken removes the record for sessionID. Idempotent.
func (c *Cache) ClearUserToken(sessionID string) {
	c.repo.Delete(sessionID)
	metrics.UserSessions.Set(float64(c.repo.Count()))
}
