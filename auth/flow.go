// Package auth runs the authorization-code flow with PKCE against the
// learning platform and binds the resulting user tokens into the
// credential cache.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/jrsteele09/go-learn-gateway/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// DefaultPendingTTL bounds how long an issued authorization can be completed.
	DefaultPendingTTL = 600 * time.Second

	statePrefix = "xsrf_"
	stateBytes  = 16
)

// AuthorizationRequest is what the caller needs to send the user to the
// identity provider. CSRFCookieValue must be set as a cookie that lives no
// longer than CSRFCookieMaxAge.
type AuthorizationRequest struct {
	AuthorizationURL string
	CSRFCookieValue  string
	CSRFCookieMaxAge time.Duration
}

// Controller issues authorization requests and completes callbacks.
type Controller struct {
	cache    *token.Cache
	oauth    *oauth2.Config
	pending  PendingRepo
	verifier *IDTokenVerifier
	ttl      time.Duration
	nowFunc  func() time.Time
}

type ControllerOption func(*Controller)

func WithPendingRepo(repo PendingRepo) ControllerOption {
	return func(c *Controller) {
		c.pending = repo
	}
}

// WithIDTokenVerifier verifies any id_token returned by the exchange.
func WithIDTokenVerifier(v *IDTokenVerifier) ControllerOption {
	return func(c *Controller) {
		c.verifier = v
	}
}

// WithPendingTTL bounds how long an issued authorization stays redeemable.
// It applies to the default pending store and to the CSRF cookie lifetime.
func WithPendingTTL(ttl time.Duration) ControllerOption {
	return func(c *Controller) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithScopes(scopes ...string) ControllerOption {
	return func(c *Controller) {
		c.oauth.Scopes = scopes
	}
}

func WithNowFunc(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.nowFunc = now
	}
}

// NewController builds a controller for the given authorization endpoint.
// The token endpoint and client credentials come from the cache.
func NewController(cache *token.Cache, authURL, redirectURI string, opts ...ControllerOption) *Controller {
	c := &Controller{
		cache:   cache,
		oauth:   cache.Endpoint().OAuth2Config(authURL, redirectURI),
		ttl:     DefaultPendingTTL,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pending == nil {
		c.pending = NewInMemoryPendingRepo(c.ttl, c.nowFunc)
	}
	return c
}

// IssueAuthorizationRequest creates a PKCE verifier and a CSRF state, records
// them as pending and returns the upstream authorization URL. An empty
// redirectURI uses the configured one.
func (c *Controller) IssueAuthorizationRequest(redirectURI string) (AuthorizationRequest, error) {
	if redirectURI == "" {
		redirectURI = c.oauth.RedirectURL
	}
	if err := ValidateRedirectURI(redirectURI); err != nil {
		return AuthorizationRequest{}, err
	}
	random, err := utils.RandomString(stateBytes)
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("[auth IssueAuthorizationRequest] %w", err)
	}
	state := statePrefix + random
	verifier := oauth2.GenerateVerifier()

	err = c.pending.Put(state, PendingAuthorization{
		Verifier:    verifier,
		RedirectURI: redirectURI,
		CreatedAt:   c.nowFunc(),
	})
	if err != nil {
		return AuthorizationRequest{}, fmt.Errorf("[auth IssueAuthorizationRequest] pending.Put: %w", err)
	}

	authURL := c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.S256ChallengeOption(verifier),
	)
	return AuthorizationRequest{
		AuthorizationURL: authURL,
		CSRFCookieValue:  state,
		CSRFCookieMaxAge: c.ttl,
	}, nil
}

// HandleCallback validates the callback against both the presented CSRF
// cookie and the pending store, exchanges the code with its verifier and
// stores the user tokens under a newly minted session id.
func (c *Controller) HandleCallback(ctx context.Context, code, state, presentedCSRF string) (string, error) {
	if code == "" || state == "" {
		return "", apperrors.Validationf("missing code or state")
	}
	if err := ValidateState(state); err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(presentedCSRF)) != 1 {
		return "", apperrors.ErrCSRFMismatch
	}
	pending, ok := c.pending.Pop(state)
	if !ok {
		return "", apperrors.ErrUnknownOrExpiredState
	}

	tok, err := c.oauth.Exchange(c.cache.HTTPContext(ctx), code,
		oauth2.VerifierOption(pending.Verifier),
		oauth2.SetAuthURLParam("redirect_uri", pending.RedirectURI),
	)
	if err != nil {
		log.Err(err).Msg("authorization code exchange failed")
		return "", fmt.Errorf("[auth HandleCallback] exchange: %w", token.ClassifyGrantError("code exchange", err))
	}

	if c.verifier != nil {
		if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" {
			if _, err := c.verifier.Verify(ctx, rawIDToken); err != nil {
				log.Err(err).Msg("id token verification failed")
				return "", fmt.Errorf("[auth HandleCallback] %w: %v", apperrors.ErrUnauthorized, err)
			}
		}
	}

	sessionID, err := utils.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("[auth HandleCallback] %w", err)
	}
	expiresIn := token.ExpiresIn(tok)
	if err := c.cache.SaveUserToken(sessionID, tok.AccessToken, expiresIn, tok.RefreshToken); err != nil {
		return "", fmt.Errorf("[auth HandleCallback] %w", err)
	}
	log.Info().Str("session", utils.ShortID(sessionID)).Msg("user authorized")
	return sessionID, nil
}

// Close stops background work owned by the controller.
func (c *Controller) Close() {
	if stopper, ok := c.pending.(interface{ Stop() }); ok {
		stopper.Stop()
	}
}
