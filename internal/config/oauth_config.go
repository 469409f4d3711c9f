package config

import (
	"strings"
	"time"
)

const (
	baseURLVar       = "BB_BASE_URL"
	clientIDVar      = "BB_CLIENT_ID"
	clientSecretVar  = "BB_CLIENT_SECRET"
	redirectURIVar   = "BB_REDIRECT_URI"
	oidcIssuerVar    = "BB_OIDC_ISSUER"
	tokenAuthStyle   = "BB_TOKEN_AUTH_STYLE"
	tokenPath        = "/learn/api/public/v1/oauth2/token"
	authorizePath    = "/learn/api/public/v1/oauth2/authorizationcode"
	publicAPIPrefix  = "/learn/api/public/"
	defaultTokenWait = 20 * time.Second
)

// OAuthConfig describes the upstream learning platform and its OAuth endpoints.
type OAuthConfig interface {
	GetBaseURL() string
	GetClientID() string
	GetClientSecret() string
	GetRedirectURI() string
	GetTokenURL() string
	GetAuthorizeURL() string
	GetPublicAPIPrefix() string
	GetOIDCIssuer() string
	GetTokenAuthInParams() bool
	GetTokenRequestTimeout() time.Duration
	GetPendingAuthorizationTTL() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

func (OAuth) GetBaseURL() string {
	return strings.TrimRight(GetEnv(baseURLVar, ""), "/")
}

func (OAuth) GetClientID() string {
	return GetEnv(clientIDVar, "")
}

func (OAuth) GetClientSecret() string {
	return GetEnv(clientSecretVar, "")
}

func (OAuth) GetRedirectURI() string {
	return GetEnv(redirectURIVar, "")
}

func (o OAuth) GetTokenURL() string {
	return o.GetBaseURL() + tokenPath
}

func (o OAuth) GetAuthorizeURL() string {
	return o.GetBaseURL() + authorizePath
}

// GetPublicAPIPrefix is the only upstream path prefix the API proxy will reach.
func (OAuth) GetPublicAPIPrefix() string {
	return publicAPIPrefix
}

// GetOIDCIssuer enables id_token verification when set.
func (OAuth) GetOIDCIssuer() string {
	return GetEnv(oidcIssuerVar, "")
}

// GetTokenAuthInParams selects client_secret_post instead of HTTP Basic.
func (OAuth) GetTokenAuthInParams() bool {
	return strings.EqualFold(GetEnv(tokenAuthStyle, "header"), "params")
}

func (OAuth) GetTokenRequestTimeout() time.Duration {
	return GetEnvDuration("BB_TOKEN_TIMEOUT", defaultTokenWait)
}

func (OAuth) GetPendingAuthorizationTTL() time.Duration {
	return 600 * time.Second
}
