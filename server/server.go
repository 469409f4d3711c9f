package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-learn-gateway/auth"
	"github.com/jrsteele09/go-learn-gateway/browser"
	"github.com/jrsteele09/go-learn-gateway/internal/config"
	"github.com/jrsteele09/go-learn-gateway/proxy"
	"github.com/jrsteele09/go-learn-gateway/token"
	"github.com/rs/zerolog/log"
)

const defaultAPITimeout = 60 * time.Second

// TokenService is the credential cache as seen by the HTTP layer.
type TokenService interface {
	GetAppToken(ctx context.Context) (string, error)
	RefreshIfNeeded(ctx context.Context, sessionID string) (string, error)
	ClearUserToken(sessionID string)
}

type AuthFlow interface {
	IssueAuthorizationRequest(redirectURI string) (auth.AuthorizationRequest, error)
	HandleCallback(ctx context.Context, code, state, presentedCSRF string) (string, error)
}

type BrowserSessions interface {
	StartLogin(loginURL string) (string, error)
	Commit(ctx context.Context, sessionID string) (string, error)
	Close(sessionID string)
	Status(sessionID string) browser.Status
	Scrape(ctx context.Context, sessionID, targetURL string) (browser.ScrapeResult, error)
}

type Forwarder interface {
	OpenSession() (string, error)
	Forward(ctx context.Context, req proxy.Request) (proxy.Result, error)
	EndSession(sessionID string)
}

// Deps are the components the routes delegate to.
type Deps struct {
	Tokens   TokenService
	Auth     AuthFlow
	Browser  BrowserSessions
	Proxy    Forwarder
	Sessions *token.SessionSigner
	// APIClient calls the learning platform REST API. Defaults to a client
	// with a 60s timeout.
	APIClient *http.Client
}

type Server struct {
	env       string
	mux       *http.ServeMux
	routes    []string
	config    config.Config
	tokens    TokenService
	auth      AuthFlow
	browser   BrowserSessions
	proxy     Forwarder
	sessions  *token.SessionSigner
	apiClient *http.Client
	validate  *validator.Validate
}

func New(c config.Config, deps Deps) (*Server, error) {
	if deps.Tokens == nil || deps.Auth == nil || deps.Browser == nil || deps.Proxy == nil || deps.Sessions == nil {
		return nil, errors.New("[server New] all dependencies are required")
	}
	apiClient := deps.APIClient
	if apiClient == nil {
		apiClient = &http.Client{Timeout: defaultAPITimeout}
	}

	s := &Server{
		env:       c.GetEnv(),
		mux:       http.NewServeMux(),
		config:    c,
		tokens:    deps.Tokens,
		auth:      deps.Auth,
		browser:   deps.Browser,
		proxy:     deps.Proxy,
		sessions:  deps.Sessions,
		apiClient: apiClient,
		validate:  newValidator(),
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Routes lists the registered patterns in registration order.
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		method, path, found := strings.Cut(route, " ")
		if !found {
			method, path = "", route
		}
		log.Info().Msgf("[%-18s] %s", colourMethod(method), path)
	}
}
