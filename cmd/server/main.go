package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-learn-gateway/auth"
	"github.com/jrsteele09/go-learn-gateway/browser"
	"github.com/jrsteele09/go-learn-gateway/internal/cipher"
	"github.com/jrsteele09/go-learn-gateway/internal/config"
	"github.com/jrsteele09/go-learn-gateway/proxy"
	"github.com/jrsteele09/go-learn-gateway/server"
	"github.com/jrsteele09/go-learn-gateway/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("error running server")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(c)
	displayAppname(c.GetAppName())

	app, err := newApplication(c)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go app.browser.Run(ctx)

	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           app.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(httpServer)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	return shutdown(httpServer)
}

type application struct {
	server  *server.Server
	browser *browser.Manager
	auth    *auth.Controller
}

// newApplication wires every component from configuration.
func newApplication(c config.Config) (*application, error) {
	cache := token.New(token.Endpoint{
		TokenURL:     c.GetTokenURL(),
		ClientID:     c.GetClientID(),
		ClientSecret: c.GetClientSecret(),
		AuthInParams: c.GetTokenAuthInParams(),
	}, token.WithHTTPClient(&http.Client{Timeout: c.GetTokenRequestTimeout()}))

	authOpts := []auth.ControllerOption{auth.WithPendingTTL(c.GetPendingAuthorizationTTL())}
	if issuer := c.GetOIDCIssuer(); issuer != "" {
		authOpts = append(authOpts, auth.WithIDTokenVerifier(auth.NewIDTokenVerifier(issuer, c.GetClientID())))
	}
	controller := auth.NewController(cache, c.GetAuthorizeURL(), c.GetRedirectURI(), authOpts...)

	stateCipher, err := cipher.NewFromString(c.GetEncryptionKey())
	if err != nil {
		controller.Close()
		return nil, fmt.Errorf("[main newApplication] encryption key: %w", err)
	}

	policy := proxy.NewPolicy(proxy.PolicyConfig{
		AllowedSchemes: c.GetProxyAllowedSchemes(),
		Allowlist:      c.GetProxyAllowlist(),
		AllowSuffixes:  c.GetProxyAllowlistSuffixes(),
		BlockPrivate:   c.GetProxyBlockPrivateIPs(),
	})
	if !policy.BlocksPrivate() {
		log.Warn().Msg("private address blocking is disabled for forwarded requests")
	}

	store, err := browser.NewStateStore(c.GetDataFolder())
	if err != nil {
		controller.Close()
		return nil, err
	}
	manager := browser.NewManager(
		browser.ChromeLauncher{Headless: c.GetBrowserHeadless(), UserAgent: c.GetBrowserUserAgent()},
		store,
		browser.WithCipher(stateCipher),
		browser.WithTargetPolicy(policy),
		browser.WithHTTPClient(&http.Client{
			Transport: proxy.NewGuardedTransport(policy, c.GetProxyConnectTimeout(), c.GetProxyReadTimeout()),
			Timeout:   30 * time.Second,
		}),
		browser.WithUserAgent(c.GetBrowserUserAgent()),
		browser.WithMaxSessionAge(c.GetBrowserMaxSessionAge()),
		browser.WithSweepInterval(c.GetZombieSweepInterval()),
	)

	forwarder := proxy.NewForwarder(policy, proxy.Options{
		MaxRedirects:   c.GetProxyMaxRedirects(),
		ConnectTimeout: c.GetProxyConnectTimeout(),
		ReadTimeout:    c.GetProxyReadTimeout(),
		RateLimit:      c.GetRateLimit(),
	})
	log.Info().
		Int("max_redirects", c.GetProxyMaxRedirects()).
		Bool("rate_limiting", c.GetEnableRateLimiting()).
		Float64("rate_per_second", c.GetRateLimit()).
		Msg("forwarder configured")

	srv, err := server.New(c, server.Deps{
		Tokens:   cache,
		Auth:     controller,
		Browser:  manager,
		Proxy:    forwarder,
		Sessions: token.NewSessionSigner(c.GetSecretKey()),
	})
	if err != nil {
		manager.Shutdown()
		controller.Close()
		return nil, err
	}

	return &application{server: srv, browser: manager, auth: controller}, nil
}

func (a *application) close() {
	a.browser.Shutdown()
	a.auth.Close()
}

func setupLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
