package server

import (
	"net/http"

	"github.com/jrsteele09/go-learn-gateway/internal/metrics"
)

func (s *Server) initRoutes() {
	// 3LO
	s.api("GET "+RouteAuthLogin, s.LoginHandler())
	s.api("GET "+RouteAuthCallback, s.CallbackHandler())
	s.api("POST "+RouteAuthRefresh, s.RefreshHandler())
	s.api("POST "+RouteAuthLogout, s.LogoutHandler())

	// 2LO
	s.api("POST "+RouteAppToken, s.AppTokenHandler())

	for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE"} {
		s.api(method+" "+RouteAPIProxy, s.APIProxyHandler())
	}

	s.api("POST "+RouteBrowserLogin, s.BrowserLoginHandler())
	s.api("POST "+RouteBrowserCommit, s.BrowserCommitHandler())
	s.api("POST "+RouteBrowserClose, s.BrowserCloseHandler())
	s.api("GET "+RouteBrowserStatus, s.BrowserStatusHandler())
	s.api("POST "+RouteBrowserScrape, s.BrowserScrapeHandler())

	s.api("POST "+RouteProxyStart, s.ProxyStartHandler())
	s.api("POST "+RouteProxyRequest, s.ProxyRequestHandler())
	s.api("POST "+RouteProxyEnd, s.ProxyEndHandler())

	s.api("GET "+RouteHealth, s.HealthHandler())
	s.RegisterRouteHandler("GET "+RouteMetrics, metrics.Handler())

	// CORS preflight for every route above
	s.RegisterRouteFunc("OPTIONS /", ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, s.CorsMiddleware))
}

// api registers a JSON route behind the standard middleware chain.
func (s *Server) api(pattern string, handler http.HandlerFunc) {
	s.RegisterRouteFunc(pattern, ChainMiddleware(handler, s.APIMiddleware(pattern)...))
}
