package server

// Route path constants
const (
	// Three-legged (user) OAuth
	RouteAuthLogin    = "/auth/3lo/login"
	RouteAuthCallback = "/auth/3lo/callback"
	RouteAuthRefresh  = "/auth/3lo/refresh"
	RouteAuthLogout   = "/auth/logout"

	// Two-legged (application) OAuth
	RouteAppToken = "/auth/2lo/token"

	// Learning platform REST API passthrough
	RouteAPIProxy = "/api/bb/{path...}"

	// Browser capture sessions
	RouteBrowserLogin  = "/browser/login"
	RouteBrowserCommit = "/browser/{id}/commit"
	RouteBrowserClose  = "/browser/{id}/close"
	RouteBrowserStatus = "/browser/{id}/status"
	RouteBrowserScrape = "/browser/{id}/scrape"

	// Guarded forwarder
	RouteProxyStart   = "/proxy/session/start"
	RouteProxyRequest = "/proxy/session/request"
	RouteProxyEnd     = "/proxy/session/end"

	RouteHealth  = "/health"
	RouteMetrics = "/metrics"
)

// Cookie names handed to browser clients
const (
	sessionCookieName = "sid"
	stateCookieName   = "oauth_state"
)
