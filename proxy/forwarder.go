// Package proxy forwards caller-described HTTP requests to external sites
// through per-session cookie jars, refusing destinations the policy forbids.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/metrics"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	PreviewChars = 1000
	maxBodyBytes = 10 << 20
)

// hopByHop request headers are derived by the transport and never taken
// from the caller.
var hopByHop = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"upgrade":           {},
}

var connectionHeaders = map[string]struct{}{
	"connection":        {},
	"transfer-encoding": {},
	"keep-alive":        {},
	"upgrade":           {},
}

var allowedMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {},
}

type Options struct {
	MaxRedirects   int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RateLimit is requests per second per session, 0 disables it.
	RateLimit float64
	// Transport replaces the default dialing transport.
	Transport http.RoundTripper
}

// Request describes one forwarded call.
type Request struct {
	SessionID       string
	URL             string
	Method          string
	Headers         map[string]string
	Body            []byte
	ExtraCookies    map[string]string
	FollowRedirects bool
}

// Hop is one redirect response observed while following a request.
type Hop struct {
	Status    int      `json:"status"`
	URL       string   `json:"url"`
	Location  string   `json:"location"`
	SetCookie []string `json:"set_cookie"`
}

type Result struct {
	RequestedURL    string            `json:"requested_url"`
	FinalURL        string            `json:"final_url"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	SetCookie       []string          `json:"set_cookie"`
	SessionCookies  string            `json:"session_cookies"`
	RedirectChain   []Hop             `json:"redirect_chain"`
	BodyPreview     string            `json:"body_preview"`
}

type session struct {
	jar     http.CookieJar
	limiter *rate.Limiter

	mu      sync.Mutex
	origins map[string]*url.URL
}

func (s *session) remember(u *url.URL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := u.Scheme + "://" + u.Host
	if _, ok := s.origins[key]; !ok {
		s.origins[key] = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}
}

// cookies renders every cookie the jar holds for the origins this session
// has visited as "k=v; k2=v2".
func (s *session) cookies() string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.origins))
	for k := range s.origins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	origins := make([]*url.URL, 0, len(keys))
	for _, k := range keys {
		origins = append(origins, s.origins[k])
	}
	s.mu.Unlock()

	seen := make(map[string]struct{})
	var parts []string
	for _, u := range origins {
		for _, c := range s.jar.Cookies(u) {
			if _, dup := seen[c.Name]; dup {
				continue
			}
			seen[c.Name] = struct{}{}
			parts = append(parts, c.Name+"="+c.Value)
		}
	}
	return strings.Join(parts, "; ")
}

// Forwarder holds one cookie jar per forwarder session.
type Forwarder struct {
	policy    *Policy
	opts      Options
	transport http.RoundTripper

	mu       sync.Mutex
	sessions map[string]*session
}

func NewForwarder(policy *Policy, opts Options) *Forwarder {
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 6 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	f := &Forwarder{
		policy:    policy,
		opts:      opts,
		transport: opts.Transport,
		sessions:  make(map[string]*session),
	}
	if f.transport == nil {
		f.transport = f.newTransport()
	}
	return f
}

func (f *Forwarder) newTransport() *http.Transport {
	return NewGuardedTransport(f.policy, f.opts.ConnectTimeout, f.opts.ReadTimeout)
}

// NewGuardedTransport returns a transport that, when the policy blocks
// private addresses, refuses to connect to them after DNS resolution.
func NewGuardedTransport(policy *Policy, connectTimeout, readTimeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout}
	if policy.BlocksPrivate() {
		dialer.Control = dialControl
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// OpenSession allocates an empty cookie jar under a new id.
func (f *Forwarder) OpenSession() (string, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return "", fmt.Errorf("[proxy OpenSession] %w", err)
	}
	s := &session{jar: jar, origins: make(map[string]*url.URL)}
	if f.opts.RateLimit > 0 {
		burst := int(f.opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(f.opts.RateLimit), burst)
	}

	id := uuid.NewString()
	f.mu.Lock()
	f.sessions[id] = s
	f.mu.Unlock()
	return id, nil
}

// EndSession drops the session. Unknown ids are a no-op.
func (f *Forwarder) EndSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

func (f *Forwarder) session(sessionID string) (*session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	return s, ok
}

// recorder captures every response the client sees, redirects included.
type recorder struct {
	base http.RoundTripper
	mu   sync.Mutex
	hops []Hop
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.hops = append(r.hops, Hop{
		Status:    resp.StatusCode,
		URL:       req.URL.String(),
		Location:  resp.Header.Get("Location"),
		SetCookie: append([]string{}, resp.Header.Values("Set-Cookie")...),
	})
	r.mu.Unlock()
	return resp, nil
}

// Forward executes req with the session's cookie jar. The destination, and
// every redirect target, must pass the policy.
func (f *Forwarder) Forward(ctx context.Context, req Request) (Result, error) {
	s, ok := f.session(req.SessionID)
	if !ok {
		return Result{}, fmt.Errorf("[proxy Forward] %w", apperrors.ErrUnknownSession)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := allowedMethods[method]; !ok {
		return Result{}, apperrors.Validationf("unsupported method %q", req.Method)
	}
	target, err := f.policy.Validate(ctx, req.URL)
	if err != nil {
		metrics.Forwards.WithLabelValues("blocked").Inc()
		return Result{}, err
	}
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.Forwards.WithLabelValues("rate_limited").Inc()
		return Result{}, apperrors.ErrRateLimited
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Result{}, apperrors.Validationf("invalid request: %v", err)
	}
	for name, value := range req.Headers {
		if _, hop := hopByHop[strings.ToLower(name)]; hop {
			continue
		}
		httpReq.Header.Set(name, value)
	}
	for name, value := range req.ExtraCookies {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	rec := &recorder{base: f.transport}
	client := &http.Client{
		Transport:     rec,
		Jar:           s.jar,
		Timeout:       f.opts.ConnectTimeout + f.opts.ReadTimeout,
		CheckRedirect: f.checkRedirect(req.FollowRedirects),
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, f.classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, f.classify(err)
	}

	s.remember(target)
	s.remember(resp.Request.URL)

	rec.mu.Lock()
	hops := rec.hops
	rec.mu.Unlock()

	result := Result{
		RequestedURL:    req.URL,
		FinalURL:        resp.Request.URL.String(),
		Status:          resp.StatusCode,
		ResponseHeaders: filterHeaders(resp.Header),
		SetCookie:       []string{},
		RedirectChain:   []Hop{},
		BodyPreview:     preview(raw, PreviewChars),
	}
	for i, hop := range hops {
		result.SetCookie = append(result.SetCookie, hop.SetCookie...)
		if req.FollowRedirects && i < len(hops)-1 {
			result.RedirectChain = append(result.RedirectChain, hop)
		}
	}
	result.SessionCookies = s.cookies()

	metrics.Forwards.WithLabelValues("ok").Inc()
	log.Debug().Str("method", method).Str("host", target.Host).Int("status", resp.StatusCode).
		Int("hops", len(result.RedirectChain)).Msg("forwarded request")
	return result, nil
}

func (f *Forwarder) checkRedirect(follow bool) func(*http.Request, []*http.Request) error {
	return func(next *http.Request, via []*http.Request) error {
		if !follow {
			return http.ErrUseLastResponse
		}
		if len(via) > f.opts.MaxRedirects {
			return fmt.Errorf("%w (>%d)", apperrors.ErrTooManyRedirects, f.opts.MaxRedirects)
		}
		if _, err := f.policy.Validate(next.Context(), next.URL.String()); err != nil {
			return err
		}
		return nil
	}
}

// classify maps transport failures onto the error taxonomy. A failed dial
// that timed out is a connect timeout, any other timeout is a read timeout.
func (f *Forwarder) classify(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrTooManyRedirects), errors.Is(err, apperrors.ErrSSRFBlocked):
		metrics.Forwards.WithLabelValues("rejected").Inc()
		return fmt.Errorf("[proxy Forward] %w", unwrapURLError(err))
	case errors.Is(err, context.Canceled):
		return err
	case utils.IsTimeout(err):
		metrics.Forwards.WithLabelValues("timeout").Inc()
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("[proxy Forward] %w: connect timeout after %v", apperrors.ErrUpstreamTimeout, f.opts.ConnectTimeout)
		}
		return fmt.Errorf("[proxy Forward] %w: read timeout after %v", apperrors.ErrUpstreamTimeout, f.opts.ReadTimeout)
	default:
		metrics.Forwards.WithLabelValues("error").Inc()
		return fmt.Errorf("[proxy Forward] %w: %v", apperrors.ErrUpstream, err)
	}
}

func unwrapURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func filterHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, skip := connectionHeaders[strings.ToLower(name)]; skip {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// preview returns the first n characters of body decoded as UTF-8.
func preview(body []byte, n int) string {
	s := strings.ToValidUTF8(string(body), "�")
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
