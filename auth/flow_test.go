package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-learn-gateway/auth"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/token"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testClientID    = "test-client-1"
	testRedirectURI = "https://gateway.example.edu/auth/3lo/callback"
	testCode        = "auth-code-1"
)

// fakeProvider plays the upstream authorization server. It remembers the
// challenge of each issued URL and only accepts a code exchange whose
// verifier matches it.
type fakeProvider struct {
	*httptest.Server
	mu         sync.Mutex
	challenges map[string]string // code -> challenge
	rejectWith int
	lastForm   url.Values
}

func (p *fakeProvider) reject(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectWith = status
}

func (p *fakeProvider) form() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForm
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{challenges: map[string]string{}}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		if p.rejectWith != 0 {
			w.WriteHeader(p.rejectWith)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
			return
		}
		code := r.PostForm.Get("code")
		challenge, ok := p.challenges[code]
		if r.PostForm.Get("grant_type") != "authorization_code" || !ok ||
			oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		delete(p.challenges, code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "user-access",
			"refresh_token": "user-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(p.Close)
	return p
}

// authorize simulates the user approving the request: the provider binds a
// code to the challenge carried by the authorization URL.
func (p *fakeProvider) authorize(t *testing.T, authorizationURL string) {
	t.Helper()
	u, err := url.Parse(authorizationURL)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenges[testCode] = u.Query().Get("code_challenge")
}

type fixture struct {
	provider   *fakeProvider
	cache      *token.Cache
	controller *auth.Controller
	now        time.Time
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{provider: newFakeProvider(t), now: time.Now()}
	f.cache = token.New(token.Endpoint{
		TokenURL:     f.provider.URL + "/learn/api/public/v1/oauth2/token",
		ClientID:     testClientID,
		ClientSecret: "secret",
	}, token.WithHTTPClient(f.provider.Client()))

	clock := func() time.Time { return f.now }
	f.controller = auth.NewController(f.cache,
		f.provider.URL+"/learn/api/public/v1/oauth2/authorizationcode",
		testRedirectURI,
		auth.WithNowFunc(clock),
		auth.WithPendingRepo(auth.NewInMemoryPendingRepo(auth.DefaultPendingTTL, clock)),
	)
	t.Cleanup(f.controller.Close)
	return f
}

func TestIssueAuthorizationRequest(t *testing.T) {
	f := setupFixture(t)

	req, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	require.LessOrEqual(t, req.CSRFCookieMaxAge, 600*time.Second)

	u, err := url.Parse(req.AuthorizationURL)
	require.NoError(t, err)
	require.Equal(t, "/learn/api/public/v1/oauth2/authorizationcode", u.Path)

	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, testClientID, q.Get("client_id"))
	require.Equal(t, testRedirectURI, q.Get("redirect_uri"))
	require.Equal(t, req.CSRFCookieValue, q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Len(t, q.Get("code_challenge"), 43)
	require.NotContains(t, q.Get("code_challenge"), "=")

	other, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	require.NotEqual(t, req.CSRFCookieValue, other.CSRFCookieValue)
}

func TestHandleCallbackSucceedsExactlyOnce(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	req, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	f.provider.authorize(t, req.AuthorizationURL)

	sessionID, err := f.controller.HandleCallback(ctx, testCode, req.CSRFCookieValue, req.CSRFCookieValue)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.Equal(t, testRedirectURI, f.provider.form().Get("redirect_uri"))

	access, ok := f.cache.GetUserAccess(sessionID)
	require.True(t, ok)
	require.Equal(t, "user-access", access)

	_, err = f.controller.HandleCallback(ctx, testCode, req.CSRFCookieValue, req.CSRFCookieValue)
	require.ErrorIs(t, err, apperrors.ErrUnknownOrExpiredState)
}

func TestHandleCallbackRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(f *fixture, req auth.AuthorizationRequest) (code, state, cookie string)
		wantErr error
	}{
		{
			name: "missing code",
			mutate: func(_ *fixture, req auth.AuthorizationRequest) (string, string, string) {
				return "", req.CSRFCookieValue, req.CSRFCookieValue
			},
			wantErr: apperrors.ErrValidation,
		},
		{
			name: "missing state",
			mutate: func(_ *fixture, req auth.AuthorizationRequest) (string, string, string) {
				return testCode, "", req.CSRFCookieValue
			},
			wantErr: apperrors.ErrValidation,
		},
		{
			name: "cookie does not match state",
			mutate: func(_ *fixture, req auth.AuthorizationRequest) (string, string, string) {
				return testCode, req.CSRFCookieValue, "xsrf_other"
			},
			wantErr: apperrors.ErrCSRFMismatch,
		},
		{
			name: "no cookie presented",
			mutate: func(_ *fixture, req auth.AuthorizationRequest) (string, string, string) {
				return testCode, req.CSRFCookieValue, ""
			},
			wantErr: apperrors.ErrCSRFMismatch,
		},
		{
			name: "state never issued",
			mutate: func(_ *fixture, _ auth.AuthorizationRequest) (string, string, string) {
				return testCode, "xsrf_forged", "xsrf_forged"
			},
			wantErr: apperrors.ErrUnknownOrExpiredState,
		},
		{
			name: "state older than ttl",
			mutate: func(f *fixture, req auth.AuthorizationRequest) (string, string, string) {
				f.now = f.now.Add(auth.DefaultPendingTTL + time.Second)
				return testCode, req.CSRFCookieValue, req.CSRFCookieValue
			},
			wantErr: apperrors.ErrUnknownOrExpiredState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupFixture(t)
			req, err := f.controller.IssueAuthorizationRequest("")
			require.NoError(t, err)
			f.provider.authorize(t, req.AuthorizationURL)

			code, state, cookie := tt.mutate(f, req)
			_, err = f.controller.HandleCallback(ctx, code, state, cookie)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHandleCallbackCSRFMismatchKeepsPending(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	req, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	f.provider.authorize(t, req.AuthorizationURL)

	_, err = f.controller.HandleCallback(ctx, testCode, req.CSRFCookieValue, "xsrf_attacker")
	require.ErrorIs(t, err, apperrors.ErrCSRFMismatch)

	_, err = f.controller.HandleCallback(ctx, testCode, req.CSRFCookieValue, req.CSRFCookieValue)
	require.NoError(t, err)
}

func TestHandleCallbackUpstreamExchangeFailed(t *testing.T) {
	f := setupFixture(t)
	f.provider.reject(http.StatusBadRequest)

	req, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)

	_, err = f.controller.HandleCallback(context.Background(), testCode, req.CSRFCookieValue, req.CSRFCookieValue)
	require.ErrorIs(t, err, apperrors.ErrUpstream)

	var upstream *apperrors.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusBadRequest, upstream.Status)
	require.Contains(t, string(upstream.Body), "code expired")
}

func TestHandleCallbackWrongVerifierRejected(t *testing.T) {
	f := setupFixture(t)

	first, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	second, err := f.controller.IssueAuthorizationRequest("")
	require.NoError(t, err)

	// the code was bound to the first request's challenge
	f.provider.authorize(t, first.AuthorizationURL)
	_, err = f.controller.HandleCallback(context.Background(), testCode, second.CSRFCookieValue, second.CSRFCookieValue)
	require.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestPendingTTLOption(t *testing.T) {
	provider := newFakeProvider(t)
	cache := token.New(token.Endpoint{
		TokenURL:     provider.URL + "/learn/api/public/v1/oauth2/token",
		ClientID:     testClientID,
		ClientSecret: "secret",
	}, token.WithHTTPClient(provider.Client()))

	now := time.Now()
	clock := func() time.Time { return now }
	controller := auth.NewController(cache,
		provider.URL+"/learn/api/public/v1/oauth2/authorizationcode",
		testRedirectURI,
		auth.WithNowFunc(clock),
		auth.WithPendingTTL(time.Minute),
	)
	t.Cleanup(controller.Close)

	req, err := controller.IssueAuthorizationRequest("")
	require.NoError(t, err)
	require.Equal(t, time.Minute, req.CSRFCookieMaxAge)

	provider.authorize(t, req.AuthorizationURL)
	now = now.Add(61 * time.Second)
	_, err = controller.HandleCallback(context.Background(), testCode, req.CSRFCookieValue, req.CSRFCookieValue)
	require.ErrorIs(t, err, apperrors.ErrUnknownOrExpiredState)
}
