package browser_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-learn-gateway/browser"
	"github.com/jrsteele09/go-learn-gateway/internal/cipher"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	state    browser.State
	stateErr error
	dead     atomic.Bool
	closed   atomic.Int32
}

func (h *fakeHandle) State(context.Context) (browser.State, error) {
	return h.state, h.stateErr
}

func (h *fakeHandle) Alive(context.Context) bool {
	return !h.dead.Load()
}

func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

// fakeLauncher hands out a prepared handle. When gate is set Launch blocks
// until the gate is closed.
type fakeLauncher struct {
	handle   *fakeHandle
	err      error
	gate     chan struct{}
	launched chan string
}

func (l *fakeLauncher) Launch(_ context.Context, loginURL string) (browser.Handle, error) {
	if l.gate != nil {
		<-l.gate
	}
	if l.launched != nil {
		l.launched <- loginURL
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.handle, nil
}

func testCipher(t *testing.T, fill byte) cipher.Cipher {
	t.Helper()
	c, err := cipher.New(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return c
}

func newManager(t *testing.T, launcher browser.Launcher, dir string, opts ...browser.ManagerOption) *browser.Manager {
	t.Helper()
	store, err := browser.NewStateStore(dir)
	require.NoError(t, err)
	m := browser.NewManager(launcher, store, opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func waitLive(t *testing.T, m *browser.Manager, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status(sessionID).InMemory
	}, 2*time.Second, 5*time.Millisecond)
}

func sampleState(host string) browser.State {
	return browser.State{
		Cookies: []browser.Cookie{
			{Name: "s_session_id", Value: "abc", Domain: host, Path: "/", HTTPOnly: true},
			{Name: "BbRouter", Value: "route-1", Domain: "." + host, Path: "/"},
			{Name: "xsrf", Value: "x", Domain: host, Path: ""},
		},
		Storage: map[string]map[string]string{"http://" + host: {"k": "v"}},
	}
}

func TestStartLoginValidatesURL(t *testing.T) {
	m := newManager(t, &fakeLauncher{handle: &fakeHandle{}}, t.TempDir())

	for _, bad := range []string{"ftp://host/login", "/relative", "https://", "javascript:alert(1)", "::"} {
		_, err := m.StartLogin(bad)
		require.ErrorIs(t, err, apperrors.ErrValidation, bad)
	}
}

func TestCommitPersistsEncryptedStateAndTearsDown(t *testing.T) {
	handle := &fakeHandle{state: sampleState("learn.example.edu")}
	launcher := &fakeLauncher{handle: handle, launched: make(chan string, 1)}
	m := newManager(t, launcher, t.TempDir(), browser.WithCipher(testCipher(t, 1)))

	sessionID, err := m.StartLogin("https://learn.example.edu/webapps/login/")
	require.NoError(t, err)
	require.Equal(t, "https://learn.example.edu/webapps/login/", <-launcher.launched)
	waitLive(t, m, sessionID)

	path, err := m.Commit(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, int32(1), handle.closed.Load())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "s_session_id")

	status := m.Status(sessionID)
	require.False(t, status.InMemory)
	require.True(t, status.StateSaved)

	state, err := m.LoadState(sessionID)
	require.NoError(t, err)
	require.Equal(t, handle.state, state)
}

func TestCommitTearsDownWhenExtractionFails(t *testing.T) {
	handle := &fakeHandle{stateErr: errors.New("target crashed")}
	m := newManager(t, &fakeLauncher{handle: handle}, t.TempDir())

	sessionID, err := m.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	waitLive(t, m, sessionID)

	_, err = m.Commit(context.Background(), sessionID)
	require.Error(t, err)
	require.Equal(t, int32(1), handle.closed.Load())
	require.False(t, m.Status(sessionID).StateSaved)

	_, err = m.Commit(context.Background(), sessionID)
	require.ErrorIs(t, err, apperrors.ErrUnknownSession)
}

func TestCommitUnknownSession(t *testing.T) {
	m := newManager(t, &fakeLauncher{handle: &fakeHandle{}}, t.TempDir())
	_, err := m.Commit(context.Background(), "does-not-exist-0123456789")
	require.ErrorIs(t, err, apperrors.ErrUnknownSession)
}

func TestCommitAndCloseAreMutuallyExclusive(t *testing.T) {
	for i := 0; i < 20; i++ {
		handle := &fakeHandle{state: sampleState("learn.example.edu")}
		m := newManager(t, &fakeLauncher{handle: handle}, t.TempDir())
		sessionID, err := m.StartLogin("https://learn.example.edu/")
		require.NoError(t, err)
		waitLive(t, m, sessionID)

		var wg sync.WaitGroup
		var commitErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, commitErr = m.Commit(context.Background(), sessionID)
		}()
		go func() {
			defer wg.Done()
			m.Close(sessionID)
		}()
		wg.Wait()

		require.Equal(t, int32(1), handle.closed.Load())
		if commitErr == nil {
			require.True(t, m.Status(sessionID).StateSaved)
		} else {
			require.ErrorIs(t, commitErr, apperrors.ErrUnknownSession)
			require.False(t, m.Status(sessionID).StateSaved)
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	handle := &fakeHandle{}
	m := newManager(t, &fakeLauncher{handle: handle}, t.TempDir())
	sessionID, err := m.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	waitLive(t, m, sessionID)

	m.Close(sessionID)
	m.Close(sessionID)
	m.Close("never-existed")
	require.Equal(t, int32(1), handle.closed.Load())
	require.False(t, m.Status(sessionID).InMemory)
}

func TestCloseWhileLaunching(t *testing.T) {
	handle := &fakeHandle{}
	launcher := &fakeLauncher{handle: handle, gate: make(chan struct{})}
	m := newManager(t, launcher, t.TempDir())

	sessionID, err := m.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	require.True(t, m.Status(sessionID).Launching)

	_, err = m.Commit(context.Background(), sessionID)
	require.ErrorIs(t, err, apperrors.ErrUnknownSession)

	m.Close(sessionID)
	close(launcher.gate)
	require.Eventually(t, func() bool { return handle.closed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, m.Status(sessionID).InMemory)
}

func TestLaunchFailureForgetsSession(t *testing.T) {
	m := newManager(t, &fakeLauncher{err: errors.New("no chrome")}, t.TempDir())
	sessionID, err := m.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := m.Status(sessionID)
		return !s.InMemory && !s.Launching
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPurgeZombies(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	deadHandle := &fakeHandle{}
	m := newManager(t, &fakeLauncher{handle: deadHandle}, t.TempDir(),
		browser.WithNowFunc(clock), browser.WithMaxSessionAge(10*time.Minute))
	dead, err := m.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	waitLive(t, m, dead)

	require.Equal(t, 0, m.PurgeZombies(context.Background()))
	deadHandle.dead.Store(true)
	require.Equal(t, 1, m.PurgeZombies(context.Background()))
	require.False(t, m.Status(dead).InMemory)
	require.Equal(t, int32(1), deadHandle.closed.Load())

	oldHandle := &fakeHandle{}
	m2 := newManager(t, &fakeLauncher{handle: oldHandle}, t.TempDir(),
		browser.WithNowFunc(clock), browser.WithMaxSessionAge(10*time.Minute))
	old, err := m2.StartLogin("https://learn.example.edu/")
	require.NoError(t, err)
	waitLive(t, m2, old)

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	require.Equal(t, 1, m2.PurgeZombies(context.Background()))
	require.Equal(t, int32(1), oldHandle.closed.Load())
}

// committed creates a manager with a saved session whose cookies belong to host.
func committed(t *testing.T, host string, opts ...browser.ManagerOption) (*browser.Manager, string, string) {
	t.Helper()
	dir := t.TempDir()
	handle := &fakeHandle{state: sampleState(host)}
	m := newManager(t, &fakeLauncher{handle: handle}, dir, opts...)
	sessionID, err := m.StartLogin("http://" + host + "/login")
	require.NoError(t, err)
	waitLive(t, m, sessionID)
	_, err = m.Commit(context.Background(), sessionID)
	require.NoError(t, err)
	return m, sessionID, dir
}

func TestScrapeReplaysCookies(t *testing.T) {
	const page = `<html><head><title>Grades</title></head><body><a href="/g/1">Course 1</a></body></html>`
	var gotCookies []*http.Cookie
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookies = r.Cookies()
		gotUA = r.UserAgent()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer upstream.Close()
	host := hostOf(t, upstream.URL)

	m, sessionID, _ := committed(t, host, browser.WithCipher(testCipher(t, 7)))
	res, err := m.Scrape(context.Background(), sessionID, upstream.URL+"/grades")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, "Grades", res.Title)
	require.Equal(t, len(page), res.ContentLength)
	require.Len(t, res.SampleLinks, 1)
	require.Equal(t, "/g/1", res.SampleLinks[0].Href)
	require.Equal(t, browser.DefaultUserAgent, gotUA)

	names := map[string]string{}
	for _, c := range gotCookies {
		names[c.Name] = c.Value
	}
	require.Equal(t, map[string]string{"s_session_id": "abc", "BbRouter": "route-1", "xsrf": "x"}, names)
}

func TestCookieTriplesSurviveRoundTrip(t *testing.T) {
	m, sessionID, _ := committed(t, "learn.example.edu", browser.WithCipher(testCipher(t, 3)))
	state, err := m.LoadState(sessionID)
	require.NoError(t, err)

	type triple struct{ name, domain, path string }
	var got []triple
	for _, cookies := range browser.ReplayCookies(state.Cookies) {
		for _, c := range cookies {
			got = append(got, triple{c.Name, c.Domain, c.Path})
		}
	}
	require.ElementsMatch(t, []triple{
		{"s_session_id", "learn.example.edu", "/"},
		{"BbRouter", "learn.example.edu", "/"},
		{"xsrf", "learn.example.edu", "/"},
	}, got)
}

func TestScrapeErrors(t *testing.T) {
	t.Run("no saved state", func(t *testing.T) {
		m := newManager(t, &fakeLauncher{}, t.TempDir())
		_, err := m.Scrape(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "https://learn.example.edu/")
		require.ErrorIs(t, err, apperrors.ErrNoSavedState)
	})

	t.Run("bad url", func(t *testing.T) {
		m := newManager(t, &fakeLauncher{}, t.TempDir())
		_, err := m.Scrape(context.Background(), "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "file:///etc/passwd")
		require.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, sessionID, dir := committed(t, "learn.example.edu", browser.WithCipher(testCipher(t, 1)))
		other := newManager(t, &fakeLauncher{}, dir, browser.WithCipher(testCipher(t, 2)))
		_, err := other.Scrape(context.Background(), sessionID, "https://learn.example.edu/")
		require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
	})

	t.Run("encrypted state read without a key", func(t *testing.T) {
		_, sessionID, dir := committed(t, "learn.example.edu", browser.WithCipher(testCipher(t, 1)))
		plain := newManager(t, &fakeLauncher{}, dir)
		_, err := plain.Scrape(context.Background(), sessionID, "https://learn.example.edu/")
		require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
	})

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run("upstream "+http.StatusText(status), func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			}))
			defer upstream.Close()
			m, sessionID, _ := committed(t, hostOf(t, upstream.URL))
			_, err := m.Scrape(context.Background(), sessionID, upstream.URL)
			require.ErrorIs(t, err, apperrors.ErrUnauthorized)
		})
	}

	t.Run("upstream 500", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer upstream.Close()
		m, sessionID, _ := committed(t, hostOf(t, upstream.URL))
		_, err := m.Scrape(context.Background(), sessionID, upstream.URL)
		require.ErrorIs(t, err, apperrors.ErrUpstream)
		require.NotErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("timeout is retried then reported", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer upstream.Close()
		defer close(release)

		m, sessionID, _ := committed(t, hostOf(t, upstream.URL),
			browser.WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
		_, err := m.Scrape(context.Background(), sessionID, upstream.URL)
		require.ErrorIs(t, err, apperrors.ErrUpstreamTimeout)
		require.Equal(t, int32(3), calls.Load())
	})
}

// hostPolicy allows a single host:port and blocks everything else.
type hostPolicy struct {
	allowed string
}

func (p hostPolicy) Validate(_ context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Host != p.allowed {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSSRFBlocked, u.Host)
	}
	return u, nil
}

func TestScrapeRevalidatesRedirects(t *testing.T) {
	var internalHits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		internalHits.Add(1)
		_, _ = w.Write([]byte(`<html><head><title>INTERNAL METADATA</title></head></html>`))
	}))
	defer internal.Close()
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, internal.URL+"/latest/meta-data", http.StatusFound)
	}))
	defer public.Close()

	publicURL, err := url.Parse(public.URL)
	require.NoError(t, err)
	m, sessionID, _ := committed(t, publicURL.Hostname(), browser.WithTargetPolicy(hostPolicy{allowed: publicURL.Host}))

	_, err = m.Scrape(context.Background(), sessionID, internal.URL+"/latest/meta-data")
	require.ErrorIs(t, err, apperrors.ErrSSRFBlocked)

	res, err := m.Scrape(context.Background(), sessionID, public.URL+"/start")
	require.ErrorIs(t, err, apperrors.ErrSSRFBlocked)
	require.Empty(t, res.Title)
	require.Equal(t, int32(0), internalHits.Load())
}

func TestScrapeRedirectLimit(t *testing.T) {
	var hits atomic.Int32
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, upstream.URL+"/loop", http.StatusFound)
	}))
	defer upstream.Close()

	m, sessionID, _ := committed(t, hostOf(t, upstream.URL))
	_, err := m.Scrape(context.Background(), sessionID, upstream.URL)
	require.ErrorIs(t, err, apperrors.ErrTooManyRedirects)
	require.Equal(t, int32(browser.MaxScrapeRedirects), hits.Load())
}

func hostOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}
