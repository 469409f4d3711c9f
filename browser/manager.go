// Package browser captures an authenticated browser session through an
// interactive login, persists its cookies encrypted at rest and replays
// them to fetch pages later.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jrsteele09/go-learn-gateway/internal/cipher"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/metrics"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxSessionAge = 15 * time.Minute
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultScrapeTimeout = 30 * time.Second
	commitTimeout        = 20 * time.Second
)

// TargetPolicy vets scrape destinations before any request is made.
type TargetPolicy interface {
	Validate(ctx context.Context, rawURL string) (*url.URL, error)
}

type liveSession struct {
	handle    Handle
	createdAt time.Time
	cancel    context.CancelFunc
}

// Status reports what is known about a session id.
type Status struct {
	InMemory   bool `json:"in_memory"`
	Launching  bool `json:"launching"`
	StateSaved bool `json:"state_saved"`
}

// Manager owns every live browser session. The session map is guarded by a
// single mutex that is never held across browser or network I/O.
type Manager struct {
	launcher      Launcher
	store         *StateStore
	cipher        cipher.Cipher
	policy        TargetPolicy
	httpClient    *http.Client
	userAgent     string
	maxAge        time.Duration
	sweepInterval time.Duration
	nowFunc       func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type ManagerOption func(*Manager)

// WithCipher encrypts persisted state. Without it state is written as JSON.
func WithCipher(c cipher.Cipher) ManagerOption {
	return func(m *Manager) {
		m.cipher = c
	}
}

func WithTargetPolicy(p TargetPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithHTTPClient sets the client whose transport and timeout scrapes use.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = c
	}
}

func WithUserAgent(ua string) ManagerOption {
	return func(m *Manager) {
		if ua != "" {
			m.userAgent = ua
		}
	}
}

// WithMaxSessionAge bounds how long a launched browser may wait for a human.
func WithMaxSessionAge(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func NewManager(launcher Launcher, store *StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		launcher:      launcher,
		store:         store,
		httpClient:    &http.Client{Timeout: defaultScrapeTimeout},
		userAgent:     DefaultUserAgent,
		maxAge:        DefaultMaxSessionAge,
		sweepInterval: time.Minute,
		nowFunc:       time.Now,
		sessions:      make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())
	return m
}

// StartLogin launches a browser at loginURL in the background and returns
// the new session id immediately.
func (m *Manager) StartLogin(loginURL string) (string, error) {
	u, err := url.Parse(loginURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperrors.Validationf("login url must be an absolute http or https url")
	}
	sessionID, err := utils.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("[browser StartLogin] %w", err)
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, m.maxAge)
	m.mu.Lock()
	m.sessions[sessionID] = &liveSession{createdAt: m.nowFunc(), cancel: cancel}
	m.mu.Unlock()

	go m.launch(ctx, sessionID, u.String())

	log.Info().Str("session", utils.ShortID(sessionID)).Str("host", u.Host).Msg("browser login started")
	return sessionID, nil
}

func (m *Manager) launch(ctx context.Context, sessionID, loginURL string) {
	handle, err := m.launcher.Launch(ctx, loginURL)

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if err != nil {
		if ok && s.handle == nil {
			delete(m.sessions, sessionID)
		}
		m.mu.Unlock()
		log.Err(err).Str("session", utils.ShortID(sessionID)).Msg("browser launch failed")
		metrics.BrowserTransitions.WithLabelValues("launch_failed").Inc()
		if ok {
			s.cancel()
		}
		return
	}
	if ok {
		s.handle = handle
	}
	m.mu.Unlock()

	if !ok {
		// closed while the browser was starting
		if err := handle.Close(); err != nil {
			log.Err(err).Str("session", utils.ShortID(sessionID)).Msg("browser teardown failed")
		}
		return
	}
	m.updateGauge()
}

// take removes a registered session. Only one caller can win.
func (m *Manager) take(sessionID string, requireHandle bool) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || (requireHandle && s.handle == nil) {
		return nil, false
	}
	delete(m.sessions, sessionID)
	return s, true
}

func (m *Manager) teardown(sessionID string, s *liveSession) {
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			log.Err(err).Str("session", utils.ShortID(sessionID)).Msg("browser teardown failed")
		}
	}
	s.cancel()
	m.updateGauge()
}

func (m *Manager) updateGauge() {
	m.mu.Lock()
	n := 0
	for _, s := range m.sessions {
		if s.handle != nil {
			n++
		}
	}
	m.mu.Unlock()
	metrics.BrowserSessions.Set(float64(n))
}

// Commit extracts the browser's state, persists it and tears the browser
// down. Teardown happens whether or not persistence succeeds. Commit and
// Close race safely: the first to remove the session wins and the other sees
// ErrUnknownSession or a no-op.
func (m *Manager) Commit(ctx context.Context, sessionID string) (string, error) {
	s, ok := m.take(sessionID, true)
	if !ok {
		return "", apperrors.ErrUnknownSession
	}
	defer m.teardown(sessionID, s)

	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	state, err := s.handle.State(ctx)
	if err != nil {
		metrics.BrowserTransitions.WithLabelValues("commit_failed").Inc()
		return "", fmt.Errorf("[browser Commit] %w", err)
	}
	data, err := state.Marshal()
	if err != nil {
		return "", err
	}
	if m.cipher != nil {
		if data, err = m.cipher.Seal(data); err != nil {
			return "", fmt.Errorf("[browser Commit] seal: %w", err)
		}
	}
	path, err := m.store.Write(ctx, sessionID, data)
	if err != nil {
		metrics.BrowserTransitions.WithLabelValues("commit_failed").Inc()
		return "", fmt.Errorf("[browser Commit] %w", err)
	}

	metrics.BrowserTransitions.WithLabelValues("commit").Inc()
	log.Info().Str("session", utils.ShortID(sessionID)).Int("cookies", len(state.Cookies)).Msg("browser session committed")
	return path, nil
}

// Close tears the session down without persisting anything. Unknown ids are
// a no-op.
func (m *Manager) Close(sessionID string) {
	s, ok := m.take(sessionID, false)
	if !ok {
		return
	}
	m.teardown(sessionID, s)
	metrics.BrowserTransitions.WithLabelValues("close").Inc()
	log.Info().Str("session", utils.ShortID(sessionID)).Msg("browser session closed")
}

func (m *Manager) Status(sessionID string) Status {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	st := Status{
		InMemory:  ok && s.handle != nil,
		Launching: ok && s.handle == nil,
	}
	m.mu.Unlock()
	st.StateSaved = m.store.Exists(sessionID)
	return st
}

// PurgeZombies evicts sessions whose browser no longer answers and sessions
// older than the maximum age. It returns how many were evicted.
func (m *Manager) PurgeZombies(ctx context.Context) int {
	now := m.nowFunc()
	type candidate struct {
		id string
		s  *liveSession
	}
	var expired, live []candidate

	m.mu.Lock()
	for id, s := range m.sessions {
		switch {
		case now.Sub(s.createdAt) > m.maxAge:
			expired = append(expired, candidate{id, s})
		case s.handle != nil:
			live = append(live, candidate{id, s})
		}
	}
	m.mu.Unlock()

	var evict []candidate
	evict = append(evict, expired...)
	for _, c := range live {
		if !c.s.handle.Alive(ctx) {
			evict = append(evict, c)
		}
	}

	purged := 0
	for _, c := range evict {
		m.mu.Lock()
		current, ok := m.sessions[c.id]
		if ok && current == c.s {
			delete(m.sessions, c.id)
		}
		m.mu.Unlock()
		if !ok || current != c.s {
			continue
		}
		m.teardown(c.id, c.s)
		metrics.BrowserTransitions.WithLabelValues("purged").Inc()
		log.Warn().Str("session", utils.ShortID(c.id)).Msg("evicted unresponsive or expired browser session")
		purged++
	}
	return purged
}

// Run sweeps zombies until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.PurgeZombies(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tears down every live browser.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()

	for id, s := range sessions {
		m.teardown(id, s)
	}
	m.baseCancel()
}
