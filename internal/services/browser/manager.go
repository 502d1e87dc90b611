package browser

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
)

// Manager creates, probes and recovers browser sessions
type Manager struct {
	config   *common.BrowserConfig
	launcher Launcher
	pacer    *Pacer
	metrics  *metrics.Metrics
	logger   arbor.ILogger

	probeTimeout time.Duration
	maxAge       time.Duration
	recoverDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	profiles map[string]*locators.Profile // session id -> profile, for recovery
}

// NewManager creates a session manager
func NewManager(config *common.BrowserConfig, launcher Launcher, m *metrics.Metrics, logger arbor.ILogger) *Manager {
	return &Manager{
		config:       config,
		launcher:     launcher,
		pacer:        NewPacer(common.ParseDuration(config.NavigationDelay, 0), common.ParseDuration(config.RandomDelay, 0)),
		metrics:      m,
		logger:       logger,
		probeTimeout: common.ParseDuration(config.ProbeTimeout, 5*time.Second),
		maxAge:       common.ParseDuration(config.MaxSessionAge, 30*time.Minute),
		recoverDelay: common.ParseDuration(config.RecoverDelay, 2*time.Second),
		sessions:     make(map[string]*Session),
		profiles:     make(map[string]*locators.Profile),
	}
}

// CreateSession launches a browser for profile, opens the platform home and
// verifies the session responds
func (m *Manager) CreateSession(ctx context.Context, profile *locators.Profile) (*Session, error) {
	session := &Session{
		ID:        common.NewSessionID(),
		Platform:  profile.Platform,
		UserAgent: m.pickUserAgent(),
		pacer:     m.pacer,
	}

	if err := m.start(ctx, session, profile.EntryURL()); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.profiles[session.ID] = profile
	m.mu.Unlock()
	m.metrics.SessionOpened()

	m.logger.Info().
		Str("session_id", session.ID).
		Str("platform", session.Platform).
		Msg("Browser session created")

	return session, nil
}

// start launches the driver for session and navigates to url
func (m *Manager) start(ctx context.Context, session *Session, url string) error {
	profileDir := ""
	if m.config.RemoteURL == "" {
		dir, err := os.MkdirTemp(m.config.ProfileRoot, "marketpost-"+session.Platform+"-*")
		if err != nil {
			return fmt.Errorf("failed to create profile directory: %w", err)
		}
		profileDir = dir
	}

	driver, err := m.launcher.Launch(ctx, LaunchOptions{
		Headless:     m.config.Headless,
		RemoteURL:    m.config.RemoteURL,
		UserAgent:    session.UserAgent,
		WindowWidth:  m.config.WindowWidth,
		WindowHeight: m.config.WindowHeight,
		Language:     m.config.Language,
		Proxy:        m.config.Proxy,
		ProfileDir:   profileDir,
		StealthJS:    StealthScript(m.config.Language, m.config.WindowWidth, m.config.WindowHeight),
	})
	if err != nil {
		if profileDir != "" {
			_ = os.RemoveAll(profileDir)
		}
		return fmt.Errorf("failed to launch browser for %s: %w", session.Platform, err)
	}

	session.mu.Lock()
	session.driver = driver
	session.profileDir = profileDir
	session.createdAt = time.Now()
	session.health = models.SessionValid
	session.closed = false
	session.mu.Unlock()

	if url != "" {
		if err := session.Navigate(ctx, url); err != nil {
			_ = session.close()
			return fmt.Errorf("failed to open %s: %w", url, err)
		}
	}

	if !m.IsSessionValid(ctx, session) {
		_ = session.close()
		return fmt.Errorf("browser session for %s failed liveness probe", session.Platform)
	}

	return nil
}

// IsSessionValid probes the session with a trivial script, the current URL
// and the window handle set. Any failure marks it dead. A live session older
// than the configured maximum age is marked stale and still reported valid.
func (m *Manager) IsSessionValid(ctx context.Context, session *Session) bool {
	if session == nil || session.IsClosed() {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	driver := session.Driver()

	var readyState string
	if err := driver.Evaluate(probeCtx, "document.readyState", &readyState); err != nil {
		m.markDead(session, "script", err)
		return false
	}
	if _, err := driver.CurrentURL(probeCtx); err != nil {
		m.markDead(session, "url", err)
		return false
	}
	handles, err := driver.WindowHandles(probeCtx)
	if err != nil {
		m.markDead(session, "window_handles", err)
		return false
	}
	if len(handles) == 0 {
		m.markDead(session, "window_handles", fmt.Errorf("no open windows"))
		return false
	}

	if m.maxAge > 0 && session.Age() > m.maxAge {
		session.setHealth(models.SessionStale)
	} else {
		session.setHealth(models.SessionValid)
	}
	return true
}

func (m *Manager) markDead(session *Session, probe string, err error) {
	session.setHealth(models.SessionDead)
	m.logger.Warn().
		Err(err).
		Str("session_id", session.ID).
		Str("platform", session.Platform).
		Str("probe", probe).
		Msg("Browser session failed liveness probe")
}

// RecoverSession replaces a dead session's browser in place: the old browser
// and profile are discarded, a fresh one is launched, the last known cookies
// are re-injected and the last page is reopened
func (m *Manager) RecoverSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	profile := m.profiles[session.ID]
	m.mu.Unlock()
	if profile == nil {
		return fmt.Errorf("session %s is not managed", session.ID)
	}

	lastURL, cookies := session.lastKnown()

	if err := session.close(); err != nil {
		m.logger.Debug().Err(err).Str("session_id", session.ID).Msg("Error discarding dead session")
	}

	m.logger.Info().
		Str("session_id", session.ID).
		Str("platform", session.Platform).
		Int("cookies", len(cookies)).
		Msg("Recovering browser session")

	if m.recoverDelay > 0 {
		timer := time.NewTimer(m.recoverDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := m.start(ctx, session, profile.EntryURL()); err != nil {
		return fmt.Errorf("failed to recover session: %w", err)
	}

	if len(cookies) > 0 {
		if err := session.Driver().SetCookies(ctx, cookies); err != nil {
			m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to re-inject cookies into recovered session")
		} else {
			session.mu.Lock()
			session.cookies = cookies
			session.mu.Unlock()
		}
	}

	if lastURL != "" && lastURL != profile.EntryURL() {
		if err := session.Navigate(ctx, lastURL); err != nil {
			return fmt.Errorf("failed to reopen %s after recovery: %w", lastURL, err)
		}
	}

	m.metrics.SessionRecovered(session.Platform)
	return nil
}

// Release closes the session and removes its profile directory
func (m *Manager) Release(session *Session) {
	if session == nil {
		return
	}

	m.mu.Lock()
	_, tracked := m.sessions[session.ID]
	delete(m.sessions, session.ID)
	delete(m.profiles, session.ID)
	m.mu.Unlock()

	if err := session.close(); err != nil {
		m.logger.Warn().Err(err).Str("session_id", session.ID).Msg("Error closing browser session")
	}
	if tracked {
		m.metrics.SessionClosed()
		m.logger.Debug().Str("session_id", session.ID).Str("platform", session.Platform).Msg("Browser session released")
	}
}

// ActiveSessions returns a snapshot of open sessions
func (m *Manager) ActiveSessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Shutdown releases every open session
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.Release(s)
	}
	if len(sessions) > 0 {
		m.logger.Info().Int("count", len(sessions)).Msg("Browser sessions shut down")
	}
}

func (m *Manager) pickUserAgent() string {
	if len(m.config.UserAgents) == 0 {
		return ""
	}
	return m.config.UserAgents[rand.IntN(len(m.config.UserAgents))]
}
