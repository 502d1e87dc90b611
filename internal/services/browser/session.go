package browser

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/marketpost/internal/models"
)

// Session is one browser instance owned by a single registration attempt
type Session struct {
	ID        string
	Platform  string
	UserAgent string

	mu         sync.Mutex
	driver     Driver
	pacer      *Pacer
	createdAt  time.Time
	health     models.SessionHealth
	profileDir string
	lastURL    string
	cookies    []models.BundleCookie
	closed     bool
}

// SessionInfo is a read-only view of a session
type SessionInfo struct {
	ID         string               `json:"id"`
	Platform   string               `json:"platform"`
	Health     models.SessionHealth `json:"health"`
	CreatedAt  time.Time            `json:"createdAt"`
	LastURL    string               `json:"lastUrl,omitempty"`
	ProfileDir string               `json:"profileDir,omitempty"`
}

// Driver returns the page driver of the session
func (s *Session) Driver() Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// Navigate loads url after the pacing delay and remembers it for recovery
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.pacer.Wait(ctx, url); err != nil {
		return err
	}
	if err := s.Driver().Navigate(ctx, url); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastURL = url
	s.mu.Unlock()
	return nil
}

// Checkpoint snapshots the cookie jar and current URL so a recovered
// session can continue where this one stopped
func (s *Session) Checkpoint(ctx context.Context) error {
	d := s.Driver()

	cookies, err := d.Cookies(ctx)
	if err != nil {
		return err
	}
	current, err := d.CurrentURL(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cookies = cookies
	if current != "" {
		s.lastURL = current
	}
	s.mu.Unlock()
	return nil
}

// Health returns the last observed health
func (s *Session) Health() models.SessionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Age returns how long ago the session was created
func (s *Session) Age() time.Duration {
	return time.Since(s.createdAt)
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.ID,
		Platform:   s.Platform,
		Health:     s.health,
		CreatedAt:  s.createdAt,
		LastURL:    s.lastURL,
		ProfileDir: s.profileDir,
	}
}

func (s *Session) setHealth(h models.SessionHealth) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

func (s *Session) lastKnown() (string, []models.BundleCookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL, append([]models.BundleCookie(nil), s.cookies...)
}

// close shuts the browser down and removes the profile dir. Safe to call more than once.
func (s *Session) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.health = models.SessionDead
	driver := s.driver
	profileDir := s.profileDir
	s.mu.Unlock()

	var err error
	if driver != nil {
		err = driver.Close()
	}
	if profileDir != "" {
		if rmErr := os.RemoveAll(profileDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// IsClosed reports whether the session has been released
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
