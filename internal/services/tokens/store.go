package tokens

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

// ErrStaleBundle is returned by Save when a newer bundle is already stored
var ErrStaleBundle = errors.New("a newer token bundle is already stored")

// Store is an in-memory cache of unexpired bundles over a durable backend.
// Writes for one platform are serialized; platforms never block each other.
type Store struct {
	backend  interfaces.TokenBackend
	lifetime time.Duration
	logger   arbor.ILogger

	mu    sync.RWMutex
	cache map[string]*models.TokenBundle

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	cron *cron.Cron
}

// NewStore creates a store over backend
func NewStore(backend interfaces.TokenBackend, lifetime time.Duration, logger arbor.ILogger) *Store {
	if lifetime <= 0 {
		lifetime = models.DefaultTokenLifetime
	}
	return &Store{
		backend:  backend,
		lifetime: lifetime,
		logger:   logger,
		cache:    make(map[string]*models.TokenBundle),
		keys:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) keyLock(platform string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	l, ok := s.keys[platform]
	if !ok {
		l = &sync.Mutex{}
		s.keys[platform] = l
	}
	return l
}

// Save stores bundle unless the stored bundle for the platform was captured
// later. Missing capture and expiry times are filled from the store lifetime.
func (s *Store) Save(ctx context.Context, bundle *models.TokenBundle) error {
	if bundle == nil || bundle.Platform == "" {
		return fmt.Errorf("token bundle platform is required")
	}

	if bundle.CapturedAt.IsZero() {
		bundle.CapturedAt = time.Now()
	}
	if bundle.ExpiresAt.IsZero() {
		bundle.ExpiresAt = bundle.CapturedAt.Add(s.lifetime)
	}

	l := s.keyLock(bundle.Platform)
	l.Lock()
	defer l.Unlock()

	current, err := s.lookup(ctx, bundle.Platform)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return err
	}
	if current != nil && !current.IsExpired() && !bundle.CapturedAt.After(current.CapturedAt) {
		s.logger.Debug().
			Str("platform", bundle.Platform).
			Str("stored_captured_at", current.CapturedAt.Format(time.RFC3339)).
			Str("new_captured_at", bundle.CapturedAt.Format(time.RFC3339)).
			Msg("Ignoring token bundle older than the stored one")
		return ErrStaleBundle
	}

	if err := s.backend.SaveBundle(ctx, bundle); err != nil {
		return fmt.Errorf("failed to persist token bundle for %s: %w", bundle.Platform, err)
	}

	s.mu.Lock()
	s.cache[bundle.Platform] = copyBundle(bundle)
	s.mu.Unlock()

	s.logger.Info().
		Str("platform", bundle.Platform).
		Int("cookies", len(bundle.Cookies)).
		Bool("csrf", bundle.HasCSRF()).
		Str("expires_at", bundle.ExpiresAt.Format(time.RFC3339)).
		Msg("Token bundle saved")
	return nil
}

// Get returns the unexpired bundle for platform. A backend hit is promoted
// into the cache; an expired one is not.
func (s *Store) Get(ctx context.Context, platform string) (*models.TokenBundle, error) {
	s.mu.RLock()
	cached, ok := s.cache[platform]
	s.mu.RUnlock()

	if ok {
		if !cached.IsExpired() {
			return copyBundle(cached), nil
		}
		s.evict(platform, cached)
	}

	bundle, err := s.backend.GetBundle(ctx, platform)
	if err != nil {
		return nil, err
	}
	if bundle.IsExpired() {
		return nil, interfaces.ErrNotFound
	}

	s.mu.Lock()
	if existing, ok := s.cache[platform]; !ok || existing.CapturedAt.Before(bundle.CapturedAt) {
		s.cache[platform] = copyBundle(bundle)
	}
	s.mu.Unlock()

	return bundle, nil
}

// Valid returns a bundle usable for direct API calls, or false
func (s *Store) Valid(ctx context.Context, platform string) (*models.TokenBundle, bool) {
	bundle, err := s.Get(ctx, platform)
	if err != nil || !bundle.IsValid() {
		return nil, false
	}
	return bundle, true
}

// Delete removes the bundle from the cache and the backend
func (s *Store) Delete(ctx context.Context, platform string) error {
	l := s.keyLock(platform)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	delete(s.cache, platform)
	s.mu.Unlock()

	if err := s.backend.DeleteBundle(ctx, platform); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("failed to delete token bundle for %s: %w", platform, err)
	}

	s.logger.Info().Str("platform", platform).Msg("Token bundle deleted")
	return nil
}

// IsExpired reports whether platform has no usable bundle
func (s *Store) IsExpired(ctx context.Context, platform string) bool {
	bundle, err := s.lookup(ctx, platform)
	if err != nil {
		return true
	}
	return bundle.IsExpired()
}

// Status returns the status document for platform, expired bundles included
func (s *Store) Status(ctx context.Context, platform string) models.TokenStatus {
	bundle, err := s.lookup(ctx, platform)
	if err != nil {
		return models.TokenStatus{Platform: platform}
	}
	status := bundle.Status()
	status.Platform = platform
	return status
}

// AllStatus returns the status of every stored bundle, sorted by platform
func (s *Store) AllStatus(ctx context.Context) ([]models.TokenStatus, error) {
	bundles, err := s.backend.ListBundles(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(bundles))
	statuses := make([]models.TokenStatus, 0, len(bundles))
	for _, b := range bundles {
		seen[b.Platform] = true
		statuses = append(statuses, b.Status())
	}

	s.mu.RLock()
	for platform, b := range s.cache {
		if !seen[platform] {
			statuses = append(statuses, b.Status())
		}
	}
	s.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Platform < statuses[j].Platform })
	return statuses, nil
}

// Sweep evicts expired bundles from the cache and the backend
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0

	s.mu.Lock()
	for platform, b := range s.cache {
		if b.IsExpired() {
			delete(s.cache, platform)
		}
	}
	s.mu.Unlock()

	bundles, err := s.backend.ListBundles(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list token bundles: %w", err)
	}

	for _, b := range bundles {
		if !b.IsExpired() {
			continue
		}
		evicted, err := s.evictExpired(ctx, b.Platform)
		if err != nil {
			s.logger.Warn().Err(err).Str("platform", b.Platform).Msg("Failed to evict expired token bundle")
			continue
		}
		if evicted {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Expired token bundles evicted")
	}
	return removed, nil
}

// evictExpired deletes the stored bundle for platform if it is still expired
// under the platform lock, so a bundle saved since the listing survives
func (s *Store) evictExpired(ctx context.Context, platform string) (bool, error) {
	l := s.keyLock(platform)
	l.Lock()
	defer l.Unlock()

	current, err := s.backend.GetBundle(ctx, platform)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !current.IsExpired() {
		return false, nil
	}

	if err := s.backend.DeleteBundle(ctx, platform); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// StartSweeper schedules Sweep on a cron schedule
func (s *Store) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Token sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	s.cron = c
	c.Start()
	s.logger.Debug().Str("schedule", schedule).Msg("Token sweeper started")
	return nil
}

// Stop stops the sweeper
func (s *Store) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

// lookup returns the stored bundle regardless of expiry
func (s *Store) lookup(ctx context.Context, platform string) (*models.TokenBundle, error) {
	s.mu.RLock()
	cached, ok := s.cache[platform]
	s.mu.RUnlock()
	if ok {
		return copyBundle(cached), nil
	}
	return s.backend.GetBundle(ctx, platform)
}

func (s *Store) evict(platform string, expected *models.TokenBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache[platform] == expected {
		delete(s.cache, platform)
	}
}

func copyBundle(b *models.TokenBundle) *models.TokenBundle {
	c := *b
	c.Cookies = append([]models.BundleCookie(nil), b.Cookies...)
	return &c
}
