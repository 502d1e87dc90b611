package browser

import (
	"context"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"
)

// Pacer spaces navigations to the same domain by a minimum delay plus random jitter
type Pacer struct {
	domains  map[string]*domainPace
	mu       sync.Mutex
	minDelay time.Duration
	jitter   time.Duration
}

// domainPace tracks the last navigation to a single domain
type domainPace struct {
	mu   sync.Mutex
	last time.Time
}

// NewPacer creates a pacer. A zero minDelay and jitter disable pacing.
func NewPacer(minDelay, jitter time.Duration) *Pacer {
	return &Pacer{
		domains:  make(map[string]*domainPace),
		minDelay: minDelay,
		jitter:   jitter,
	}
}

// Wait blocks until a navigation to rawURL is allowed
func (p *Pacer) Wait(ctx context.Context, rawURL string) error {
	if p == nil || (p.minDelay <= 0 && p.jitter <= 0) {
		return nil
	}

	domain := extractDomain(rawURL)
	if domain == "" {
		return nil
	}

	p.mu.Lock()
	pace, exists := p.domains[domain]
	if !exists {
		pace = &domainPace{}
		p.domains[domain] = pace
	}
	p.mu.Unlock()

	pace.mu.Lock()
	defer pace.mu.Unlock()

	if !pace.last.IsZero() {
		nextAllowed := pace.last.Add(p.delay())
		if wait := time.Until(nextAllowed); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	pace.last = time.Now()
	return nil
}

func (p *Pacer) delay() time.Duration {
	d := p.minDelay
	if p.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.jitter)))
	}
	return d
}

// extractDomain parses the host from a URL
func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
