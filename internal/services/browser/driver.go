// Package browser manages browser-control sessions for marketplace automation:
// launch with anti-detection settings, liveness probing, recovery of dead
// sessions and navigation pacing.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
)

// ErrElementNotFound is returned when no candidate of a target is present
var ErrElementNotFound = errors.New("element not found")

// Driver is the set of page operations the automation worker needs.
// Every call is bounded by ctx.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, out interface{}) error

	Exists(ctx context.Context, loc locators.Locator) (bool, error)
	Click(ctx context.Context, loc locators.Locator) error
	SendKeys(ctx context.Context, loc locators.Locator, text string) error
	SetValue(ctx context.Context, loc locators.Locator, value string) error
	SetFiles(ctx context.Context, loc locators.Locator, files []string) error

	Screenshot(ctx context.Context) ([]byte, error)
	OuterHTML(ctx context.Context) (string, error)

	Cookies(ctx context.Context) ([]models.BundleCookie, error)
	SetCookies(ctx context.Context, cookies []models.BundleCookie) error

	WindowHandles(ctx context.Context) ([]string, error)
	SwitchToLatestWindow(ctx context.Context) (bool, error)

	Close() error
}

// LaunchOptions configures a new browser instance
type LaunchOptions struct {
	Headless     bool
	RemoteURL    string
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	Language     string
	Proxy        string
	ProfileDir   string
	StealthJS    string
}

// Launcher starts browser instances
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Driver, error)
}

// FindFirst returns the first locator of target present on the page
func FindFirst(ctx context.Context, d Driver, target locators.Target) (locators.Locator, error) {
	for _, loc := range target {
		ok, err := d.Exists(ctx, loc)
		if err != nil {
			return locators.Locator{}, err
		}
		if ok {
			return loc, nil
		}
	}
	return locators.Locator{}, ErrElementNotFound
}

// AnyPresent reports whether any locator of target is present
func AnyPresent(ctx context.Context, d Driver, target locators.Target) (bool, error) {
	if target.Empty() {
		return false, nil
	}
	_, err := FindFirst(ctx, d, target)
	if errors.Is(err, ErrElementNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WaitPresent polls until a locator of target is present or ctx ends
func WaitPresent(ctx context.Context, d Driver, target locators.Target, poll time.Duration) (locators.Locator, error) {
	if target.Empty() {
		return locators.Locator{}, ErrElementNotFound
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		loc, err := FindFirst(ctx, d, target)
		if err == nil {
			return loc, nil
		}
		if !errors.Is(err, ErrElementNotFound) {
			return locators.Locator{}, err
		}

		select {
		case <-ctx.Done():
			return locators.Locator{}, fmt.Errorf("%w: %s", ErrElementNotFound, target[0].String())
		case <-ticker.C:
		}
	}
}
