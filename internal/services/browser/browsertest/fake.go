// Package browsertest provides a scriptable in-memory browser driver for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
)

var _ browser.Driver = (*Driver)(nil)

// ErrDead is returned by every call on a driver marked dead
var ErrDead = errors.New("browser is not responding")

// Driver is a fake browser.Driver. Elements are present when their locator
// value is in Present. Hooks let tests change page state in reaction to
// navigation and clicks.
type Driver struct {
	mu sync.Mutex

	URL       string
	PageTitle string
	HTML      string
	Present   map[string]bool
	Values    map[string]string
	Files     map[string][]string
	Jar       []models.BundleCookie
	Handles   []string
	Dead      bool
	Closed    bool

	Navigations []string
	Clicks      []string
	Injected    [][]models.BundleCookie
	Scripts     []string

	// EvalFunc answers Evaluate. The result is JSON round-tripped into out.
	EvalFunc func(script string) (interface{}, error)
	// OnNavigate runs after a navigation is recorded
	OnNavigate func(d *Driver, url string)
	// OnClick runs after a click on a locator value is recorded
	OnClick map[string]func(d *Driver)
	// ClickErrors fails the next N clicks on a locator value
	ClickErrors map[string]int
	// PopupURL is the URL shown after SwitchToLatestWindow when set
	PopupURL string
}

// NewDriver returns a live driver with one window
func NewDriver() *Driver {
	return &Driver{
		URL:         "about:blank",
		Present:     make(map[string]bool),
		Values:      make(map[string]string),
		Files:       make(map[string][]string),
		Handles:     []string{"main"},
		OnClick:     make(map[string]func(d *Driver)),
		ClickErrors: make(map[string]int),
	}
}

// Show marks locator values as present
func (d *Driver) Show(values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		d.Present[v] = true
	}
}

// Hide marks locator values as absent
func (d *Driver) Hide(values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, v := range values {
		delete(d.Present, v)
	}
}

// SetURL changes the current URL without recording a navigation
func (d *Driver) SetURL(url string) {
	d.mu.Lock()
	d.URL = url
	d.mu.Unlock()
}

// Kill makes every further call fail
func (d *Driver) Kill() {
	d.mu.Lock()
	d.Dead = true
	d.mu.Unlock()
}

// Value returns the text written into a locator value
func (d *Driver) Value(value string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Values[value]
}

// NavigationCount returns the number of recorded navigations
func (d *Driver) NavigationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Navigations)
}

// IsClosed reports whether Close was called
func (d *Driver) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Closed
}

func (d *Driver) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Dead || d.Closed {
		return ErrDead
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	if err := d.check(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	d.URL = url
	d.Navigations = append(d.Navigations, url)
	hook := d.OnNavigate
	d.mu.Unlock()

	if hook != nil {
		hook(d, url)
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.URL, nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	return d.PageTitle, nil
}

func (d *Driver) Evaluate(ctx context.Context, script string, out interface{}) error {
	d.mu.Lock()
	if err := d.check(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	d.Scripts = append(d.Scripts, script)
	fn := d.EvalFunc
	d.mu.Unlock()

	var result interface{} = "complete"
	if fn != nil {
		var err error
		if result, err = fn(script); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (d *Driver) Exists(ctx context.Context, loc locators.Locator) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return false, err
	}
	return d.Present[loc.Value], nil
}

func (d *Driver) Click(ctx context.Context, loc locators.Locator) error {
	d.mu.Lock()
	if err := d.check(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	if !d.Present[loc.Value] {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, loc.Value)
	}
	if n := d.ClickErrors[loc.Value]; n > 0 {
		d.ClickErrors[loc.Value] = n - 1
		d.mu.Unlock()
		return fmt.Errorf("element %s is not clickable", loc.Value)
	}
	d.Clicks = append(d.Clicks, loc.Value)
	hook := d.OnClick[loc.Value]
	d.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

func (d *Driver) SendKeys(ctx context.Context, loc locators.Locator, text string) error {
	return d.write(ctx, loc, text)
}

func (d *Driver) SetValue(ctx context.Context, loc locators.Locator, value string) error {
	return d.write(ctx, loc, value)
}

func (d *Driver) write(ctx context.Context, loc locators.Locator, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	if !d.Present[loc.Value] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, loc.Value)
	}
	d.Values[loc.Value] = text
	return nil
}

func (d *Driver) SetFiles(ctx context.Context, loc locators.Locator, files []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	if !d.Present[loc.Value] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, loc.Value)
	}
	d.Files[loc.Value] = append([]string(nil), files...)
	return nil
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

func (d *Driver) OuterHTML(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return "", err
	}
	if d.HTML == "" {
		return "<html><head></head><body></body></html>", nil
	}
	return d.HTML, nil
}

func (d *Driver) Cookies(ctx context.Context) ([]models.BundleCookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return append([]models.BundleCookie(nil), d.Jar...), nil
}

func (d *Driver) SetCookies(ctx context.Context, cookies []models.BundleCookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return err
	}
	d.Injected = append(d.Injected, append([]models.BundleCookie(nil), cookies...))
	d.Jar = append(d.Jar, cookies...)
	return nil
}

func (d *Driver) WindowHandles(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), d.Handles...), nil
}

func (d *Driver) SwitchToLatestWindow(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return false, err
	}
	if len(d.Handles) < 2 {
		return false, nil
	}
	if d.PopupURL != "" {
		d.URL = d.PopupURL
	}
	return true, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Closed = true
	return nil
}

// Launcher hands out fake drivers
type Launcher struct {
	mu sync.Mutex

	// NewDriver builds each launched driver. NewDriver() is used when nil.
	NewDriver func(opts browser.LaunchOptions) *Driver
	// Err fails every launch when set
	Err error

	Launched []*Driver
	Options  []browser.LaunchOptions
}

// Launch returns a new fake driver
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}

	var d *Driver
	if l.NewDriver != nil {
		d = l.NewDriver(opts)
	} else {
		d = NewDriver()
	}
	l.Launched = append(l.Launched, d)
	l.Options = append(l.Options, opts)
	return d, nil
}

// Last returns the most recently launched driver
func (l *Launcher) Last() *Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Launched) == 0 {
		return nil
	}
	return l.Launched[len(l.Launched)-1]
}

// Count returns the number of launches
func (l *Launcher) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Launched)
}

// Contains reports whether any script evaluated so far contains substr
func (d *Driver) Contains(substr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.Scripts {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
