package automation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/browser/browsertest"
	"github.com/ternarybob/marketpost/internal/services/tokens"
)

// junggonara selectors from the built-in profile
const (
	jgUsername = "input[name='user_id']"
	jgPassword = "input[name='password']"
	jgSubmit   = "input[type='submit']"
	jgLoggedIn = ".login-info"
	jgTitle    = "input[name='subject']"
	jgPrice    = "input[name='price']"
	jgContent  = "textarea[name='content']"
	jgLocation = "input[name='location']"
	jgCategory = "select[name='category']"
	jgImages   = "input[type='file']"
	jgCaptcha  = ".captcha-image"

	jgListingURL = "https://www.joonggonara.co.kr/product/12345"
)

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) states() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.Type == models.EventStateChanged {
			out = append(out, e.Payload["to"].(string))
		}
	}
	return out
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// site scripts a fake junggonara
type site struct {
	profile *locators.Profile

	// publishURL is where the browser lands after the form is submitted;
	// empty means it stays on the form
	publishURL string
	// pageText is returned for the blocking-marker probe
	pageText string
	// loggedIn shows the logged-in indicator as soon as the login page opens
	loggedIn bool
	// captcha shows a CAPTCHA instead of logging in after submit
	captcha bool
	// killOnForm kills the first driver when the form is opened
	killOnForm bool

	mu       sync.Mutex
	launches int
}

func (s *site) newDriver(opts browser.LaunchOptions) *browsertest.Driver {
	s.mu.Lock()
	s.launches++
	first := s.launches == 1
	s.mu.Unlock()

	d := browsertest.NewDriver()
	d.EvalFunc = func(script string) (interface{}, error) {
		switch {
		case script == pageTextScript:
			return s.pageText, nil
		case strings.Contains(script, "readyState"):
			return "complete", nil
		default:
			return "", nil
		}
	}
	d.OnNavigate = func(d *browsertest.Driver, url string) {
		switch url {
		case s.profile.LoginURL:
			if s.loggedIn {
				d.Show(jgLoggedIn)
				return
			}
			d.Show(jgUsername, jgPassword, jgSubmit)
		case s.profile.RegisterURL:
			d.Hide(jgUsername, jgPassword)
			d.Show(jgTitle, jgPrice, jgContent, jgLocation, jgCategory, jgImages, jgSubmit)
			if s.killOnForm && first {
				d.Kill()
			}
		}
	}
	d.OnClick[jgSubmit] = func(d *browsertest.Driver) {
		current, _ := d.CurrentURL(context.Background())
		switch current {
		case s.profile.LoginURL:
			if s.captcha {
				d.Show(jgCaptcha)
				return
			}
			d.Show(jgLoggedIn)
		case s.profile.RegisterURL:
			if s.publishURL != "" {
				d.SetURL(s.publishURL)
			}
		}
	}
	return d
}

func testRegistry(t *testing.T) *locators.Registry {
	t.Helper()
	registry, err := locators.NewRegistry(arbor.NewLogger())
	require.NoError(t, err)
	return registry
}

func testOptions(t *testing.T) Options {
	return Options{
		Retry:          RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Millisecond},
		ElementTimeout: 100 * time.Millisecond,
		LoginTimeout:   300 * time.Millisecond,
		VerifyTimeout:  200 * time.Millisecond,
		ManualWait:     2 * time.Second,
		PollInterval:   5 * time.Millisecond,
		CaptureTokens:  true,
		Screenshots:    true,
		ScreenshotDir:  t.TempDir(),
	}
}

func testManager(t *testing.T, launcher browser.Launcher) *browser.Manager {
	t.Helper()
	cfg := common.NewDefaultConfig().Browser
	cfg.ProfileRoot = t.TempDir()
	cfg.NavigationDelay = "0s"
	cfg.RandomDelay = "0s"
	cfg.RecoverDelay = "0s"
	return browser.NewManager(&cfg, launcher, nil, arbor.NewLogger())
}

func testRuntime(t *testing.T, launcher browser.Launcher, publisher *recordingPublisher) Runtime {
	t.Helper()
	logger := arbor.NewLogger()
	return Runtime{
		Sessions:      testManager(t, launcher),
		Capture:       tokens.NewCaptureService(0, time.Hour, nil, logger),
		Interventions: NewInterventions(publisher, logger),
		Publisher:     publisher,
		Logger:        logger,
		Options:       testOptions(t),
	}
}

func testListing() *models.ProductListing {
	return &models.ProductListing{
		ID:          "listing-1",
		Name:        "Vintage camera",
		Description: "Film camera in working order",
		Price:       150000,
		Quantity:    1,
		Category:    "디지털/가전",
		Condition:   models.ConditionUsed,
		Location:    "Seoul",
		Tags:        []string{"camera"},
	}
}

func testCredentials() *models.Credentials {
	return &models.Credentials{Username: "seller", Password: "secret-password"}
}
