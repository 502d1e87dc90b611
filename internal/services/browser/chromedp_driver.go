package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
)

// ChromeDPLauncher starts local or remote Chrome instances through chromedp
type ChromeDPLauncher struct {
	logger         arbor.ILogger
	startupTimeout time.Duration
}

// NewChromeDPLauncher creates a launcher
func NewChromeDPLauncher(logger arbor.ILogger, startupTimeout time.Duration) *ChromeDPLauncher {
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}
	return &ChromeDPLauncher{
		logger:         logger,
		startupTimeout: startupTimeout,
	}
}

// Launch starts a browser, injects the stealth script and verifies it responds
func (l *ChromeDPLauncher) Launch(ctx context.Context, opts LaunchOptions) (Driver, error) {
	startTime := time.Now()

	var allocatorCtx context.Context
	var allocatorCancel context.CancelFunc

	if opts.RemoteURL != "" {
		allocatorCtx, allocatorCancel = chromedp.NewRemoteAllocator(context.Background(), opts.RemoteURL)
	} else {
		allocatorCtx, allocatorCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	d := &chromedpDriver{
		browserCtx: browserCtx,
		pageCtx:    browserCtx,
		cancels:    []context.CancelFunc{browserCancel, allocatorCancel},
		logger:     l.logger,
	}

	startCtx, cancel := context.WithTimeout(ctx, l.startupTimeout)
	defer cancel()

	startup := []chromedp.Action{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if opts.StealthJS == "" {
				return nil
			}
			_, err := page.AddScriptToEvaluateOnNewDocument(opts.StealthJS).Do(ctx)
			return err
		}),
	}
	if opts.RemoteURL != "" && opts.UserAgent != "" {
		startup = append(startup, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetExtraHTTPHeaders(network.Headers{"User-Agent": opts.UserAgent}).Do(ctx)
		}))
	}
	startup = append(startup, chromedp.Navigate("about:blank"))

	if err := d.run(startCtx, startup...); err != nil {
		d.Close()
		return nil, fmt.Errorf("browser instance failed startup test: %w", err)
	}

	var title string
	if err := d.run(startCtx, chromedp.Title(&title)); err != nil {
		d.Close()
		return nil, fmt.Errorf("browser instance failed responsiveness test: %w", err)
	}

	l.logger.Debug().
		Bool("remote", opts.RemoteURL != "").
		Bool("headless", opts.Headless).
		Bool("proxy", opts.Proxy != "").
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser instance created and tested successfully")

	return d, nil
}

func allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", opts.Headless),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)

	if opts.Headless {
		allocatorOpts = append(allocatorOpts, chromedp.Flag("headless", "new"))
	} else {
		allocatorOpts = append(allocatorOpts, chromedp.Flag("headless", false))
	}
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.Language != "" {
		allocatorOpts = append(allocatorOpts, chromedp.Flag("lang", opts.Language))
	}
	if opts.Proxy != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ProxyServer(proxyServer(opts.Proxy)))
	}
	if opts.ProfileDir != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserDataDir(opts.ProfileDir))
	}

	return allocatorOpts
}

// chromedpDriver implements Driver on a chromedp browser context
type chromedpDriver struct {
	mu         sync.Mutex
	browserCtx context.Context
	pageCtx    context.Context
	cancels    []context.CancelFunc
	closed     bool
	logger     arbor.ILogger
}

// run executes actions on the current page, bounded by both the page and ctx
func (d *chromedpDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("browser session is closed")
	}
	pageCtx := d.pageCtx
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(pageCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func queryOptions(loc locators.Locator) (string, []chromedp.QueryOption) {
	query, xpath := loc.Query()
	if xpath {
		return query, []chromedp.QueryOption{chromedp.BySearch}
	}
	return query, []chromedp.QueryOption{chromedp.ByQuery}
}

func (d *chromedpDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *chromedpDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, chromedp.Location(&url))
	return url, err
}

func (d *chromedpDriver) Title(ctx context.Context) (string, error) {
	var title string
	err := d.run(ctx, chromedp.Title(&title))
	return title, err
}

func (d *chromedpDriver) Evaluate(ctx context.Context, script string, out interface{}) error {
	return d.run(ctx, chromedp.Evaluate(script, out))
}

func (d *chromedpDriver) Exists(ctx context.Context, loc locators.Locator) (bool, error) {
	query, opts := queryOptions(loc)
	if _, xpath := loc.Query(); xpath {
		opts = []chromedp.QueryOption{chromedp.BySearch, chromedp.AtLeast(0)}
	} else {
		opts = []chromedp.QueryOption{chromedp.ByQueryAll, chromedp.AtLeast(0)}
	}

	var nodes []*cdp.Node
	if err := d.run(ctx, chromedp.Nodes(query, &nodes, opts...)); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (d *chromedpDriver) Click(ctx context.Context, loc locators.Locator) error {
	query, opts := queryOptions(loc)
	return d.run(ctx,
		chromedp.ScrollIntoView(query, opts...),
		chromedp.Click(query, append(opts, chromedp.NodeVisible)...),
	)
}

func (d *chromedpDriver) SendKeys(ctx context.Context, loc locators.Locator, text string) error {
	query, opts := queryOptions(loc)
	return d.run(ctx,
		chromedp.Focus(query, opts...),
		chromedp.Clear(query, opts...),
		chromedp.SendKeys(query, text, opts...),
	)
}

// SetValue writes value through the native setter and fires input/change so
// framework-managed inputs and selects pick it up
func (d *chromedpDriver) SetValue(ctx context.Context, loc locators.Locator, value string) error {
	var ok bool
	script := fmt.Sprintf(`(() => {
  const el = %s;
  if (!el) { return false; }
  const proto = el.tagName === 'SELECT' ? HTMLSelectElement.prototype
    : el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype
    : HTMLInputElement.prototype;
  const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
  setter.call(el, %s);
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return true;
})()`, elementExpression(loc), jsString(value))

	if err := d.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, loc)
	}
	return nil
}

func (d *chromedpDriver) SetFiles(ctx context.Context, loc locators.Locator, files []string) error {
	query, opts := queryOptions(loc)
	return d.run(ctx, chromedp.SetUploadFiles(query, files, opts...))
}

func (d *chromedpDriver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := d.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (d *chromedpDriver) OuterHTML(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// Cookies reads the full cookie jar, including HTTP-only cookies
func (d *chromedpDriver) Cookies(ctx context.Context) ([]models.BundleCookie, error) {
	var cookies []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}

	out := make([]models.BundleCookie, 0, len(cookies))
	for _, c := range cookies {
		bc := models.BundleCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		}
		if !c.Session && c.Expires > 0 {
			bc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, bc)
	}
	return out, nil
}

// SetCookies injects cookies into the browser. Cookies that fail are skipped.
func (d *chromedpDriver) SetCookies(ctx context.Context, cookies []models.BundleCookie) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		successCount := 0
		for _, c := range cookies {
			var expires *cdp.TimeSinceEpoch
			if !c.Expires.IsZero() && c.Expires.After(time.Now()) {
				timestamp := cdp.TimeSinceEpoch(c.Expires)
				expires = &timestamp
			}

			params := network.SetCookie(c.Name, c.Value).
				WithDomain(strings.TrimPrefix(c.Domain, ".")).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				WithExpires(expires)

			switch strings.ToLower(c.SameSite) {
			case "strict":
				params = params.WithSameSite(network.CookieSameSiteStrict)
			case "lax":
				params = params.WithSameSite(network.CookieSameSiteLax)
			case "none":
				params = params.WithSameSite(network.CookieSameSiteNone)
			}

			if err := params.Do(ctx); err != nil {
				d.logger.Debug().Err(err).Str("cookie_name", c.Name).Str("domain", c.Domain).Msg("Failed to inject cookie")
				continue
			}
			successCount++
		}

		if successCount == 0 && len(cookies) > 0 {
			return fmt.Errorf("failed to inject any of %d cookies", len(cookies))
		}
		return nil
	}))
}

// WindowHandles lists the page targets of the browser
func (d *chromedpDriver) WindowHandles(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	browserCtx := d.browserCtx
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("browser session is closed")
	}

	targetsCtx, cancel := context.WithCancel(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	infos, err := chromedp.Targets(targetsCtx)
	if err != nil {
		return nil, err
	}

	handles := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			handles = append(handles, string(info.TargetID))
		}
	}
	return handles, nil
}

// SwitchToLatestWindow attaches to a page target other than the current one,
// such as an OAuth popup. It returns false when no other window is open.
func (d *chromedpDriver) SwitchToLatestWindow(ctx context.Context) (bool, error) {
	d.mu.Lock()
	browserCtx := d.browserCtx
	current := chromedp.FromContext(d.pageCtx)
	d.mu.Unlock()

	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return false, err
	}

	var candidate string
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if current != nil && current.Target != nil && info.TargetID == current.Target.TargetID {
			continue
		}
		candidate = string(info.TargetID)
	}
	if candidate == "" {
		return false, nil
	}

	for _, info := range infos {
		if string(info.TargetID) != candidate {
			continue
		}
		popupCtx, popupCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(info.TargetID))
		if err := chromedp.Run(popupCtx); err != nil {
			popupCancel()
			return false, fmt.Errorf("failed to attach to window %s: %w", candidate, err)
		}

		d.mu.Lock()
		d.pageCtx = popupCtx
		d.cancels = append(d.cancels, popupCancel)
		d.mu.Unlock()
		return true, nil
	}
	return false, nil
}

// Close shuts the browser down. Safe to call more than once.
func (d *chromedpDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	for i := len(d.cancels) - 1; i >= 0; i-- {
		d.cancels[i]()
	}
	d.cancels = nil
	return nil
}

// elementExpression renders a JS expression that evaluates to the element or null
func elementExpression(loc locators.Locator) string {
	query, xpath := loc.Query()
	if xpath {
		return fmt.Sprintf("document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", jsString(query))
	}
	return fmt.Sprintf("document.querySelector(%s)", jsString(query))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
