package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/tokens"
)

const maxTags = 5

// authenticateAndCapture logs in, then captures a token bundle.
// Capture failures are logged and never fail the registration.
func (a *attempt) authenticateAndCapture(ctx context.Context) error {
	if err := a.authenticate(ctx); err != nil {
		return err
	}
	if !a.w.opts.CaptureTokens {
		return nil
	}
	if _, err := a.captureTokens(ctx); err != nil {
		a.logger.Warn().
			Err(err).
			Str("platform", a.w.profile.Platform).
			Msg("Token capture failed; continuing with browser registration")
	}
	return nil
}

// authenticate opens the login page and logs in unless already logged in
func (a *attempt) authenticate(ctx context.Context) error {
	p := a.w.profile

	if err := a.session.Navigate(ctx, p.LoginURL); err != nil {
		return fmt.Errorf("failed to open login page: %w", err)
	}

	if a.present(ctx, locators.ElementLoggedIn) {
		a.logger.Info().Str("platform", p.Platform).Msg("Already logged in")
		return nil
	}

	if a.creds.IsEmpty() {
		return fmt.Errorf("%w for %s", ErrNoCredentials, p.Platform)
	}

	if err := a.enterCredentials(ctx); err != nil {
		return err
	}

	if p.Quirks.SMSVerification {
		if err := a.verifyBySMS(ctx); err != nil {
			return err
		}
	}

	return a.awaitLogin(ctx)
}

// enterCredentials walks the login entry points and submits username and password
func (a *attempt) enterCredentials(ctx context.Context) error {
	p := a.w.profile

	for _, element := range []string{locators.ElementLoginEntry, locators.ElementLoginProvider} {
		if err := a.clickIfShown(ctx, element); err != nil {
			return err
		}
	}

	popup := false
	if p.Quirks.LoginPopup {
		popup = a.switchToPopup(ctx)
	}

	filled := false
	if p.Has(locators.ElementUsername) && a.creds.Username != "" {
		if err := a.typeInto(ctx, locators.ElementUsername, a.creds.Username); err != nil {
			return err
		}
		filled = true
	}
	if p.Has(locators.ElementPassword) && a.creds.Password != "" {
		if err := a.typeInto(ctx, locators.ElementPassword, a.creds.Password); err != nil {
			return err
		}
		filled = true
	}

	if filled && p.Has(locators.ElementLoginSubmit) {
		if err := a.click(ctx, locators.ElementLoginSubmit); err != nil {
			return err
		}
	}

	if popup {
		a.returnToMainWindow(ctx)
	}
	return nil
}

// verifyBySMS submits the phone number and waits for the operator to enter the code
func (a *attempt) verifyBySMS(ctx context.Context) error {
	p := a.w.profile

	phone := a.creds.Phone
	if phone == "" {
		phone = a.creds.Username
	}
	if phone == "" {
		return fmt.Errorf("%w: phone number required for SMS login on %s", ErrNoCredentials, p.Platform)
	}

	if err := a.typeInto(ctx, locators.ElementPhone, phone); err != nil {
		return err
	}
	if p.Has(locators.ElementPhoneSubmit) {
		if err := a.click(ctx, locators.ElementPhoneSubmit); err != nil {
			return err
		}
	}
	if p.Has(locators.ElementVerificationCode) {
		if _, err := a.waitFor(ctx, locators.ElementVerificationCode, p.Target(locators.ElementVerificationCode), a.w.opts.ElementTimeout); err != nil {
			return fmt.Errorf("verification code field did not appear after the phone number was sent: %w", err)
		}
	}

	_, err := a.intervene(ctx, KindSMSCode, "Enter the SMS verification code in the browser window", a.loggedIn)
	return err
}

// awaitLogin waits for the logged-in indicator. A CAPTCHA opens one manual
// wait; the page is checked again when it ends.
func (a *attempt) awaitLogin(ctx context.Context) error {
	deadline := time.Now().Add(a.w.opts.LoginTimeout)
	captchaHandled := false

	for {
		if a.loggedIn(ctx) {
			a.logger.Info().Str("platform", a.w.profile.Platform).Msg("Login succeeded")
			return nil
		}

		if a.present(ctx, locators.ElementCaptcha) {
			if captchaHandled {
				return ErrCaptchaUnresolved
			}
			captchaHandled = true

			_, err := a.intervene(ctx, KindCaptcha, "CAPTCHA detected; solve it in the browser window", func(ctx context.Context) bool {
				return a.loggedIn(ctx) || !a.present(ctx, locators.ElementCaptcha)
			})
			if err != nil {
				return err
			}
			continue
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("logged-in indicator did not appear within %s", a.w.opts.LoginTimeout)
		}
		if err := sleep(ctx, a.w.opts.PollInterval); err != nil {
			return err
		}
	}
}

func (a *attempt) loggedIn(ctx context.Context) bool {
	return a.present(ctx, locators.ElementLoggedIn)
}

// intervene opens a manual wait for this attempt
func (a *attempt) intervene(ctx context.Context, kind, message string, ready func(ctx context.Context) bool) (Outcome, error) {
	return a.w.interventions.Wait(ctx, WaitRequest{
		Platform:  a.w.profile.Platform,
		AttemptID: a.id,
		Kind:      kind,
		Message:   message,
		Duration:  a.w.opts.ManualWait,
		Poll:      a.w.opts.PollInterval,
	}, ready)
}

// switchToPopup waits for a login popup and moves the driver into it
func (a *attempt) switchToPopup(ctx context.Context) bool {
	deadline := time.Now().Add(a.w.opts.ElementTimeout)
	for {
		switched, err := a.session.Driver().SwitchToLatestWindow(ctx)
		if err == nil && switched {
			a.logger.Debug().Msg("Switched to login popup")
			return true
		}
		if time.Now().After(deadline) || sleep(ctx, a.w.opts.PollInterval) != nil {
			a.logger.Debug().Err(err).Msg("No login popup; continuing in main window")
			return false
		}
	}
}

// returnToMainWindow waits for the popup to close and moves back
func (a *attempt) returnToMainWindow(ctx context.Context) {
	d := a.session.Driver()
	deadline := time.Now().Add(a.w.opts.LoginTimeout)
	for time.Now().Before(deadline) {
		handles, err := d.WindowHandles(ctx)
		if err == nil && len(handles) <= 1 {
			break
		}
		if sleep(ctx, a.w.opts.PollInterval) != nil {
			return
		}
	}
	if _, err := d.SwitchToLatestWindow(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to switch back to main window")
	}
}

// captureTokens runs the capture chain and stores the bundle
func (a *attempt) captureTokens(ctx context.Context) (*models.TokenBundle, error) {
	if a.w.capture == nil {
		return nil, fmt.Errorf("%w: capture is not configured", tokens.ErrCaptureFailed)
	}

	if err := a.session.Checkpoint(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to checkpoint session before capture")
	}

	bundle, err := a.w.capture.Capture(ctx, a.session, a.w.profile)
	if err != nil {
		return nil, err
	}

	if a.w.bundles != nil {
		if err := a.w.bundles.Save(ctx, bundle); err != nil && !errors.Is(err, tokens.ErrStaleBundle) {
			return bundle, fmt.Errorf("failed to store token bundle: %w", err)
		}
	}

	a.w.publisher.Publish(models.Event{
		Type:      models.EventTokenCaptured,
		Platform:  a.w.profile.Platform,
		AttemptID: a.id,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"source":       bundle.Source,
			"cookie_count": len(bundle.Cookies),
			"has_csrf":     bundle.HasCSRF(),
			"expires_at":   bundle.ExpiresAt,
		},
	})
	return bundle, nil
}

// navigateToForm opens the registration form and waits for the title field
func (a *attempt) navigateToForm(ctx context.Context) error {
	p := a.w.profile
	if err := a.session.Navigate(ctx, p.RegisterURL); err != nil {
		return fmt.Errorf("failed to open registration form: %w", err)
	}
	_, err := a.waitFor(ctx, locators.ElementTitle, p.Target(locators.ElementTitle), a.w.opts.ElementTimeout)
	return err
}

// fillForm writes the listing into the registration form
func (a *attempt) fillForm(ctx context.Context) error {
	p := a.w.profile
	l := a.listing

	if err := a.fill(ctx, locators.ElementTitle, l.Name); err != nil {
		return err
	}
	if p.Has(locators.ElementPrice) {
		if err := a.fill(ctx, locators.ElementPrice, strconv.FormatInt(l.Price, 10)); err != nil {
			return err
		}
	}
	if p.Has(locators.ElementDescription) {
		if err := a.fill(ctx, locators.ElementDescription, l.Description); err != nil {
			return err
		}
	}

	if err := a.fillIfShown(ctx, locators.ElementQuantity, strconv.Itoa(l.EffectiveQuantity())); err != nil {
		return err
	}
	if err := a.enterTags(ctx); err != nil {
		return err
	}
	if l.Location != "" {
		if err := a.fillIfShown(ctx, locators.ElementLocation, l.Location); err != nil {
			return err
		}
	}
	if err := a.uploadImages(ctx); err != nil {
		return err
	}
	if err := a.selectCategory(ctx); err != nil {
		return err
	}
	return a.selectCondition(ctx)
}

func (a *attempt) enterTags(ctx context.Context) error {
	if len(a.listing.Tags) == 0 || !a.present(ctx, locators.ElementTags) {
		return nil
	}
	for i, tag := range a.listing.Tags {
		if i >= maxTags {
			break
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if err := a.typeInto(ctx, locators.ElementTags, tag+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (a *attempt) uploadImages(ctx context.Context) error {
	files, skipped := LocalImages(a.listing.Images)
	for _, s := range skipped {
		a.logger.Warn().Str("image", s).Msg("Skipping image that is not a readable local file")
	}
	if len(files) == 0 {
		return nil
	}
	if !a.w.profile.Has(locators.ElementImages) {
		a.logger.Warn().Str("platform", a.w.profile.Platform).Msg("Profile has no image input; images not uploaded")
		return nil
	}

	return a.interact(ctx, "upload images", locators.ElementImages, a.w.profile.Target(locators.ElementImages), func(d browser.Driver, loc locators.Locator) error {
		return d.SetFiles(ctx, loc, files)
	})
}

// selectCategory picks the listing category, falling back to the profile default
func (a *attempt) selectCategory(ctx context.Context) error {
	p := a.w.profile
	category, ok := p.ResolveCategory(a.listing.Category)
	if !ok {
		a.logger.Debug().Str("category", a.listing.Category).Msg("No category mapping; leaving category unset")
		return nil
	}

	if category.Value != "" {
		return a.fill(ctx, locators.ElementCategory, category.Value)
	}
	if !category.Locators.Empty() {
		return a.interact(ctx, "select category", locators.ElementCategory, category.Locators, func(d browser.Driver, loc locators.Locator) error {
			return d.Click(ctx, loc)
		})
	}
	return nil
}

func (a *attempt) selectCondition(ctx context.Context) error {
	element := locators.ElementConditionUsed
	if a.listing.EffectiveCondition() == models.ConditionNew {
		element = locators.ElementConditionNew
	}
	return a.clickIfShown(ctx, element)
}

func (a *attempt) submit(ctx context.Context) error {
	return a.click(ctx, locators.ElementSubmit)
}

// verify waits for a listing-detail URL or the success banner
func (a *attempt) verify(ctx context.Context) error {
	p := a.w.profile

	verifyCtx, cancel := context.WithTimeout(ctx, a.w.opts.VerifyTimeout)
	defer cancel()

	ticker := time.NewTicker(a.w.opts.PollInterval)
	defer ticker.Stop()

	for {
		current, err := a.session.Driver().CurrentURL(verifyCtx)
		if err == nil {
			if p.IsListingURL(current) {
				a.productURL = current
				return nil
			}
			if current != "" && a.present(verifyCtx, locators.ElementSuccess) {
				a.productURL = current
				return nil
			}
		}

		select {
		case <-verifyCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrVerificationTimeout
		case <-ticker.C:
		}
	}
}

// pageError returns the text of the profile's error banner when one is shown
func (a *attempt) pageError(ctx context.Context) string {
	target := a.w.profile.Target(locators.ElementError)
	if target.Empty() || a.session == nil || a.session.IsClosed() {
		return ""
	}
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.w.opts.ElementTimeout)
	defer cancel()

	d := a.session.Driver()
	loc, err := browser.FindFirst(probeCtx, d, target)
	if err != nil {
		return ""
	}
	var text string
	if err := d.Evaluate(probeCtx, elementTextScript(loc), &text); err != nil {
		return ""
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > 200 {
		text = string(r[:200])
	}
	return text
}

// elementTextScript returns the visible text of the first node matching loc
func elementTextScript(loc locators.Locator) string {
	query, xpath := loc.Query()
	literal, _ := json.Marshal(query)
	if xpath {
		return fmt.Sprintf(`(function(){var n=document.evaluate(%s,document,null,XPathResult.FIRST_ORDERED_NODE_TYPE,null).singleNodeValue;return n?n.innerText:'';})()`, literal)
	}
	return fmt.Sprintf(`(function(){var n=document.querySelector(%s);return n?n.innerText:'';})()`, literal)
}

// present reports whether element is on the page now
func (a *attempt) present(ctx context.Context, element string) bool {
	target := a.w.profile.Target(element)
	if target.Empty() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, a.w.opts.ElementTimeout)
	defer cancel()

	ok, err := browser.AnyPresent(probeCtx, a.session.Driver(), target)
	return err == nil && ok
}

// waitFor returns the first locator of target present within timeout
func (a *attempt) waitFor(ctx context.Context, name string, target locators.Target, timeout time.Duration) (locators.Locator, error) {
	if target.Empty() {
		return locators.Locator{}, fmt.Errorf("no locators configured for %s", name)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	loc, err := browser.WaitPresent(waitCtx, a.session.Driver(), target, a.w.opts.PollInterval)
	if err != nil {
		return loc, fmt.Errorf("%s: %w", name, err)
	}
	return loc, nil
}

// interact finds target and applies fn under the retry policy
func (a *attempt) interact(ctx context.Context, action, name string, target locators.Target, fn func(d browser.Driver, loc locators.Locator) error) error {
	return a.w.opts.Retry.Do(ctx, a.logger, action+" "+name, func() error {
		loc, err := a.waitFor(ctx, name, target, a.w.opts.ElementTimeout)
		if err != nil {
			return err
		}
		if err := fn(a.session.Driver(), loc); err != nil {
			return fmt.Errorf("%s %s: %w", action, name, err)
		}
		return nil
	})
}

func (a *attempt) click(ctx context.Context, element string) error {
	return a.interact(ctx, "click", element, a.w.profile.Target(element), func(d browser.Driver, loc locators.Locator) error {
		return d.Click(ctx, loc)
	})
}

func (a *attempt) fill(ctx context.Context, element, value string) error {
	return a.interact(ctx, "fill", element, a.w.profile.Target(element), func(d browser.Driver, loc locators.Locator) error {
		return d.SetValue(ctx, loc, value)
	})
}

func (a *attempt) typeInto(ctx context.Context, element, text string) error {
	return a.interact(ctx, "type into", element, a.w.profile.Target(element), func(d browser.Driver, loc locators.Locator) error {
		return d.SendKeys(ctx, loc, text)
	})
}

// clickIfShown clicks element when the profile defines it and it is on the page
func (a *attempt) clickIfShown(ctx context.Context, element string) error {
	if !a.present(ctx, element) {
		return nil
	}
	return a.click(ctx, element)
}

// fillIfShown fills element when the profile defines it and it is on the page
func (a *attempt) fillIfShown(ctx context.Context, element, value string) error {
	if !a.present(ctx, element) {
		a.logger.Debug().Str("element", element).Msg("Optional field not on page; skipped")
		return nil
	}
	return a.fill(ctx, element, value)
}

// LocalImages keeps the paths that are readable local files, made absolute.
// URLs and missing files are returned as skipped.
func LocalImages(paths []string) (files []string, skipped []string) {
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		lower := strings.ToLower(p)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "data:") {
			skipped = append(skipped, p)
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			skipped = append(skipped, p)
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			skipped = append(skipped, p)
			continue
		}
		files = append(files, abs)
	}
	return files, skipped
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
