// Package automation drives marketplace registrations: a generic
// profile-driven worker state machine per platform and an orchestrator that
// fans a listing out to every platform.
package automation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/tokens"
)

// Options tunes the worker's waits and retries
type Options struct {
	Retry          RetryPolicy
	ElementTimeout time.Duration
	LoginTimeout   time.Duration
	VerifyTimeout  time.Duration
	ManualWait     time.Duration
	PollInterval   time.Duration
	CaptureTokens  bool
	Screenshots    bool
	ScreenshotDir  string
}

// OptionsFromConfig converts the automation config section
func OptionsFromConfig(cfg *common.AutomationConfig) Options {
	return Options{
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       common.ParseDuration(cfg.RetryDelay, 2*time.Second),
		},
		ElementTimeout: common.ParseDuration(cfg.ElementTimeout, 10*time.Second),
		LoginTimeout:   common.ParseDuration(cfg.LoginTimeout, 30*time.Second),
		VerifyTimeout:  common.ParseDuration(cfg.VerifyTimeout, 30*time.Second),
		ManualWait:     common.ParseDuration(cfg.ManualWait, 30*time.Second),
		PollInterval:   common.ParseDuration(cfg.PollInterval, 500*time.Millisecond),
		CaptureTokens:  cfg.CaptureTokens,
		Screenshots:    cfg.Screenshots.Enabled,
		ScreenshotDir:  cfg.Screenshots.Dir,
	}
}

// BundleSaver stores captured token bundles
type BundleSaver interface {
	Save(ctx context.Context, bundle *models.TokenBundle) error
}

// Runtime is what every worker shares
type Runtime struct {
	Sessions      *browser.Manager
	Capture       *tokens.CaptureService
	Bundles       BundleSaver
	Interventions *Interventions
	Publisher     interfaces.EventPublisher
	Metrics       *metrics.Metrics
	Logger        arbor.ILogger
	Options       Options
}

// Worker registers listings on one platform by driving its web UI.
// All platform differences come from the profile.
type Worker struct {
	profile       *locators.Profile
	sessions      *browser.Manager
	capture       *tokens.CaptureService
	bundles       BundleSaver
	interventions *Interventions
	publisher     interfaces.EventPublisher
	metrics       *metrics.Metrics
	logger        arbor.ILogger
	opts          Options
}

// NewWorker creates a worker for profile
func NewWorker(profile *locators.Profile, rt Runtime) *Worker {
	if rt.Publisher == nil {
		rt.Publisher = interfaces.NoopPublisher{}
	}
	if rt.Interventions == nil {
		rt.Interventions = NewInterventions(rt.Publisher, rt.Logger)
	}
	if rt.Options.Retry.MaxAttempts < 1 {
		rt.Options.Retry = NewRetryPolicy()
	}
	if rt.Options.PollInterval <= 0 {
		rt.Options.PollInterval = 500 * time.Millisecond
	}

	return &Worker{
		profile:       profile,
		sessions:      rt.Sessions,
		capture:       rt.Capture,
		bundles:       rt.Bundles,
		interventions: rt.Interventions,
		publisher:     rt.Publisher,
		metrics:       rt.Metrics,
		logger:        rt.Logger,
		opts:          rt.Options,
	}
}

// Platform returns the platform this worker automates
func (w *Worker) Platform() string {
	return w.profile.Platform
}

// step is one state of the registration flow
type step struct {
	state models.WorkerState
	code  models.ErrorCode
	run   func(ctx context.Context) error
}

// attempt is the mutable state of one Run
type attempt struct {
	w          *Worker
	id         string
	listing    *models.ProductListing
	creds      *models.Credentials
	result     *models.AutomationResult
	session    *browser.Session
	state      models.WorkerState
	recovered  bool
	productURL string
	logger     arbor.ILogger
}

func (w *Worker) newAttempt(attemptID string, listing *models.ProductListing, creds *models.Credentials) *attempt {
	result := models.NewAutomationResult(attemptID, w.profile.Platform, listing.ID)
	result.Via = models.ViaBrowser
	result.MaxRetries = 1

	return &attempt{
		w:       w,
		id:      attemptID,
		listing: listing,
		creds:   creds,
		result:  result,
		state:   models.StateIdle,
		logger:  w.logger.WithCorrelationId(attemptID),
	}
}

// Run performs one registration attempt. It always returns a finished
// result; browser errors and panics are converted into failures.
func (w *Worker) Run(ctx context.Context, attemptID string, listing *models.ProductListing, creds *models.Credentials) (result *models.AutomationResult) {
	a := w.newAttempt(attemptID, listing, creds)
	result = a.result

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("platform", w.profile.Platform).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Worker panicked")
			a.fail(ctx, &StepError{Step: a.state, Code: models.ErrorCodeInternal, Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	a.logger.Info().
		Str("platform", w.profile.Platform).
		Str("listing_id", listing.ID).
		Msg("Starting browser registration")

	if err := a.open(ctx); err != nil {
		a.fail(ctx, err)
		return result
	}
	defer w.sessions.Release(a.session)

	steps := []step{
		{models.StateAuthenticating, models.ErrorCodeLoginFailure, a.authenticateAndCapture},
		{models.StateFormNavigation, models.ErrorCodeFormFillFailure, a.navigateToForm},
		{models.StateFormFilling, models.ErrorCodeFormFillFailure, a.fillForm},
		{models.StateSubmitting, models.ErrorCodeSubmissionFailure, a.submit},
		{models.StateVerifyingSuccess, models.ErrorCodeVerificationTimeout, a.verify},
	}

	for _, s := range steps {
		if err := a.runStep(ctx, s); err != nil {
			a.fail(ctx, err)
			return result
		}
	}

	a.succeed()
	return result
}

// RefreshTokens logs in and captures a fresh token bundle without
// registering anything
func (w *Worker) RefreshTokens(ctx context.Context, attemptID string, creds *models.Credentials) (bundle *models.TokenBundle, err error) {
	a := w.newAttempt(attemptID, &models.ProductListing{}, creds)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("platform", w.profile.Platform).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Token refresh panicked")
			bundle = nil
			err = &StepError{Step: a.state, Code: models.ErrorCodeInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := a.open(ctx); err != nil {
		return nil, err
	}
	defer w.sessions.Release(a.session)

	if err := a.runStep(ctx, step{models.StateAuthenticating, models.ErrorCodeLoginFailure, a.authenticate}); err != nil {
		return nil, err
	}

	bundle, err = a.captureTokens(ctx)
	if err != nil {
		return nil, &StepError{Step: models.StateAuthenticating, Code: models.ErrorCodeTokenCaptureFailure, Err: err}
	}
	return bundle, nil
}

// open creates the attempt's browser session
func (a *attempt) open(ctx context.Context) error {
	session, err := a.w.sessions.CreateSession(ctx, a.w.profile)
	if err != nil {
		return &StepError{Step: models.StateIdle, Code: models.ErrorCodeSessionDead, Err: fmt.Errorf("%w: %v", ErrSessionDead, err)}
	}
	a.session = session
	return nil
}

// runStep probes the session, runs the step, recovers a dead session once
// and checks the page for blocking markers
func (a *attempt) runStep(ctx context.Context, s step) error {
	a.transition(s.state)

	if err := a.ensureAlive(ctx); err != nil {
		return stepFailure(s.state, models.ErrorCodeSessionDead, err)
	}

	err := s.run(ctx)
	if err != nil && ctx.Err() == nil && !a.recovered && !a.w.sessions.IsSessionValid(ctx, a.session) {
		a.logger.Warn().
			Err(err).
			Str("state", string(s.state)).
			Msg("Session died during step; recovering and retrying once")
		if recoverErr := a.recoverSession(ctx); recoverErr != nil {
			return stepFailure(s.state, models.ErrorCodeSessionDead, recoverErr)
		}
		err = s.run(ctx)
	}

	if blockErr := a.checkBlocking(ctx); blockErr != nil {
		return stepFailure(s.state, models.ErrorCodeBlockingDetected, blockErr)
	}
	if err != nil {
		return stepFailure(s.state, s.code, err)
	}

	if cpErr := a.session.Checkpoint(ctx); cpErr != nil {
		a.logger.Debug().Err(cpErr).Msg("Failed to checkpoint session")
	}
	return nil
}

// ensureAlive runs the liveness probe, recreating the session once per attempt
func (a *attempt) ensureAlive(ctx context.Context) error {
	if a.w.sessions.IsSessionValid(ctx, a.session) {
		return nil
	}
	if a.recovered {
		return fmt.Errorf("%w: liveness probe failed after recovery", ErrSessionDead)
	}
	return a.recoverSession(ctx)
}

func (a *attempt) recoverSession(ctx context.Context) error {
	a.recovered = true
	if err := a.w.sessions.RecoverSession(ctx, a.session); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionDead, err)
	}
	a.result.RetryCount++
	a.logger.Info().
		Str("platform", a.w.profile.Platform).
		Str("state", string(a.state)).
		Msg("Browser session recovered")
	return nil
}

const pageTextScript = `(document.title || '') + '\n' + (document.body ? document.body.innerText : '')`

// checkBlocking looks for the profile's blocking markers in the page text
func (a *attempt) checkBlocking(ctx context.Context) error {
	markers := a.w.profile.BlockingMarkers
	if len(markers) == 0 || a.session.IsClosed() {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.w.opts.ElementTimeout)
	defer cancel()

	var text string
	if err := a.session.Driver().Evaluate(probeCtx, pageTextScript, &text); err != nil {
		return nil
	}
	if marker := MatchBlockingMarker(text, markers); marker != "" {
		a.logger.Warn().
			Str("platform", a.w.profile.Platform).
			Str("marker", marker).
			Msg("Blocking marker found on page")
		return fmt.Errorf("%w: page contains %q", ErrBlocked, marker)
	}
	return nil
}

// MatchBlockingMarker returns the first marker contained in text, ignoring case
func MatchBlockingMarker(text string, markers []string) string {
	lower := strings.ToLower(text)
	for _, marker := range markers {
		if marker == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(marker)) {
			return marker
		}
	}
	return ""
}

func (a *attempt) transition(state models.WorkerState) {
	from := a.state
	a.state = state

	a.logger.Info().
		Str("platform", a.w.profile.Platform).
		Str("from", string(from)).
		Str("to", string(state)).
		Msg("Worker state changed")

	a.w.publisher.Publish(models.Event{
		Type:      models.EventStateChanged,
		Platform:  a.w.profile.Platform,
		AttemptID: a.id,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"from":       string(from),
			"to":         string(state),
			"listing_id": a.listing.ID,
		},
	})
}

func (a *attempt) succeed() {
	a.result.Succeed(a.productURL, a.w.profile.ExternalID(a.productURL))
	a.transition(models.StateSucceeded)

	a.logger.Info().
		Str("platform", a.w.profile.Platform).
		Str("product_url", a.result.ProductURL).
		Int64("elapsed_ms", a.result.ExecutionTimeMs).
		Msg("Registration succeeded")
}

func (a *attempt) fail(ctx context.Context, err error) {
	failedAt := a.state
	code := CodeOf(err)
	message := err.Error()
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		message = stepErr.Message()
		if stepErr.Step != "" {
			failedAt = stepErr.Step
		}
	}

	pageError := a.pageError(ctx)
	a.screenshot(ctx)
	a.result.Fail(code, message)
	a.result.SetMetadata("failed_state", string(failedAt))
	if pageError != "" {
		a.result.SetMetadata("page_error", pageError)
	}
	a.transition(models.StateFailed)
	a.w.metrics.StepFailed(a.w.profile.Platform, failedAt, code)

	a.logger.Error().
		Str("platform", a.w.profile.Platform).
		Str("state", string(failedAt)).
		Str("error_code", string(code)).
		Str("page_error", pageError).
		Err(err).
		Msg("Registration failed")
}

// screenshot saves a diagnostic capture of the current page
func (a *attempt) screenshot(ctx context.Context) {
	if !a.w.opts.Screenshots || a.session == nil || a.session.IsClosed() {
		return
	}

	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	data, err := a.session.Driver().Screenshot(shotCtx)
	if err != nil {
		a.logger.Debug().Err(err).Msg("Failed to capture diagnostic screenshot")
		return
	}

	path := ScreenshotPath(a.w.opts.ScreenshotDir, "error", a.w.profile.Platform, time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to create screenshot directory")
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write screenshot")
		return
	}

	a.result.ScreenshotPath = path
	a.logger.Info().Str("path", path).Msg("Diagnostic screenshot saved")
}

// ScreenshotPath builds <dir>/<prefix>_<platform>_<unix-ms>.png
func ScreenshotPath(dir, prefix, platform string, at time.Time) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%d.png", prefix, platform, at.UnixMilli()))
}
