package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/apireg"
	"github.com/ternarybob/marketpost/internal/services/blocking"
	"github.com/ternarybob/marketpost/internal/services/tokens"
)

var (
	// ErrInvalidListing means the listing failed validation; nothing was dispatched
	ErrInvalidListing = errors.New("invalid listing")

	// ErrUnsupportedPlatform means the platform has no profile
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Mode selects how a listing is registered
type Mode string

const (
	ModeAuto    Mode = "auto"    // API when a valid bundle exists, otherwise browser
	ModeBrowser Mode = "browser" // always drive the web UI
	ModeAPI     Mode = "api"     // private API only; fails fast without a bundle
)

// ParseMode parses a mode name; empty means auto
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeBrowser:
		return ModeBrowser, nil
	case ModeAPI:
		return ModeAPI, nil
	default:
		return "", fmt.Errorf("unknown mode %q (expected auto, browser or api)", s)
	}
}

// PlatformStatus is the per-platform status document
type PlatformStatus struct {
	Platform    string                `json:"platform"`
	DisplayName string                `json:"displayName"`
	APIEnabled  bool                  `json:"apiEnabled"`
	Token       models.TokenStatus    `json:"token"`
	Blocking    *models.BlockingState `json:"blocking,omitempty"`
}

// Dependencies are the collaborators of the orchestrator
type Dependencies struct {
	Registry     *locators.Registry
	Runtime      Runtime
	API          *apireg.Service
	Tokens       *tokens.Store
	Blocking     *blocking.Controller
	Results      interfaces.ResultStorage
	Notifier     *apireg.Notifier
	Accounts     map[string]common.AccountConfig
	PreferAPI    bool
	HistoryLimit int
}

// Orchestrator fans a listing out to the platform workers and records the outcome
type Orchestrator struct {
	registry      *locators.Registry
	workers       map[string]*Worker
	api           *apireg.Service
	tokens        *tokens.Store
	blocking      *blocking.Controller
	results       interfaces.ResultStorage
	notifier      *apireg.Notifier
	interventions *Interventions
	accounts      map[string]common.AccountConfig
	publisher     interfaces.EventPublisher
	metrics       *metrics.Metrics
	logger        arbor.ILogger
	preferAPI     bool
	historyLimit  int
}

// NewOrchestrator creates one worker per registered platform
func NewOrchestrator(deps Dependencies) *Orchestrator {
	rt := deps.Runtime
	if rt.Publisher == nil {
		rt.Publisher = interfaces.NoopPublisher{}
	}
	if rt.Interventions == nil {
		rt.Interventions = NewInterventions(rt.Publisher, rt.Logger)
	}

	workers := make(map[string]*Worker)
	for _, platform := range deps.Registry.Platforms() {
		profile, _ := deps.Registry.Get(platform)
		workers[platform] = NewWorker(profile, rt)
	}

	historyLimit := deps.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 50
	}

	return &Orchestrator{
		registry:      deps.Registry,
		workers:       workers,
		api:           deps.API,
		tokens:        deps.Tokens,
		blocking:      deps.Blocking,
		results:       deps.Results,
		notifier:      deps.Notifier,
		interventions: rt.Interventions,
		accounts:      deps.Accounts,
		publisher:     rt.Publisher,
		metrics:       rt.Metrics,
		logger:        rt.Logger,
		preferAPI:     deps.PreferAPI,
		historyLimit:  historyLimit,
	}
}

// SupportedPlatforms returns the platforms that can be targeted, sorted
func (o *Orchestrator) SupportedPlatforms() []string {
	return o.registry.Platforms()
}

// Interventions returns the manual-wait registry shared by the workers
func (o *Orchestrator) Interventions() *Interventions {
	return o.interventions
}

// RegisterAll registers listing on every supported platform concurrently.
// One result per platform is returned in platform order, whatever happens
// to the individual tasks.
func (o *Orchestrator) RegisterAll(ctx context.Context, listing *models.ProductListing, creds *models.Credentials) ([]*models.AutomationResult, error) {
	if err := validateListing(listing); err != nil {
		return nil, err
	}

	platforms := o.SupportedPlatforms()
	results := make([]*models.AutomationResult, len(platforms))
	if len(platforms) == 0 {
		return results, nil
	}

	o.logger.Info().
		Str("listing_id", listing.ID).
		Int("platforms", len(platforms)).
		Msg("Dispatching listing to all platforms")

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < len(platforms); i++ {
		wg.Add(1)
		common.SafeGo(o.logger, "registration-worker", func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = o.guarded(ctx, platforms[idx], listing, creds, ModeAuto)
			}
		})
	}
	for i := range platforms {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, result := range results {
		if result == nil {
			result = models.NewAutomationResult(common.NewAttemptID(), platforms[i], listing.ID)
			result.Fail(models.ErrorCodeInternal, "registration task did not return a result")
			results[i] = result
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	o.logger.Info().
		Str("listing_id", listing.ID).
		Int("succeeded", succeeded).
		Int("failed", len(results)-succeeded).
		Msg("Listing dispatch finished")

	return results, nil
}

// RegisterSingle registers listing on one platform, choosing the path automatically
func (o *Orchestrator) RegisterSingle(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials) (*models.AutomationResult, error) {
	return o.RegisterVia(ctx, platform, listing, creds, ModeAuto)
}

// RegisterVia registers listing on one platform using mode. An unknown
// platform yields an UnsupportedPlatform result, not an error.
func (o *Orchestrator) RegisterVia(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials, mode Mode) (*models.AutomationResult, error) {
	if err := validateListing(listing); err != nil {
		return nil, err
	}
	return o.guarded(ctx, platform, listing, creds, mode), nil
}

// guarded isolates one platform task so a panic becomes a failed result
func (o *Orchestrator) guarded(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials, mode Mode) (result *models.AutomationResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("platform", platform).
				Str("listing_id", listing.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in registration task")
			result = models.NewAutomationResult(common.NewAttemptID(), platform, listing.ID)
			result.Fail(models.ErrorCodeInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	return o.register(ctx, platform, listing, creds, mode)
}

func (o *Orchestrator) register(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials, mode Mode) *models.AutomationResult {
	profile, ok := o.registry.Get(platform)
	worker := o.workers[platform]
	if !ok || worker == nil {
		result := models.NewAutomationResult(common.NewAttemptID(), platform, listing.ID)
		result.Fail(models.ErrorCodeUnsupportedPlatform, "Unsupported platform: "+platform)
		o.record(ctx, result)
		return result
	}

	if result := o.resolved(ctx, platform, listing); result != nil {
		return result
	}

	attemptID := common.NewAttemptID()
	creds = o.credentials(platform, creds)

	var result *models.AutomationResult
	switch mode {
	case ModeAPI:
		result = o.registerDirect(ctx, attemptID, profile, listing)
	case ModeBrowser:
		result = worker.Run(ctx, attemptID, listing, creds)
	default:
		if o.apiAvailable(ctx, profile) {
			result = o.registerDirect(ctx, attemptID, profile, listing)
			if !result.Success && result.ErrorCode == models.ErrorCodeTokenExpired {
				o.logger.Info().
					Str("platform", platform).
					Str("listing_id", listing.ID).
					Msg("Token bundle rejected; falling back to browser registration")
				result = worker.Run(ctx, attemptID, listing, creds)
				result.SetMetadata("api_fallback", string(models.ErrorCodeTokenExpired))
			}
		} else {
			result = worker.Run(ctx, attemptID, listing, creds)
		}
	}

	o.finish(ctx, listing, result)
	return result
}

// resolved returns a result without dispatching when the listing already
// completed, or failed permanently, on platform in an earlier run
func (o *Orchestrator) resolved(ctx context.Context, platform string, listing *models.ProductListing) *models.AutomationResult {
	if o.blocking == nil || listing.ID == "" {
		return nil
	}
	detector, err := o.blocking.Detector(ctx, platform)
	if err != nil {
		o.logger.Warn().Err(err).Str("platform", platform).Msg("Blocking detector unavailable; dispatching without resume check")
		return nil
	}

	var result *models.AutomationResult
	switch {
	case detector.IsCompleted(listing.ID):
		result = models.NewAutomationResult(common.NewAttemptID(), platform, listing.ID)
		result.SetMetadata("skipped", "completed")
		if previous := o.latestSuccess(ctx, platform, listing.ID); previous != nil {
			result.Via = previous.Via
			result.SetMetadata("previous_result_id", previous.ID)
			result.Succeed(previous.ProductURL, previous.ExternalID)
		} else {
			result.Fail(models.ErrorCodeAlreadyCompleted, fmt.Sprintf("listing %s was already registered on %s", listing.ID, platform))
		}
	case detector.IsFinalFailure(listing.ID):
		result = models.NewAutomationResult(common.NewAttemptID(), platform, listing.ID)
		result.SetMetadata("skipped", "final_failure")
		result.Fail(models.ErrorCodeFinalFailure, fmt.Sprintf("listing %s failed permanently on %s", listing.ID, platform))
	default:
		return nil
	}

	o.logger.Info().
		Str("platform", platform).
		Str("listing_id", listing.ID).
		Str("skipped", result.Metadata["skipped"]).
		Msg("Listing resolved in an earlier run; not dispatching")
	return result
}

func (o *Orchestrator) latestSuccess(ctx context.Context, platform, listingID string) *models.AutomationResult {
	if o.results == nil {
		return nil
	}
	previous, err := o.results.LatestSuccess(ctx, platform, listingID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			o.logger.Warn().Err(err).Str("listing_id", listingID).Msg("Failed to look up previous result")
		}
		return nil
	}
	return previous
}

func (o *Orchestrator) apiAvailable(ctx context.Context, profile *locators.Profile) bool {
	return o.preferAPI && o.api != nil && profile.API.Enabled && o.api.HasValidBundle(ctx, profile.Platform)
}

// registerDirect posts the listing through the platform's private API
func (o *Orchestrator) registerDirect(ctx context.Context, attemptID string, profile *locators.Profile, listing *models.ProductListing) *models.AutomationResult {
	result := models.NewAutomationResult(attemptID, profile.Platform, listing.ID)
	result.Via = models.ViaAPI

	if o.api == nil || !profile.API.Enabled {
		result.Fail(models.ErrorCodeSubmissionFailure, fmt.Sprintf("direct API registration is not enabled for %s", profile.Platform))
		return result
	}

	reg, err := o.api.Register(ctx, profile, listing)
	if err != nil {
		result.Fail(apireg.CodeOf(err), err.Error())
		return result
	}

	result.SetMetadata("product_id", reg.ProductID)
	if !result.Succeed(reg.ProductURL, reg.ProductID) {
		result.Fail(models.ErrorCodeSubmissionFailure, fmt.Sprintf("product %s created but no product URL format is configured for %s", reg.ProductID, profile.Platform))
	}
	return result
}

// finish feeds the blocking detector, records history and sends the callback
func (o *Orchestrator) finish(ctx context.Context, listing *models.ProductListing, result *models.AutomationResult) {
	o.feedBlocking(ctx, listing.ID, result)
	o.record(ctx, result)

	if result.Success {
		err := o.notifier.Notify(ctx, apireg.Callback{
			ProductID:         listing.ID,
			Channel:           result.Platform,
			PlatformProductID: result.ExternalID,
			PlatformURL:       result.ProductURL,
		})
		if err != nil {
			o.logger.Warn().Err(err).Str("platform", result.Platform).Msg("Registration callback failed")
		}
	}

	o.publisher.Publish(models.Event{
		Type:      models.EventRegistrationCompleted,
		Platform:  result.Platform,
		AttemptID: result.ID,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"listing_id":  result.ListingID,
			"success":     result.Success,
			"product_url": result.ProductURL,
			"error_code":  string(result.ErrorCode),
			"via":         result.Via,
		},
	})
}

func (o *Orchestrator) record(ctx context.Context, result *models.AutomationResult) {
	o.metrics.RecordResult(result)
	if o.results == nil {
		return
	}
	if err := o.results.SaveResult(context.WithoutCancel(ctx), result); err != nil {
		o.logger.Warn().Err(err).Str("result_id", result.ID).Msg("Failed to record registration result")
	}
}

// feedBlocking reports the outcome to the platform's blocking detector
func (o *Orchestrator) feedBlocking(ctx context.Context, listingID string, result *models.AutomationResult) {
	if o.blocking == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	detector, err := o.blocking.Detector(ctx, result.Platform)
	if err != nil {
		o.logger.Warn().Err(err).Str("platform", result.Platform).Msg("Blocking detector unavailable")
		return
	}

	switch {
	case result.Success:
		if err := detector.OnSuccessSignal(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to reset blocking counter")
		}
		if err := detector.MarkCompleted(ctx, listingID); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to mark listing completed")
		}
	case result.ErrorCode.IsBlocking():
		rotated, err := detector.OnBlockingSignal(ctx, result.ErrorMessage)
		if err != nil {
			o.logger.Warn().Err(err).Str("platform", result.Platform).Msg("Blocking rotation failed")
		}
		if rotated {
			result.SetMetadata("rotation_triggered", "true")
		}
	default:
		if err := detector.AddErrorID(ctx, listingID); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to record failed listing")
		}
	}
}

// credentials prefers request credentials over the configured account
func (o *Orchestrator) credentials(platform string, creds *models.Credentials) *models.Credentials {
	if !creds.IsEmpty() {
		return creds
	}
	if account, ok := o.accounts[platform]; ok {
		return &models.Credentials{
			Username: account.Username,
			Password: account.Password,
			Phone:    account.Phone,
		}
	}
	return &models.Credentials{}
}

// RefreshTokens logs in on platform and captures a fresh token bundle
func (o *Orchestrator) RefreshTokens(ctx context.Context, platform string, creds *models.Credentials) (*models.TokenStatus, error) {
	worker, ok := o.workers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	bundle, err := worker.RefreshTokens(ctx, common.NewAttemptID(), o.credentials(platform, creds))
	if err != nil {
		return nil, err
	}
	status := bundle.Status()
	return &status, nil
}

// Raw forwards a request to the platform's private API with the stored bundle
func (o *Orchestrator) Raw(ctx context.Context, platform, method, path string, body json.RawMessage) (json.RawMessage, int, error) {
	profile, ok := o.registry.Get(platform)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	if o.api == nil || !profile.API.Enabled {
		return nil, 0, fmt.Errorf("%w: %s", apireg.ErrAPIDisabled, platform)
	}
	return o.api.Raw(ctx, profile, method, path, body)
}

// PlatformStatus reports token and blocking state for every platform
func (o *Orchestrator) PlatformStatus(ctx context.Context) []PlatformStatus {
	platforms := o.SupportedPlatforms()
	out := make([]PlatformStatus, 0, len(platforms))

	for _, platform := range platforms {
		profile, _ := o.registry.Get(platform)
		status := PlatformStatus{
			Platform:    platform,
			DisplayName: profile.DisplayName,
			APIEnabled:  profile.API.Enabled,
			Token:       models.TokenStatus{Platform: platform},
		}
		if o.tokens != nil {
			status.Token = o.tokens.Status(ctx, platform)
		}
		if o.blocking != nil {
			if detector, err := o.blocking.Detector(ctx, platform); err == nil {
				status.Blocking = detector.Snapshot()
			}
		}
		out = append(out, status)
	}
	return out
}

// History returns recent results, newest first
func (o *Orchestrator) History(ctx context.Context, platform string, limit int) ([]*models.AutomationResult, error) {
	if o.results == nil {
		return []*models.AutomationResult{}, nil
	}
	if limit <= 0 {
		limit = o.historyLimit
	}
	return o.results.ListResults(ctx, platform, limit)
}

// Result returns one recorded result
func (o *Orchestrator) Result(ctx context.Context, id string) (*models.AutomationResult, error) {
	if o.results == nil {
		return nil, interfaces.ErrNotFound
	}
	return o.results.GetResult(ctx, id)
}

func validateListing(listing *models.ProductListing) error {
	if listing == nil {
		return fmt.Errorf("%w: listing is required", ErrInvalidListing)
	}
	if err := listing.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	return nil
}
