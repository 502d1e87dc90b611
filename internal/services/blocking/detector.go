// Package blocking tracks sustained blocking per platform and escalates to
// an external IP-rotation action when a threshold is reached.
package blocking

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
)

// Detector holds the blocking state of one platform. Concurrent attempts on
// the same platform share it.
type Detector struct {
	mu        sync.Mutex
	state     *models.BlockingState
	storage   interfaces.BlockingStateStorage
	rotator   Rotator
	publisher interfaces.EventPublisher
	metrics   *metrics.Metrics
	logger    arbor.ILogger
	now       func() time.Time
}

// OnBlockingSignal counts a blocking signal. At the threshold the state is
// persisted, the rotator is signalled and the counter resets. It returns
// whether rotation fired.
func (d *Detector) OnBlockingSignal(ctx context.Context, message string) (bool, error) {
	rotated, event, err := d.countSignal(ctx, message)
	if event != nil {
		d.publisher.Publish(*event)
	}
	return rotated, err
}

// countSignal applies a blocking signal under the lock. The rotation event,
// if any, is returned for publishing once the lock is released.
func (d *Detector) countSignal(ctx context.Context, message string) (bool, *models.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.ConsecutiveErrorCount++
	d.state.LastError = message
	d.metrics.BlockingSignal(d.state.Platform)

	d.logger.Warn().
		Str("platform", d.state.Platform).
		Int("count", d.state.ConsecutiveErrorCount).
		Int("threshold", d.state.Threshold).
		Str("message", message).
		Msg("Blocking signal")

	if d.state.ConsecutiveErrorCount < d.state.Threshold {
		return false, nil, d.persist(ctx)
	}

	if err := d.persist(ctx); err != nil {
		d.logger.Warn().Err(err).Str("platform", d.state.Platform).Msg("Failed to persist state before rotation")
	}

	req := RotationRequest{
		Platform:   d.state.Platform,
		Reason:     message,
		ErrorCount: d.state.ConsecutiveErrorCount,
		State:      d.state.Clone(),
	}
	if err := d.rotator.Rotate(ctx, req); err != nil {
		return false, nil, fmt.Errorf("rotation for %s failed: %w", d.state.Platform, err)
	}

	d.state.ConsecutiveErrorCount = 0
	d.state.Rotations++
	d.state.LastRotationAt = d.now()
	d.metrics.Rotation(d.state.Platform)

	event := &models.Event{
		Type:      models.EventRotationTriggered,
		Platform:  d.state.Platform,
		Timestamp: d.state.LastRotationAt,
		Payload: map[string]interface{}{
			"error_count": req.ErrorCount,
			"reason":      message,
			"rotations":   d.state.Rotations,
		},
	}

	d.logger.Warn().
		Str("platform", d.state.Platform).
		Int("rotations", d.state.Rotations).
		Msg("IP rotation triggered")

	return true, event, d.persist(ctx)
}

// OnSuccessSignal resets the consecutive error count
func (d *Detector) OnSuccessSignal(ctx context.Context) error {
	return d.ResetErrorCount(ctx)
}

// ResetErrorCount sets the consecutive error count to zero
func (d *Detector) ResetErrorCount(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.ConsecutiveErrorCount == 0 {
		return nil
	}
	d.state.ConsecutiveErrorCount = 0
	return d.persist(ctx)
}

// AddErrorID records a failed item. The first failure queues it for retry;
// a failure while queued moves it to the final failures. Already final ids
// are left alone.
func (d *Detector) AddErrorID(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case slices.Contains(d.state.FinalFailureIDs, id):
		return nil
	case slices.Contains(d.state.RetryIDs, id):
		d.state.RetryIDs = remove(d.state.RetryIDs, id)
		d.state.FinalFailureIDs = append(d.state.FinalFailureIDs, id)
	default:
		d.state.RetryIDs = append(d.state.RetryIDs, id)
	}
	return d.persist(ctx)
}

// MarkCompleted records a finished item and clears it from the failure lists
func (d *Detector) MarkCompleted(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.state.RetryIDs = remove(d.state.RetryIDs, id)
	d.state.FinalFailureIDs = remove(d.state.FinalFailureIDs, id)
	if !slices.Contains(d.state.CompletedIDs, id) {
		d.state.CompletedIDs = append(d.state.CompletedIDs, id)
	}
	return d.persist(ctx)
}

// IsCompleted reports whether id finished in an earlier run
func (d *Detector) IsCompleted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.state.CompletedIDs, id)
}

// IsFinalFailure reports whether id failed permanently in an earlier run
func (d *Detector) IsFinalFailure(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Contains(d.state.FinalFailureIDs, id)
}

// Snapshot returns a copy of the state
func (d *Detector) Snapshot() *models.BlockingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// persist must be called with mu held
func (d *Detector) persist(ctx context.Context) error {
	d.state.UpdatedAt = d.now()
	if d.storage == nil {
		return nil
	}
	if err := d.storage.SaveState(ctx, d.state.Clone()); err != nil {
		return fmt.Errorf("failed to persist blocking state for %s: %w", d.state.Platform, err)
	}
	return nil
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(v string) bool { return v == id })
}

// Controller owns one Detector per platform
type Controller struct {
	storage   interfaces.BlockingStateStorage
	rotator   Rotator
	threshold int
	publisher interfaces.EventPublisher
	metrics   *metrics.Metrics
	logger    arbor.ILogger

	mu        sync.Mutex
	detectors map[string]*Detector
}

// NewController creates a controller. A threshold below 1 uses the default of 5.
func NewController(storage interfaces.BlockingStateStorage, rotator Rotator, threshold int, publisher interfaces.EventPublisher, m *metrics.Metrics, logger arbor.ILogger) *Controller {
	if threshold < 1 {
		threshold = models.DefaultBlockingThreshold
	}
	if publisher == nil {
		publisher = interfaces.NoopPublisher{}
	}
	if rotator == nil {
		rotator = NewLogRotator(logger)
	}
	return &Controller{
		storage:   storage,
		rotator:   rotator,
		threshold: threshold,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		detectors: make(map[string]*Detector),
	}
}

// Load restores persisted state for platforms
func (c *Controller) Load(ctx context.Context, platforms []string) error {
	for _, platform := range platforms {
		if _, err := c.Detector(ctx, platform); err != nil {
			return err
		}
	}
	return nil
}

// Detector returns the detector for platform, loading persisted state on first use
func (c *Controller) Detector(ctx context.Context, platform string) (*Detector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.detectors[platform]; ok {
		return d, nil
	}

	state := &models.BlockingState{Platform: platform, Threshold: c.threshold}
	if c.storage != nil {
		loaded, err := c.storage.LoadState(ctx, platform)
		switch {
		case err == nil:
			state = loaded
			state.Platform = platform
			state.Threshold = c.threshold
			c.logger.Info().
				Str("platform", platform).
				Int("count", state.ConsecutiveErrorCount).
				Int("retry_ids", len(state.RetryIDs)).
				Int("final_failure_ids", len(state.FinalFailureIDs)).
				Int("completed_ids", len(state.CompletedIDs)).
				Msg("Blocking state restored")
		case errors.Is(err, interfaces.ErrNotFound):
		default:
			return nil, fmt.Errorf("failed to load blocking state for %s: %w", platform, err)
		}
	}

	d := &Detector{
		state:     state,
		storage:   c.storage,
		rotator:   c.rotator,
		publisher: c.publisher,
		metrics:   c.metrics,
		logger:    c.logger,
		now:       time.Now,
	}
	c.detectors[platform] = d
	return d, nil
}

// States returns a snapshot of every known platform, sorted by platform
func (c *Controller) States() []*models.BlockingState {
	c.mu.Lock()
	detectors := make([]*Detector, 0, len(c.detectors))
	for _, d := range c.detectors {
		detectors = append(detectors, d)
	}
	c.mu.Unlock()

	states := make([]*models.BlockingState, 0, len(detectors))
	for _, d := range detectors {
		states = append(states, d.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Platform < states[j].Platform })
	return states
}

// Complete signals that a batch finished and the host may stop
func (c *Controller) Complete(ctx context.Context) error {
	return c.rotator.Complete(ctx)
}

// Threshold returns the configured threshold
func (c *Controller) Threshold() int {
	return c.threshold
}
