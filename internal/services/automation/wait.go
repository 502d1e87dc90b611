package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

// Intervention kinds
const (
	KindCaptcha = "captcha"
	KindSMSCode = "sms_code"
)

var (
	// ErrInterventionNotFound means no wait is pending under the id
	ErrInterventionNotFound = errors.New("intervention not found")

	// ErrInterventionCancelled means an operator cancelled the wait
	ErrInterventionCancelled = errors.New("intervention cancelled")
)

// Outcome is how a manual-intervention wait ended
type Outcome string

const (
	OutcomeSatisfied Outcome = "satisfied" // predicate became true
	OutcomeResolved  Outcome = "resolved"  // operator marked it done
	OutcomeElapsed   Outcome = "elapsed"   // wait duration passed
	OutcomeCancelled Outcome = "cancelled" // operator cancelled
)

// WaitRequest describes a manual-intervention wait
type WaitRequest struct {
	Platform  string
	AttemptID string
	Kind      string
	Message   string
	Duration  time.Duration
	Poll      time.Duration
}

type pendingWait struct {
	info models.Intervention
	done chan Outcome
	once sync.Once
}

func (p *pendingWait) finish(outcome Outcome) bool {
	finished := false
	p.once.Do(func() {
		p.done <- outcome
		finished = true
	})
	return finished
}

// Interventions tracks pending manual waits (CAPTCHA, SMS codes) so they can
// be listed, resolved early or cancelled from outside the worker
type Interventions struct {
	mu        sync.Mutex
	pending   map[string]*pendingWait
	publisher interfaces.EventPublisher
	logger    arbor.ILogger
}

// NewInterventions creates an empty registry
func NewInterventions(publisher interfaces.EventPublisher, logger arbor.ILogger) *Interventions {
	if publisher == nil {
		publisher = interfaces.NoopPublisher{}
	}
	return &Interventions{
		pending:   make(map[string]*pendingWait),
		publisher: publisher,
		logger:    logger,
	}
}

// Wait blocks for at most req.Duration, polling ready every req.Poll.
// It returns early when ready reports true or an operator resolves or
// cancels the wait. Predicate errors are treated as "not yet".
func (r *Interventions) Wait(ctx context.Context, req WaitRequest, ready func(ctx context.Context) bool) (Outcome, error) {
	if req.Poll <= 0 {
		req.Poll = 500 * time.Millisecond
	}

	now := time.Now()
	wait := &pendingWait{
		info: models.Intervention{
			ID:        common.NewInterventionID(),
			Platform:  req.Platform,
			AttemptID: req.AttemptID,
			Kind:      req.Kind,
			Message:   req.Message,
			StartedAt: now,
			Deadline:  now.Add(req.Duration),
		},
		done: make(chan Outcome, 1),
	}

	r.mu.Lock()
	r.pending[wait.info.ID] = wait
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, wait.info.ID)
		r.mu.Unlock()
	}()

	r.logger.Warn().
		Str("intervention_id", wait.info.ID).
		Str("platform", req.Platform).
		Str("kind", req.Kind).
		Dur("duration", req.Duration).
		Msg(req.Message)

	r.publisher.Publish(models.Event{
		Type:      models.EventInterventionRequired,
		Platform:  req.Platform,
		AttemptID: req.AttemptID,
		Timestamp: now,
		Payload: map[string]interface{}{
			"id":       wait.info.ID,
			"kind":     req.Kind,
			"message":  req.Message,
			"deadline": wait.info.Deadline,
		},
	})

	outcome, err := r.await(ctx, wait, req, ready)

	r.logger.Info().
		Str("intervention_id", wait.info.ID).
		Str("platform", req.Platform).
		Str("outcome", string(outcome)).
		Msg("Manual intervention finished")

	r.publisher.Publish(models.Event{
		Type:      models.EventInterventionFinished,
		Platform:  req.Platform,
		AttemptID: req.AttemptID,
		Timestamp: time.Now(),
		Payload: map[string]interface{}{
			"id":      wait.info.ID,
			"kind":    req.Kind,
			"outcome": string(outcome),
		},
	})

	return outcome, err
}

func (r *Interventions) await(ctx context.Context, wait *pendingWait, req WaitRequest, ready func(ctx context.Context) bool) (Outcome, error) {
	timer := time.NewTimer(req.Duration)
	defer timer.Stop()
	ticker := time.NewTicker(req.Poll)
	defer ticker.Stop()

	for {
		if ready != nil && ready(ctx) {
			wait.finish(OutcomeSatisfied)
			return OutcomeSatisfied, nil
		}

		select {
		case <-ctx.Done():
			wait.finish(OutcomeCancelled)
			return OutcomeCancelled, ctx.Err()
		case outcome := <-wait.done:
			if outcome == OutcomeCancelled {
				return outcome, ErrInterventionCancelled
			}
			return outcome, nil
		case <-timer.C:
			wait.finish(OutcomeElapsed)
			return OutcomeElapsed, nil
		case <-ticker.C:
		}
	}
}

// Resolve ends a pending wait early, as if the operator finished the action
func (r *Interventions) Resolve(id string) error {
	return r.finish(id, OutcomeResolved)
}

// Cancel aborts a pending wait; the waiting step fails
func (r *Interventions) Cancel(id string) error {
	return r.finish(id, OutcomeCancelled)
}

func (r *Interventions) finish(id string, outcome Outcome) error {
	r.mu.Lock()
	wait, ok := r.pending[id]
	r.mu.Unlock()
	if !ok || !wait.finish(outcome) {
		return ErrInterventionNotFound
	}
	return nil
}

// List returns pending waits, oldest first
func (r *Interventions) List() []models.Intervention {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Intervention, 0, len(r.pending))
	for _, wait := range r.pending {
		out = append(out, wait.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
