package models

import "time"

// Event types broadcast to websocket clients
const (
	EventStateChanged          = "state_changed"
	EventInterventionRequired  = "intervention_required"
	EventInterventionFinished  = "intervention_finished"
	EventRotationTriggered     = "rotation_triggered"
	EventTokenCaptured         = "token_captured"
	EventRegistrationCompleted = "registration_completed"
)

// Event is a notification about automation progress
type Event struct {
	Type      string                 `json:"type"`
	Platform  string                 `json:"platform,omitempty"`
	AttemptID string                 `json:"attempt_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Intervention is a pending manual action (CAPTCHA, SMS code)
type Intervention struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform"`
	AttemptID string    `json:"attempt_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}
