package models

// SessionHealth is the liveness state of a browser session
type SessionHealth string

const (
	SessionValid SessionHealth = "VALID"
	SessionStale SessionHealth = "STALE"
	SessionDead  SessionHealth = "DEAD"
)

// WorkerState is a step of the registration state machine
type WorkerState string

const (
	StateIdle             WorkerState = "IDLE"
	StateAuthenticating   WorkerState = "AUTHENTICATING"
	StateFormNavigation   WorkerState = "FORM_NAVIGATION"
	StateFormFilling      WorkerState = "FORM_FILLING"
	StateSubmitting       WorkerState = "SUBMITTING"
	StateVerifyingSuccess WorkerState = "VERIFYING_SUCCESS"
	StateSucceeded        WorkerState = "SUCCEEDED"
	StateFailed           WorkerState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible
func (s WorkerState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}
