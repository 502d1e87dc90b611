package automation

import (
	"errors"
	"fmt"

	"github.com/ternarybob/marketpost/internal/models"
)

var (
	// ErrSessionDead means the browser stopped responding and could not be recovered
	ErrSessionDead = errors.New("browser session is dead")

	// ErrCaptchaUnresolved means a CAPTCHA was still shown after the manual wait
	ErrCaptchaUnresolved = errors.New("captcha was not resolved")

	// ErrVerificationTimeout means no success signal appeared after submit
	ErrVerificationTimeout = errors.New("verification timeout")

	// ErrBlocked means the page showed one of the platform's blocking markers
	ErrBlocked = errors.New("blocking detected")

	// ErrNoCredentials means the login form was shown but no account is configured
	ErrNoCredentials = errors.New("no credentials configured")
)

// StepError is a failure of one worker step
type StepError struct {
	Step models.WorkerState
	Code models.ErrorCode
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Message is the error text reported on the result
func (e *StepError) Message() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

// CodeOf returns the taxonomy code carried by err
func CodeOf(err error) models.ErrorCode {
	if err == nil {
		return models.ErrorCodeNone
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Code
	}
	switch {
	case errors.Is(err, ErrBlocked):
		return models.ErrorCodeBlockingDetected
	case errors.Is(err, ErrSessionDead):
		return models.ErrorCodeSessionDead
	case errors.Is(err, ErrVerificationTimeout):
		return models.ErrorCodeVerificationTimeout
	default:
		return models.ErrorCodeInternal
	}
}

// stepFailure wraps err for step unless it already carries a code
func stepFailure(step models.WorkerState, code models.ErrorCode, err error) error {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrBlocked):
		code = models.ErrorCodeBlockingDetected
	case errors.Is(err, ErrSessionDead):
		code = models.ErrorCodeSessionDead
	}
	return &StepError{Step: step, Code: code, Err: err}
}
