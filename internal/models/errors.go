package models

// ErrorCode classifies why an automation attempt failed
type ErrorCode string

const (
	ErrorCodeNone                ErrorCode = ""
	ErrorCodeLoginFailure        ErrorCode = "LOGIN_FAILURE"
	ErrorCodeFormFillFailure     ErrorCode = "FORM_FILL_FAILURE"
	ErrorCodeSubmissionFailure   ErrorCode = "SUBMISSION_FAILURE"
	ErrorCodeVerificationTimeout ErrorCode = "VERIFICATION_TIMEOUT"
	ErrorCodeBlockingDetected    ErrorCode = "BLOCKING_DETECTED"
	ErrorCodeTokenCaptureFailure ErrorCode = "TOKEN_CAPTURE_FAILURE"
	ErrorCodeTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	ErrorCodeUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
	ErrorCodeSessionDead         ErrorCode = "SESSION_DEAD"
	ErrorCodeInternal            ErrorCode = "INTERNAL"

	// Resume codes: the listing was not dispatched again
	ErrorCodeAlreadyCompleted ErrorCode = "ALREADY_COMPLETED"
	ErrorCodeFinalFailure     ErrorCode = "FINAL_FAILURE"
)

// IsBlocking reports whether the code signals marketplace anti-automation
func (c ErrorCode) IsBlocking() bool {
	return c == ErrorCodeBlockingDetected
}
