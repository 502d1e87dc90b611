package common

import (
	"github.com/google/uuid"
)

// NewAttemptID generates a registration attempt ID
// Format: att_<uuid>
func NewAttemptID() string {
	return "att_" + uuid.New().String()
}

// NewInterventionID generates a manual-intervention ID
// Format: int_<uuid>
func NewInterventionID() string {
	return "int_" + uuid.New().String()
}

// NewSessionID generates a browser session ID
// Format: ses_<uuid>
func NewSessionID() string {
	return "ses_" + uuid.New().String()
}

// NewRequestID generates an HTTP request correlation ID
// Format: req_<uuid>
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
