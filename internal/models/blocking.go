package models

import (
	"slices"
	"time"
)

// DefaultBlockingThreshold is the consecutive error count that triggers rotation
const DefaultBlockingThreshold = 5

// BlockingState tracks sustained blocking for one platform.
// An id is held in at most one of RetryIDs and FinalFailureIDs.
type BlockingState struct {
	Platform              string    `json:"platform"`
	ConsecutiveErrorCount int       `json:"consecutiveErrorCount"`
	Threshold             int       `json:"threshold"`
	RetryIDs              []string  `json:"retryIds"`
	FinalFailureIDs       []string  `json:"finalFailureIds"`
	CompletedIDs          []string  `json:"completedIds"`
	Rotations             int       `json:"rotations"`
	LastRotationAt        time.Time `json:"lastRotationAt,omitempty"`
	LastError             string    `json:"lastError,omitempty"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Clone returns a deep copy
func (s *BlockingState) Clone() *BlockingState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.RetryIDs = slices.Clone(s.RetryIDs)
	clone.FinalFailureIDs = slices.Clone(s.FinalFailureIDs)
	clone.CompletedIDs = slices.Clone(s.CompletedIDs)
	return &clone
}
