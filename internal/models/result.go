package models

import "time"

// ResultStatus is the terminal state reported for an attempt
type ResultStatus string

const (
	StatusPending   ResultStatus = "PENDING"
	StatusSucceeded ResultStatus = "SUCCEEDED"
	StatusFailed    ResultStatus = "FAILED"
)

// Registration paths
const (
	ViaBrowser = "browser"
	ViaAPI     = "api"
)

// AutomationResult is the outcome of one registration attempt on one platform.
//
// Success is true only when ProductURL is set and ErrorMessage is empty.
// Use Succeed and Fail to finish a result; both set CompletedAt exactly once.
type AutomationResult struct {
	ID              string            `json:"id"`
	Platform        string            `json:"platform" badgerhold:"index"`
	ListingID       string            `json:"listing_id" badgerhold:"index"`
	Success         bool              `json:"success"`
	Status          ResultStatus      `json:"status"`
	ProductURL      string            `json:"product_url,omitempty"`
	ExternalID      string            `json:"external_id,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	ErrorCode       ErrorCode         `json:"error_code,omitempty"`
	Via             string            `json:"via,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     time.Time         `json:"completed_at"`
	ExecutionTimeMs int64             `json:"execution_time_ms"`
	ScreenshotPath  string            `json:"screenshot_path,omitempty"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewAutomationResult starts a pending result for platform
func NewAutomationResult(id, platform, listingID string) *AutomationResult {
	return &AutomationResult{
		ID:        id,
		Platform:  platform,
		ListingID: listingID,
		Status:    StatusPending,
		StartedAt: time.Now(),
	}
}

// IsCompleted reports whether the result has been finished
func (r *AutomationResult) IsCompleted() bool {
	return !r.CompletedAt.IsZero()
}

// Succeed finishes the result as a success. It returns false if the result was
// already completed or productURL is empty, in which case nothing changes.
func (r *AutomationResult) Succeed(productURL, externalID string) bool {
	if r.IsCompleted() || productURL == "" {
		return false
	}
	r.Success = true
	r.Status = StatusSucceeded
	r.ProductURL = productURL
	r.ExternalID = externalID
	r.ErrorMessage = ""
	r.ErrorCode = ErrorCodeNone
	r.complete()
	return true
}

// Fail finishes the result as a failure. It returns false if already completed.
func (r *AutomationResult) Fail(code ErrorCode, message string) bool {
	if r.IsCompleted() {
		return false
	}
	if message == "" {
		message = string(code)
	}
	r.Success = false
	r.Status = StatusFailed
	r.ProductURL = ""
	r.ErrorCode = code
	r.ErrorMessage = message
	r.complete()
	return true
}

// SetMetadata records a diagnostic key/value pair
func (r *AutomationResult) SetMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

func (r *AutomationResult) complete() {
	r.CompletedAt = time.Now()
	r.ExecutionTimeMs = r.CompletedAt.Sub(r.StartedAt).Milliseconds()
}
