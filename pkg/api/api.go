// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// CreateUserRequest is the request body for registering an API user.
type CreateUserRequest struct {
	Name    string `json:"name"`
	Credits int64  `json:"credits,omitempty"`
}

// CreateUserResponse carries the only copy of the plaintext API key.
type CreateUserResponse struct {
	ID     string `json:"user_id"`
	Name   string `json:"name"`
	ApiKey string `json:"api_key"`
}

// GenerateRequest is the request body for an image-to-video job.
type GenerateRequest struct {
	Prompt          string `json:"prompt"`
	NegativePrompt  string `json:"negative_prompt,omitempty"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// Progress stream event names, in the order a successful job emits them.
const (
	EventProgress = "progress"
	EventImage    = "image"
	EventVideo    = "video"
	EventComplete = "complete"
	EventError    = "error"
)

// ProgressEvent announces that a stage has started.
type ProgressEvent struct {
	Step    int    `json:"step"`
	Message string `json:"message"`
}

// ImageEvent delivers the stage 1 artifact before stage 2 begins.
type ImageEvent struct {
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType,omitempty"`
}

// VideoEvent references the persisted final artifact.
type VideoEvent struct {
	VideoURL string `json:"videoUrl"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ErrorEvent terminates a stream. Credits are always refunded when a
// deduction happened before the failure.
type ErrorEvent struct {
	Error          string `json:"error"`
	Code           string `json:"code,omitempty"`
	Refunded       bool   `json:"refunded,omitempty"`
	ImageDelivered bool   `json:"imageDelivered,omitempty"`
}

// CompleteEvent terminates a successful stream.
type CompleteEvent struct {
	Success     bool   `json:"success"`
	CreditsUsed int64  `json:"creditsUsed"`
	JobID       string `json:"jobId,omitempty"`
}

// BalanceResponse is the response body for balance queries.
type BalanceResponse struct {
	Primary   int64 `json:"primary"`
	Secondary int64 `json:"secondary"`
	Total     int64 `json:"total"`
}

// SetBalanceRequest is the admin request body for resetting a balance.
type SetBalanceRequest struct {
	Primary   int64  `json:"primary"`
	Secondary int64  `json:"secondary"`
	Reason    string `json:"reason,omitempty"`
}

// TransactionResponse represents a ledger entry in API responses.
type TransactionResponse struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Amount         int64     `json:"amount"`
	PrimaryDelta   int64     `json:"primary_delta"`
	SecondaryDelta int64     `json:"secondary_delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Feature        string    `json:"feature"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryResponse is one page of transaction history.
type HistoryResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Page         int                   `json:"page"`
	PageSize     int                   `json:"page_size"`
}

// FeatureUsage aggregates deductions for one feature.
type FeatureUsage struct {
	Feature string `json:"feature"`
	Credits int64  `json:"credits"`
	Count   int64  `json:"count"`
}

// UsageResponse is the response body for grouped usage.
type UsageResponse struct {
	Usage []FeatureUsage `json:"usage"`
}

// AvatarSessionRequest optionally names the session; the server generates
// an id when empty.
type AvatarSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// AvatarSessionResponse is returned once a key is leased for the session.
type AvatarSessionResponse struct {
	SessionID string `json:"session_id"`
	KeyIndex  int    `json:"key_index"`
}

// SessionKeyResponse is returned to the sidecar, never to end users.
type SessionKeyResponse struct {
	SessionID string `json:"session_id"`
	KeyIndex  int    `json:"key_index"`
	ApiKey    string `json:"api_key"`
}

// KeyPoolStatusResponse is the admin view of the key pool.
type KeyPoolStatusResponse struct {
	Configured   int   `json:"configured"`
	ActiveLeases int   `json:"active_leases"`
	PerKey       []int `json:"per_key"`
}

// SidecarStatusResponse is the admin view of the supervised sidecar.
// Unmanaged lists matching host processes this server did not start.
type SidecarStatusResponse struct {
	Name            string     `json:"name"`
	Enabled         bool       `json:"enabled"`
	State           string     `json:"state"`
	Running         bool       `json:"running"`
	PID             int        `json:"pid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	Crashes         int        `json:"crashes"`
	LastCrash       *time.Time `json:"last_crash,omitempty"`
	Disabled        bool       `json:"disabled"`
	DisabledReason  string     `json:"disabled_reason,omitempty"`
	IntentionalStop bool       `json:"intentional_stop"`
	Unmanaged       []int32    `json:"unmanaged,omitempty"`
	DiscoverError   string     `json:"discover_error,omitempty"`
}

// SidecarCommandResponse is returned by start/stop/restart.
type SidecarCommandResponse struct {
	Action     string `json:"action"`
	WasRunning bool   `json:"was_running,omitempty"`
	Running    bool   `json:"running"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes carried in ErrorResponse.Code and ErrorEvent.Code.
const (
	CodeInsufficientCredits = "insufficient_credits"
	CodeUpstreamRejected    = "upstream_rejected"
	CodeTimeout             = "timeout"
	CodeUnrecognizedShape   = "unrecognized_response"
	CodeKeyPoolExhausted    = "key_pool_exhausted"
	CodeProcessDisabled     = "process_disabled"
	CodeRateLimited         = "rate_limited"
	CodeStorageFailed       = "storage_failed"
	CodeInternal            = "internal"
	CodeInvalidRequest      = "invalid_request"
	CodeCancelled           = "cancelled"
)
