package model

import "time"

// FailureSource identifies which external collaborator failed.
type FailureSource string

const (
	FailureSourceProvider FailureSource = "provider"
	FailureSourceDispatch FailureSource = "dispatch"
	FailureSourceLedger   FailureSource = "ledger"
)

// FailureRecord is the audit entry written for every recorded external failure.
type FailureRecord struct {
	ID        string        `json:"id"`
	RequestID uint64        `json:"request_id"`
	Source    FailureSource `json:"source"`
	Error     string        `json:"error"`
	ErrorType string        `json:"error_type"` // "transient" or "permanent"
	CreatedAt time.Time     `json:"created_at"`
}

// BreakerState is the persisted circuit breaker snapshot.
type BreakerState struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}
