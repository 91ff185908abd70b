package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

var (
	// ErrNotFound is returned when a request does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict is returned by UpdateRequest when the stored version no
	// longer matches the expected one.
	ErrConflict = eris.New("store: version conflict")
)

// RequestFilter specifies criteria for listing requests.
type RequestFilter struct {
	Status      model.RequestStatus `json:"status,omitempty"`
	Beneficiary string              `json:"beneficiary,omitempty"`
	Submitter   string              `json:"submitter,omitempty"`
	// CreatedBefore keeps records created at or before this instant.
	CreatedBefore time.Time `json:"created_before,omitempty"`
	// OldestFirst orders by creation time ascending. The default is
	// newest first.
	OldestFirst bool `json:"oldest_first,omitempty"`
	Limit       int  `json:"limit,omitempty"`
	Offset      int  `json:"offset,omitempty"`
}

// FailureFilter specifies criteria for listing failure records.
type FailureFilter struct {
	RequestID uint64              `json:"request_id,omitempty"`
	Source    model.FailureSource `json:"source,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
}

// Store defines the persistence interface for the request registry.
type Store interface {
	// Requests
	NextRequestID(ctx context.Context) (uint64, error)
	CreateRequest(ctx context.Context, rec *model.RequestRecord) error
	GetRequest(ctx context.Context, id uint64) (*model.RequestRecord, error)
	GetRequestByTag(ctx context.Context, tag string) (*model.RequestRecord, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.RequestRecord, error)
	CountByStatus(ctx context.Context) (map[model.RequestStatus]int, error)
	// CountRequests counts records matching filter, ignoring Limit and Offset.
	CountRequests(ctx context.Context, filter RequestFilter) (int, error)
	// UpdateRequest writes rec if the stored version equals expectedVersion
	// and bumps rec.Version on success.
	UpdateRequest(ctx context.Context, rec *model.RequestRecord, expectedVersion int64) error
	IncrementRetryCount(ctx context.Context, id uint64) error

	// Failures
	RecordFailure(ctx context.Context, f *model.FailureRecord) error
	ListFailures(ctx context.Context, filter FailureFilter) ([]model.FailureRecord, error)

	// Circuit breaker
	LoadBreakerState(ctx context.Context) (*model.BreakerState, error)
	SaveBreakerState(ctx context.Context, state model.BreakerState) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
