package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/risk-oracle/internal/model"
)

// NewFailureRecord builds the audit entry for an external failure.
func NewFailureRecord(requestID uint64, source model.FailureSource, err error, at time.Time) *model.FailureRecord {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &model.FailureRecord{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Source:    source,
		Error:     msg,
		ErrorType: string(Classify(err)),
		CreatedAt: at.UTC(),
	}
}
