package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/risk-oracle/internal/model"
)

func TestNewFailureRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))

	f := NewFailureRecord(7, model.FailureSourceLedger, NewTransientError(errors.New("ledger: mint 7: status 503"), 503), at)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, uint64(7), f.RequestID)
	assert.Equal(t, model.FailureSourceLedger, f.Source)
	assert.Equal(t, "ledger: mint 7: status 503", f.Error)
	assert.Equal(t, "transient", f.ErrorType)
	assert.Equal(t, time.UTC, f.CreatedAt.Location())
	assert.True(t, f.CreatedAt.Equal(at))

	f = NewFailureRecord(8, model.FailureSourceProvider, nil, at)
	assert.Equal(t, "unknown error", f.Error)
	assert.Equal(t, "permanent", f.ErrorType)
}
