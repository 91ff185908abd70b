package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/store"
)

// stuckListLimit caps how many stuck records a snapshot lists. Totals come
// from count queries and are not capped.
const stuckListLimit = 1000

// Snapshot holds a point-in-time view of orchestrator health.
type Snapshot struct {
	// Record counts by status.
	Submitted       int `json:"submitted"`
	ManualRequested int `json:"manual_requested"`
	Terminal        int `json:"terminal"`

	// StuckTotal counts open records past the manual tier.
	StuckTotal int `json:"stuck_total"`
	// Stuck lists the oldest of those records, oldest first.
	Stuck []StuckRequest `json:"stuck,omitempty"`
	// WithdrawOpen counts stuck records whose beneficiary can already
	// self-withdraw.
	WithdrawOpen int `json:"withdraw_open"`

	Breaker model.SystemStatus `json:"breaker"`

	// RecentFailures are the newest failure records.
	RecentFailures []model.FailureRecord `json:"recent_failures,omitempty"`
	LedgerFailures int                   `json:"ledger_failures"`

	CollectedAt time.Time `json:"collected_at"`
}

// StuckRequest is one record waiting on manual handling.
type StuckRequest struct {
	ID          uint64              `json:"id"`
	Beneficiary string              `json:"beneficiary"`
	Status      model.RequestStatus `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	Age         time.Duration       `json:"age"`
	RetryCount  int                 `json:"retry_count"`
}

// RequestSource is the slice of store.Store the collector reads.
type RequestSource interface {
	CountByStatus(ctx context.Context) (map[model.RequestStatus]int, error)
	CountRequests(ctx context.Context, filter store.RequestFilter) (int, error)
	ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.RequestRecord, error)
	ListFailures(ctx context.Context, filter store.FailureFilter) ([]model.FailureRecord, error)
}

// BreakerSource reports circuit breaker state.
type BreakerSource interface {
	Status(ctx context.Context) (model.SystemStatus, error)
}

// Collector gathers health metrics from the store and the breaker.
type Collector struct {
	requests RequestSource
	breaker  BreakerSource
	tiers    escalation.Tiers

	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(requests RequestSource, breaker BreakerSource, tiers escalation.Tiers) *Collector {
	return &Collector{requests: requests, breaker: breaker, tiers: tiers, nowFunc: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.nowFunc = now
	return c
}

// Collect gathers a snapshot. failureLookback is how many recent failure
// records to include.
func (c *Collector) Collect(ctx context.Context, failureLookback int) (*Snapshot, error) {
	now := c.nowFunc().UTC()
	snap := &Snapshot{CollectedAt: now}

	counts, err := c.requests.CountByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count requests")
	}
	snap.Submitted = counts[model.RequestStatusSubmitted]
	snap.ManualRequested = counts[model.RequestStatusManualRequested]
	snap.Terminal = counts[model.RequestStatusTerminal]

	manualCutoff := now.Add(-c.tiers.ManualDelay)
	emergencyCutoff := now.Add(-c.tiers.EmergencyDelay)
	for _, status := range []model.RequestStatus{model.RequestStatusSubmitted, model.RequestStatusManualRequested} {
		n, err := c.requests.CountRequests(ctx, store.RequestFilter{Status: status, CreatedBefore: manualCutoff})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count stuck %s requests", status)
		}
		snap.StuckTotal += n

		n, err = c.requests.CountRequests(ctx, store.RequestFilter{Status: status, CreatedBefore: emergencyCutoff})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count withdrawable %s requests", status)
		}
		snap.WithdrawOpen += n

		recs, err := c.requests.ListRequests(ctx, store.RequestFilter{
			Status:        status,
			CreatedBefore: manualCutoff,
			OldestFirst:   true,
			Limit:         stuckListLimit,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list stuck %s requests", status)
		}
		for i := range recs {
			rec := &recs[i]
			snap.Stuck = append(snap.Stuck, StuckRequest{
				ID:          rec.ID,
				Beneficiary: rec.Beneficiary,
				Status:      rec.Status,
				CreatedAt:   rec.CreatedAt,
				Age:         now.Sub(rec.CreatedAt),
				RetryCount:  rec.RetryCount,
			})
		}
	}
	sort.SliceStable(snap.Stuck, func(i, j int) bool {
		return snap.Stuck[i].CreatedAt.Before(snap.Stuck[j].CreatedAt)
	})
	if len(snap.Stuck) > stuckListLimit {
		snap.Stuck = snap.Stuck[:stuckListLimit]
	}

	if c.breaker != nil {
		snap.Breaker, err = c.breaker.Status(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: breaker status")
		}
	}

	if failureLookback > 0 {
		snap.RecentFailures, err = c.requests.ListFailures(ctx, store.FailureFilter{Limit: failureLookback})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list failures")
		}
		for _, f := range snap.RecentFailures {
			if f.Source == model.FailureSourceLedger {
				snap.LedgerFailures++
			}
		}
	}

	return snap, nil
}
