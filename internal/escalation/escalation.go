// Package escalation computes which manual remedies are currently legal for
// an assessment request. It is pull-based: every decision is a comparison of
// the caller-supplied time against the record's creation time, so no timers
// or background jobs are involved.
package escalation

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

var (
	// ErrRequestNotExpired means the tier has not opened yet.
	ErrRequestNotExpired = eris.New("request not expired")
	// ErrAlreadyProcessed means the record is terminal.
	ErrAlreadyProcessed = eris.New("request already processed")
	// ErrAlreadyRequested means manual handling was already requested.
	ErrAlreadyRequested = eris.New("manual handling already requested")
)

// Tiers holds the escalation delays measured from a record's CreatedAt.
type Tiers struct {
	ManualDelay    time.Duration `json:"manual_delay"`
	EmergencyDelay time.Duration `json:"emergency_delay"`
}

// DefaultTiers returns 30 minutes for manual handling and 2 hours for
// self-service withdrawal.
func DefaultTiers() Tiers {
	return Tiers{
		ManualDelay:    30 * time.Minute,
		EmergencyDelay: 2 * time.Hour,
	}
}

// ManualOpensAt is when ManualRequest and ManualFinalize become legal.
func (t Tiers) ManualOpensAt(rec *model.RequestRecord) time.Time {
	return rec.CreatedAt.Add(t.ManualDelay)
}

// EmergencyOpensAt is when SelfWithdraw becomes legal.
func (t Tiers) EmergencyOpensAt(rec *model.RequestRecord) time.Time {
	return rec.CreatedAt.Add(t.EmergencyDelay)
}

// CheckManualRequest gates a beneficiary's request for manual handling.
func (t Tiers) CheckManualRequest(rec *model.RequestRecord, now time.Time) error {
	if rec.IsTerminal() {
		return ErrAlreadyProcessed
	}
	if rec.Status == model.RequestStatusManualRequested {
		return ErrAlreadyRequested
	}
	if now.Before(t.ManualOpensAt(rec)) {
		return ErrRequestNotExpired
	}
	return nil
}

// CheckManualFinalize gates a processor's manual resolution. It does not
// require the beneficiary to have asked first.
func (t Tiers) CheckManualFinalize(rec *model.RequestRecord, now time.Time) error {
	if rec.IsTerminal() {
		return ErrAlreadyProcessed
	}
	if now.Before(t.ManualOpensAt(rec)) {
		return ErrRequestNotExpired
	}
	return nil
}

// CheckSelfWithdraw gates the beneficiary's unconditional withdrawal.
func (t Tiers) CheckSelfWithdraw(rec *model.RequestRecord, now time.Time) error {
	if rec.IsTerminal() {
		return ErrAlreadyProcessed
	}
	if now.Before(t.EmergencyOpensAt(rec)) {
		return ErrRequestNotExpired
	}
	return nil
}

// Tier describes one remedy's opening time and whether it is open now.
type Tier struct {
	OpensAt time.Time `json:"opens_at"`
	Open    bool      `json:"open"`
}

// Availability is the full escalation picture for one record.
type Availability struct {
	RequestID      uint64              `json:"request_id"`
	Status         model.RequestStatus `json:"status"`
	Terminal       bool                `json:"terminal"`
	ManualRequest  Tier                `json:"manual_request"`
	ManualFinalize Tier                `json:"manual_finalize"`
	SelfWithdraw   Tier                `json:"self_withdraw"`
	// Stuck is true once the manual tier has opened on a non-terminal record.
	Stuck bool `json:"stuck"`
}

// Availability computes the availability of every tier at now.
func (t Tiers) Availability(rec *model.RequestRecord, now time.Time) Availability {
	return Availability{
		RequestID: rec.ID,
		Status:    rec.Status,
		Terminal:  rec.IsTerminal(),
		ManualRequest: Tier{
			OpensAt: t.ManualOpensAt(rec),
			Open:    t.CheckManualRequest(rec, now) == nil,
		},
		ManualFinalize: Tier{
			OpensAt: t.ManualOpensAt(rec),
			Open:    t.CheckManualFinalize(rec, now) == nil,
		},
		SelfWithdraw: Tier{
			OpensAt: t.EmergencyOpensAt(rec),
			Open:    t.CheckSelfWithdraw(rec, now) == nil,
		},
		Stuck: !rec.IsTerminal() && !now.Before(t.ManualOpensAt(rec)),
	}
}
