package model

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"
	"time"
)

// RequestStatus represents the lifecycle state of an assessment request.
type RequestStatus string

const (
	RequestStatusSubmitted       RequestStatus = "submitted"
	RequestStatusManualRequested RequestStatus = "manual_requested"
	RequestStatusTerminal        RequestStatus = "terminal"
)

// IsValid reports whether s is a known status.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusSubmitted, RequestStatusManualRequested, RequestStatusTerminal:
		return true
	}
	return false
}

// TerminalReason records how a request reached the terminal state.
type TerminalReason string

const (
	TerminalAutoProcessed      TerminalReason = "auto_processed"
	TerminalManualProcessed    TerminalReason = "manual_processed"
	TerminalEmergencyWithdrawn TerminalReason = "emergency_withdrawn"
)

// Strategy selects how a processor resolves a stuck request.
type Strategy string

const (
	StrategyOffChainAI          Strategy = "off_chain_ai"
	StrategyForceDefaultMint    Strategy = "force_default_mint"
	StrategyEmergencyWithdrawal Strategy = "emergency_withdrawal"
)

// IsValid reports whether s is a known manual strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyOffChainAI, StrategyForceDefaultMint, StrategyEmergencyWithdrawal:
		return true
	}
	return false
}

// Mints reports whether the strategy issues the derived asset.
func (s Strategy) Mints() bool {
	return s == StrategyOffChainAI || s == StrategyForceDefaultMint
}

// RequestRecord is the authoritative lifecycle record of one assessment attempt.
type RequestRecord struct {
	ID               uint64        `json:"id"`
	Submitter        string        `json:"submitter"`
	Beneficiary      string        `json:"beneficiary"`
	BasketDescriptor string        `json:"basket_descriptor"`
	CollateralValue  *big.Int      `json:"collateral_value"`
	CreatedAt        time.Time     `json:"created_at"`
	Status           RequestStatus `json:"status"`
	RetryCount       int           `json:"retry_count"`
	VerificationTag  string        `json:"verification_tag"`
	ExternalTag      string        `json:"external_tag,omitempty"`

	ManualRequestedAt *time.Time `json:"manual_requested_at,omitempty"`

	// Outcome, populated once terminal.
	TerminalReason TerminalReason `json:"terminal_reason,omitempty"`
	Strategy       Strategy       `json:"strategy,omitempty"`
	Ratio          int            `json:"ratio,omitempty"`
	Confidence     int            `json:"confidence,omitempty"`
	MintAmount     *big.Int       `json:"mint_amount,omitempty"`
	FinalizedBy    string         `json:"finalized_by,omitempty"`
	FinalizedAt    *time.Time     `json:"finalized_at,omitempty"`

	// PostProcessingError is set when the ledger callback failed after the
	// terminal transition was committed.
	PostProcessingError string `json:"post_processing_error,omitempty"`

	Version int64 `json:"version"`
}

// IsTerminal reports whether the record can no longer be mutated.
func (r *RequestRecord) IsTerminal() bool {
	return r.Status == RequestStatusTerminal
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (r *RequestRecord) Clone() *RequestRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CollateralValue != nil {
		c.CollateralValue = new(big.Int).Set(r.CollateralValue)
	}
	if r.MintAmount != nil {
		c.MintAmount = new(big.Int).Set(r.MintAmount)
	}
	if r.ManualRequestedAt != nil {
		t := *r.ManualRequestedAt
		c.ManualRequestedAt = &t
	}
	if r.FinalizedAt != nil {
		t := *r.FinalizedAt
		c.FinalizedAt = &t
	}
	return &c
}

// ComputeVerificationTag derives the callback verification value from the
// identifying fields of a submission. It must be called after ID and
// CreatedAt are assigned.
func ComputeVerificationTag(r *RequestRecord) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(strconv.FormatUint(r.ID, 10))
	write(r.Submitter)
	write(r.Beneficiary)
	write(r.BasketDescriptor)
	if r.CollateralValue != nil {
		write(r.CollateralValue.String())
	} else {
		write("0")
	}
	write(strconv.FormatInt(r.CreatedAt.UTC().UnixNano(), 10))
	return hex.EncodeToString(h.Sum(nil))
}

// SystemStatus is the observable circuit breaker state.
type SystemStatus struct {
	Paused              bool      `json:"paused"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
}
