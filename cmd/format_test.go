package main

import (
	"bytes"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/monitoring"
)

var created = time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)

func TestFormatRequestsList(t *testing.T) {
	recs := []model.RequestRecord{
		{
			ID:              7,
			Beneficiary:     "alice",
			Status:          model.RequestStatusTerminal,
			TerminalReason:  model.TerminalAutoProcessed,
			Ratio:           15000,
			MintAmount:      big.NewInt(13333),
			CollateralValue: big.NewInt(20000),
			CreatedAt:       created,
		},
		{
			ID:              8,
			Beneficiary:     "bob",
			Status:          model.RequestStatusManualRequested,
			RetryCount:      2,
			CollateralValue: big.NewInt(500),
			CreatedAt:       created.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRequestsList(&buf, recs)

	out := buf.String()
	assert.Contains(t, out, "BENEFICIARY")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "auto_processed")
	assert.Contains(t, out, "15000")
	assert.Contains(t, out, "13333")
	assert.Contains(t, out, "manual_requested")
	assert.Contains(t, out, "2026-06-15 10:30")
	assert.Contains(t, out, "2026-06-15 11:30")
}

func TestWriteDocument(t *testing.T) {
	detail := requestDetail{
		Request: &model.RequestRecord{
			ID:              3,
			Beneficiary:     "alice",
			CollateralValue: big.NewInt(20000),
			Status:          model.RequestStatusSubmitted,
		},
		Failures: []model.FailureRecord{{RequestID: 3, Source: model.FailureSourceProvider, Error: "timeout"}},
	}

	var js bytes.Buffer
	require.NoError(t, writeDocument(&js, "json", detail))
	assert.Contains(t, js.String(), `"collateral_value": 20000`)

	var ys bytes.Buffer
	require.NoError(t, writeDocument(&ys, "yaml", detail))
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(ys.Bytes(), &doc))
	req, ok := doc["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", req["beneficiary"])
	assert.Equal(t, 20000, req["collateral_value"])
	assert.Contains(t, ys.String(), "source: provider")

	assert.Error(t, writeDocument(&js, "xml", detail))
}

func TestParseRequestID(t *testing.T) {
	id, err := parseRequestID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	for _, bad := range []string{"0", "-1", "abc", ""} {
		_, err := parseRequestID(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatAvailability(t *testing.T) {
	tiers := escalation.DefaultTiers()
	rec := &model.RequestRecord{ID: 9, Status: model.RequestStatusSubmitted, CreatedAt: created}
	now := created.Add(45 * time.Minute)

	var buf bytes.Buffer
	formatAvailability(&buf, tiers.Availability(rec, now), now)
	out := buf.String()
	assert.Contains(t, out, "Request 9 (submitted)")
	assert.Contains(t, out, "manual-request")
	assert.Contains(t, out, "withdraw")
	assert.Contains(t, out, "1h15m0s")

	rec.Status = model.RequestStatusTerminal
	buf.Reset()
	formatAvailability(&buf, tiers.Availability(rec, now), now)
	assert.Contains(t, buf.String(), "no remedies apply")
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &model.RequestRecord{
		ID:             4,
		Status:         model.RequestStatusTerminal,
		TerminalReason: model.TerminalManualProcessed,
		Strategy:       model.StrategyForceDefaultMint,
		Ratio:          16000,
		Confidence:     75,
		MintAmount:     big.NewInt(12500),
	})
	assert.Contains(t, buf.String(), "force_default_mint")
	assert.Contains(t, buf.String(), "mint 12500")

	buf.Reset()
	printOutcome(&buf, &model.RequestRecord{
		ID:                  5,
		Status:              model.RequestStatusTerminal,
		TerminalReason:      model.TerminalEmergencyWithdrawn,
		Strategy:            model.StrategyEmergencyWithdrawal,
		PostProcessingError: "ledger: withdrawal 5: status 502",
	})
	assert.Contains(t, buf.String(), "collateral withdrawn")
	assert.Contains(t, buf.String(), "Warning: ledger notification failed")
}

func TestFormatSnapshot(t *testing.T) {
	snap := &monitoring.Snapshot{
		Submitted:       3,
		ManualRequested: 1,
		Terminal:        10,
		StuckTotal:      1,
		Stuck: []monitoring.StuckRequest{
			{ID: 2, Beneficiary: "alice", Status: model.RequestStatusManualRequested, Age: 3 * time.Hour},
		},
		WithdrawOpen: 1,
		Breaker:      model.SystemStatus{Paused: true, ConsecutiveFailures: 5, LastFailureAt: created},
	}

	var buf bytes.Buffer
	formatSnapshot(&buf, snap)
	out := buf.String()
	assert.Contains(t, out, "PAUSED (5 consecutive failures)")
	assert.Contains(t, out, "3 submitted, 1 manual requested, 10 terminal")
	assert.Contains(t, out, "Stuck:     1 (1 can self-withdraw)")
	assert.Contains(t, out, "#2")
	assert.Contains(t, out, "3h0m0s")
}
