// Package ledger notifies the collateral ledger of terminal outcomes.
package ledger

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/webhook"
)

// MintResult authorizes issuance for one finalized request.
type MintResult struct {
	RequestID   uint64   `json:"request_id"`
	Beneficiary string   `json:"beneficiary"`
	MintAmount  *big.Int `json:"mint_amount"`
	Ratio       int      `json:"ratio"`
	Confidence  int      `json:"confidence"`
}

// Ledger receives finalize callbacks. Implementations should treat a
// repeated request id as a duplicate.
type Ledger interface {
	OnMintFinalized(ctx context.Context, res MintResult) error
	OnWithdrawalFinalized(ctx context.Context, beneficiary string, requestID uint64) error
}

// LogLedger only logs outcomes. It is the default when no ledger endpoint
// is configured.
type LogLedger struct{}

func (LogLedger) OnMintFinalized(_ context.Context, res MintResult) error {
	zap.L().Info("ledger: mint finalized",
		zap.Uint64("request_id", res.RequestID),
		zap.String("beneficiary", res.Beneficiary),
		zap.Stringer("mint_amount", res.MintAmount),
		zap.Int("ratio", res.Ratio),
		zap.Int("confidence", res.Confidence),
	)
	return nil
}

func (LogLedger) OnWithdrawalFinalized(_ context.Context, beneficiary string, requestID uint64) error {
	zap.L().Info("ledger: withdrawal finalized",
		zap.Uint64("request_id", requestID),
		zap.String("beneficiary", beneficiary),
	)
	return nil
}

// WebhookLedger posts signed outcome events to the ledger service. Each
// event carries Idempotency-Key so the ledger can drop duplicates.
type WebhookLedger struct {
	client *webhook.Client
	url    string
}

// NewWebhookLedger creates a WebhookLedger posting to url.
func NewWebhookLedger(url, secret string, timeout time.Duration) (*WebhookLedger, error) {
	if url == "" {
		return nil, eris.New("ledger: webhook url is required")
	}
	return &WebhookLedger{client: webhook.NewClient(secret, timeout), url: url}, nil
}

// Event is the payload posted to the ledger service.
type Event struct {
	Type        string `json:"type"` // "mint" or "withdrawal"
	RequestID   uint64 `json:"request_id"`
	Beneficiary string `json:"beneficiary"`
	MintAmount  string `json:"mint_amount,omitempty"`
	Ratio       int    `json:"ratio,omitempty"`
	Confidence  int    `json:"confidence,omitempty"`
}

func (l *WebhookLedger) OnMintFinalized(ctx context.Context, res MintResult) error {
	ev := Event{
		Type:        "mint",
		RequestID:   res.RequestID,
		Beneficiary: res.Beneficiary,
		MintAmount:  "0",
		Ratio:       res.Ratio,
		Confidence:  res.Confidence,
	}
	if res.MintAmount != nil {
		ev.MintAmount = res.MintAmount.String()
	}
	return eris.Wrapf(l.post(ctx, ev), "ledger: mint %d", res.RequestID)
}

func (l *WebhookLedger) OnWithdrawalFinalized(ctx context.Context, beneficiary string, requestID uint64) error {
	ev := Event{Type: "withdrawal", RequestID: requestID, Beneficiary: beneficiary}
	return eris.Wrapf(l.post(ctx, ev), "ledger: withdrawal %d", requestID)
}

func (l *WebhookLedger) post(ctx context.Context, ev Event) error {
	return l.client.Post(ctx, l.url, ev, map[string]string{
		"Idempotency-Key": ev.Type + ":" + strconv.FormatUint(ev.RequestID, 10),
	})
}
