package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/config"
	"github.com/sells-group/risk-oracle/internal/webhook"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBreakerPaused  AlertType = "breaker_paused"
	AlertStuckRequests  AlertType = "stuck_requests"
	AlertLedgerFailures AlertType = "ledger_failures"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *webhook.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: webhook.NewClient("", 10*time.Second),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	if snap.Breaker.Paused {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerPaused,
			Severity: "critical",
			Message: fmt.Sprintf(
				"Submissions paused after %d consecutive failures (last at %s)",
				snap.Breaker.ConsecutiveFailures, snap.Breaker.LastFailureAt.Format(time.RFC3339),
			),
			Details: map[string]any{
				"consecutive_failures": snap.Breaker.ConsecutiveFailures,
				"last_failure_at":      snap.Breaker.LastFailureAt,
			},
			Timestamp: now,
		})
	}

	threshold := a.cfg.StuckAlertThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if snap.StuckTotal >= threshold && len(snap.Stuck) > 0 {
		oldest := snap.Stuck[0]
		alerts = append(alerts, Alert{
			Type:     AlertStuckRequests,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d request(s) past the manual tier, oldest #%d waiting %s",
				snap.StuckTotal, oldest.ID, oldest.Age.Truncate(time.Second),
			),
			Details: map[string]any{
				"stuck":         snap.StuckTotal,
				"withdraw_open": snap.WithdrawOpen,
				"oldest_id":     oldest.ID,
				"threshold":     threshold,
			},
			Timestamp: now,
		})
	}

	if snap.LedgerFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertLedgerFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d ledger callback failure(s) among the last %d failures need reconciliation",
				snap.LedgerFailures, len(snap.RecentFailures),
			),
			Details: map[string]any{
				"ledger_failures": snap.LedgerFailures,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.client.Post(ctx, a.cfg.WebhookURL, alert, nil); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}
