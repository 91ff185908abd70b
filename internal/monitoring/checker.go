package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/config"
)

// Checker runs the collector on a fixed interval and forwards alerts,
// holding back an alert that is still firing unchanged until the repeat
// interval has passed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu       sync.Mutex
	lastSent map[AlertType]sentAlert
}

type sentAlert struct {
	at      time.Time
	message string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RepeatInterval <= 0 {
		cfg.RepeatInterval = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		lastSent:  make(map[AlertType]sentAlert),
	}
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.cfg.Interval),
		zap.Duration("repeat_interval", c.cfg.RepeatInterval),
		zap.Int("stuck_alert_threshold", c.cfg.StuckAlertThreshold),
	)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			if _, _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: failed to collect metrics", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and evaluates it. It returns every alert
// that fired; only the ones due are sent.
func (c *Checker) Check(ctx context.Context) (*Snapshot, []Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.FailureLookback)
	if err != nil {
		return nil, nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	due := c.due(alerts, snap.CollectedAt)
	if len(due) == 0 {
		zap.L().Debug("monitoring: nothing to send", zap.Int("alerts_firing", len(alerts)))
		return snap, alerts, nil
	}

	sent := c.alerter.SendAlerts(ctx, due)
	zap.L().Info("monitoring: alert check complete",
		zap.Int("alerts_firing", len(alerts)),
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return snap, alerts, nil
}

// due filters alerts down to the ones not sent recently with the same
// message. Types that stopped firing are forgotten so a recurrence goes
// out at once.
func (c *Checker) due(alerts []Alert, now time.Time) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	firing := make(map[AlertType]bool, len(alerts))
	var out []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		prev, ok := c.lastSent[a.Type]
		if ok && prev.message == a.Message && now.Sub(prev.at) < c.cfg.RepeatInterval {
			continue
		}
		c.lastSent[a.Type] = sentAlert{at: now, message: a.Message}
		out = append(out, a)
	}
	for t := range c.lastSent {
		if !firing[t] {
			delete(c.lastSent, t)
		}
	}
	return out
}
