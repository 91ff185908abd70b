package resilience

import (
	"github.com/sells-group/risk-oracle/internal/config"
)

// RetryFromConfig builds the provider retry policy. Zero values keep the
// defaults; a negative jitter fraction keeps the default jitter.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff > 0 {
		cfg.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		cfg.JitterFraction = c.JitterFraction
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// BreakerFromConfig builds the submission breaker settings, with state
// transitions logged.
func BreakerFromConfig(c config.BreakerConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.Threshold > 0 {
		cfg.FailureThreshold = c.Threshold
	}
	if c.ResetWindow > 0 {
		cfg.ResetWindow = c.ResetWindow
	}
	cfg.OnStateChange = LogStateChange()
	return cfg
}
