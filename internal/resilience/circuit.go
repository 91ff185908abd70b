// Package resilience provides the circuit breaker that gates new assessment
// submissions, plus retry and error classification for external calls.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/model"
)

// ErrCircuitOpen is returned when a submission is rejected because the
// breaker is paused.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Gate is the breaker contract the orchestrator depends on. Allow and
// RecordFailure must be atomic with respect to each other.
type Gate interface {
	// Allow rejects with ErrCircuitOpen while paused. Once the reset window
	// has elapsed it clears the failure counter before admitting the call.
	Allow(ctx context.Context) error
	RecordFailure(ctx context.Context) error
	RecordSuccess(ctx context.Context) error
	Status(ctx context.Context) (model.SystemStatus, error)
}

// StateStore persists breaker state across restarts.
type StateStore interface {
	LoadBreakerState(ctx context.Context) (*model.BreakerState, error)
	SaveBreakerState(ctx context.Context, state model.BreakerState) error
}

// CircuitBreakerConfig controls breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that pauses
	// submissions. Default: 5.
	FailureThreshold int

	// ResetWindow is how long after the last failure the breaker stays
	// paused. Default: 1h.
	ResetWindow time.Duration

	// OnStateChange is called when the breaker pauses or resumes.
	OnStateChange func(paused bool)
}

// DefaultCircuitBreakerConfig returns the production defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetWindow:      time.Hour,
	}
}

// CircuitBreaker is the in-process Gate. State changes are written through
// to an optional StateStore.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	store StateStore

	consecutiveFailures int
	lastFailureTime     time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = time.Hour
	}
	return &CircuitBreaker{
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.nowFunc = now
	return cb
}

// Restore loads persisted state from st and keeps st for write-through.
func (cb *CircuitBreaker) Restore(ctx context.Context, st StateStore) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.store = st
	if st == nil {
		return nil
	}
	state, err := st.LoadBreakerState(ctx)
	if err != nil {
		return eris.Wrap(err, "resilience: load breaker state")
	}
	if state != nil {
		cb.consecutiveFailures = state.ConsecutiveFailures
		cb.lastFailureTime = state.LastFailureAt
	}
	return nil
}

func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.consecutiveFailures == 0 {
		return nil
	}
	withinWindow := cb.nowFunc().Before(cb.lastFailureTime.Add(cb.cfg.ResetWindow))
	if withinWindow {
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			return ErrCircuitOpen
		}
		return nil
	}

	// Window elapsed with no new failure: pull-based reset. A stale
	// sub-threshold streak is cleared the same way.
	wasTripped := cb.consecutiveFailures >= cb.cfg.FailureThreshold
	cb.consecutiveFailures = 0
	cb.persist(ctx)
	if wasTripped {
		cb.notify(false)
	}
	return nil
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()
	cb.persist(ctx)

	if cb.consecutiveFailures == cb.cfg.FailureThreshold {
		cb.notify(true)
	}
	return nil
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.consecutiveFailures == 0 {
		return nil
	}
	wasPaused := cb.pausedLocked()
	cb.consecutiveFailures = 0
	cb.persist(ctx)
	if wasPaused {
		cb.notify(false)
	}
	return nil
}

func (cb *CircuitBreaker) Status(_ context.Context) (model.SystemStatus, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return model.SystemStatus{
		Paused:              cb.pausedLocked(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailureTime,
	}, nil
}

// Reset forces the breaker closed. Used for manual recovery.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasPaused := cb.pausedLocked()
	cb.consecutiveFailures = 0
	cb.persist(ctx)
	if wasPaused {
		cb.notify(false)
	}
}

func (cb *CircuitBreaker) pausedLocked() bool {
	return cb.consecutiveFailures >= cb.cfg.FailureThreshold &&
		cb.nowFunc().Before(cb.lastFailureTime.Add(cb.cfg.ResetWindow))
}

func (cb *CircuitBreaker) persist(ctx context.Context) {
	if cb.store == nil {
		return
	}
	state := model.BreakerState{
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailureAt:       cb.lastFailureTime,
	}
	if err := cb.store.SaveBreakerState(ctx, state); err != nil {
		zap.L().Warn("resilience: persist breaker state failed", zap.Error(err))
	}
}

func (cb *CircuitBreaker) notify(paused bool) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(paused)
	}
}

// LogStateChange returns an OnStateChange callback that logs transitions.
func LogStateChange() func(bool) {
	return func(paused bool) {
		if paused {
			zap.L().Warn("circuit breaker paused submissions")
			return
		}
		zap.L().Info("circuit breaker resumed submissions")
	}
}
