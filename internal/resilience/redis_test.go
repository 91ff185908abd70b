package resilience

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisState(t *testing.T) {
	failures, last := parseRedisState([]any{"3", "1700000000000"})
	assert.Equal(t, 3, failures)
	assert.Equal(t, int64(1700000000000), last)

	failures, last = parseRedisState([]any{nil, nil})
	assert.Zero(t, failures)
	assert.Zero(t, last)

	failures, last = parseRedisState(nil)
	assert.Zero(t, failures)
	assert.Zero(t, last)
}

func TestNewRedisBreaker_Defaults(t *testing.T) {
	rb := NewRedisBreaker(nil, "", CircuitBreakerConfig{})
	assert.Equal(t, "risk-oracle:breaker", rb.key)
	assert.Equal(t, 5, rb.cfg.FailureThreshold)
	assert.Equal(t, time.Hour, rb.cfg.ResetWindow)
}

// TestRedisBreaker_Integration runs against a live server when
// RISK_TEST_REDIS_ADDR is set.
func TestRedisBreaker_Integration(t *testing.T) {
	addr := os.Getenv("RISK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RISK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	key := "risk-oracle:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	clk := &fakeClock{now: t0}
	rb := NewRedisBreaker(client, key, DefaultCircuitBreakerConfig()).WithClock(clk.Now)

	require.NoError(t, rb.Allow(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, rb.RecordFailure(ctx))
	}

	st, err := rb.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, 5, st.ConsecutiveFailures)

	clk.Set(t0.Add(time.Hour - time.Second))
	assert.True(t, errors.Is(rb.Allow(ctx), ErrCircuitOpen))

	clk.Set(t0.Add(time.Hour + time.Second))
	require.NoError(t, rb.Allow(ctx))
	st, err = rb.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)

	require.NoError(t, rb.RecordFailure(ctx))
	require.NoError(t, rb.RecordSuccess(ctx))
	st, err = rb.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}
