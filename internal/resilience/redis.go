package resilience

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

// redisAllowScript applies the pause gate and the pull-based reset atomically.
// KEYS[1] = breaker hash
// ARGV[1] = threshold
// ARGV[2] = reset window (ms)
// ARGV[3] = now (unix ms)
// Returns 1 if allowed, 0 if paused.
var redisAllowScript = redis.NewScript(`
local key = KEYS[1]
local threshold = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "failures", "last_failure_ms")
local failures = tonumber(state[1]) or 0
local last = tonumber(state[2]) or 0

if failures == 0 then
    return 1
end
if now < last + window then
    if failures >= threshold then
        return 0
    end
    return 1
end

redis.call("HSET", key, "failures", 0)
return 1
`)

// redisFailureScript increments the streak and stamps the failure time.
// KEYS[1] = breaker hash
// ARGV[1] = now (unix ms)
var redisFailureScript = redis.NewScript(`
local key = KEYS[1]
local failures = redis.call("HINCRBY", key, "failures", 1)
redis.call("HSET", key, "last_failure_ms", ARGV[1])
return failures
`)

// RedisBreaker is a Gate shared by every orchestrator instance pointing at
// the same Redis key.
type RedisBreaker struct {
	client  redis.UniversalClient
	key     string
	cfg     CircuitBreakerConfig
	nowFunc func() time.Time
}

// NewRedisBreaker creates a breaker backed by client under key.
func NewRedisBreaker(client redis.UniversalClient, key string, cfg CircuitBreakerConfig) *RedisBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = time.Hour
	}
	if key == "" {
		key = "risk-oracle:breaker"
	}
	return &RedisBreaker{client: client, key: key, cfg: cfg, nowFunc: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (rb *RedisBreaker) WithClock(now func() time.Time) *RedisBreaker {
	rb.nowFunc = now
	return rb
}

func (rb *RedisBreaker) Allow(ctx context.Context) error {
	res, err := redisAllowScript.Run(ctx, rb.client, []string{rb.key},
		rb.cfg.FailureThreshold, rb.cfg.ResetWindow.Milliseconds(), rb.nowFunc().UnixMilli(),
	).Int64()
	if err != nil {
		return eris.Wrap(err, "resilience: redis allow")
	}
	if res == 0 {
		return ErrCircuitOpen
	}
	return nil
}

func (rb *RedisBreaker) RecordFailure(ctx context.Context) error {
	failures, err := redisFailureScript.Run(ctx, rb.client, []string{rb.key}, rb.nowFunc().UnixMilli()).Int64()
	if err != nil {
		return eris.Wrap(err, "resilience: redis record failure")
	}
	if int(failures) == rb.cfg.FailureThreshold && rb.cfg.OnStateChange != nil {
		rb.cfg.OnStateChange(true)
	}
	return nil
}

func (rb *RedisBreaker) RecordSuccess(ctx context.Context) error {
	if err := rb.client.HSet(ctx, rb.key, "failures", 0).Err(); err != nil {
		return eris.Wrap(err, "resilience: redis record success")
	}
	return nil
}

func (rb *RedisBreaker) Status(ctx context.Context) (model.SystemStatus, error) {
	vals, err := rb.client.HMGet(ctx, rb.key, "failures", "last_failure_ms").Result()
	if err != nil {
		return model.SystemStatus{}, eris.Wrap(err, "resilience: redis status")
	}
	failures, lastMs := parseRedisState(vals)
	st := model.SystemStatus{ConsecutiveFailures: failures}
	if lastMs > 0 {
		st.LastFailureAt = time.UnixMilli(lastMs).UTC()
	}
	st.Paused = failures >= rb.cfg.FailureThreshold &&
		rb.nowFunc().Before(st.LastFailureAt.Add(rb.cfg.ResetWindow))
	return st, nil
}

// parseRedisState decodes an HMGET reply; missing fields read as zero.
func parseRedisState(vals []any) (failures int, lastMs int64) {
	if len(vals) > 0 {
		if s, ok := vals[0].(string); ok {
			n, _ := strconv.Atoi(s)
			failures = n
		}
	}
	if len(vals) > 1 {
		if s, ok := vals[1].(string); ok {
			lastMs, _ = strconv.ParseInt(s, 10, 64)
		}
	}
	return failures, lastMs
}
