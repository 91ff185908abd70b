package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/risk-oracle/internal/resilience"
	"github.com/sells-group/risk-oracle/pkg/anthropic"
)

// AnthropicConfig configures the AnthropicDispatcher.
type AnthropicConfig struct {
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Retry      resilience.RetryConfig
}

func (c AnthropicConfig) withDefaults() AnthropicConfig {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5-20250929"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// AnthropicDispatcher asks a Claude model for the assessment. Each dispatch
// runs in its own goroutine; the result or the final error is delivered to
// the bound Receiver.
type AnthropicDispatcher struct {
	client  anthropic.Client
	cfg     AnthropicConfig
	limiter *rate.Limiter

	mu       sync.RWMutex
	receiver Receiver
	closed   bool
	wg       sync.WaitGroup
}

// NewAnthropicDispatcher creates a dispatcher around client.
func NewAnthropicDispatcher(client anthropic.Client, cfg AnthropicConfig) *AnthropicDispatcher {
	cfg = cfg.withDefaults()
	return &AnthropicDispatcher{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (d *AnthropicDispatcher) Bind(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}

func (d *AnthropicDispatcher) Dispatch(_ context.Context, req DispatchRequest) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrClosed
	}
	if d.receiver == nil {
		return "", eris.New("oracle: anthropic dispatcher has no receiver")
	}

	tag := uuid.NewString()
	d.wg.Add(1)
	go d.run(tag, req, d.receiver)
	return tag, nil
}

// Close stops accepting new work and waits for in-flight assessments.
func (d *AnthropicDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *AnthropicDispatcher) run(tag string, req DispatchRequest, recv Receiver) {
	defer d.wg.Done()

	id := req.Callback.RequestID
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	retry := d.cfg.Retry
	retry.ShouldRetry = isRetryable
	logRetry := resilience.RetryLogger("anthropic", id)
	retry.OnRetry = func(attempt int, err error) {
		logRetry(attempt, err)
		if nerr := recv.NoteRetry(ctx, id); nerr != nil {
			zap.L().Debug("oracle: note retry failed", zap.Uint64("request_id", id), zap.Error(nerr))
		}
	}

	msgReq := anthropic.MessageRequest{
		Model:     d.cfg.Model,
		MaxTokens: d.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: BuildPrompt(req.BasketDescriptor, req.CollateralValue)},
		},
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "oracle: rate limit wait")
		}
		return d.client.CreateMessage(ctx, msgReq)
	})

	delivery := Delivery{
		RequestID:       id,
		VerificationTag: req.Callback.VerificationTag,
		ExternalTag:     tag,
	}
	if err != nil {
		delivery.ErrorInfo = err.Error()
		zap.L().Warn("oracle: assessment failed",
			zap.Uint64("request_id", id),
			zap.String("external_tag", tag),
			zap.Error(err),
		)
	} else {
		delivery.Response = resp.Text()
		resp.Usage.LogCost(d.cfg.Model, id)
	}

	// The delivery gets its own deadline; the provider call may have used
	// most of the original one.
	dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer dcancel()
	if err := recv.Deliver(dctx, delivery); err != nil {
		zap.L().Warn("oracle: deliver rejected",
			zap.Uint64("request_id", id),
			zap.String("external_tag", tag),
			zap.Error(err),
		)
	}
}

func isRetryable(err error) bool {
	if code := anthropic.StatusCode(err); code != 0 {
		return resilience.IsTransientHTTPStatus(code)
	}
	return resilience.IsTransient(err)
}
