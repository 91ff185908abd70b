package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/resilience"
	"github.com/sells-group/risk-oracle/internal/webhook"
)

// WebhookConfig configures the WebhookDispatcher.
type WebhookConfig struct {
	URL         string
	CallbackURL string
	Secret      string
	Timeout     time.Duration
	Retry       resilience.RetryConfig
}

// Job is the payload posted to an external provider.
type Job struct {
	ExternalTag      string `json:"external_tag"`
	RequestID        uint64 `json:"request_id"`
	VerificationTag  string `json:"verification_tag"`
	BasketDescriptor string `json:"basket_descriptor"`
	CollateralValue  string `json:"collateral_value"`
	CallbackURL      string `json:"callback_url,omitempty"`
}

// WebhookDispatcher posts signed jobs to an external provider, which
// answers later on the callback endpoint. Only a failure to hand the job
// over is delivered locally.
type WebhookDispatcher struct {
	client *webhook.Client
	cfg    WebhookConfig

	mu       sync.RWMutex
	receiver Receiver
	closed   bool
	wg       sync.WaitGroup
}

// NewWebhookDispatcher creates a WebhookDispatcher.
func NewWebhookDispatcher(cfg WebhookConfig) (*WebhookDispatcher, error) {
	if cfg.URL == "" {
		return nil, eris.New("oracle: webhook url is required")
	}
	return &WebhookDispatcher{
		client: webhook.NewClient(cfg.Secret, cfg.Timeout),
		cfg:    cfg,
	}, nil
}

func (d *WebhookDispatcher) Bind(r Receiver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiver = r
}

func (d *WebhookDispatcher) Dispatch(_ context.Context, req DispatchRequest) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrClosed
	}

	tag := uuid.NewString()
	job := Job{
		ExternalTag:      tag,
		RequestID:        req.Callback.RequestID,
		VerificationTag:  req.Callback.VerificationTag,
		BasketDescriptor: req.BasketDescriptor,
		CollateralValue:  "0",
		CallbackURL:      d.cfg.CallbackURL,
	}
	if req.CollateralValue != nil {
		job.CollateralValue = req.CollateralValue.String()
	}

	d.wg.Add(1)
	go d.send(job, d.receiver)
	return tag, nil
}

// Close stops accepting new work and waits for pending posts.
func (d *WebhookDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *WebhookDispatcher) send(job Job, recv Receiver) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	retry := d.cfg.Retry
	logRetry := resilience.RetryLogger("webhook", job.RequestID)
	retry.OnRetry = func(attempt int, err error) {
		logRetry(attempt, err)
		if recv != nil {
			_ = recv.NoteRetry(ctx, job.RequestID)
		}
	}

	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return d.client.Post(ctx, d.cfg.URL, job, map[string]string{"Idempotency-Key": job.ExternalTag})
	})
	if err == nil {
		zap.L().Debug("oracle: job posted",
			zap.Uint64("request_id", job.RequestID),
			zap.String("external_tag", job.ExternalTag),
		)
		return
	}

	zap.L().Warn("oracle: job post failed",
		zap.Uint64("request_id", job.RequestID),
		zap.String("external_tag", job.ExternalTag),
		zap.Error(err),
	)
	if recv == nil {
		return
	}
	derr := recv.Deliver(ctx, Delivery{
		RequestID:       job.RequestID,
		VerificationTag: job.VerificationTag,
		ExternalTag:     job.ExternalTag,
		ErrorInfo:       err.Error(),
		Source:          model.FailureSourceDispatch,
	})
	if derr != nil {
		zap.L().Warn("oracle: deliver rejected", zap.Uint64("request_id", job.RequestID), zap.Error(derr))
	}
}
