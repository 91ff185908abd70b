// Package orchestrator owns the lifecycle of collateral risk-assessment
// requests: submission, provider callbacks, manual escalation and
// self-service withdrawal. Every transition is a compare-and-swap on the
// record version, so a request is finalized at most once.
package orchestrator

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/ledger"
	"github.com/sells-group/risk-oracle/internal/model"
	"github.com/sells-group/risk-oracle/internal/oracle"
	"github.com/sells-group/risk-oracle/internal/parser"
	"github.com/sells-group/risk-oracle/internal/policy"
	"github.com/sells-group/risk-oracle/internal/resilience"
	"github.com/sells-group/risk-oracle/internal/store"
	"github.com/sells-group/risk-oracle/internal/tracing"
)

// maxCASAttempts bounds the reload loop when concurrent writers keep
// bumping a record's version.
const maxCASAttempts = 8

// Config holds orchestrator policy knobs.
type Config struct {
	Tiers escalation.Tiers

	// DefaultMintRatio and DefaultMintConfidence drive the
	// force_default_mint strategy. Both still pass through policy.Bound.
	DefaultMintRatio      int
	DefaultMintConfidence int

	// Owner may finalize any request. Processors may finalize once the
	// manual tier is open.
	Owner      string
	Processors []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Tiers:                 escalation.DefaultTiers(),
		DefaultMintRatio:      16000,
		DefaultMintConfidence: 75,
	}
}

// SubmitRequest is the input to Submit. Beneficiary defaults to Submitter.
type SubmitRequest struct {
	Submitter        string   `json:"submitter"`
	Beneficiary      string   `json:"beneficiary"`
	BasketDescriptor string   `json:"basket_descriptor"`
	CollateralValue  *big.Int `json:"collateral_value"`
}

// Orchestrator is the request registry and state machine.
type Orchestrator struct {
	store      store.Store
	gate       resilience.Gate
	dispatcher oracle.Dispatcher
	ledger     ledger.Ledger
	cfg        Config
	processors map[string]struct{}
	locks      *keyedMutex

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an Orchestrator and binds it as the dispatcher's receiver.
func New(st store.Store, gate resilience.Gate, dispatcher oracle.Dispatcher, l ledger.Ledger, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.Tiers.ManualDelay <= 0 {
		cfg.Tiers.ManualDelay = def.Tiers.ManualDelay
	}
	if cfg.Tiers.EmergencyDelay <= 0 {
		cfg.Tiers.EmergencyDelay = def.Tiers.EmergencyDelay
	}
	if cfg.DefaultMintRatio <= 0 {
		cfg.DefaultMintRatio = def.DefaultMintRatio
	}
	if cfg.DefaultMintConfidence <= 0 {
		cfg.DefaultMintConfidence = def.DefaultMintConfidence
	}
	if l == nil {
		l = ledger.LogLedger{}
	}
	if dispatcher == nil {
		dispatcher = oracle.NopDispatcher{}
	}

	procs := make(map[string]struct{}, len(cfg.Processors))
	for _, p := range cfg.Processors {
		if p = strings.TrimSpace(p); p != "" {
			procs[p] = struct{}{}
		}
	}

	o := &Orchestrator{
		store:      st,
		gate:       gate,
		dispatcher: dispatcher,
		ledger:     l,
		cfg:        cfg,
		processors: procs,
		locks:      newKeyedMutex(),
		nowFunc:    time.Now,
	}
	dispatcher.Bind(o)
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.nowFunc = now
	return o
}

// Tiers returns the escalation delays in force.
func (o *Orchestrator) Tiers() escalation.Tiers {
	return o.cfg.Tiers
}

func (o *Orchestrator) now() time.Time {
	// Postgres keeps microseconds; truncating keeps the verification tag
	// stable across a round trip.
	return o.nowFunc().UTC().Truncate(time.Microsecond)
}

// Submit registers a new request and hands it to the provider without
// waiting for the assessment.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (id uint64, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.Submit",
		attribute.String("submitter", req.Submitter))
	defer func() { tracing.End(span, err) }()

	// Input is rejected before Allow, which may reset the breaker.
	if req.CollateralValue == nil || req.CollateralValue.Sign() <= 0 {
		return 0, eris.Wrap(ErrZeroValue, "orchestrator: submit")
	}
	if err := o.gate.Allow(ctx); err != nil {
		return 0, eris.Wrap(err, "orchestrator: submit")
	}
	if req.Beneficiary == "" {
		req.Beneficiary = req.Submitter
	}

	id, err = o.store.NextRequestID(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: allocate request id")
	}

	unlock := o.locks.lock(id)
	defer unlock()

	rec := &model.RequestRecord{
		ID:               id,
		Submitter:        req.Submitter,
		Beneficiary:      req.Beneficiary,
		BasketDescriptor: req.BasketDescriptor,
		CollateralValue:  new(big.Int).Set(req.CollateralValue),
		CreatedAt:        o.now(),
		Status:           model.RequestStatusSubmitted,
	}
	rec.VerificationTag = model.ComputeVerificationTag(rec)

	if err := o.store.CreateRequest(ctx, rec); err != nil {
		return 0, eris.Wrapf(err, "orchestrator: create request %d", id)
	}
	zap.L().Info("orchestrator: request submitted",
		zap.Uint64("request_id", id),
		zap.String("submitter", rec.Submitter),
		zap.String("beneficiary", rec.Beneficiary),
		zap.Stringer("collateral_value", rec.CollateralValue),
	)

	tag, derr := o.dispatcher.Dispatch(ctx, oracle.DispatchRequest{
		BasketDescriptor: rec.BasketDescriptor,
		CollateralValue:  new(big.Int).Set(rec.CollateralValue),
		Callback:         oracle.Callback{RequestID: id, VerificationTag: rec.VerificationTag},
	})
	if derr != nil {
		// The record stays submitted; escalation is the way out.
		o.recordFailure(ctx, id, model.FailureSourceDispatch, derr, true)
		return id, nil
	}

	_, err = o.transition(ctx, id, func(r *model.RequestRecord) (bool, error) {
		if r.IsTerminal() || r.ExternalTag == tag {
			return false, nil
		}
		r.ExternalTag = tag
		return true, nil
	})
	if err != nil {
		zap.L().Warn("orchestrator: store external tag failed",
			zap.Uint64("request_id", id), zap.String("external_tag", tag), zap.Error(err))
	}
	return id, nil
}

// Deliver applies a provider result. A provider error counts against the
// breaker and leaves the record untouched.
func (o *Orchestrator) Deliver(ctx context.Context, d oracle.Delivery) (err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.Deliver",
		attribute.Int64("request_id", int64(d.RequestID)),
		attribute.String("external_tag", d.ExternalTag))
	defer func() { tracing.End(span, err) }()

	id := d.RequestID
	if id == 0 {
		if d.VerificationTag == "" {
			return eris.Wrap(ErrRequestNotFound, "orchestrator: deliver without request id or tag")
		}
		rec, err := o.store.GetRequestByTag(ctx, d.VerificationTag)
		if err != nil {
			return o.lookupErr(err, "orchestrator: deliver by tag")
		}
		id = rec.ID
	}

	unlock := o.locks.lock(id)
	defer unlock()

	var parsed parser.Result
	rec, err := o.transition(ctx, id, func(r *model.RequestRecord) (bool, error) {
		if d.VerificationTag != r.VerificationTag {
			return false, ErrVerificationMismatch
		}
		if r.IsTerminal() {
			return false, ErrAlreadyProcessed
		}
		if d.ErrorInfo != "" {
			return false, nil
		}
		parsed = parser.Parse(d.Response)
		o.settle(r, model.TerminalAutoProcessed, "", policy.Bound(parsed.Ratio, parsed.Confidence), parsed.Confidence, "oracle")
		return true, nil
	})
	if err != nil {
		return eris.Wrapf(err, "orchestrator: deliver %d", id)
	}

	if d.ErrorInfo != "" {
		source := d.Source
		if source == "" {
			source = model.FailureSourceProvider
		}
		o.recordFailure(ctx, id, source, eris.New(d.ErrorInfo), true)
		return nil
	}

	zap.L().Info("orchestrator: request auto processed",
		zap.Uint64("request_id", id),
		zap.Int("ratio", rec.Ratio),
		zap.Int("confidence", rec.Confidence),
		zap.Bool("ratio_from_response", parsed.RatioFound),
		zap.Bool("confidence_from_response", parsed.ConfFound),
		zap.Stringer("mint_amount", rec.MintAmount),
	)

	if o.notifyLedger(ctx, rec, true) {
		if err := o.gate.RecordSuccess(ctx); err != nil {
			zap.L().Warn("orchestrator: record breaker success failed", zap.Error(err))
		}
	}
	return nil
}

// NoteRetry counts a provider retry against a pending request.
func (o *Orchestrator) NoteRetry(ctx context.Context, id uint64) error {
	if err := o.store.IncrementRetryCount(ctx, id); err != nil {
		return o.lookupErr(err, "orchestrator: note retry")
	}
	zap.L().Debug("orchestrator: provider retry", zap.Uint64("request_id", id))
	return nil
}

// ManualRequest flags a stuck request for processor attention. Only the
// beneficiary may ask, and only once the manual tier is open.
func (o *Orchestrator) ManualRequest(ctx context.Context, id uint64, caller string) (rec *model.RequestRecord, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.ManualRequest", attribute.Int64("request_id", int64(id)))
	defer func() { tracing.End(span, err) }()

	unlock := o.locks.lock(id)
	defer unlock()

	rec, err = o.transition(ctx, id, func(r *model.RequestRecord) (bool, error) {
		if caller == "" || caller != r.Beneficiary {
			return false, ErrUnauthorized
		}
		now := o.now()
		if err := o.cfg.Tiers.CheckManualRequest(r, now); err != nil {
			return false, err
		}
		r.ManualRequestedAt = &now
		r.Status = model.RequestStatusManualRequested
		return true, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: manual request %d", id)
	}
	zap.L().Info("orchestrator: manual handling requested",
		zap.Uint64("request_id", id), zap.String("caller", caller))
	return rec, nil
}

// ManualFinalize resolves a stuck request with the given strategy. The
// beneficiary does not need to have asked first.
func (o *Orchestrator) ManualFinalize(ctx context.Context, id uint64, caller string, strategy model.Strategy, response string) (rec *model.RequestRecord, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.ManualFinalize",
		attribute.Int64("request_id", int64(id)),
		attribute.String("strategy", string(strategy)))
	defer func() { tracing.End(span, err) }()

	if !strategy.IsValid() {
		return nil, eris.Wrapf(ErrInvalidStrategy, "orchestrator: manual finalize %d: %q", id, strategy)
	}
	if !o.CanFinalize(caller) {
		return nil, eris.Wrapf(ErrUnauthorized, "orchestrator: manual finalize %d", id)
	}

	unlock := o.locks.lock(id)
	defer unlock()

	rec, err = o.transition(ctx, id, func(r *model.RequestRecord) (bool, error) {
		if err := o.cfg.Tiers.CheckManualFinalize(r, o.now()); err != nil {
			return false, err
		}
		switch strategy {
		case model.StrategyOffChainAI:
			res := parser.Parse(response)
			o.settle(r, model.TerminalManualProcessed, strategy, policy.Bound(res.Ratio, res.Confidence), res.Confidence, caller)
		case model.StrategyForceDefaultMint:
			conf := o.cfg.DefaultMintConfidence
			o.settle(r, model.TerminalManualProcessed, strategy, policy.Bound(o.cfg.DefaultMintRatio, conf), conf, caller)
		case model.StrategyEmergencyWithdrawal:
			o.settle(r, model.TerminalManualProcessed, strategy, 0, 0, caller)
		}
		return true, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: manual finalize %d", id)
	}

	zap.L().Info("orchestrator: request manually processed",
		zap.Uint64("request_id", id),
		zap.String("strategy", string(strategy)),
		zap.String("caller", caller),
		zap.Int("ratio", rec.Ratio),
		zap.Stringer("mint_amount", rec.MintAmount),
	)
	o.notifyLedger(ctx, rec, false)
	return rec, nil
}

// SelfWithdraw lets the beneficiary pull out once the emergency tier is
// open. It ignores the breaker and processor authorization.
func (o *Orchestrator) SelfWithdraw(ctx context.Context, id uint64, caller string) (rec *model.RequestRecord, err error) {
	ctx, span := tracing.Start(ctx, "orchestrator.SelfWithdraw", attribute.Int64("request_id", int64(id)))
	defer func() { tracing.End(span, err) }()

	unlock := o.locks.lock(id)
	defer unlock()

	rec, err = o.transition(ctx, id, func(r *model.RequestRecord) (bool, error) {
		if caller == "" || caller != r.Beneficiary {
			return false, ErrUnauthorized
		}
		if err := o.cfg.Tiers.CheckSelfWithdraw(r, o.now()); err != nil {
			return false, err
		}
		o.settle(r, model.TerminalEmergencyWithdrawn, model.StrategyEmergencyWithdrawal, 0, 0, caller)
		return true, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: self withdraw %d", id)
	}

	zap.L().Info("orchestrator: request emergency withdrawn",
		zap.Uint64("request_id", id), zap.String("caller", caller))
	o.notifyLedger(ctx, rec, false)
	return rec, nil
}

// GetRequest returns a copy of the record.
func (o *Orchestrator) GetRequest(ctx context.Context, id uint64) (*model.RequestRecord, error) {
	rec, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return nil, o.lookupErr(err, "orchestrator: get request")
	}
	return rec, nil
}

// ListRequests returns records matching filter, newest first.
func (o *Orchestrator) ListRequests(ctx context.Context, filter store.RequestFilter) ([]model.RequestRecord, error) {
	recs, err := o.store.ListRequests(ctx, filter)
	return recs, eris.Wrap(err, "orchestrator: list requests")
}

// ListFailures returns recorded external failures, newest first.
func (o *Orchestrator) ListFailures(ctx context.Context, filter store.FailureFilter) ([]model.FailureRecord, error) {
	fs, err := o.store.ListFailures(ctx, filter)
	return fs, eris.Wrap(err, "orchestrator: list failures")
}

// Escalation reports which remedies are open for a request right now.
func (o *Orchestrator) Escalation(ctx context.Context, id uint64) (escalation.Availability, error) {
	rec, err := o.GetRequest(ctx, id)
	if err != nil {
		return escalation.Availability{}, err
	}
	return o.cfg.Tiers.Availability(rec, o.now()), nil
}

// GetSystemStatus returns the breaker state.
func (o *Orchestrator) GetSystemStatus(ctx context.Context) (model.SystemStatus, error) {
	st, err := o.gate.Status(ctx)
	return st, eris.Wrap(err, "orchestrator: system status")
}

// CanFinalize reports whether caller may run ManualFinalize.
func (o *Orchestrator) CanFinalize(caller string) bool {
	if caller == "" {
		return false
	}
	if o.cfg.Owner != "" && caller == o.cfg.Owner {
		return true
	}
	_, ok := o.processors[caller]
	return ok
}

// transition loads id, lets apply check and mutate it, then writes it back
// with a version check. apply returning false means no write is needed. On
// a version conflict the record is reloaded and apply runs again, so a
// losing writer observes the winner's state.
func (o *Orchestrator) transition(ctx context.Context, id uint64, apply func(*model.RequestRecord) (bool, error)) (*model.RequestRecord, error) {
	for range maxCASAttempts {
		rec, err := o.store.GetRequest(ctx, id)
		if err != nil {
			return nil, o.lookupErr(err, "load request")
		}
		expected := rec.Version
		changed, err := apply(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return rec, nil
		}
		err = o.store.UpdateRequest(ctx, rec, expected)
		if errors.Is(err, store.ErrConflict) {
			zap.L().Debug("orchestrator: version conflict, reloading",
				zap.Uint64("request_id", id), zap.Int64("version", expected))
			continue
		}
		if err != nil {
			return nil, eris.Wrap(err, "update request")
		}
		return rec, nil
	}
	return nil, eris.Wrapf(store.ErrConflict, "gave up after %d attempts", maxCASAttempts)
}

// settle moves rec to terminal. A zero ratio means withdrawal.
func (o *Orchestrator) settle(rec *model.RequestRecord, reason model.TerminalReason, strategy model.Strategy, ratio, confidence int, by string) {
	now := o.now()
	rec.Status = model.RequestStatusTerminal
	rec.TerminalReason = reason
	rec.Strategy = strategy
	rec.Ratio = ratio
	rec.Confidence = confidence
	rec.MintAmount = policy.MintAmount(rec.CollateralValue, ratio)
	rec.FinalizedBy = by
	rec.FinalizedAt = &now
}

// notifyLedger runs the finalize callback for a freshly terminal record. A
// failure is recorded and the record flagged; the transition stands.
// Only automatic outcomes count against the breaker.
func (o *Orchestrator) notifyLedger(ctx context.Context, rec *model.RequestRecord, automatic bool) bool {
	var err error
	if rec.Ratio > 0 {
		err = o.ledger.OnMintFinalized(ctx, ledger.MintResult{
			RequestID:   rec.ID,
			Beneficiary: rec.Beneficiary,
			MintAmount:  new(big.Int).Set(rec.MintAmount),
			Ratio:       rec.Ratio,
			Confidence:  rec.Confidence,
		})
	} else {
		err = o.ledger.OnWithdrawalFinalized(ctx, rec.Beneficiary, rec.ID)
	}
	if err == nil {
		return true
	}

	o.recordFailure(ctx, rec.ID, model.FailureSourceLedger, err, automatic)
	rec.PostProcessingError = err.Error()
	if uerr := o.store.UpdateRequest(ctx, rec, rec.Version); uerr != nil {
		zap.L().Error("orchestrator: flag post-processing error failed",
			zap.Uint64("request_id", rec.ID), zap.Error(uerr))
	}
	return false
}

// recordFailure writes the audit entry and, when countBreaker is set,
// feeds the circuit breaker.
func (o *Orchestrator) recordFailure(ctx context.Context, id uint64, source model.FailureSource, cause error, countBreaker bool) {
	f := resilience.NewFailureRecord(id, source, cause, o.now())
	zap.L().Error("orchestrator: external failure",
		zap.Uint64("request_id", id),
		zap.String("source", string(source)),
		zap.String("error_type", f.ErrorType),
		zap.Error(cause),
	)
	if err := o.store.RecordFailure(ctx, f); err != nil {
		zap.L().Error("orchestrator: persist failure record failed", zap.Uint64("request_id", id), zap.Error(err))
	}
	if !countBreaker {
		return
	}
	if err := o.gate.RecordFailure(ctx); err != nil {
		zap.L().Error("orchestrator: record breaker failure failed", zap.Error(err))
	}
}

func (o *Orchestrator) lookupErr(err error, msg string) error {
	if errors.Is(err, store.ErrNotFound) {
		return eris.Wrap(ErrRequestNotFound, msg)
	}
	return eris.Wrap(err, msg)
}
