package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-oracle/internal/escalation"
	"github.com/sells-group/risk-oracle/internal/ledger"
	"github.com/sells-group/risk-oracle/internal/oracle"
	"github.com/sells-group/risk-oracle/internal/orchestrator"
	"github.com/sells-group/risk-oracle/internal/resilience"
	"github.com/sells-group/risk-oracle/internal/store"
	anthropicpkg "github.com/sells-group/risk-oracle/pkg/anthropic"
)

// appEnv holds everything the serve and admin commands need.
type appEnv struct {
	Store        store.Store
	Gate         resilience.Gate
	Dispatcher   oracle.Dispatcher
	Ledger       ledger.Ledger
	Orchestrator *orchestrator.Orchestrator

	redis *redis.Client
}

// Close stops the dispatcher and releases the store and redis client.
func (e *appEnv) Close() {
	if e.Dispatcher != nil {
		if err := e.Dispatcher.Close(); err != nil {
			zap.L().Warn("close dispatcher", zap.Error(err))
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv wires the store, breaker, provider and ledger into an
// orchestrator. withProvider false installs the no-op dispatcher and
// validates in admin mode, for one-shot commands that never submit.
// Callers should defer env.Close().
func initEnv(ctx context.Context, withProvider bool) (*appEnv, error) {
	mode := "admin"
	if withProvider {
		mode = "serve"
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st

	gate, client, err := initGate(ctx, st)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Gate, env.redis = gate, client

	if withProvider {
		d, err := initDispatcher()
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Dispatcher = d
	} else {
		env.Dispatcher = oracle.NopDispatcher{}
	}

	l, err := initLedger()
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Ledger = l

	env.Orchestrator = orchestrator.New(env.Store, env.Gate, env.Dispatcher, env.Ledger, orchestratorConfig())
	return env, nil
}

func orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Tiers: escalation.Tiers{
			ManualDelay:    cfg.Risk.ManualDelay,
			EmergencyDelay: cfg.Risk.EmergencyDelay,
		},
		DefaultMintRatio:      cfg.Risk.DefaultMintRatio,
		DefaultMintConfidence: cfg.Risk.DefaultMintConfidence,
		Owner:                 cfg.Risk.Owner,
		Processors:            cfg.Risk.Processors,
	}
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		zap.L().Warn("using in-memory store, state is lost on exit")
		return store.NewMemory(), nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "risk.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initGate builds the circuit breaker. The memory backend persists its
// state through st; the redis backend shares it across replicas.
func initGate(ctx context.Context, st store.Store) (resilience.Gate, *redis.Client, error) {
	cbCfg := resilience.BreakerFromConfig(cfg.Breaker)

	switch cfg.Breaker.Backend {
	case "", "memory":
		cb := resilience.NewCircuitBreaker(cbCfg)
		if err := cb.Restore(ctx, st); err != nil {
			return nil, nil, eris.Wrap(err, "restore breaker state")
		}
		return cb, nil, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.Breaker.RedisURL)
		if err != nil {
			return nil, nil, eris.Wrap(err, "parse breaker redis url")
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, eris.Wrap(err, "ping breaker redis")
		}
		return resilience.NewRedisBreaker(client, cfg.Breaker.RedisKey, cbCfg), client, nil
	default:
		return nil, nil, eris.Errorf("unsupported breaker backend: %s", cfg.Breaker.Backend)
	}
}

func initDispatcher() (oracle.Dispatcher, error) {
	retry := resilience.RetryFromConfig(cfg.Oracle.Retry)

	switch cfg.Oracle.Provider {
	case "", "none":
		zap.L().Warn("no oracle provider configured, requests resolve only through manual tiers")
		return oracle.NopDispatcher{}, nil
	case "anthropic":
		return oracle.NewAnthropicDispatcher(anthropicpkg.NewClient(cfg.Anthropic.Key), oracle.AnthropicConfig{
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			Timeout:    cfg.Oracle.Timeout,
			RatePerSec: cfg.Oracle.RatePerSec,
			Burst:      cfg.Oracle.Burst,
			Retry:      retry,
		}), nil
	case "webhook":
		d, err := oracle.NewWebhookDispatcher(oracle.WebhookConfig{
			URL:         cfg.Oracle.WebhookURL,
			CallbackURL: cfg.Oracle.CallbackURL,
			Secret:      cfg.Oracle.Secret,
			Timeout:     cfg.Oracle.Timeout,
			Retry:       retry,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, eris.Errorf("unsupported oracle provider: %s", cfg.Oracle.Provider)
	}
}

func initLedger() (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "log":
		return ledger.LogLedger{}, nil
	case "webhook":
		l, err := ledger.NewWebhookLedger(cfg.Ledger.WebhookURL, cfg.Ledger.Secret, cfg.Ledger.Timeout)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, eris.Errorf("unsupported ledger driver: %s", cfg.Ledger.Driver)
	}
}
