package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-oracle/internal/model"
)

// Pool is the subset of *pgxpool.Pool used by PostgresStore. pgxmock's pool
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE SEQUENCE IF NOT EXISTS request_id_seq;

CREATE TABLE IF NOT EXISTS requests (
	id                    BIGINT PRIMARY KEY,
	submitter             TEXT NOT NULL,
	beneficiary           TEXT NOT NULL,
	basket_descriptor     TEXT NOT NULL,
	collateral_value      NUMERIC(78, 0) NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	status                TEXT NOT NULL DEFAULT 'submitted',
	retry_count           INTEGER NOT NULL DEFAULT 0,
	verification_tag      TEXT NOT NULL UNIQUE,
	external_tag          TEXT NOT NULL DEFAULT '',
	manual_requested_at   TIMESTAMPTZ,
	terminal_reason       TEXT NOT NULL DEFAULT '',
	strategy              TEXT NOT NULL DEFAULT '',
	ratio                 INTEGER NOT NULL DEFAULT 0,
	confidence            INTEGER NOT NULL DEFAULT 0,
	mint_amount           NUMERIC(78, 0),
	finalized_by          TEXT NOT NULL DEFAULT '',
	finalized_at          TIMESTAMPTZ,
	post_processing_error TEXT NOT NULL DEFAULT '',
	version               BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS failures (
	id         TEXT PRIMARY KEY,
	request_id BIGINT NOT NULL,
	source     TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'transient',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS breaker_state (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	consecutive_failures INTEGER NOT NULL,
	last_failure_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_beneficiary ON requests(beneficiary);
CREATE INDEX IF NOT EXISTS idx_failures_request_id ON failures(request_id);
CREATE INDEX IF NOT EXISTS idx_failures_created_at ON failures(created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) NextRequestID(ctx context.Context) (uint64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('request_id_seq')`).Scan(&id); err != nil {
		return 0, eris.Wrap(err, "postgres: next request id")
	}
	return uint64(id), nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, rec *model.RequestRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::text::numeric, $17, $18, $19, $20)`,
		int64(rec.ID), rec.Submitter, rec.Beneficiary, rec.BasketDescriptor,
		formatBig(rec.CollateralValue), rec.CreatedAt,
		string(rec.Status), rec.RetryCount, rec.VerificationTag, rec.ExternalTag,
		rec.ManualRequestedAt, string(rec.TerminalReason), string(rec.Strategy),
		rec.Ratio, rec.Confidence, nullBig(rec.MintAmount), rec.FinalizedBy,
		rec.FinalizedAt, rec.PostProcessingError, rec.Version,
	)
	return eris.Wrapf(err, "postgres: insert request %d", rec.ID)
}

// selectRequest casts numeric columns to text so they scan into strings.
const selectRequest = `SELECT id, submitter, beneficiary, basket_descriptor, collateral_value::text, created_at,
	status, retry_count, verification_tag, external_tag, manual_requested_at,
	terminal_reason, strategy, ratio, confidence, mint_amount::text, finalized_by,
	finalized_at, post_processing_error, version FROM requests`

func (s *PostgresStore) GetRequest(ctx context.Context, id uint64) (*model.RequestRecord, error) {
	rec, err := scanPgRequest(s.pool.QueryRow(ctx, selectRequest+` WHERE id = $1`, int64(id)))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get request %d", id)
	}
	return rec, nil
}

func (s *PostgresStore) GetRequestByTag(ctx context.Context, tag string) (*model.RequestRecord, error) {
	rec, err := scanPgRequest(s.pool.QueryRow(ctx, selectRequest+` WHERE verification_tag = $1`, tag))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get request by tag")
	}
	return rec, nil
}

func (s *PostgresStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.RequestRecord, error) {
	where, args := pgRequestWhere(filter)
	query := selectRequest + where
	n := len(args) + 1

	if filter.OldestFirst {
		query += ` ORDER BY created_at, id LIMIT $` + strconv.Itoa(n)
	} else {
		query += ` ORDER BY id DESC LIMIT $` + strconv.Itoa(n)
	}
	args = append(args, listLimit(filter.Limit))
	n++
	if filter.Offset > 0 {
		query += ` OFFSET $` + strconv.Itoa(n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requests")
	}
	defer rows.Close()

	var out []model.RequestRecord
	for rows.Next() {
		rec, err := scanPgRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list requests")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list requests iterate")
}

func (s *PostgresStore) CountRequests(ctx context.Context, filter RequestFilter) (int, error) {
	where, args := pgRequestWhere(filter)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests`+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count requests")
	}
	return int(n), nil
}

func pgRequestWhere(filter RequestFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += ` AND ` + cond + ` $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		add(`status =`, string(filter.Status))
	}
	if filter.Beneficiary != "" {
		add(`beneficiary =`, filter.Beneficiary)
	}
	if filter.Submitter != "" {
		add(`submitter =`, filter.Submitter)
	}
	if !filter.CreatedBefore.IsZero() {
		add(`created_at <=`, filter.CreatedBefore)
	}
	return where, args
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.RequestStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.RequestStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, rec *model.RequestRecord, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET
			status = $1, retry_count = $2, external_tag = $3, manual_requested_at = $4,
			terminal_reason = $5, strategy = $6, ratio = $7, confidence = $8,
			mint_amount = $9::text::numeric, finalized_by = $10, finalized_at = $11,
			post_processing_error = $12, version = $13
		 WHERE id = $14 AND version = $15`,
		string(rec.Status), rec.RetryCount, rec.ExternalTag, rec.ManualRequestedAt,
		string(rec.TerminalReason), string(rec.Strategy), rec.Ratio, rec.Confidence,
		nullBig(rec.MintAmount), rec.FinalizedBy, rec.FinalizedAt,
		rec.PostProcessingError, expectedVersion+1,
		int64(rec.ID), expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request %d", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: update request %d", rec.ID)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) IncrementRetryCount(ctx context.Context, id uint64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE requests SET retry_count = retry_count + 1, version = version + 1 WHERE id = $1 AND status <> 'terminal'`,
		int64(id),
	)
	return eris.Wrapf(err, "postgres: increment retry count %d", id)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f *model.FailureRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failures (id, request_id, source, error, error_type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID, int64(f.RequestID), string(f.Source), f.Error, f.ErrorType, f.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert failure")
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.FailureRecord, error) {
	query := `SELECT id, request_id, source, error, error_type, created_at FROM failures WHERE 1=1`
	var args []any
	n := 1
	if filter.RequestID != 0 {
		query += ` AND request_id = $` + strconv.Itoa(n)
		args = append(args, int64(filter.RequestID))
		n++
	}
	if filter.Source != "" {
		query += ` AND source = $` + strconv.Itoa(n)
		args = append(args, string(filter.Source))
		n++
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(n)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var f model.FailureRecord
		var reqID int64
		var source string
		if err := rows.Scan(&f.ID, &reqID, &source, &f.Error, &f.ErrorType, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		f.RequestID = uint64(reqID)
		f.Source = model.FailureSource(source)
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) LoadBreakerState(ctx context.Context) (*model.BreakerState, error) {
	var failures int
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT consecutive_failures, last_failure_at FROM breaker_state WHERE id = 1`,
	).Scan(&failures, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load breaker state")
	}
	st := &model.BreakerState{ConsecutiveFailures: failures}
	if last != nil {
		st.LastFailureAt = last.UTC()
	}
	return st, nil
}

func (s *PostgresStore) SaveBreakerState(ctx context.Context, state model.BreakerState) error {
	var last *time.Time
	if !state.LastFailureAt.IsZero() {
		last = &state.LastFailureAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO breaker_state (id, consecutive_failures, last_failure_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET consecutive_failures = EXCLUDED.consecutive_failures,
		 last_failure_at = EXCLUDED.last_failure_at`,
		state.ConsecutiveFailures, last,
	)
	return eris.Wrap(err, "postgres: save breaker state")
}

func scanPgRequest(row pgx.Row) (*model.RequestRecord, error) {
	var (
		r                     model.RequestRecord
		id                    int64
		status, reason, strat string
		value                 string
		mint                  *string
		manualAt, finalizedAt *time.Time
	)
	err := row.Scan(&id, &r.Submitter, &r.Beneficiary, &r.BasketDescriptor, &value, &r.CreatedAt,
		&status, &r.RetryCount, &r.VerificationTag, &r.ExternalTag, &manualAt,
		&reason, &strat, &r.Ratio, &r.Confidence, &mint, &r.FinalizedBy,
		&finalizedAt, &r.PostProcessingError, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan request")
	}

	r.ID = uint64(id)
	r.CreatedAt = r.CreatedAt.UTC()
	r.Status = model.RequestStatus(status)
	r.TerminalReason = model.TerminalReason(reason)
	r.Strategy = model.Strategy(strat)
	if r.CollateralValue, err = parseBig(value); err != nil {
		return nil, err
	}
	if mint != nil {
		if r.MintAmount, err = parseBig(*mint); err != nil {
			return nil, err
		}
	}
	if manualAt != nil {
		t := manualAt.UTC()
		r.ManualRequestedAt = &t
	}
	if finalizedAt != nil {
		t := finalizedAt.UTC()
		r.FinalizedAt = &t
	}
	return &r, nil
}
