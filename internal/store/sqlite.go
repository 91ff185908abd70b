package store

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/risk-oracle/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as unix nanoseconds so records round-trip exactly.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sequences (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id                    INTEGER PRIMARY KEY,
	submitter             TEXT NOT NULL,
	beneficiary           TEXT NOT NULL,
	basket_descriptor     TEXT NOT NULL,
	collateral_value      TEXT NOT NULL,
	created_at            INTEGER NOT NULL,
	status                TEXT NOT NULL DEFAULT 'submitted',
	retry_count           INTEGER NOT NULL DEFAULT 0,
	verification_tag      TEXT NOT NULL UNIQUE,
	external_tag          TEXT NOT NULL DEFAULT '',
	manual_requested_at   INTEGER,
	terminal_reason       TEXT NOT NULL DEFAULT '',
	strategy              TEXT NOT NULL DEFAULT '',
	ratio                 INTEGER NOT NULL DEFAULT 0,
	confidence            INTEGER NOT NULL DEFAULT 0,
	mint_amount           TEXT,
	finalized_by          TEXT NOT NULL DEFAULT '',
	finalized_at          INTEGER,
	post_processing_error TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS failures (
	id         TEXT PRIMARY KEY,
	request_id INTEGER NOT NULL,
	source     TEXT NOT NULL,
	error      TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT 'transient',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS breaker_state (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	consecutive_failures INTEGER NOT NULL,
	last_failure_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_status_created ON requests(status, created_at);
CREATE INDEX IF NOT EXISTS idx_requests_beneficiary ON requests(beneficiary);
CREATE INDEX IF NOT EXISTS idx_failures_request_id ON failures(request_id);
CREATE INDEX IF NOT EXISTS idx_failures_created_at ON failures(created_at);
`

const requestColumns = `id, submitter, beneficiary, basket_descriptor, collateral_value, created_at,
	status, retry_count, verification_tag, external_tag, manual_requested_at,
	terminal_reason, strategy, ratio, confidence, mint_amount, finalized_by,
	finalized_at, post_processing_error, version`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) NextRequestID(ctx context.Context) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sequences (name, value) VALUES ('request', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: next request id")
	}
	return uint64(id), nil
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, rec *model.RequestRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.ID), rec.Submitter, rec.Beneficiary, rec.BasketDescriptor,
		formatBig(rec.CollateralValue), rec.CreatedAt.UnixNano(),
		string(rec.Status), rec.RetryCount, rec.VerificationTag, rec.ExternalTag,
		nullNanos(rec.ManualRequestedAt), string(rec.TerminalReason), string(rec.Strategy),
		rec.Ratio, rec.Confidence, nullBig(rec.MintAmount), rec.FinalizedBy,
		nullNanos(rec.FinalizedAt), rec.PostProcessingError, rec.Version,
	)
	return eris.Wrapf(err, "sqlite: insert request %d", rec.ID)
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id uint64) (*model.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, int64(id))
	rec, err := scanRequest(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get request %d", id)
	}
	return rec, nil
}

func (s *SQLiteStore) GetRequestByTag(ctx context.Context, tag string) (*model.RequestRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE verification_tag = ?`, tag)
	rec, err := scanRequest(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get request by tag")
	}
	return rec, nil
}

func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]model.RequestRecord, error) {
	where, args := sqliteRequestWhere(filter)
	query := `SELECT ` + requestColumns + ` FROM requests` + where
	if filter.OldestFirst {
		query += ` ORDER BY created_at, id LIMIT ?`
	} else {
		query += ` ORDER BY id DESC LIMIT ?`
	}
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requests")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RequestRecord
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list requests")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list requests iterate")
}

func (s *SQLiteStore) CountRequests(ctx context.Context, filter RequestFilter) (int, error) {
	where, args := sqliteRequestWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`+where, args...).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count requests")
	}
	return n, nil
}

func sqliteRequestWhere(filter RequestFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Beneficiary != "" {
		where += ` AND beneficiary = ?`
		args = append(args, filter.Beneficiary)
	}
	if filter.Submitter != "" {
		where += ` AND submitter = ?`
		args = append(args, filter.Submitter)
	}
	if !filter.CreatedBefore.IsZero() {
		where += ` AND created_at <= ?`
		args = append(args, filter.CreatedBefore.UnixNano())
	}
	return where, args
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.RequestStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.RequestStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.RequestStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) UpdateRequest(ctx context.Context, rec *model.RequestRecord, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET
			status = ?, retry_count = ?, external_tag = ?, manual_requested_at = ?,
			terminal_reason = ?, strategy = ?, ratio = ?, confidence = ?,
			mint_amount = ?, finalized_by = ?, finalized_at = ?,
			post_processing_error = ?, version = ?
		 WHERE id = ? AND version = ?`,
		string(rec.Status), rec.RetryCount, rec.ExternalTag, nullNanos(rec.ManualRequestedAt),
		string(rec.TerminalReason), string(rec.Strategy), rec.Ratio, rec.Confidence,
		nullBig(rec.MintAmount), rec.FinalizedBy, nullNanos(rec.FinalizedAt),
		rec.PostProcessingError, expectedVersion+1,
		int64(rec.ID), expectedVersion,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request %d", rec.ID)
	}
	if err := checkRowsAffected(res); err != nil {
		return eris.Wrapf(err, "sqlite: update request %d", rec.ID)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE requests SET retry_count = retry_count + 1, version = version + 1
		 WHERE id = ? AND status != ?`,
		int64(id), string(model.RequestStatusTerminal),
	)
	return eris.Wrapf(err, "sqlite: increment retry count %d", id)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f *model.FailureRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (id, request_id, source, error, error_type, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, int64(f.RequestID), string(f.Source), f.Error, f.ErrorType, f.CreatedAt.UnixNano(),
	)
	return eris.Wrap(err, "sqlite: insert failure")
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.FailureRecord, error) {
	query := `SELECT id, request_id, source, error, error_type, created_at FROM failures WHERE 1=1`
	var args []any
	if filter.RequestID != 0 {
		query += ` AND request_id = ?`
		args = append(args, int64(filter.RequestID))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailureRecord
	for rows.Next() {
		var f model.FailureRecord
		var reqID, created int64
		var source string
		if err := rows.Scan(&f.ID, &reqID, &source, &f.Error, &f.ErrorType, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		f.RequestID = uint64(reqID)
		f.Source = model.FailureSource(source)
		f.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) LoadBreakerState(ctx context.Context) (*model.BreakerState, error) {
	var st model.BreakerState
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures, last_failure_at FROM breaker_state WHERE id = 1`,
	).Scan(&st.ConsecutiveFailures, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load breaker state")
	}
	if last != 0 {
		st.LastFailureAt = time.Unix(0, last).UTC()
	}
	return &st, nil
}

func (s *SQLiteStore) SaveBreakerState(ctx context.Context, state model.BreakerState) error {
	var last int64
	if !state.LastFailureAt.IsZero() {
		last = state.LastFailureAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO breaker_state (id, consecutive_failures, last_failure_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET consecutive_failures = excluded.consecutive_failures,
		 last_failure_at = excluded.last_failure_at`,
		state.ConsecutiveFailures, last,
	)
	return eris.Wrap(err, "sqlite: save breaker state")
}

// helpers

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (*model.RequestRecord, error) {
	var (
		r                     model.RequestRecord
		id, created           int64
		status, reason, strat string
		value                 string
		mint                  sql.NullString
		manualAt, finalizedAt sql.NullInt64
	)
	err := row.Scan(&id, &r.Submitter, &r.Beneficiary, &r.BasketDescriptor, &value, &created,
		&status, &r.RetryCount, &r.VerificationTag, &r.ExternalTag, &manualAt,
		&reason, &strat, &r.Ratio, &r.Confidence, &mint, &r.FinalizedBy,
		&finalizedAt, &r.PostProcessingError, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan request")
	}

	r.ID = uint64(id)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Status = model.RequestStatus(status)
	r.TerminalReason = model.TerminalReason(reason)
	r.Strategy = model.Strategy(strat)
	if r.CollateralValue, err = parseBig(value); err != nil {
		return nil, err
	}
	if mint.Valid {
		if r.MintAmount, err = parseBig(mint.String); err != nil {
			return nil, err
		}
	}
	if manualAt.Valid {
		t := time.Unix(0, manualAt.Int64).UTC()
		r.ManualRequestedAt = &t
	}
	if finalizedAt.Valid {
		t := time.Unix(0, finalizedAt.Int64).UTC()
		r.FinalizedAt = &t
	}
	return &r, nil
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullBig(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, eris.Errorf("invalid integer %q", s)
	}
	return v, nil
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
