package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-oracle/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE SEQUENCE IF NOT EXISTS request_id_seq`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextRequestID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT nextval\('request_id_seq'\)`).
		WillReturnRows(pgxmock.NewRows([]string{"nextval"}).AddRow(int64(42)))

	id, err := s.NextRequestID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := &model.RequestRecord{
		ID:               7,
		Submitter:        "ledger-1",
		Beneficiary:      "alice",
		BasketDescriptor: "ETH:1",
		CollateralValue:  big.NewInt(1000),
		CreatedAt:        time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		Status:           model.RequestStatusSubmitted,
		VerificationTag:  "tag",
	}

	mock.ExpectExec(`INSERT INTO requests`).
		WithArgs(int64(7), "ledger-1", "alice", "ETH:1", "1000", rec.CreatedAt,
			"submitted", 0, "tag", "", pgxmock.AnyArg(), "", "",
			0, 0, pgxmock.AnyArg(), "", pgxmock.AnyArg(), "", int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateRequest(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRequest_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM requests WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRequest(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get request")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRequestByTag_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM requests WHERE verification_tag = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRequestByTag(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRequest(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := &model.RequestRecord{ID: 3, Status: model.RequestStatusTerminal, Version: 4}

	mock.ExpectExec(`UPDATE requests SET`).
		WithArgs("terminal", 0, "", pgxmock.AnyArg(), "", "", 0, 0,
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), "", int64(5), int64(3), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateRequest(context.Background(), rec, 4))
	assert.Equal(t, int64(5), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRequest_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	rec := &model.RequestRecord{ID: 3, Status: model.RequestStatusTerminal, Version: 4}

	mock.ExpectExec(`UPDATE requests SET`).
		WithArgs("terminal", 0, "", pgxmock.AnyArg(), "", "", 0, 0,
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), "", int64(5), int64(3), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRequest(context.Background(), rec, 4)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, int64(4), rec.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementRetryCount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE requests SET retry_count = retry_count \+ 1`).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.IncrementRetryCount(context.Background(), 9))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO failures`).
		WithArgs("f-1", int64(2), "ledger", "refused", "permanent", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordFailure(context.Background(), &model.FailureRecord{
		ID: "f-1", RequestID: 2, Source: model.FailureSourceLedger,
		Error: "refused", ErrorType: "permanent", CreatedAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFailures(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, request_id, source, error, error_type, created_at FROM failures WHERE 1=1 AND source = \$1`).
		WithArgs("provider", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "request_id", "source", "error", "error_type", "created_at"}).
			AddRow("f-1", int64(5), "provider", "timeout", "transient", at))

	out, err := s.ListFailures(context.Background(), FailureFilter{Source: model.FailureSourceProvider})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(5), out[0].RequestID)
	assert.Equal(t, model.FailureSourceProvider, out[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM requests GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("submitted", int64(4)).
			AddRow("terminal", int64(9)))

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[model.RequestStatusSubmitted])
	assert.Equal(t, 9, counts[model.RequestStatusTerminal])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRequests(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM requests WHERE 1=1 AND status = \$1 AND created_at <= \$2`).
		WithArgs("submitted", cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(1500)))

	n, err := s.CountRequests(context.Background(), RequestFilter{
		Status:        model.RequestStatusSubmitted,
		CreatedBefore: cutoff,
		Limit:         10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRequests_OldestFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM requests WHERE 1=1 AND status = \$1 AND created_at <= \$2 ORDER BY created_at, id LIMIT \$3`).
		WithArgs("manual_requested", cutoff, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	recs, err := s.ListRequests(context.Background(), RequestFilter{
		Status:        model.RequestStatusManualRequested,
		CreatedBefore: cutoff,
		OldestFirst:   true,
		Limit:         50,
	})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBreakerState_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT consecutive_failures, last_failure_at FROM breaker_state`).
		WillReturnError(pgx.ErrNoRows)

	st, err := s.LoadBreakerState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBreakerState_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs(5, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveBreakerState(context.Background(), model.BreakerState{
		ConsecutiveFailures: 5,
		LastFailureAt:       time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
