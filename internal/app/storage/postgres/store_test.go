package postgres

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_settlement/internal/platform/migrations"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

var historyColumns = []string{
	"round_id", "kind", "start_time", "end_time", "total_refunded",
	"pool_after_fee", "fee", "settled_at", "settled_by",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func sampleOutcome() lottery.Outcome {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return lottery.Outcome{
		RoundID:      4,
		Kind:         lottery.OutcomeSettled,
		StartTime:    start,
		EndTime:      start.Add(5 * time.Minute),
		PoolAfterFee: 95,
		Fee:          5,
		Payouts:      []lottery.Payout{{Winner: "alice", Prize: 57}, {Winner: "bob", Prize: 38}},
		SettledAt:    start.Add(6 * time.Minute),
		SettledBy:    "keeper",
	}
}

func TestStore_Write(t *testing.T) {
	store, mock := newMock(t)
	o := sampleOutcome()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history (")).
		WithArgs(o.RoundID, "settled", o.StartTime, o.EndTime, int64(0), int64(95), int64(5), o.SettledAt, "keeper").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history_payouts")).
		WithArgs(o.RoundID, 0, "alice", int64(57)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history_payouts")).
		WithArgs(o.RoundID, 1, "bob", int64(38)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Write(context.Background(), o))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WriteConflict(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history (")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Write(context.Background(), sampleOutcome())
	assert.ErrorIs(t, err, lottery.ErrArchiveConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WriteUniqueViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history (")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lottery_history_payouts")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := store.Write(context.Background(), sampleOutcome())
	assert.ErrorIs(t, err, lottery.ErrArchiveConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get(t *testing.T) {
	store, mock := newMock(t)
	o := sampleOutcome()

	mock.ExpectQuery(regexp.QuoteMeta("FROM lottery_history WHERE round_id = $1")).
		WithArgs(o.RoundID).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow(o.RoundID, "settled", o.StartTime, o.EndTime, 0, 95, 5, o.SettledAt, "keeper"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM lottery_history_payouts")).
		WithArgs(o.RoundID).
		WillReturnRows(sqlmock.NewRows([]string{"round_id", "winner", "prize"}).
			AddRow(o.RoundID, "alice", 57).
			AddRow(o.RoundID, "bob", 38))

	got, err := store.Get(context.Background(), o.RoundID)
	require.NoError(t, err)
	assert.Equal(t, o, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM lottery_history WHERE round_id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(historyColumns))

	_, err := store.Get(context.Background(), 9)
	assert.ErrorIs(t, err, lottery.ErrOutcomeNotFound)
}

func TestStore_List(t *testing.T) {
	store, mock := newMock(t)
	o := sampleOutcome()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY round_id DESC LIMIT $1")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows(historyColumns).
			AddRow(int64(4), "settled", o.StartTime, o.EndTime, 0, 95, 5, o.SettledAt, "keeper").
			AddRow(int64(3), "refunded", o.StartTime, o.EndTime, 20, 0, 0, o.SettledAt, "keeper"))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE round_id = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"round_id", "winner", "prize"}).
			AddRow(int64(4), "alice", 57).
			AddRow(int64(4), "bob", 38))

	list, err := store.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"alice", "bob"}, list[0].Winners())
	assert.Equal(t, lottery.OutcomeRefunded, list[1].Kind)
	assert.Empty(t, list[1].Payouts)
	assert.Equal(t, int64(20), list[1].TotalRefunded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LatestRoundID(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(round_id), 0) FROM lottery_history")).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(12)))

	id, err := store.LatestRoundID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
}

func TestStore_QueryError(t *testing.T) {
	store, mock := newMock(t)
	boom := errors.New("connection reset")

	mock.ExpectQuery("SELECT").WillReturnError(boom)

	_, err := store.LatestRoundID(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Up(db.DB))

	store := New(db)
	latest, err := store.LatestRoundID(ctx)
	require.NoError(t, err)

	o := sampleOutcome()
	o.RoundID = latest + 1
	require.NoError(t, store.Write(ctx, o))
	assert.ErrorIs(t, store.Write(ctx, o), lottery.ErrArchiveConflict)

	got, err := store.Get(ctx, o.RoundID)
	require.NoError(t, err)
	assert.Equal(t, o.Winners(), got.Winners())
	assert.True(t, o.SettledAt.Equal(got.SettledAt))
}
