package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

// Store is the PostgreSQL history archive.
type Store struct {
	db *sqlx.DB
}

var _ lottery.Archive = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

type historyRow struct {
	RoundID       int64     `db:"round_id"`
	Kind          string    `db:"kind"`
	StartTime     time.Time `db:"start_time"`
	EndTime       time.Time `db:"end_time"`
	TotalRefunded int64     `db:"total_refunded"`
	PoolAfterFee  int64     `db:"pool_after_fee"`
	Fee           int64     `db:"fee"`
	SettledAt     time.Time `db:"settled_at"`
	SettledBy     string    `db:"settled_by"`
}

type payoutRow struct {
	RoundID int64  `db:"round_id"`
	Winner  string `db:"winner"`
	Prize   int64  `db:"prize"`
}

const selectHistory = `
	SELECT round_id, kind, start_time, end_time, total_refunded, pool_after_fee, fee, settled_at, settled_by
	FROM lottery_history`

// Write inserts an outcome and its payouts in one transaction.
func (s *Store) Write(ctx context.Context, o lottery.Outcome) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO lottery_history (round_id, kind, start_time, end_time, total_refunded, pool_after_fee, fee, settled_at, settled_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (round_id) DO NOTHING
	`, o.RoundID, string(o.Kind), o.StartTime.UTC(), o.EndTime.UTC(), o.TotalRefunded, o.PoolAfterFee, o.Fee, o.SettledAt.UTC(), o.SettledBy)
	if err != nil {
		return mapError(o.RoundID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: round %d", lottery.ErrArchiveConflict, o.RoundID)
	}

	for i, p := range o.Payouts {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO lottery_history_payouts (round_id, position, winner, prize)
			VALUES ($1, $2, $3, $4)
		`, o.RoundID, i, p.Winner, p.Prize); err != nil {
			return mapError(o.RoundID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the outcome of one round.
func (s *Store) Get(ctx context.Context, roundID int64) (lottery.Outcome, error) {
	var row historyRow
	if err := s.db.GetContext(ctx, &row, selectHistory+` WHERE round_id = $1`, roundID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lottery.Outcome{}, fmt.Errorf("%w: round %d", lottery.ErrOutcomeNotFound, roundID)
		}
		return lottery.Outcome{}, err
	}

	var payouts []payoutRow
	if err := s.db.SelectContext(ctx, &payouts, `
		SELECT round_id, winner, prize
		FROM lottery_history_payouts
		WHERE round_id = $1
		ORDER BY position
	`, roundID); err != nil {
		return lottery.Outcome{}, err
	}
	return toOutcome(row, payouts), nil
}

// List returns up to limit outcomes, newest round first. A non-positive
// limit returns every outcome.
func (s *Store) List(ctx context.Context, limit int) ([]lottery.Outcome, error) {
	var rows []historyRow
	var err error
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, selectHistory+` ORDER BY round_id DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, selectHistory+` ORDER BY round_id DESC`)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []lottery.Outcome{}, nil
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.RoundID
	}
	var payouts []payoutRow
	if err := s.db.SelectContext(ctx, &payouts, `
		SELECT round_id, winner, prize
		FROM lottery_history_payouts
		WHERE round_id = ANY($1)
		ORDER BY round_id, position
	`, pq.Array(ids)); err != nil {
		return nil, err
	}

	byRound := make(map[int64][]payoutRow)
	for _, p := range payouts {
		byRound[p.RoundID] = append(byRound[p.RoundID], p)
	}
	result := make([]lottery.Outcome, len(rows))
	for i, r := range rows {
		result[i] = toOutcome(r, byRound[r.RoundID])
	}
	return result, nil
}

// LatestRoundID returns the highest archived round id.
func (s *Store) LatestRoundID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT COALESCE(MAX(round_id), 0) FROM lottery_history`); err != nil {
		return 0, err
	}
	return id, nil
}

func toOutcome(r historyRow, payouts []payoutRow) lottery.Outcome {
	o := lottery.Outcome{
		RoundID:       r.RoundID,
		Kind:          lottery.OutcomeKind(r.Kind),
		StartTime:     r.StartTime.UTC(),
		EndTime:       r.EndTime.UTC(),
		TotalRefunded: r.TotalRefunded,
		PoolAfterFee:  r.PoolAfterFee,
		Fee:           r.Fee,
		SettledAt:     r.SettledAt.UTC(),
		SettledBy:     r.SettledBy,
	}
	for _, p := range payouts {
		o.Payouts = append(o.Payouts, lottery.Payout{Winner: p.Winner, Prize: p.Prize})
	}
	return o
}

// mapError turns a unique violation into ErrArchiveConflict.
func mapError(roundID int64, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: round %d", lottery.ErrArchiveConflict, roundID)
	}
	return err
}
