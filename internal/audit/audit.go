// Package audit journals every archived round outcome to an append-only
// structured log, independent of the storage backend.
package audit

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
)

// Archive wraps another archive and records each write attempt.
type Archive struct {
	inner lottery.Archive
	log   *zap.Logger
}

var _ lottery.Archive = (*Archive)(nil)

// New decorates inner. A nil logger disables journaling.
func New(inner lottery.Archive, log *zap.Logger) (*Archive, error) {
	if inner == nil {
		return nil, errors.New("audit: inner archive is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archive{inner: inner, log: log.Named("audit")}, nil
}

// NewFileLogger returns a JSON zap logger appending to path. An empty path
// writes to stdout.
func NewFileLogger(path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if path != "" {
		cfg.OutputPaths = []string{path}
	} else {
		cfg.OutputPaths = []string{"stdout"}
	}
	return cfg.Build()
}

func (a *Archive) Write(ctx context.Context, o lottery.Outcome) error {
	fields := []zap.Field{
		zap.Int64("round_id", o.RoundID),
		zap.String("kind", string(o.Kind)),
		zap.Time("start_time", o.StartTime),
		zap.Time("end_time", o.EndTime),
		zap.Int64("total_refunded", o.TotalRefunded),
		zap.Int64("pool_after_fee", o.PoolAfterFee),
		zap.Int64("fee", o.Fee),
		zap.Strings("winners", o.Winners()),
		zap.Int64s("prizes", o.Prizes()),
		zap.String("settled_by", o.SettledBy),
		zap.Time("settled_at", o.SettledAt),
	}
	if err := a.inner.Write(ctx, o); err != nil {
		a.log.Warn("outcome rejected", append(fields, zap.Error(err))...)
		return err
	}
	a.log.Info("outcome archived", fields...)
	return nil
}

func (a *Archive) Get(ctx context.Context, roundID int64) (lottery.Outcome, error) {
	return a.inner.Get(ctx, roundID)
}

func (a *Archive) List(ctx context.Context, limit int) ([]lottery.Outcome, error) {
	return a.inner.List(ctx, limit)
}

func (a *Archive) LatestRoundID(ctx context.Context) (int64, error) {
	return a.inner.LatestRoundID(ctx)
}

// Sync flushes buffered journal entries.
func (a *Archive) Sync() error {
	return a.log.Sync()
}
