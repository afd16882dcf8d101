// Package keeper runs the periodic settlement job. On each tick it settles
// a round whose sales window has closed and, when configured, opens the next
// round on behalf of the administrator.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/lottery_settlement/internal/app/metrics"
	"github.com/R3E-Network/lottery_settlement/internal/app/system"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const (
	DefaultSchedule = "@every 15s"
	DefaultIdentity = "keeper"
)

// Engine is the part of the lottery service the keeper drives.
type Engine interface {
	Status(ctx context.Context) lottery.Status
	Settle(ctx context.Context, caller string) (lottery.Outcome, error)
	StartRound(ctx context.Context, caller string) (lottery.Round, error)
}

// Config controls the keeper.
type Config struct {
	// Schedule is a cron expression; "@every 15s" when empty.
	Schedule string
	// Identity is the caller recorded on settlements.
	Identity string
	// Admin is used to start rounds when AutoStart is set.
	Admin     string
	AutoStart bool
}

// Keeper is a cron-driven settlement loop.
type Keeper struct {
	engine Engine
	cfg    Config
	clock  lottery.Clock
	log    *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ system.Service = (*Keeper)(nil)

// New builds a keeper. A nil clock uses the system clock.
func New(engine Engine, cfg Config, clock lottery.Clock, log *logger.Logger) (*Keeper, error) {
	if engine == nil {
		return nil, errors.New("keeper: engine is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity
	}
	if cfg.AutoStart && cfg.Admin == "" {
		return nil, errors.New("keeper: auto start requires an admin identity")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("keeper: schedule %q: %w", cfg.Schedule, err)
	}
	if clock == nil {
		clock = lottery.SystemClock
	}
	if log == nil {
		log = logger.NewDefault("lottery-keeper")
	}
	return &Keeper{engine: engine, cfg: cfg, clock: clock, log: log}, nil
}

func (k *Keeper) Name() string { return "lottery-keeper" }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	cl := cronLogger{log: k.log}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(k.cfg.Schedule, func() { k.run(ctx) }); err != nil {
		return fmt.Errorf("schedule keeper: %w", err)
	}
	c.Start()
	k.cron = c
	k.running = true

	k.log.WithField("schedule", k.cfg.Schedule).
		WithField("auto_start", k.cfg.AutoStart).
		Info("lottery keeper started")
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c := k.cron
	k.running = false
	k.cron = nil
	k.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (k *Keeper) run(ctx context.Context) {
	start := time.Now()
	err := k.Tick(ctx)
	metrics.RecordKeeperRun("settle", time.Since(start), err == nil)
	if err != nil {
		k.log.WithError(err).Warn("keeper tick failed")
	}
}

// Tick performs one pass. A round awaiting settlement is settled first; a
// failed settlement leaves the round in place for the next tick and never
// triggers an auto start.
func (k *Keeper) Tick(ctx context.Context) error {
	st := k.engine.Status(ctx)
	now := k.clock.Now()

	if st.Round.Ended(now) {
		out, err := k.engine.Settle(ctx, k.cfg.Identity)
		if err != nil {
			if errors.Is(err, lottery.ErrNotEnded) || errors.Is(err, lottery.ErrReentrancyRejected) {
				// Settled, or being settled, by someone else since Status was read.
				return nil
			}
			return fmt.Errorf("settle round %d: %w", st.Round.ID, err)
		}
		k.log.WithField("round_id", out.RoundID).
			WithField("kind", out.Kind).
			Debug("keeper settled round")
		st.Active = false
	}

	if !k.cfg.AutoStart || st.Active {
		return nil
	}
	round, err := k.engine.StartRound(ctx, k.cfg.Admin)
	if err != nil {
		if errors.Is(err, lottery.ErrRoundAlreadyActive) {
			return nil
		}
		return fmt.Errorf("start round: %w", err)
	}
	k.log.WithField("round_id", round.ID).Debug("keeper started round")
	return nil
}

// cronLogger routes cron's internal logging to the component logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithField("cron", fmt.Sprint(keysAndValues...)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithField("cron", fmt.Sprint(keysAndValues...)).Error(msg)
}
