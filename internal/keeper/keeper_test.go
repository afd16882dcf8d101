package keeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_settlement/internal/treasury"
	lottery "github.com/R3E-Network/lottery_settlement/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const admin = "admin"

func newEngine(t *testing.T) (*lottery.Service, *lottery.FixedClock, *treasury.Treasury) {
	t.Helper()
	clock := lottery.NewFixedClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	vault := treasury.New(logger.NewDefault("treasury-test"))
	svc, err := lottery.New(lottery.Config{Admin: admin}, vault, nil, logger.NewDefault("lottery-test"),
		lottery.WithClock(clock),
		lottery.WithRandomSource(lottery.NewSequenceSource(0, 1)),
	)
	require.NoError(t, err)
	return svc, clock, vault
}

func buy(t *testing.T, svc *lottery.Service, buyer string, qty int) {
	t.Helper()
	_, err := svc.BuyTickets(context.Background(), buyer, qty, int64(qty)*lottery.DefaultTicketPrice)
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	svc, _, _ := newEngine(t)

	_, err := New(nil, Config{}, nil, nil)
	assert.Error(t, err)

	_, err = New(svc, Config{Schedule: "every now and then"}, nil, nil)
	assert.Error(t, err)

	_, err = New(svc, Config{AutoStart: true}, nil, nil)
	assert.Error(t, err)

	k, err := New(svc, Config{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, k.cfg.Schedule)
	assert.Equal(t, DefaultIdentity, k.cfg.Identity)
}

func TestTick_IdleWhileRoundActive(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newEngine(t)
	k, err := New(svc, Config{Admin: admin, AutoStart: true}, clock, nil)
	require.NoError(t, err)

	_, err = svc.StartRound(ctx, admin)
	require.NoError(t, err)
	buy(t, svc, "alice", 1)

	require.NoError(t, k.Tick(ctx))
	st := svc.Status(ctx)
	assert.True(t, st.Active)
	assert.Equal(t, int64(1), st.Round.ID)
	assert.Equal(t, 1, st.EntryCount)
}

func TestTick_SettlesEndedRound(t *testing.T) {
	ctx := context.Background()
	svc, clock, vault := newEngine(t)
	k, err := New(svc, Config{Identity: "bot"}, clock, nil)
	require.NoError(t, err)

	_, err = svc.StartRound(ctx, admin)
	require.NoError(t, err)
	buy(t, svc, "alice", 1)
	buy(t, svc, "bob", 1)
	clock.Advance(lottery.DefaultRoundDuration)

	require.NoError(t, k.Tick(ctx))

	out, ok := svc.LastOutcome(ctx)
	require.True(t, ok)
	assert.Equal(t, lottery.OutcomeSettled, out.Kind)
	assert.Equal(t, "bot", out.SettledBy)
	assert.Zero(t, vault.PoolBalance())

	// Nothing left to do.
	require.NoError(t, k.Tick(ctx))
	assert.False(t, svc.Status(ctx).Active)
}

func TestTick_AutoStartsAfterSettlement(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newEngine(t)
	k, err := New(svc, Config{Admin: admin, AutoStart: true}, clock, nil)
	require.NoError(t, err)

	// No round yet: the first tick opens one.
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, int64(1), svc.CurrentRound(ctx).ID)

	buy(t, svc, "alice", 2)
	clock.Advance(lottery.DefaultRoundDuration)

	require.NoError(t, k.Tick(ctx))
	st := svc.Status(ctx)
	assert.True(t, st.Active)
	assert.Equal(t, int64(2), st.Round.ID)

	hist, err := svc.History(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, lottery.OutcomeRefunded, hist.Kind)
	assert.Equal(t, 2*lottery.DefaultTicketPrice, hist.TotalRefunded)
}

type stubEngine struct {
	status    lottery.Status
	settleErr error
	starts    int
}

func (s *stubEngine) Status(context.Context) lottery.Status { return s.status }

func (s *stubEngine) Settle(context.Context, string) (lottery.Outcome, error) {
	return lottery.Outcome{}, s.settleErr
}

func (s *stubEngine) StartRound(context.Context, string) (lottery.Round, error) {
	s.starts++
	return lottery.Round{ID: s.status.Round.ID + 1}, nil
}

func TestTick_FailedSettlementDoesNotStart(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := &stubEngine{
		status:    lottery.Status{Round: lottery.Round{ID: 4, EndTime: now.Add(-time.Second)}},
		settleErr: lottery.ErrTransferFailed,
	}
	k, err := New(eng, Config{Admin: admin, AutoStart: true}, lottery.NewFixedClock(now), nil)
	require.NoError(t, err)

	err = k.Tick(context.Background())
	assert.ErrorIs(t, err, lottery.ErrTransferFailed)
	assert.Zero(t, eng.starts)
}

func TestTick_LostRaceIsNotAnError(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := &stubEngine{
		status:    lottery.Status{Round: lottery.Round{ID: 4, EndTime: now.Add(-time.Second)}},
		settleErr: errors.Join(errors.New("raced"), lottery.ErrNotEnded),
	}
	k, err := New(eng, Config{}, lottery.NewFixedClock(now), nil)
	require.NoError(t, err)
	assert.NoError(t, k.Tick(context.Background()))
}

func TestTick_ConcurrentSettlementIsNotAnError(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	eng := &stubEngine{
		status:    lottery.Status{Round: lottery.Round{ID: 4, EndTime: now.Add(-time.Second)}},
		settleErr: lottery.ErrReentrancyRejected,
	}
	k, err := New(eng, Config{Admin: admin, AutoStart: true}, lottery.NewFixedClock(now), nil)
	require.NoError(t, err)
	assert.NoError(t, k.Tick(context.Background()))
	assert.Zero(t, eng.starts)
}

func TestKeeper_StartStop(t *testing.T) {
	svc, clock, _ := newEngine(t)
	k, err := New(svc, Config{Schedule: "@every 1s", Admin: admin, AutoStart: true}, clock, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, k.Start(ctx))
	require.NoError(t, k.Start(ctx))
	require.Eventually(t, func() bool { return svc.Status(ctx).Active }, 3*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, k.Stop(stopCtx))
	require.NoError(t, k.Stop(stopCtx))
}
