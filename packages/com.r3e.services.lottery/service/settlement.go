package lottery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
)

// Settle closes the ended round. With fewer than MinUniqueParticipants
// distinct buyers every ticket is refunded; otherwise the operator fee is
// paid and up to MaxWinners distinct winners split the remaining pool.
//
// Anyone may settle. The call is all-or-nothing: if any transfer fails the
// round stays Ended and the call may be retried.
//
// A settlement already in progress rejects every other Settle with
// ErrReentrancyRejected, whatever context the caller carries.
func (s *Service) Settle(ctx context.Context, caller string) (Outcome, error) {
	if s.settling.Load() {
		s.failed(ctx, "settle", ErrReentrancyRejected)
		return Outcome{}, ErrReentrancyRejected
	}

	var out Outcome
	err := s.execute(ctx, func(ctx context.Context, f *frame) error {
		if !s.settling.CompareAndSwap(false, true) {
			return ErrReentrancyRejected
		}
		defer s.settling.Store(false)

		o, err := s.settleRound(ctx, f, caller)
		if err != nil {
			return err
		}
		out = o
		f.onCommit(func() { s.settled(o) })
		return nil
	})
	if err != nil {
		s.failed(ctx, "settle", err)
		return Outcome{}, err
	}
	return out, nil
}

func (s *Service) settled(out Outcome) {
	paidOut := out.PoolAfterFee
	if out.Kind == OutcomeRefunded {
		paidOut = out.TotalRefunded
	}
	s.log.WithField("round_id", out.RoundID).
		WithField("kind", out.Kind).
		WithField("winners", out.Winners()).
		WithField("paid_out", paidOut).
		WithField("fee", out.Fee).
		Info("lottery round settled")
	s.observer.RoundSettled(out.Kind, paidOut, out.Fee, len(out.Payouts))
}

// settleRound applies checks, then effects, then transfers. By the time the
// first transfer runs the round is already marked settled, so a call that
// reaches here again during a transfer fails with ErrNotEnded.
func (s *Service) settleRound(ctx context.Context, f *frame, caller string) (Outcome, error) {
	now := s.clock.Now()
	if !s.state.Ended(now) {
		return Outcome{}, ErrNotEnded
	}

	round := s.state.Round
	if s.state.Ledger.UniqueCount(round.ID) < MinUniqueParticipants {
		return s.refund(ctx, f, round, caller, now)
	}
	return s.payout(ctx, f, round, caller, now)
}

func (s *Service) refund(ctx context.Context, f *frame, round Round, caller string, now time.Time) (Outcome, error) {
	refunds := s.state.Ledger.Refunds()
	var total int64
	for _, r := range refunds {
		total += r.Prize
	}
	out := Outcome{
		RoundID:       round.ID,
		Kind:          OutcomeRefunded,
		StartTime:     round.StartTime,
		EndTime:       round.EndTime,
		TotalRefunded: total,
		SettledAt:     now,
		SettledBy:     caller,
	}

	s.closeRound(f, out, events.Event{
		Type:          events.EventRoundRefunded,
		RoundID:       round.ID,
		TotalRefunded: out.TotalRefunded,
	})

	for _, r := range refunds {
		if err := s.vault.Transfer(ctx, r.Winner, r.Prize, roundRef(round.ID)+"/refund"); err != nil {
			return Outcome{}, transferFailed("refund", r.Winner, err)
		}
	}
	return out, nil
}

func (s *Service) payout(ctx context.Context, f *frame, round Round, caller string, now time.Time) (Outcome, error) {
	pool := s.vault.PoolBalance()
	if pool <= 0 {
		return Outcome{}, ErrNoEntries
	}
	fee := FeeFor(pool, s.cfg.FeeBasisPoints)
	poolAfterFee := pool - fee

	n := min(s.state.Ledger.UniqueCount(round.ID), MaxWinners)
	winners, err := PickDistinct(ctx, s.random, caller, n, s.state.Ledger.Entries())
	if err != nil {
		return Outcome{}, fmt.Errorf("select winners: %w", err)
	}
	prizes := SplitPrizes(poolAfterFee, n)

	payouts := make([]Payout, n)
	for i := range winners {
		payouts[i] = Payout{Winner: winners[i], Prize: prizes[i]}
	}
	out := Outcome{
		RoundID:      round.ID,
		Kind:         OutcomeSettled,
		StartTime:    round.StartTime,
		EndTime:      round.EndTime,
		PoolAfterFee: poolAfterFee,
		Fee:          fee,
		Payouts:      payouts,
		SettledAt:    now,
		SettledBy:    caller,
	}

	s.closeRound(f, out, events.Event{
		Type:         events.EventWinnersSelected,
		RoundID:      round.ID,
		Winners:      out.Winners(),
		Prizes:       out.Prizes(),
		PoolAfterFee: poolAfterFee,
		Fee:          fee,
	})

	ref := roundRef(round.ID)
	if err := s.vault.Transfer(ctx, s.cfg.Admin, fee, ref+"/fee"); err != nil {
		return Outcome{}, transferFailed("fee", s.cfg.Admin, err)
	}
	for _, p := range payouts {
		if err := s.vault.Transfer(ctx, p.Winner, p.Prize, ref+"/prize"); err != nil {
			return Outcome{}, transferFailed("prize", p.Winner, err)
		}
	}
	return out, nil
}

// closeRound applies the effects of settlement before any funds move.
func (s *Service) closeRound(f *frame, out Outcome, e events.Event) {
	s.state.markSettled(out)
	f.archive(out)
	f.emit(e)
}

func transferFailed(kind, to string, err error) error {
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %s to %s: %w", ErrTransferFailed, kind, to, err)
}
