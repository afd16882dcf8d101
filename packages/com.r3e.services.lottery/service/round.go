package lottery

import "time"

// RoundState is the mutable state of one engine: the live round, its ledger
// and the last settled outcome. It is owned by a Service and only touched
// under the Service's call frame.
type RoundState struct {
	Round  Round
	Ledger *Ledger
	Last   *Outcome
}

// NewRoundState returns the NoRound state.
func NewRoundState(ledger *Ledger) *RoundState {
	return &RoundState{Ledger: ledger}
}

// IsActive reports whether tickets can be bought at now.
func (s *RoundState) IsActive(now time.Time) bool {
	return s.Round.Active(now)
}

// Ended reports whether the live round awaits settlement.
func (s *RoundState) Ended(now time.Time) bool {
	return s.Round.Ended(now)
}

// TimeRemaining returns the time until sales close, or zero when inactive.
func (s *RoundState) TimeRemaining(now time.Time) time.Duration {
	if !s.IsActive(now) {
		return 0
	}
	return s.Round.EndTime.Sub(now)
}

// Start opens the next round. Only admin may call it and never while a
// round is active. An ended but unsettled round is superseded; its slots
// are dropped and its funds stay in the pool.
func (s *RoundState) Start(caller, admin string, now time.Time, duration time.Duration) (Round, error) {
	if caller != admin {
		return Round{}, ErrUnauthorized
	}
	if s.IsActive(now) {
		return Round{}, ErrRoundAlreadyActive
	}
	s.Round = Round{
		ID:        s.Round.ID + 1,
		StartTime: now,
		EndTime:   now.Add(duration),
	}
	s.Ledger.ClearEntries()
	s.Last = nil
	return s.Round, nil
}

// Resume continues numbering after lastID, used after a restart.
func (s *RoundState) Resume(lastID int64) {
	if lastID > s.Round.ID {
		s.Round = Round{ID: lastID}
	}
}

// markSettled records the outcome and closes the round. Zeroing EndTime
// makes every later settlement attempt fail with ErrNotEnded.
func (s *RoundState) markSettled(out Outcome) {
	s.Last = &out
	s.Round.EndTime = time.Time{}
	s.Ledger.ClearEntries()
}

type stateSnapshot struct {
	round  Round
	last   *Outcome
	ledger ledgerSnapshot
}

func (s *RoundState) snapshot() stateSnapshot {
	return stateSnapshot{
		round:  s.Round,
		last:   s.Last,
		ledger: s.Ledger.snapshot(s.Round.ID),
	}
}

func (s *RoundState) restore(snap stateSnapshot) {
	s.Round = snap.round
	s.Last = snap.last
	s.Ledger.restore(snap.ledger)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })
