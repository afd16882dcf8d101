package lottery

import (
	"context"
	"fmt"

	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
)

type frameKey struct{}

// frame collects what a call wants to publish. Nothing staged in a frame
// is visible outside the engine until the outermost call commits.
type frame struct {
	events    []events.Event
	outcomes  []Outcome
	committed []func()
}

func (f *frame) emit(e events.Event) {
	f.events = append(f.events, e)
}

// onCommit defers fn until the outermost call commits. Logging and observer
// notifications go here so a rolled-back nested call leaves no trace.
func (f *frame) onCommit(fn func()) {
	f.committed = append(f.committed, fn)
}

func (f *frame) archive(o Outcome) {
	f.outcomes = append(f.outcomes, o)
}

func frameFrom(ctx context.Context) (*frame, bool) {
	f, ok := ctx.Value(frameKey{}).(*frame)
	return f, ok && f != nil
}

// execute runs fn as one atomic call. Calls are serialized by s.mu. A call
// made from inside another one (a recipient calling back during a transfer)
// already holds the lock and runs inline under a savepoint.
//
// If fn or the archive write fails, the round state and the vault are
// rewound to where they were before the call and staged events are dropped.
// On success outcomes are archived, events are logged in order and the
// commit callbacks run.
//
// Recipient code must pass on the context it was handed to call back in.
// A mutating call that arrives without it while a settlement holds the lock
// is rejected with ErrReentrancyRejected instead of waiting for the lock.
func (s *Service) execute(ctx context.Context, fn func(ctx context.Context, f *frame) error) error {
	if f, ok := frameFrom(ctx); ok {
		return s.nested(ctx, f, fn)
	}

	if !s.mu.TryLock() {
		if s.settling.Load() {
			return ErrReentrancyRejected
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	f := &frame{}
	ctx = context.WithValue(ctx, frameKey{}, f)
	snap := s.state.snapshot()
	checkpoint := s.vault.Checkpoint()

	err := fn(ctx, f)
	if err == nil {
		err = s.persist(ctx, f)
	}
	if err != nil {
		s.rollback(snap, checkpoint)
		return err
	}

	for _, e := range f.events {
		s.events.LogWithContext(ctx, e)
	}
	for _, fn := range f.committed {
		fn()
	}
	return nil
}

// nested runs a re-entrant call. Its failure undoes only its own effects.
func (s *Service) nested(ctx context.Context, f *frame, fn func(ctx context.Context, f *frame) error) error {
	snap := s.state.snapshot()
	checkpoint := s.vault.Checkpoint()
	staged, archived, committed := len(f.events), len(f.outcomes), len(f.committed)

	if err := fn(ctx, f); err != nil {
		s.rollback(snap, checkpoint)
		f.events = f.events[:staged]
		f.outcomes = f.outcomes[:archived]
		f.committed = f.committed[:committed]
		return err
	}
	return nil
}

func (s *Service) persist(ctx context.Context, f *frame) error {
	for _, o := range f.outcomes {
		if err := s.archive.Write(ctx, o); err != nil {
			return fmt.Errorf("archive round %d: %w", o.RoundID, err)
		}
	}
	return nil
}

func (s *Service) rollback(snap stateSnapshot, checkpoint int) {
	s.state.restore(snap)
	if err := s.vault.RevertTo(checkpoint); err != nil {
		s.log.WithError(err).Error("revert vault after failed call")
	}
}

// view runs a read under the call lock, or inline when already inside a call.
func (s *Service) view(ctx context.Context, fn func()) {
	if _, ok := frameFrom(ctx); ok {
		fn()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}
