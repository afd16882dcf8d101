package lottery

import "context"

// Archive is the persistent history of settled rounds. Entries are written
// once per round id and never modified.
type Archive interface {
	// Write stores an outcome. A second write for the same round fails with
	// ErrArchiveConflict.
	Write(ctx context.Context, outcome Outcome) error
	// Get returns the outcome of a round or ErrOutcomeNotFound.
	Get(ctx context.Context, roundID int64) (Outcome, error)
	// List returns up to limit outcomes, newest round first.
	List(ctx context.Context, limit int) ([]Outcome, error)
	// LatestRoundID returns the highest archived round id, 0 if none.
	LatestRoundID(ctx context.Context) (int64, error)
}

// Vault holds the pool and moves funds. Transfer may run recipient code
// that calls back into the engine.
type Vault interface {
	Collect(ctx context.Context, from string, amount int64, reference string) error
	Transfer(ctx context.Context, to string, amount int64, reference string) error
	PoolBalance() int64

	// Checkpoint and RevertTo let a failed call undo its fund movements.
	Checkpoint() int
	RevertTo(checkpoint int) error
}

// Observer receives notifications of committed calls, e.g. for metrics.
type Observer interface {
	RoundStarted(roundID int64)
	TicketsSold(quantity int, amount int64)
	RoundSettled(kind OutcomeKind, paidOut, fee int64, winners int)
	CallFailed(op string, err error)
}

type nopObserver struct{}

func (nopObserver) RoundStarted(int64)                          {}
func (nopObserver) TicketsSold(int, int64)                      {}
func (nopObserver) RoundSettled(OutcomeKind, int64, int64, int) {}
func (nopObserver) CallFailed(string, error)                    {}
