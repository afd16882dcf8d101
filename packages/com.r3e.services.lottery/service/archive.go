package lottery

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryArchive keeps outcomes in process memory.
type MemoryArchive struct {
	mu       sync.RWMutex
	outcomes map[int64]Outcome
}

var _ Archive = (*MemoryArchive)(nil)

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{outcomes: make(map[int64]Outcome)}
}

func (a *MemoryArchive) Write(ctx context.Context, outcome Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.outcomes[outcome.RoundID]; exists {
		return fmt.Errorf("%w: round %d", ErrArchiveConflict, outcome.RoundID)
	}
	outcome.Payouts = append([]Payout(nil), outcome.Payouts...)
	a.outcomes[outcome.RoundID] = outcome
	return nil
}

func (a *MemoryArchive) Get(ctx context.Context, roundID int64) (Outcome, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	outcome, ok := a.outcomes[roundID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: round %d", ErrOutcomeNotFound, roundID)
	}
	return outcome, nil
}

func (a *MemoryArchive) List(ctx context.Context, limit int) ([]Outcome, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]Outcome, 0, len(a.outcomes))
	for _, o := range a.outcomes {
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RoundID > result[j].RoundID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (a *MemoryArchive) LatestRoundID(ctx context.Context) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var latest int64
	for id := range a.outcomes {
		if id > latest {
			latest = id
		}
	}
	return latest, nil
}
