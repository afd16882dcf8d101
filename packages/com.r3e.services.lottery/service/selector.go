package lottery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/crypto/sha3"
)

// RandomSource draws an index in [0, n). Implementations may be weak; the
// selector only relies on them for spread, never for distinctness.
type RandomSource interface {
	Index(ctx context.Context, caller string, n int) (int, error)
}

// Beacon supplies an externally produced value mixed into each draw, such
// as the hash of the latest block.
type Beacon interface {
	Value(ctx context.Context) ([]byte, error)
}

// drawBinder is implemented by sources whose external inputs can be fetched
// once and reused for every draw of a single selection.
type drawBinder interface {
	bind(ctx context.Context) (RandomSource, error)
}

// maxDrawsPerWinner bounds the number of draws PickDistinct makes for each
// requested winner before giving up on a degenerate source.
const maxDrawsPerWinner = 1024

// PickDistinct draws n pairwise distinct identities from entries. A buyer
// holding k slots has k chances per draw. n must not exceed the number of
// distinct identities in entries.
func PickDistinct(ctx context.Context, src RandomSource, caller string, n int, entries []string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > distinctCount(entries, n) {
		return nil, fmt.Errorf("%w: want %d", ErrNotEnoughParticipants, n)
	}
	if b, ok := src.(drawBinder); ok {
		bound, err := b.bind(ctx)
		if err != nil {
			return nil, fmt.Errorf("draw: %w", err)
		}
		src = bound
	}

	winners := make([]string, 0, n)
	for draws := 0; len(winners) < n; draws++ {
		if draws >= n*maxDrawsPerWinner {
			return nil, fmt.Errorf("%w: %d draws for %d winners", ErrDrawExhausted, draws, n)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx, err := src.Index(ctx, caller, len(entries))
		if err != nil {
			return nil, fmt.Errorf("draw: %w", err)
		}
		if idx < 0 || idx >= len(entries) {
			return nil, fmt.Errorf("draw: index %d out of range [0, %d)", idx, len(entries))
		}
		candidate := entries[idx]
		if !contains(winners, candidate) {
			winners = append(winners, candidate)
		}
	}
	return winners, nil
}

// distinctCount counts distinct identities, stopping once limit is reached.
func distinctCount(entries []string, limit int) int {
	var seen []string
	for _, e := range entries {
		if !contains(seen, e) {
			seen = append(seen, e)
			if len(seen) >= limit {
				break
			}
		}
	}
	return len(seen)
}

// contains is a linear scan; winner lists hold at most MaxWinners items.
func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WeakRandom hashes the time, a beacon value, the caller, the pool size and
// a strictly increasing nonce with Keccak-256 and reduces the digest modulo
// the pool size.
//
// It is NOT unpredictable: anyone who can observe or influence the clock
// and the beacon can compute or bias the result. Substitute a verifiable
// randomness source where that matters.
type WeakRandom struct {
	clock  Clock
	beacon Beacon

	mu    sync.Mutex
	nonce uint64
}

// NewWeakRandom creates a weak draw function. A nil beacon contributes
// nothing to the hash.
func NewWeakRandom(clock Clock, beacon Beacon) *WeakRandom {
	if clock == nil {
		clock = SystemClock
	}
	return &WeakRandom{clock: clock, beacon: beacon}
}

// Index implements RandomSource. Each call fetches a fresh beacon value.
func (w *WeakRandom) Index(ctx context.Context, caller string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("draw over empty pool")
	}
	v, err := w.beaconValue(ctx)
	if err != nil {
		return 0, err
	}
	return w.draw(v, caller, n), nil
}

// bind fetches the beacon once; PickDistinct reuses it for every draw.
func (w *WeakRandom) bind(ctx context.Context) (RandomSource, error) {
	v, err := w.beaconValue(ctx)
	if err != nil {
		return nil, err
	}
	return boundWeakRandom{w: w, beacon: v}, nil
}

func (w *WeakRandom) beaconValue(ctx context.Context) ([]byte, error) {
	if w.beacon == nil {
		return nil, nil
	}
	v, err := w.beacon.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("beacon: %w", err)
	}
	return v, nil
}

func (w *WeakRandom) draw(beaconValue []byte, caller string, n int) int {
	w.mu.Lock()
	w.nonce++
	nonce := w.nonce
	w.mu.Unlock()

	var buf [8]byte
	h := sha3.NewLegacyKeccak256()
	binary.BigEndian.PutUint64(buf[:], uint64(w.clock.Now().UnixNano()))
	h.Write(buf[:])
	h.Write(beaconValue)
	h.Write([]byte(caller))
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])

	digest := new(big.Int).SetBytes(h.Sum(nil))
	return int(digest.Mod(digest, big.NewInt(int64(n))).Int64())
}

// boundWeakRandom draws with a beacon value fixed for one selection.
type boundWeakRandom struct {
	w      *WeakRandom
	beacon []byte
}

func (b boundWeakRandom) Index(_ context.Context, caller string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("draw over empty pool")
	}
	return b.w.draw(b.beacon, caller, n), nil
}

// Nonce returns the number of draws made so far.
func (w *WeakRandom) Nonce() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nonce
}
