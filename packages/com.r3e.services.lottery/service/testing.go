package lottery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FixedClock is a manually advanced Clock for tests.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock creates a clock stopped at now.
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// ErrSequenceExhausted is returned by SequenceSource when it runs out.
var ErrSequenceExhausted = errors.New("sequence exhausted")

// SequenceSource is a deterministic RandomSource that replays the given
// values, each reduced modulo the pool size.
type SequenceSource struct {
	mu     sync.Mutex
	values []int
	next   int
	calls  int
}

// NewSequenceSource creates a source replaying values in order.
func NewSequenceSource(values ...int) *SequenceSource {
	return &SequenceSource{values: values}
}

func (s *SequenceSource) Index(ctx context.Context, caller string, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.next >= len(s.values) {
		return 0, ErrSequenceExhausted
	}
	v := s.values[s.next]
	s.next++
	return v % n, nil
}

// Calls returns the number of draws requested so far.
func (s *SequenceSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ConstantSource always draws the same index.
type ConstantSource int

func (c ConstantSource) Index(ctx context.Context, caller string, n int) (int, error) {
	return int(c) % n, nil
}

// StaticBeacon returns a fixed value.
type StaticBeacon []byte

func (b StaticBeacon) Value(ctx context.Context) ([]byte, error) {
	return []byte(b), nil
}

// FailingArchive wraps an Archive and fails writes while Fail is set.
type FailingArchive struct {
	Archive
	mu   sync.Mutex
	fail bool
}

// NewFailingArchive wraps inner.
func NewFailingArchive(inner Archive) *FailingArchive {
	return &FailingArchive{Archive: inner}
}

// SetFail toggles write failures.
func (a *FailingArchive) SetFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fail
}

func (a *FailingArchive) Write(ctx context.Context, outcome Outcome) error {
	a.mu.Lock()
	fail := a.fail
	a.mu.Unlock()
	if fail {
		return errors.New("archive unavailable")
	}
	return a.Archive.Write(ctx, outcome)
}

// RecordingObserver counts observer notifications.
type RecordingObserver struct {
	mu       sync.Mutex
	Started  []int64
	Sold     int
	Settled  []OutcomeKind
	Failures map[string]int
}

// NewRecordingObserver creates an empty recorder.
func NewRecordingObserver() *RecordingObserver {
	return &RecordingObserver{Failures: make(map[string]int)}
}

func (o *RecordingObserver) RoundStarted(roundID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Started = append(o.Started, roundID)
}

func (o *RecordingObserver) TicketsSold(quantity int, amount int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Sold += quantity
}

func (o *RecordingObserver) RoundSettled(kind OutcomeKind, paidOut, fee int64, winners int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Settled = append(o.Settled, kind)
}

func (o *RecordingObserver) CallFailed(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Failures[op]++
}
