package lottery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

// Service runs the round lifecycle: starting rounds, selling tickets and
// settling ended rounds into payouts or refunds.
//
// Every mutating call is atomic. It either completes with all effects
// applied or fails leaving state, funds and history untouched.
type Service struct {
	cfg      Config
	log      *logger.Logger
	clock    Clock
	random   RandomSource
	beacon   Beacon
	vault    Vault
	archive  Archive
	events   events.EventLogger
	observer Observer

	mu       sync.Mutex
	state    *RoundState
	settling atomic.Bool // set while a settlement holds mu
}

// Option customizes a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRandomSource replaces the weak default draw function.
func WithRandomSource(r RandomSource) Option {
	return func(s *Service) { s.random = r }
}

// WithBeacon mixes a beacon into the default draw function. It has no
// effect together with WithRandomSource.
func WithBeacon(b Beacon) Option {
	return func(s *Service) { s.beacon = b }
}

// WithEvents sets the notification log.
func WithEvents(e events.EventLogger) Option {
	return func(s *Service) { s.events = e }
}

// WithObserver sets a receiver of committed call notifications.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// New constructs a lottery engine in the NoRound state.
func New(cfg Config, vault Vault, archive Archive, log *logger.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lottery config: %w", err)
	}
	if vault == nil {
		return nil, errors.New("lottery: vault is required")
	}
	if archive == nil {
		archive = NewMemoryArchive()
	}
	if log == nil {
		log = logger.NewDefault("lottery")
	}
	cfg = cfg.withDefaults()

	s := &Service{
		cfg:      cfg,
		log:      log,
		clock:    SystemClock,
		vault:    vault,
		archive:  archive,
		events:   events.NoOpLogger{},
		observer: nopObserver{},
		state:    NewRoundState(NewLedger(cfg.TicketPrice, cfg.PerAddressCap)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.random == nil {
		s.random = NewWeakRandom(s.clock, s.beacon)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Restore continues round numbering after the latest archived round.
func (s *Service) Restore(ctx context.Context) error {
	latest, err := s.archive.LatestRoundID(ctx)
	if err != nil {
		return fmt.Errorf("read latest round: %w", err)
	}
	s.view(ctx, func() { s.state.Resume(latest) })
	if latest > 0 {
		s.log.WithField("round_id", latest).Info("resumed round numbering from archive")
	}
	return nil
}

// StartRound opens a new round for the configured duration. Only the
// administrator may call it and never while a round is active.
func (s *Service) StartRound(ctx context.Context, caller string) (Round, error) {
	var round Round
	err := s.execute(ctx, func(ctx context.Context, f *frame) error {
		r, err := s.state.Start(caller, s.cfg.Admin, s.clock.Now(), s.cfg.RoundDuration)
		if err != nil {
			return err
		}
		round = r
		f.emit(events.Event{
			Type:    events.EventRoundStarted,
			RoundID: r.ID,
			EndTime: r.EndTime,
		})
		f.onCommit(func() {
			s.log.WithField("round_id", r.ID).
				WithField("end_time", r.EndTime).
				Info("lottery round started")
			s.observer.RoundStarted(r.ID)
		})
		return nil
	})
	if err != nil {
		s.failed(ctx, "start_round", err)
		return Round{}, err
	}
	return round, nil
}

// BuyTickets buys quantity tickets for buyer in the live round. paid must
// equal quantity times the ticket price exactly.
func (s *Service) BuyTickets(ctx context.Context, buyer string, quantity int, paid int64) (Purchase, error) {
	var purchase Purchase
	err := s.execute(ctx, func(ctx context.Context, f *frame) error {
		if !s.state.IsActive(s.clock.Now()) {
			return ErrRoundInactive
		}
		if strings.TrimSpace(buyer) == "" {
			return ErrInvalidIdentity
		}

		roundID := s.state.Round.ID
		p, err := s.state.Ledger.Record(roundID, buyer, quantity, paid)
		if err != nil {
			return err
		}
		if err := s.vault.Collect(ctx, buyer, paid, roundRef(roundID)); err != nil {
			return fmt.Errorf("collect payment: %w", err)
		}

		purchase = Purchase{
			RoundID:  roundID,
			Identity: buyer,
			Quantity: quantity,
			Paid:     paid,
			Count:    p.Count,
		}
		f.emit(events.Event{
			Type:     events.EventTicketPurchased,
			RoundID:  roundID,
			Identity: buyer,
			Quantity: quantity,
		})
		f.onCommit(func() {
			s.log.WithField("round_id", roundID).
				WithField("buyer", buyer).
				WithField("quantity", quantity).
				Debug("tickets purchased")
			s.observer.TicketsSold(quantity, paid)
		})
		return nil
	})
	if err != nil {
		s.failed(ctx, "buy_tickets", err)
		return Purchase{}, err
	}
	return purchase, nil
}

// Deposit rejects value sent outside a ticket purchase.
func (s *Service) Deposit(ctx context.Context, from string, amount int64) error {
	s.failed(ctx, "deposit", ErrDirectDeposit)
	return ErrDirectDeposit
}

// CurrentRound returns the live round record.
func (s *Service) CurrentRound(ctx context.Context) Round {
	var r Round
	s.view(ctx, func() { r = s.state.Round })
	return r
}

// IsActive reports whether tickets can be bought now.
func (s *Service) IsActive(ctx context.Context) bool {
	var active bool
	s.view(ctx, func() { active = s.state.IsActive(s.clock.Now()) })
	return active
}

// TimeRemaining returns the time until sales close, zero when inactive.
func (s *Service) TimeRemaining(ctx context.Context) time.Duration {
	var d time.Duration
	s.view(ctx, func() { d = s.state.TimeRemaining(s.clock.Now()) })
	return d
}

// UniqueCount returns the distinct participants of the live round.
func (s *Service) UniqueCount(ctx context.Context) int {
	var n int
	s.view(ctx, func() { n = s.state.Ledger.UniqueCount(s.state.Round.ID) })
	return n
}

// EntryCount returns the number of slots in the live round.
func (s *Service) EntryCount(ctx context.Context) int {
	var n int
	s.view(ctx, func() { n = s.state.Ledger.EntryCount() })
	return n
}

// Entries returns the live slot list in purchase order.
func (s *Service) Entries(ctx context.Context) []string {
	var entries []string
	s.view(ctx, func() { entries = s.state.Ledger.Entries() })
	return entries
}

// Participation returns an identity's standing in the live round.
func (s *Service) Participation(ctx context.Context, identity string) Participation {
	var p Participation
	s.view(ctx, func() { p = s.state.Ledger.Participation(s.state.Round.ID, identity) })
	return p
}

// ParticipationIn returns an identity's standing in any round.
func (s *Service) ParticipationIn(ctx context.Context, roundID int64, identity string) Participation {
	var p Participation
	s.view(ctx, func() { p = s.state.Ledger.Participation(roundID, identity) })
	return p
}

// Status returns a snapshot of the live round.
func (s *Service) Status(ctx context.Context) Status {
	var st Status
	s.view(ctx, func() {
		now := s.clock.Now()
		st = Status{
			Round:       s.state.Round,
			Active:      s.state.IsActive(now),
			Remaining:   s.state.TimeRemaining(now),
			UniqueCount: s.state.Ledger.UniqueCount(s.state.Round.ID),
			EntryCount:  s.state.Ledger.EntryCount(),
			Pool:        s.vault.PoolBalance(),
			TicketPrice: s.cfg.TicketPrice,
			Cap:         s.cfg.PerAddressCap,
		}
	})
	return st
}

// LastOutcome returns the outcome of the most recently settled round. It is
// cleared when the next round starts.
func (s *Service) LastOutcome(ctx context.Context) (Outcome, bool) {
	var (
		out Outcome
		ok  bool
	)
	s.view(ctx, func() {
		if s.state.Last != nil {
			out, ok = *s.state.Last, true
		}
	})
	return out, ok
}

// History returns the archived outcome of a round.
func (s *Service) History(ctx context.Context, roundID int64) (Outcome, error) {
	return s.archive.Get(ctx, roundID)
}

// ListHistory returns up to limit archived outcomes, newest first.
func (s *Service) ListHistory(ctx context.Context, limit int) ([]Outcome, error) {
	return s.archive.List(ctx, limit)
}

func (s *Service) failed(ctx context.Context, op string, err error) {
	s.observer.CallFailed(op, err)
	entry := s.log.WithField("op", op).WithError(err)
	if trace := events.TraceID(ctx); trace != "" {
		entry = entry.WithField("trace_id", trace)
	}
	if errors.Is(err, ErrTransferFailed) || errors.Is(err, ErrArchiveConflict) {
		entry.Warn("lottery call rolled back")
		return
	}
	entry.Debug("lottery call rejected")
}

func roundRef(roundID int64) string {
	return fmt.Sprintf("round-%d", roundID)
}
