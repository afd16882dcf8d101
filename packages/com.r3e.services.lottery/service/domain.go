// Package lottery provides a round-based lottery settlement engine.
//
// An administrator opens a timed round, participants buy tickets at a fixed
// price, and once the round ends anyone may settle it. Settlement either
// refunds everybody (too few distinct participants) or draws up to three
// distinct winners, pays the operator fee and splits the remaining pool.
package lottery

import (
	"errors"
	"math"
	"time"
)

// Fixed rules of the game.
const (
	MinUniqueParticipants = 2     // Below this a round is refunded
	MaxWinners            = 3     // Upper bound on distinct winners per round
	BasisPoints           = 10000 // Denominator for fee rates
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTicketPrice    int64         = 10_000_000 // 0.01 of a 9-decimal unit
	DefaultRoundDuration  time.Duration = 5 * time.Minute
	DefaultPerAddressCap  int           = 10
	DefaultFeeBasisPoints int64         = 500 // 5%
)

// OutcomeKind says how a round was closed.
type OutcomeKind string

const (
	OutcomeRefunded OutcomeKind = "refunded"
	OutcomeSettled  OutcomeKind = "settled"
)

// Round is the live round record. EndTime is zero once the round settled.
type Round struct {
	ID        int64     `json:"id"`         // Monotonic round number, 0 before the first round
	StartTime time.Time `json:"start_time"` // When the administrator opened the round
	EndTime   time.Time `json:"end_time"`   // Ticket sales close at this instant
}

// Active reports whether tickets can be bought at now.
func (r Round) Active(now time.Time) bool {
	return !r.EndTime.IsZero() && now.Before(r.EndTime)
}

// Ended reports whether the round closed but has not been settled.
func (r Round) Ended(now time.Time) bool {
	return !r.EndTime.IsZero() && !now.Before(r.EndTime)
}

// Participation is one identity's standing in one round.
type Participation struct {
	Count  int  `json:"count"`  // Tickets bought in the round
	Joined bool `json:"joined"` // Counted towards unique participants
}

// Payout is one winner and the prize sent to them.
type Payout struct {
	Winner string `json:"winner"`
	Prize  int64  `json:"prize"`
}

// Outcome is the archived result of a settled round.
type Outcome struct {
	RoundID       int64       `json:"round_id"`
	Kind          OutcomeKind `json:"kind"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       time.Time   `json:"end_time"`
	TotalRefunded int64       `json:"total_refunded"` // Refund branch only
	PoolAfterFee  int64       `json:"pool_after_fee"` // Payout branch only
	Fee           int64       `json:"fee"`            // Payout branch only
	Payouts       []Payout    `json:"payouts"`        // Empty when refunded
	SettledAt     time.Time   `json:"settled_at"`
	SettledBy     string      `json:"settled_by,omitempty"`
}

// Winners returns the winner identities in payout order.
func (o Outcome) Winners() []string {
	out := make([]string, len(o.Payouts))
	for i, p := range o.Payouts {
		out[i] = p.Winner
	}
	return out
}

// Prizes returns the prize amounts in payout order.
func (o Outcome) Prizes() []int64 {
	out := make([]int64, len(o.Payouts))
	for i, p := range o.Payouts {
		out[i] = p.Prize
	}
	return out
}

// Purchase is the result of a successful ticket purchase.
type Purchase struct {
	RoundID  int64  `json:"round_id"`
	Identity string `json:"identity"`
	Quantity int    `json:"quantity"`
	Paid     int64  `json:"paid"`
	Count    int    `json:"count"` // Tickets held after the purchase
}

// Status is a read-only snapshot of the live round.
type Status struct {
	Round       Round         `json:"round"`
	Active      bool          `json:"active"`
	Remaining   time.Duration `json:"remaining"`
	UniqueCount int           `json:"unique_count"`
	EntryCount  int           `json:"entry_count"`
	Pool        int64         `json:"pool"`
	TicketPrice int64         `json:"ticket_price"`
	Cap         int           `json:"cap"`
}

// Config holds the deployment parameters of an engine.
type Config struct {
	Admin          string        `json:"admin" yaml:"admin"`                       // Sole identity allowed to start rounds; receives the fee
	TicketPrice    int64         `json:"ticket_price" yaml:"ticket_price"`         // Exact price of one ticket
	RoundDuration  time.Duration `json:"round_duration" yaml:"round_duration"`     // Length of a round
	PerAddressCap  int           `json:"per_address_cap" yaml:"per_address_cap"`   // Max tickets per identity per round
	FeeBasisPoints int64         `json:"fee_basis_points" yaml:"fee_basis_points"` // Operator fee out of BasisPoints
}

func (c Config) withDefaults() Config {
	if c.TicketPrice == 0 {
		c.TicketPrice = DefaultTicketPrice
	}
	if c.RoundDuration == 0 {
		c.RoundDuration = DefaultRoundDuration
	}
	if c.PerAddressCap == 0 {
		c.PerAddressCap = DefaultPerAddressCap
	}
	if c.FeeBasisPoints == 0 {
		c.FeeBasisPoints = DefaultFeeBasisPoints
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.Admin == "":
		return errors.New("admin identity is required")
	case c.TicketPrice < 0:
		return errors.New("ticket price must be positive")
	case c.RoundDuration < 0:
		return errors.New("round duration must be positive")
	case c.PerAddressCap < 0:
		return errors.New("per-address cap must be positive")
	case c.FeeBasisPoints < 0 || c.FeeBasisPoints > BasisPoints:
		return errors.New("fee basis points must be within [0, 10000]")
	case c.TicketPrice > math.MaxInt64/int64(c.PerAddressCap):
		return errors.New("ticket price times per-address cap overflows int64")
	}
	return nil
}

// Errors
var (
	ErrUnauthorized          = errors.New("caller is not the administrator")
	ErrRoundAlreadyActive    = errors.New("round already active")
	ErrRoundInactive         = errors.New("round is not active")
	ErrNotEnded              = errors.New("round has not ended or was already settled")
	ErrInvalidQuantity       = errors.New("quantity must be at least 1")
	ErrInvalidIdentity       = errors.New("identity is required")
	ErrPaymentMismatch       = errors.New("payment does not equal quantity times ticket price")
	ErrCapExceeded           = errors.New("per-address ticket cap exceeded")
	ErrNoEntries             = errors.New("pool is empty")
	ErrTransferFailed        = errors.New("transfer failed")
	ErrReentrancyRejected    = errors.New("settlement already in progress")
	ErrDirectDeposit         = errors.New("direct deposits are not accepted")
	ErrArchiveConflict       = errors.New("round already archived")
	ErrOutcomeNotFound       = errors.New("round outcome not found")
	ErrNotEnoughParticipants = errors.New("not enough distinct entries to draw from")
	ErrDrawExhausted         = errors.New("random source failed to produce distinct winners")
)
