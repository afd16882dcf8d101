package lottery

import "fmt"

// Ledger records ticket purchases. The slot list belongs to the live round
// only; participation and counters are keyed by round id and are never
// reused, so a new round starts from zero without clearing old rounds.
type Ledger struct {
	price int64
	cap   int

	entries       []string
	participation map[int64]map[string]*Participation
	unique        map[int64]int
	tickets       map[int64]int
}

// NewLedger creates a ledger enforcing the given price and per-identity cap.
func NewLedger(price int64, perIdentityCap int) *Ledger {
	return &Ledger{
		price:         price,
		cap:           perIdentityCap,
		participation: make(map[int64]map[string]*Participation),
		unique:        make(map[int64]int),
		tickets:       make(map[int64]int),
	}
}

// Record validates and appends a purchase of quantity tickets. Nothing is
// changed when it returns an error.
func (l *Ledger) Record(roundID int64, identity string, quantity int, paid int64) (Participation, error) {
	if quantity < 1 {
		return Participation{}, ErrInvalidQuantity
	}
	// Compare by division so a huge quantity cannot overflow the product.
	if paid <= 0 || paid%l.price != 0 || paid/l.price != int64(quantity) {
		return Participation{}, fmt.Errorf("%w: paid %d for %d tickets at %d", ErrPaymentMismatch, paid, quantity, l.price)
	}

	current := l.Participation(roundID, identity)
	if quantity > l.cap-current.Count {
		return Participation{}, fmt.Errorf("%w: holds %d, cap %d", ErrCapExceeded, current.Count, l.cap)
	}

	round, ok := l.participation[roundID]
	if !ok {
		round = make(map[string]*Participation)
		l.participation[roundID] = round
	}
	p, ok := round[identity]
	if !ok {
		p = &Participation{}
		round[identity] = p
	}
	if !p.Joined {
		p.Joined = true
		l.unique[roundID]++
	}
	p.Count += quantity
	l.tickets[roundID] += quantity

	for i := 0; i < quantity; i++ {
		l.entries = append(l.entries, identity)
	}
	return *p, nil
}

// Participation returns an identity's standing in a round.
func (l *Ledger) Participation(roundID int64, identity string) Participation {
	if p, ok := l.participation[roundID][identity]; ok {
		return *p
	}
	return Participation{}
}

// UniqueCount returns the number of distinct identities in a round.
func (l *Ledger) UniqueCount(roundID int64) int {
	return l.unique[roundID]
}

// TicketCount returns the number of tickets sold in a round.
func (l *Ledger) TicketCount(roundID int64) int {
	return l.tickets[roundID]
}

// EntryCount returns the number of slots in the live round.
func (l *Ledger) EntryCount() int {
	return len(l.entries)
}

// Entries returns a copy of the live slot list in purchase order.
func (l *Ledger) Entries() []string {
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// ClearEntries empties the live slot list.
func (l *Ledger) ClearEntries() {
	l.entries = nil
}

// Refunds aggregates the live slots per identity in first-purchase order.
func (l *Ledger) Refunds() []Payout {
	index := make(map[string]int)
	var out []Payout
	for _, id := range l.entries {
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, Payout{Winner: id})
		}
		out[i].Prize += l.price
	}
	return out
}

type ledgerSnapshot struct {
	roundID       int64
	entries       []string
	participation map[string]Participation
	unique        int
	tickets       int
}

// snapshot captures what a call on roundID can change.
func (l *Ledger) snapshot(roundID int64) ledgerSnapshot {
	s := ledgerSnapshot{
		roundID: roundID,
		entries: l.Entries(),
		unique:  l.unique[roundID],
		tickets: l.tickets[roundID],
	}
	if round, ok := l.participation[roundID]; ok {
		s.participation = make(map[string]Participation, len(round))
		for id, p := range round {
			s.participation[id] = *p
		}
	}
	return s
}

// restore rewinds to a snapshot, dropping rounds opened after it.
func (l *Ledger) restore(s ledgerSnapshot) {
	l.entries = s.entries
	for id := range l.participation {
		if id > s.roundID {
			delete(l.participation, id)
		}
	}
	for id := range l.unique {
		if id > s.roundID {
			delete(l.unique, id)
		}
	}
	for id := range l.tickets {
		if id > s.roundID {
			delete(l.tickets, id)
		}
	}

	if s.participation == nil {
		delete(l.participation, s.roundID)
	} else {
		round := make(map[string]*Participation, len(s.participation))
		for id, p := range s.participation {
			p := p
			round[id] = &p
		}
		l.participation[s.roundID] = round
	}
	if s.unique == 0 {
		delete(l.unique, s.roundID)
	} else {
		l.unique[s.roundID] = s.unique
	}
	if s.tickets == 0 {
		delete(l.tickets, s.roundID)
	} else {
		l.tickets[s.roundID] = s.tickets
	}
}
