// Package treasury holds the lottery pool and delivers payouts.
//
// Fund flow:
//  1. A ticket purchase collects the payment into the pool
//  2. Settlement transfers the fee and prizes (or refunds) out of the pool
//  3. Every movement is journaled; a caller can checkpoint the journal and
//     revert to it, which undoes all movements recorded after the checkpoint
//
// Recipients may register a Receiver. It runs after the balances moved and
// can reject the transfer, in which case the movement is undone.
package treasury

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

// Treasury is an in-process pool account with a reversible journal.
type Treasury struct {
	mu        sync.RWMutex
	pool      int64
	balances  map[string]int64
	journal   []Transaction
	receivers map[string]Receiver
	log       *logger.Logger
	now       func() time.Time
}

// New creates an empty treasury.
func New(log *logger.Logger) *Treasury {
	if log == nil {
		log = logger.NewDefault("treasury")
	}
	return &Treasury{
		balances:  make(map[string]int64),
		receivers: make(map[string]Receiver),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterReceiver installs recipient code for an identity. A nil receiver
// removes it.
func (t *Treasury) RegisterReceiver(identity string, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r == nil {
		delete(t.receivers, identity)
		return
	}
	t.receivers[identity] = r
}

// Collect credits an inbound payment to the pool.
func (t *Treasury) Collect(ctx context.Context, from string, amount int64, reference string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: collect %d", ErrInvalidAmount, amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pool > math.MaxInt64-amount {
		return fmt.Errorf("%w: collect %d overflows pool %d", ErrInvalidAmount, amount, t.pool)
	}
	t.pool += amount
	t.record(TxTypeCollect, from, amount, reference)
	return nil
}

// Transfer moves amount from the pool to the recipient and then runs the
// recipient's receiver, if any. On rejection every movement made since the
// transfer began, including ones made by re-entrant calls, is undone.
func (t *Treasury) Transfer(ctx context.Context, to string, amount int64, reference string) error {
	if amount < 0 {
		return fmt.Errorf("%w: transfer %d", ErrInvalidAmount, amount)
	}

	t.mu.Lock()
	if amount > t.pool {
		pool := t.pool
		t.mu.Unlock()
		return fmt.Errorf("%w: pool %d, requested %d", ErrInsufficientPool, pool, amount)
	}
	checkpoint := len(t.journal)
	t.pool -= amount
	t.balances[to] += amount
	t.record(TxTypeTransfer, to, amount, reference)
	receiver := t.receivers[to]
	t.mu.Unlock()

	if receiver == nil {
		return nil
	}

	// Lock is released: the receiver may re-enter the engine and the treasury.
	if err := receiver.Receive(ctx, PoolAccount, amount); err != nil {
		if rerr := t.RevertTo(checkpoint); rerr != nil {
			t.log.WithError(rerr).Error("revert after rejected transfer failed")
		}
		t.log.WithField("recipient", to).
			WithField("amount", amount).
			WithError(err).
			Warn("transfer rejected by recipient")
		return fmt.Errorf("%w: %s: %w", ErrRejected, to, err)
	}
	return nil
}

// PoolBalance returns the funds currently held.
func (t *Treasury) PoolBalance() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pool
}

// Balance returns the total credited to an identity.
func (t *Treasury) Balance(identity string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[identity]
}

// Checkpoint returns a journal position usable with RevertTo.
func (t *Treasury) Checkpoint() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.journal)
}

// RevertTo undoes every journaled movement after checkpoint, newest first.
func (t *Treasury) RevertTo(checkpoint int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if checkpoint < 0 || checkpoint > len(t.journal) {
		return fmt.Errorf("%w: %d > %d", ErrBadCheckpoint, checkpoint, len(t.journal))
	}
	for i := len(t.journal) - 1; i >= checkpoint; i-- {
		tx := t.journal[i]
		switch tx.Type {
		case TxTypeCollect:
			t.pool -= tx.Amount
		case TxTypeTransfer:
			t.pool += tx.Amount
			t.balances[tx.Counterparty] -= tx.Amount
			if t.balances[tx.Counterparty] == 0 {
				delete(t.balances, tx.Counterparty)
			}
		}
	}
	t.journal = t.journal[:checkpoint]
	return nil
}

// Transactions returns up to limit journal entries, newest first.
func (t *Treasury) Transactions(limit int) []Transaction {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.journal) {
		limit = len(t.journal)
	}
	result := make([]Transaction, 0, limit)
	for i := len(t.journal) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, t.journal[i])
	}
	return result
}

// record appends a journal entry. Caller holds t.mu.
func (t *Treasury) record(txType, counterparty string, amount int64, reference string) {
	t.journal = append(t.journal, Transaction{
		ID:           uuid.NewString(),
		Type:         txType,
		Counterparty: counterparty,
		Amount:       amount,
		PoolAfter:    t.pool,
		Reference:    reference,
		CreatedAt:    t.now(),
	})
}
