package treasury

import (
	"context"
	"errors"
	"time"
)

const (
	// PoolAccount is the counterparty recorded for funds leaving the pool.
	PoolAccount = "lottery-pool"

	// Transaction types
	TxTypeCollect  = "collect"
	TxTypeTransfer = "transfer"
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInsufficientPool = errors.New("insufficient pool balance")
	ErrRejected         = errors.New("recipient rejected transfer")
	ErrBadCheckpoint    = errors.New("checkpoint is ahead of journal")
)

// Transaction is one journaled movement of funds into or out of the pool.
type Transaction struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Counterparty string    `json:"counterparty"`
	Amount       int64     `json:"amount"`
	PoolAfter    int64     `json:"pool_after"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Receiver is recipient-controlled code run when funds arrive. Returning an
// error rejects the transfer. A receiver may call back into the engine.
type Receiver interface {
	Receive(ctx context.Context, from string, amount int64) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, from string, amount int64) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, from string, amount int64) error {
	return f(ctx, from, amount)
}
