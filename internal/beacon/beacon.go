// Package beacon supplies the external value mixed into each winner draw.
//
// The block beacon reads the hash of the latest Neo N3 block. Block
// producers can influence it, so it only adds spread to the draw; it does
// not make the draw unpredictable.
package beacon

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/nspcc-dev/neo-go/pkg/util"

	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

// BlockSource is the part of the chain client the beacon needs.
type BlockSource interface {
	GetBlockCount(ctx context.Context) (uint64, error)
	GetBlockHash(ctx context.Context, index uint64) (util.Uint256, error)
}

// BlockBeacon returns the hash of the latest block. If the node cannot be
// reached it falls back to the last hash it saw.
type BlockBeacon struct {
	src BlockSource
	log *logger.Logger

	mu     sync.Mutex
	height uint64
	last   []byte
}

// NewBlockBeacon creates a beacon reading from src.
func NewBlockBeacon(src BlockSource, log *logger.Logger) *BlockBeacon {
	if log == nil {
		log = logger.NewDefault("beacon")
	}
	return &BlockBeacon{src: src, log: log}
}

// Value implements lottery.Beacon.
func (b *BlockBeacon) Value(ctx context.Context) ([]byte, error) {
	hash, height, err := b.latest(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		if b.last == nil {
			return nil, err
		}
		b.log.WithError(err).WithField("height", b.height).Warn("block beacon unavailable, reusing last hash")
		return append([]byte(nil), b.last...), nil
	}

	b.height = height
	b.last = hash.BytesBE()
	return append([]byte(nil), b.last...), nil
}

// Height returns the block height of the last hash read.
func (b *BlockBeacon) Height() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height
}

func (b *BlockBeacon) latest(ctx context.Context) (util.Uint256, uint64, error) {
	count, err := b.src.GetBlockCount(ctx)
	if err != nil {
		return util.Uint256{}, 0, fmt.Errorf("get block count: %w", err)
	}
	if count == 0 {
		return util.Uint256{}, 0, fmt.Errorf("chain has no blocks")
	}
	hash, err := b.src.GetBlockHash(ctx, count-1)
	if err != nil {
		return util.Uint256{}, 0, fmt.Errorf("get block hash %d: %w", count-1, err)
	}
	return hash, count - 1, nil
}

// LocalBeacon returns fresh random bytes from the operating system. It is
// used when no chain endpoint is configured.
type LocalBeacon struct{}

// Value implements lottery.Beacon.
func (LocalBeacon) Value(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}
