// Package notify fans committed lottery events out to external observers:
// a Redis pub/sub channel and WebSocket clients.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/lottery_settlement/internal/app/system"
	"github.com/R3E-Network/lottery_settlement/internal/engine/events"
	"github.com/R3E-Network/lottery_settlement/pkg/logger"
)

const (
	DefaultChannel   = "lottery.events"
	defaultQueueSize = 256
	drainTimeout     = 2 * time.Second
)

// Publisher sends an encoded event to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes through a go-redis client.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects lazily to the Redis server at addr.
func NewRedisPublisher(addr, password string, db int) *RedisPublisher {
	return &RedisPublisher{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Relay forwards events from the engine's log to a Publisher. Events are
// queued by the subscriber callback and published by a single worker, so
// the engine never waits on the network and order is preserved. When the
// queue is full the event is dropped and counted.
type Relay struct {
	source  events.EventLogger
	pub     Publisher
	channel string
	log     *logger.Logger
	queue   chan events.Event

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

var _ system.Service = (*Relay)(nil)

// NewRelay builds a relay. An empty channel uses DefaultChannel.
func NewRelay(source events.EventLogger, pub Publisher, channel string, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewDefault("notify-relay")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		source:  source,
		pub:     pub,
		channel: channel,
		log:     log,
		queue:   make(chan events.Event, defaultQueueSize),
	}
}

func (r *Relay) Name() string { return "notify-relay" }

func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.run(runCtx)
	r.unsubscribe = r.source.Subscribe(r.enqueue)

	r.log.WithField("channel", r.channel).Info("event relay started")
	return nil
}

func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.unsubscribe()
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Published returns how many events reached the publisher.
func (r *Relay) Published() int64 { return r.published.Load() }

// Dropped returns how many events were discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many publish attempts returned an error.
func (r *Relay) Failed() int64 { return r.failed.Load() }

func (r *Relay) enqueue(event events.Event) {
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.log.WithField("seq", event.Seq).Warn("event relay queue full; dropping event")
	}
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case event := <-r.queue:
			r.publish(ctx, event)
		}
	}
}

// drain publishes whatever is still buffered after shutdown was requested.
func (r *Relay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-r.queue:
			r.publish(ctx, event)
		default:
			return
		}
	}
}

func (r *Relay) publish(ctx context.Context, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.failed.Add(1)
		r.log.WithError(err).Error("encode event")
		return
	}
	if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
		r.failed.Add(1)
		r.log.WithError(err).
			WithField("seq", event.Seq).
			WithField("type", event.Type).
			Warn("publish event failed")
		return
	}
	r.published.Add(1)
}
