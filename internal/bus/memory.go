package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/chilleregeravi/agents/internal/errors"
)

const (
	defaultPartitions    = 16
	defaultBufferSize    = 256
	defaultRedeliveryGap = 50 * time.Millisecond
)

// MemoryBusConfig configures the in-memory bus.
type MemoryBusConfig struct {
	// Partitions is the number of ordered delivery lanes per subscriber.
	// Events sharing a key always land in the same lane.
	Partitions int

	// BufferSize is the per-partition channel depth. Publish blocks when
	// a lane is full, providing natural backpressure.
	BufferSize int

	// MaxDeliveries bounds redelivery before an event is dead-lettered.
	MaxDeliveries int

	Logger *slog.Logger
}

// MemoryBus is an in-process, partitioned event log. Ordering is guaranteed
// per key by hashing keys onto partitions, each drained by one goroutine.
type MemoryBus struct {
	cfg    MemoryBusConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	subscribers map[string][]*subscription
	deadLetters map[string][]Envelope
	closed      bool

	published    atomic.Uint64
	acked        atomic.Uint64
	redelivered  atomic.Uint64
	deadLettered atomic.Uint64
}

type subscription struct {
	handler    Handler
	topic      string
	partitions []chan Envelope
}

// NewMemoryBus creates and starts an in-memory bus.
func NewMemoryBus(cfg MemoryBusConfig) *MemoryBus {
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaultPartitions
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string][]*subscription),
		deadLetters: make(map[string][]Envelope),
	}
}

// Subscribe registers a handler and spins up its partition drainers.
// Must be called before events for the topic are published; events published
// to a topic with no subscribers are dropped (matching broker semantics for
// unbound topics).
func (b *MemoryBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodePublishFailed, "bus is closed", nil)
	}

	sub := &subscription{
		handler:    h,
		topic:      topic,
		partitions: make([]chan Envelope, b.cfg.Partitions),
	}
	for i := range sub.partitions {
		ch := make(chan Envelope, b.cfg.BufferSize)
		sub.partitions[i] = ch
		b.wg.Add(1)
		go b.drain(sub, ch)
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return nil
}

// Publish appends the envelope to every subscriber's lane for its key.
func (b *MemoryBus) Publish(ctx context.Context, topic string, ev Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New(errors.ErrCodePublishFailed, "bus is closed", nil)
	}
	subs := b.subscribers[topic]
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range subs {
		lane := sub.partitions[b.partitionFor(ev.Key)]
		select {
		case lane <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return errors.New(errors.ErrCodePublishFailed, "bus is closed", nil)
		}
	}
	return nil
}

func (b *MemoryBus) partitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(b.cfg.Partitions))
}

// drain delivers envelopes from one lane in order, holding the lane until
// the current envelope is acked or dead-lettered. This is what makes
// delivery ordered per key.
func (b *MemoryBus) drain(sub *subscription, ch chan Envelope) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-ch:
			b.deliver(sub, ev)
		}
	}
}

func (b *MemoryBus) deliver(sub *subscription, ev Envelope) {
	for {
		ev.Deliveries++
		err := sub.handler(b.ctx, ev)
		if err == nil {
			b.acked.Add(1)
			return
		}

		if !errors.IsRetryable(err) || ev.Deliveries >= b.cfg.MaxDeliveries {
			b.toDeadLetter(sub.topic, ev, err)
			return
		}

		b.redelivered.Add(1)
		b.cfg.Logger.Warn("event_redelivery",
			slog.String("topic", sub.topic),
			slog.String("event_id", ev.ID.String()),
			slog.Int("deliveries", ev.Deliveries),
			slog.String("error", err.Error()))

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(defaultRedeliveryGap * time.Duration(ev.Deliveries)):
		}
	}
}

func (b *MemoryBus) toDeadLetter(topic string, ev Envelope, cause error) {
	b.deadLettered.Add(1)
	b.cfg.Logger.Error("event_dead_lettered",
		slog.String("topic", topic),
		slog.String("event_id", ev.ID.String()),
		slog.Int("deliveries", ev.Deliveries),
		slog.String("error", cause.Error()))

	b.mu.Lock()
	b.deadLetters[topic+DLQSuffix] = append(b.deadLetters[topic+DLQSuffix], ev)
	b.mu.Unlock()
}

// DeadLetters returns the envelopes parked on the topic's DLQ.
func (b *MemoryBus) DeadLetters(topic string) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	parked := b.deadLetters[topic+DLQSuffix]
	out := make([]Envelope, len(parked))
	copy(out, parked)
	return out
}

// Stats reports cumulative delivery counters.
func (b *MemoryBus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Acked:        b.acked.Load(),
		Redelivered:  b.redelivered.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

// Close stops delivery and waits for lane goroutines to exit.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
