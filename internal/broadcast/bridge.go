// Package broadcast hands messages produced by workers to live consumers.
// Workers push into a bounded queue; a single goroutine owns the fan-out.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the queue capacity used when none is configured
const DefaultQueueSize = 256

// Consumer receives encoded messages. A Send error disconnects the consumer.
type Consumer interface {
	Send(msg []byte) error
	Close() error
}

// Counter is incremented for every dropped message
type Counter interface {
	Inc()
}

// Bridge fans out published messages to the connected consumers
type Bridge struct {
	queue   chan []byte
	logger  *slog.Logger
	dropped Counter

	consumers map[Consumer]struct{}
	mu        sync.RWMutex

	running  atomic.Bool
	drops    atomic.Uint64
	syncSend sync.Mutex
}

// New creates a bridge with the given queue size
func New(queueSize int, logger *slog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bridge{
		queue:     make(chan []byte, queueSize),
		logger:    logger.With("component", "broadcast"),
		consumers: make(map[Consumer]struct{}),
	}
}

// SetDropCounter attaches a metric for dropped messages
func (b *Bridge) SetDropCounter(c Counter) {
	b.dropped = c
}

// Connect adds a consumer to the fan-out set
func (b *Bridge) Connect(c Consumer) {
	b.mu.Lock()
	b.consumers[c] = struct{}{}
	n := len(b.consumers)
	b.mu.Unlock()

	b.logger.Debug("consumer connected", "consumers", n)
}

// Disconnect removes a consumer. It does not close it.
func (b *Bridge) Disconnect(c Consumer) {
	b.mu.Lock()
	_, ok := b.consumers[c]
	delete(b.consumers, c)
	n := len(b.consumers)
	b.mu.Unlock()

	if ok {
		b.logger.Debug("consumer disconnected", "consumers", n)
	}
}

// Consumers returns the number of connected consumers
func (b *Bridge) Consumers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

// Dropped returns how many messages were dropped because the queue was full
func (b *Bridge) Dropped() uint64 {
	return b.drops.Load()
}

// Publish encodes msg as JSON and queues it without blocking.
// When the fan-out goroutine is not running the message is delivered synchronously.
func (b *Bridge) Publish(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to encode message", "error", err)
		return
	}

	if !b.running.Load() {
		b.syncSend.Lock()
		b.drain()
		b.fanout(data)
		b.syncSend.Unlock()
		return
	}

	select {
	case b.queue <- data:
		// the loop may have stopped after the running check
		if !b.running.Load() {
			b.syncSend.Lock()
			b.drain()
			b.syncSend.Unlock()
		}
	default:
		b.drops.Add(1)
		if b.dropped != nil {
			b.dropped.Inc()
		}
	}
}

// Run drains the queue until ctx is cancelled. Only one Run may be active.
func (b *Bridge) Run(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		b.logger.Warn("bridge already running")
		return
	}
	defer b.running.Store(false)

	b.logger.Info("broadcast bridge started")
	for {
		select {
		case <-ctx.Done():
			b.running.Store(false)
			b.syncSend.Lock()
			b.drain()
			b.syncSend.Unlock()
			b.logger.Info("broadcast bridge stopped")
			return
		case data := <-b.queue:
			b.fanout(data)
		}
	}
}

// drain delivers whatever is still queued without waiting for more
func (b *Bridge) drain() {
	for {
		select {
		case data := <-b.queue:
			b.fanout(data)
		default:
			return
		}
	}
}

func (b *Bridge) fanout(data []byte) {
	b.mu.RLock()
	targets := make([]Consumer, 0, len(b.consumers))
	for c := range b.consumers {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			b.logger.Debug("dropping consumer after send failure", "error", err)
			b.Disconnect(c)
			_ = c.Close()
		}
	}
}
