// Package broadcast publishes job lifecycle events to an external message
// bus. Delivery is best effort: events raised while the transport is down
// or the send buffer is full are dropped and logged.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "inference/events"

const defaultBufferSize = 256

// Transport is a connection to a message bus. Publish returns an error
// wrapping ErrNotConnected once the connection is lost; the Broadcaster then
// calls Connect again until it succeeds.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, body []byte) error
	Close() error
}

// Envelope is the wire format of every event.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster owns a Transport and a single sender goroutine.
type Broadcaster struct {
	transport Transport
	topic     string
	logger    *slog.Logger

	// ConnectMaxInterval caps the delay between connection attempts.
	ConnectMaxInterval time.Duration

	connected atomic.Bool
	outbox    chan Envelope
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Broadcaster. It does nothing until Start is called.
func New(transport Transport, topic string, logger *slog.Logger) *Broadcaster {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		transport:          transport,
		topic:              topic,
		logger:             logger,
		ConnectMaxInterval: 30 * time.Second,
		outbox:             make(chan Envelope, defaultBufferSize),
	}
}

// Start connects in the background and returns immediately. Events
// published before the connection is up are dropped.
func (b *Broadcaster) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if !b.connect(ctx) {
				return
			}
			b.send(ctx)
		}()
	})
}

func (b *Broadcaster) connect(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = b.ConnectMaxInterval
	if bo.InitialInterval > bo.MaxInterval {
		bo.InitialInterval = bo.MaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := b.transport.Connect(ctx); err != nil {
			b.logger.Warn("broadcaster connect failed, retrying", "topic", b.topic, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(0))
	if err != nil {
		b.logger.Info("broadcaster stopped before connecting", "error", err)
		return false
	}

	b.connected.Store(true)
	b.logger.Info("broadcaster connected", "topic", b.topic)
	return true
}

func (b *Broadcaster) send(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case env := <-b.outbox:
			if err := b.deliver(ctx, env); !errors.Is(err, ErrNotConnected) {
				continue
			}
			b.connected.Store(false)
			b.logger.Warn("broadcaster connection lost, reconnecting", "topic", b.topic)
			if !b.connect(ctx) {
				return
			}
			b.deliver(ctx, env)
		}
	}
}

// drain flushes whatever is already queued with a short deadline.
func (b *Broadcaster) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case env := <-b.outbox:
			b.deliver(ctx, env)
		default:
			return
		}
	}
}

func (b *Broadcaster) deliver(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to encode event", "event", env.Event, "error", err)
		return err
	}
	if err := b.transport.Publish(ctx, b.topic, body); err != nil {
		b.logger.Error("failed to publish event", "event", env.Event, "topic", b.topic, "error", err)
		return err
	}
	b.logger.Debug("event published", "event", env.Event, "topic", b.topic)
	return nil
}

// Connected reports whether the transport is connected. It is false while
// a lost connection is being re-established.
func (b *Broadcaster) Connected() bool {
	return b.connected.Load()
}

// Publish queues an event for sending. It never blocks.
func (b *Broadcaster) Publish(_ context.Context, event string, data any) {
	if !b.connected.Load() {
		b.logger.Warn("broadcaster not connected, dropping event", "event", event)
		return
	}
	env := Envelope{Event: event, Data: data, Timestamp: time.Now().UnixMilli()}
	select {
	case b.outbox <- env:
	default:
		b.logger.Warn("broadcaster buffer full, dropping event", "event", event)
	}
}

// Stop flushes queued events, closes the transport, and waits for the
// sender to exit or ctx to expire.
func (b *Broadcaster) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		b.connected.Store(false)
		if cerr := b.transport.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Nop is a Transport that discards every event.
type Nop struct{}

func (Nop) Connect(context.Context) error                 { return nil }
func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close() error                                  { return nil }
