package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

var ErrNotConnected = errors.New("transport not connected")

// RedisTransport publishes events with Redis PUBLISH on the topic channel.
// go-redis redials on its own, so Publish never reports ErrNotConnected.
type RedisTransport struct {
	client *redis.Client
	owned  bool
}

// NewRedisTransport parses a redis:// URL. The connection is opened lazily
// and verified by Connect.
func NewRedisTransport(redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisTransport{client: redis.NewClient(opts), owned: true}, nil
}

// NewRedisTransportFromClient wraps a client owned by the caller. Close
// leaves it open.
func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, body []byte) error {
	return t.client.Publish(ctx, topic, body).Err()
}

func (t *RedisTransport) Close() error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}

// AMQPTransport publishes events to a durable fanout exchange named after
// the topic. Connect may be called again after the broker drops the
// connection; it replaces the old connection.
type AMQPTransport struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewAMQPTransport(url string) *AMQPTransport {
	return &AMQPTransport{url: url, declared: map[string]bool{}}
}

func (t *AMQPTransport) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}

	t.mu.Lock()
	old := t.conn
	t.conn, t.ch = conn, ch
	t.declared = map[string]bool{}
	t.mu.Unlock()

	if old != nil && !old.IsClosed() {
		old.Close()
	}
	return nil
}

func (t *AMQPTransport) Publish(ctx context.Context, topic string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil || t.conn.IsClosed() || t.ch.IsClosed() {
		return ErrNotConnected
	}
	if !t.declared[topic] {
		if err := t.ch.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", topic, t.lost(err))
		}
		t.declared[topic] = true
	}
	err := t.ch.PublishWithContext(ctx, topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, t.lost(err))
	}
	return nil
}

// lost marks err as a dropped connection when the channel is gone, so the
// broadcaster redials.
func (t *AMQPTransport) lost(err error) error {
	if errors.Is(err, amqp.ErrClosed) || t.ch.IsClosed() {
		return errors.Join(ErrNotConnected, err)
	}
	return err
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn, t.ch = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

var (
	_ Transport = (*RedisTransport)(nil)
	_ Transport = (*AMQPTransport)(nil)
	_ Transport = Nop{}
)
