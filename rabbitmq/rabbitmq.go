package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coursekit/bookingcore/backoff"
	"github.com/coursekit/bookingcore/log"
)

const (
	defaultConnectAttempts = 3
	defaultConnectBackoff  = 500 * time.Millisecond
	maxConnectBackoff      = 5 * time.Second
)

// Config holds broker connection settings.
type Config struct {
	// URL is the AMQP connection string.
	URL string

	// Exchange is the topic exchange all events are published to.
	Exchange string

	// ConnectAttempts bounds dial retries before giving up.
	ConnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = defaultConnectAttempts
	}

	return c
}

// Publisher publishes JSON events to a durable topic exchange. The channel
// is re-established once on a failed publish, which covers broker restarts
// without a standing reconnect loop.
type Publisher struct {
	config Config
	logger log.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the exchange, retrying with
// exponential backoff.
func NewPublisher(ctx context.Context, config Config, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = &log.NoneLogger{}
	}

	p := &Publisher{config: config.withDefaults(), logger: logger}

	var lastErr error

	for attempt := 0; attempt < p.config.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff.Capped(
				backoff.ExponentialWithJitter(defaultConnectBackoff, attempt-1),
				maxConnectBackoff,
			)

			p.logger.Warnf("rabbitmq connect attempt %d failed, retrying in %s: %v", attempt, delay, lastErr)

			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		if lastErr = p.connect(); lastErr == nil {
			return p, nil
		}
	}

	return nil, fmt.Errorf("connecting to rabbitmq after %d attempts: %w", p.config.ConnectAttempts, lastErr)
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return fmt.Errorf("declare exchange %s: %w", p.config.Exchange, err)
	}

	p.mu.Lock()
	p.closeLocked()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()

	return nil
}

// PublishJSON publishes the payload as a persistent JSON message under the
// routing key. One reconnect is attempted if the channel has gone away.
func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", routingKey, err)
	}

	if err := p.publish(ctx, routingKey, body); err == nil {
		return nil
	}

	if err := p.connect(); err != nil {
		return err
	}

	return p.publish(ctx, routingKey, body)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("rabbitmq channel is not open")
	}

	return ch.PublishWithContext(ctx, p.config.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()

	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}

	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
