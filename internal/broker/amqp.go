package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig describes the RabbitMQ endpoint and topology.
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string

	PublishAttempts int
	ConfirmTimeout  time.Duration
	Reconnect       Backoff

	// ConsumerTag identifies the subscription in the management UI.
	ConsumerTag string
	Logger      *slog.Logger
}

// AMQPURL assembles an amqp:// URL from its parts.
func AMQPURL(host string, port int, user, password string) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/",
	}
	return u.String()
}

func (c *AMQPConfig) defaults() {
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Second
	}
	if c.Reconnect.Min <= 0 {
		c.Reconnect.Min = 500 * time.Millisecond
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 30 * time.Second
	}
}

// amqpSession is one connection plus one channel with the topology declared.
type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func dialSession(cfg AMQPConfig, name string) (*amqpSession, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": name},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	s := &amqpSession{conn: conn, ch: ch}
	if err := s.declare(cfg); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// declare sets up a durable direct exchange and a durable queue bound to it
// with the queue name as routing key.
func (s *amqpSession) declare(cfg AMQPConfig) error {
	if err := s.ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", cfg.Exchange, err)
	}
	if _, err := s.ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", cfg.Queue, err)
	}
	if err := s.ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q: %w", cfg.Queue, err)
	}
	return nil
}

func (s *amqpSession) usable() bool {
	return s != nil && !s.conn.IsClosed() && !s.ch.IsClosed()
}

func (s *amqpSession) close() {
	if s == nil {
		return
	}
	s.ch.Close()
	s.conn.Close()
}

// ----------------------------------------------------------------------------
// Publisher
// ----------------------------------------------------------------------------

// AMQPPublisher publishes persistent messages with publisher confirms.
type AMQPPublisher struct {
	cfg AMQPConfig
	log *slog.Logger

	mu      sync.Mutex
	session *amqpSession
}

// NewAMQPPublisher creates a publisher. The connection is opened lazily on
// the first Publish and re-opened after failures.
func NewAMQPPublisher(cfg AMQPConfig) *AMQPPublisher {
	cfg.defaults()
	return &AMQPPublisher{cfg: cfg, log: orDefault(cfg.Logger)}
}

// Connect opens the session eagerly so startup can fail fast.
func (p *AMQPPublisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureLocked()
}

func (p *AMQPPublisher) ensureLocked() error {
	if p.session.usable() {
		return nil
	}
	p.session.close()
	p.session = nil

	s, err := dialSession(p.cfg, "taskdispatch-producer")
	if err != nil {
		return err
	}
	if err := s.ch.Confirm(false); err != nil {
		s.close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	p.session = s
	return nil
}

// Publish sends body to the exchange and waits for the broker confirm.
// Connection and confirm failures are retried up to PublishAttempts times.
func (p *AMQPPublisher) Publish(ctx context.Context, body []byte, routingKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 1; attempt <= p.cfg.PublishAttempts; attempt++ {
		if attempt > 1 && !sleep(ctx, p.cfg.Reconnect.Delay(attempt-1)) {
			return false
		}
		if err := p.ensureLocked(); err != nil {
			p.log.Warn("AMQP connect failed", "attempt", attempt, "error", err)
			continue
		}
		err := p.publishOnce(ctx, body, routingKey)
		if err == nil {
			return true
		}
		p.log.Warn("AMQP publish failed", "attempt", attempt, "routing_key", routingKey, "error", err)
		p.session.close()
		p.session = nil
	}
	return false
}

var errNacked = errors.New("broker nacked message")

func (p *AMQPPublisher) publishOnce(ctx context.Context, body []byte, routingKey string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	conf, err := p.session.ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, routingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		return err
	}
	if conf == nil {
		return errors.New("channel not in confirm mode")
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session.close()
	p.session = nil
	return nil
}

// ----------------------------------------------------------------------------
// Consumer
// ----------------------------------------------------------------------------

// AMQPConsumer owns its own connection and consumes with prefetch 1.
type AMQPConsumer struct {
	cfg AMQPConfig
	log *slog.Logger

	mu      sync.Mutex
	session *amqpSession
}

// NewAMQPConsumer creates a consumer for cfg.Queue.
func NewAMQPConsumer(cfg AMQPConfig) *AMQPConsumer {
	cfg.defaults()
	return &AMQPConsumer{cfg: cfg, log: orDefault(cfg.Logger)}
}

// Consume subscribes and dispatches deliveries to handler until ctx is
// cancelled. A lost connection is re-established with backoff.
func (c *AMQPConsumer) Consume(ctx context.Context, handler Handler) error {
	failures := 0
	for ctx.Err() == nil {
		deliveries, err := c.subscribe(ctx)
		if err != nil {
			failures++
			delay := c.cfg.Reconnect.Delay(failures)
			c.log.Error("AMQP subscribe failed", "queue", c.cfg.Queue, "retry_in", delay, "error", err)
			if !sleep(ctx, delay) {
				break
			}
			continue
		}
		failures = 0
		c.log.Info("AMQP consumer subscribed", "queue", c.cfg.Queue, "tag", c.cfg.ConsumerTag)

		c.drain(ctx, deliveries, handler)
		c.reset()
	}
	c.reset()
	return nil
}

func (c *AMQPConsumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := dialSession(c.cfg, "taskdispatch-"+c.cfg.ConsumerTag)
	if err != nil {
		return nil, err
	}
	if err := s.ch.Qos(1, 0, false); err != nil {
		s.close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := s.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	c.session = s
	return deliveries, nil
}

func (c *AMQPConsumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("AMQP delivery channel closed, reconnecting", "queue", c.cfg.Queue)
				return
			}
			disp := invoke(ctx, c.log, handler, Delivery{
				MessageID:   d.MessageId,
				RoutingKey:  d.RoutingKey,
				Body:        d.Body,
				Redelivered: d.Redelivered,
			})
			if err := settleAMQP(d, disp); err != nil {
				c.log.Error("AMQP settle failed", "disposition", disp, "message_id", d.MessageId, "error", err)
			}
		}
	}
}

func settleAMQP(d amqp.Delivery, disp Disposition) error {
	switch disp {
	case Ack:
		return d.Ack(false)
	case Requeue:
		return d.Nack(false, true)
	default:
		return d.Reject(false)
	}
}

func (c *AMQPConsumer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.close()
	c.session = nil
}

func (c *AMQPConsumer) Close() error {
	c.reset()
	return nil
}

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Consumer  = (*AMQPConsumer)(nil)
)
