// ============================================================================
// Broker Channel
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: Abstraction over a durable queue
//
// Contract:
//   Publish  - durable, confirmed by the broker before it reports success;
//              bounded reconnect-and-retry, reported to the caller as a bool
//              so it can keep the source row eligible for a later attempt.
//   Consume  - one in-flight message per consumer (prefetch = 1). The
//              handler returns Ack, Requeue or Reject. A message leaves the
//              queue only on Ack; Requeue or a handler panic makes it
//              redeliverable. Connection loss triggers reconnect and
//              resubscription until the context is cancelled.
//
// Implementations:
//   AMQP   - RabbitMQ (amqp091-go), direct exchange, persistent messages
//   Redis  - reliable list queue with per-consumer processing lists
//   Memory - in-process, for tests and the demo
//
// ============================================================================

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"time"
)

// Disposition is what a handler wants done with a delivery.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Requeue returns the message to the queue for another delivery.
	Requeue
	// Reject drops the message (dead-lettered if the broker is set up for it).
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Delivery is one message handed to a consumer.
type Delivery struct {
	MessageID   string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery) Disposition

// Publisher publishes messages durably.
type Publisher interface {
	Publish(ctx context.Context, body []byte, routingKey string) bool
	Close() error
}

// Consumer delivers messages one at a time to a handler. Consume blocks
// until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// invoke runs the handler, turning a panic into Requeue. Handlers recover
// panics in task bodies themselves; this only guards the delivery plumbing.
func invoke(ctx context.Context, log *slog.Logger, h Handler, d Delivery) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic, requeueing message",
				"message_id", d.MessageID,
				"panic", r,
				"stack", string(debug.Stack()))
			disp = Requeue
		}
	}()
	return h(ctx, d)
}

// Backoff is a capped exponential delay with jitter.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	d := b.Min << uint(attempt-1)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	if half := int64(d / 2); half > 0 {
		d = d/2 + time.Duration(rand.Int63n(half))
	}
	return d
}

// sleep waits for d or until ctx is done; it reports false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
