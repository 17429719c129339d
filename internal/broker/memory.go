package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type memMessage struct {
	id          string
	routingKey  string
	body        []byte
	redelivered bool
}

// Memory is an in-process broker. Messages published with a routing key
// land on the queue of the same name, which is how the AMQP topology binds
// the direct exchange. Consumers on one queue compete for messages.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]memMessage
	dead   map[string][]memMessage
	signal chan struct{}

	failPublish int
	published   atomic.Int64
	log         *slog.Logger
}

// NewMemory creates an empty broker.
func NewMemory(log *slog.Logger) *Memory {
	return &Memory{
		queues: make(map[string][]memMessage),
		dead:   make(map[string][]memMessage),
		signal: make(chan struct{}),
		log:    orDefault(log),
	}
}

// FailPublishes makes the next n Publish calls report failure.
func (m *Memory) FailPublishes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPublish = n
}

// Publish enqueues body. It reports false only for injected failures or a
// cancelled context.
func (m *Memory) Publish(ctx context.Context, body []byte, routingKey string) bool {
	if ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPublish > 0 {
		m.failPublish--
		return false
	}
	msg := memMessage{
		id:         uuid.NewString(),
		routingKey: routingKey,
		body:       append([]byte(nil), body...),
	}
	m.queues[routingKey] = append(m.queues[routingKey], msg)
	m.published.Add(1)
	m.wakeLocked()
	return true
}

// Published returns the number of successful publishes.
func (m *Memory) Published() int64 { return m.published.Load() }

// Len returns the number of ready messages on queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Bodies returns a copy of the ready message bodies on queue, head first.
func (m *Memory) Bodies(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.queues[queue]))
	for _, msg := range m.queues[queue] {
		out = append(out, append([]byte(nil), msg.body...))
	}
	return out
}

// Dead returns the number of rejected messages for queue.
func (m *Memory) Dead(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead[queue])
}

func (m *Memory) Close() error { return nil }

// Consumer returns a consumer bound to queue.
func (m *Memory) Consumer(queue string) Consumer {
	return &memConsumer{broker: m, queue: queue}
}

// wakeLocked releases every consumer waiting for a message.
func (m *Memory) wakeLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}

// next pops the head of queue, or returns a channel that is closed when
// something new arrives.
func (m *Memory) next(queue string) (memMessage, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[queue]
	if len(q) == 0 {
		return memMessage{}, false, m.signal
	}
	msg := q[0]
	m.queues[queue] = q[1:]
	return msg, true, nil
}

func (m *Memory) settle(queue string, msg memMessage, disp Disposition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch disp {
	case Ack:
	case Requeue:
		msg.redelivered = true
		m.queues[queue] = append([]memMessage{msg}, m.queues[queue]...)
		m.wakeLocked()
	case Reject:
		m.dead[queue] = append(m.dead[queue], msg)
	default:
		panic(fmt.Sprintf("broker: unknown disposition %v", disp))
	}
}

type memConsumer struct {
	broker *Memory
	queue  string
}

func (c *memConsumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, ok, wait := c.broker.next(c.queue)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
				continue
			}
		}
		disp := invoke(ctx, c.broker.log, handler, Delivery{
			MessageID:   msg.id,
			RoutingKey:  msg.routingKey,
			Body:        msg.body,
			Redelivered: msg.redelivered,
		})
		c.broker.settle(c.queue, msg, disp)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *memConsumer) Close() error { return nil }

var (
	_ Publisher = (*Memory)(nil)
	_ Consumer  = (*memConsumer)(nil)
)
