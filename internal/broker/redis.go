package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskdispatch"

// RedisConfig configures the Redis list broker.
type RedisConfig struct {
	Queue           string
	PublishAttempts int
	BlockTimeout    time.Duration
	Reconnect       Backoff
	Logger          *slog.Logger
}

func (c *RedisConfig) defaults() {
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.Reconnect.Min <= 0 {
		c.Reconnect.Min = 200 * time.Millisecond
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 10 * time.Second
	}
}

// envelope wraps a message body on the Redis lists.
type envelope struct {
	ID         string `json:"id"`
	RoutingKey string `json:"routing_key"`
	Body       []byte `json:"body"`
	Attempts   int    `json:"attempts"`
}

func readyKey(queue string) string { return fmt.Sprintf("%s:{%s}:ready", keyPrefix, queue) }
func deadKey(queue string) string  { return fmt.Sprintf("%s:{%s}:dead", keyPrefix, queue) }
func processingKey(queue, consumer string) string {
	return fmt.Sprintf("%s:{%s}:processing:%s", keyPrefix, queue, consumer)
}

// Ready messages are LPUSHed and popped from the right, so RPUSH puts a
// requeued message at the head of the line.
var requeueCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[2])
return 1
`)

var rejectCmd = redis.NewScript(`
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
	return 0
end
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// recoverCmd moves everything a previous incarnation of this consumer held
// back onto the ready list.
var recoverCmd = redis.NewScript(`
local n = 0
while redis.call("RPOPLPUSH", KEYS[1], KEYS[2]) do
	n = n + 1
end
return n
`)

// Redis is a reliable queue on Redis lists. Messages in flight sit on a
// per-consumer processing list until they are settled, so a crashed
// consumer's message is recovered on its next subscribe.
type Redis struct {
	cfg RedisConfig
	rdb *redis.Client
	log *slog.Logger
}

// NewRedis connects to Redis with opt.
func NewRedis(opt *redis.Options, cfg RedisConfig) *Redis {
	cfg.defaults()
	return &Redis{cfg: cfg, rdb: redis.NewClient(opt), log: orDefault(cfg.Logger)}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Publish LPUSHes the message onto the ready list of routingKey.
func (r *Redis) Publish(ctx context.Context, body []byte, routingKey string) bool {
	encoded, err := json.Marshal(envelope{ID: uuid.NewString(), RoutingKey: routingKey, Body: body})
	if err != nil {
		r.log.Error("Redis envelope encode failed", "error", err)
		return false
	}
	for attempt := 1; attempt <= r.cfg.PublishAttempts; attempt++ {
		if attempt > 1 && !sleep(ctx, r.cfg.Reconnect.Delay(attempt-1)) {
			return false
		}
		if err = r.rdb.LPush(ctx, readyKey(routingKey), encoded).Err(); err == nil {
			return true
		}
		r.log.Warn("Redis publish failed", "attempt", attempt, "routing_key", routingKey, "error", err)
	}
	return false
}

// Consumer returns a named consumer on cfg.Queue. Names must be stable
// across restarts for in-flight recovery to work.
func (r *Redis) Consumer(name string) Consumer {
	return &redisConsumer{broker: r, name: name}
}

type redisConsumer struct {
	broker *Redis
	name   string
}

func (c *redisConsumer) Consume(ctx context.Context, handler Handler) error {
	r := c.broker
	ready := readyKey(r.cfg.Queue)
	processing := processingKey(r.cfg.Queue, c.name)

	failures := 0
	recovered := false
	for ctx.Err() == nil {
		if !recovered {
			n, err := recoverCmd.Run(ctx, r.rdb, []string{processing, ready}).Int64()
			if err != nil {
				failures++
				if !c.backoff(ctx, failures, "recover", err) {
					break
				}
				continue
			}
			if n > 0 {
				r.log.Warn("Recovered in-flight messages", "consumer", c.name, "count", n)
			}
			recovered = true
		}

		raw, err := r.rdb.BLMove(ctx, ready, processing, "RIGHT", "LEFT", r.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			if !c.backoff(ctx, failures, "receive", err) {
				break
			}
			continue
		}
		failures = 0
		c.handle(ctx, processing, raw, handler)
	}
	return nil
}

func (c *redisConsumer) backoff(ctx context.Context, failures int, what string, err error) bool {
	delay := c.broker.cfg.Reconnect.Delay(failures)
	c.broker.log.Error("Redis "+what+" failed", "consumer", c.name, "retry_in", delay, "error", err)
	return sleep(ctx, delay)
}

func (c *redisConsumer) handle(ctx context.Context, processing, raw string, handler Handler) {
	r := c.broker
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.log.Error("Dropping undecodable envelope", "consumer", c.name, "error", err)
		c.settle(processing, raw, Reject, env)
		return
	}

	disp := invoke(ctx, r.log, handler, Delivery{
		MessageID:   env.ID,
		RoutingKey:  env.RoutingKey,
		Body:        env.Body,
		Redelivered: env.Attempts > 0,
	})
	c.settle(processing, raw, disp, env)
}

// settle runs detached from the consume context so a shutdown does not
// leave a handled message stranded on the processing list.
func (c *redisConsumer) settle(processing, raw string, disp Disposition, env envelope) {
	r := c.broker
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch disp {
	case Ack:
		err = r.rdb.LRem(ctx, processing, 1, raw).Err()
	case Requeue:
		env.Attempts++
		next, encErr := json.Marshal(env)
		if encErr != nil {
			err = encErr
			break
		}
		err = requeueCmd.Run(ctx, r.rdb, []string{processing, readyKey(r.cfg.Queue)}, raw, next).Err()
	default:
		err = rejectCmd.Run(ctx, r.rdb, []string{processing, deadKey(r.cfg.Queue)}, raw).Err()
	}
	if err != nil {
		r.log.Error("Redis settle failed", "consumer", c.name, "disposition", disp, "message_id", env.ID, "error", err)
	}
}

func (c *redisConsumer) Close() error { return nil }

var (
	_ Publisher = (*Redis)(nil)
	_ Consumer  = (*redisConsumer)(nil)
)
