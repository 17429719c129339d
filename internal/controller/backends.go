package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/config"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/internal/store/memstore"
	"github.com/ChuLiYu/taskdispatch/internal/store/pgstore"
	"github.com/ChuLiYu/taskdispatch/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Backends are the external resources a process talks to. They are built
// once from configuration and closed once on shutdown.
type Backends struct {
	Store     store.Store
	Publisher broker.Publisher
	Subscribe worker.ConsumerFactory

	closers []func() error
}

// OpenBackends connects the store and the broker selected by cfg.
func OpenBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Backends, error) {
	b := &Backends{}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	b.Store = st

	if err := b.openBroker(cfg, log); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// OpenStore connects the configured task store and makes sure its schema
// exists.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		log.Warn("Using in-memory task store; tasks are lost on exit")
		return memstore.New(), nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, cfg.Store.DatabaseURL, pgstore.Options{
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
			MaxConnLifetime: cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, cfg.Store.Backend)
}

func (b *Backends) openBroker(cfg *config.Config, log *slog.Logger) error {
	queue := cfg.Broker.QueueName()

	switch cfg.Broker.Backend {
	case config.BrokerMemory:
		m := broker.NewMemory(log)
		b.Publisher = m
		b.Subscribe = worker.SharedQueue(m, queue)

	case config.BrokerAMQP:
		a := cfg.Broker.AMQP
		base := broker.AMQPConfig{
			URL:             broker.AMQPURL(a.Host, a.Port, a.User, a.Password),
			Exchange:        a.Exchange,
			Queue:           queue,
			PublishAttempts: cfg.Broker.PublishAttempts,
			ConfirmTimeout:  cfg.Broker.ConfirmTimeout,
			Logger:          log,
		}
		pub := broker.NewAMQPPublisher(base)
		// A broker that is down at startup is retried on the first publish.
		if err := pub.Connect(); err != nil {
			log.Error("RabbitMQ not reachable yet", "host", a.Host, "port", a.Port, "error", err)
		}
		b.Publisher = pub
		b.Subscribe = func(workerID int) (broker.Consumer, error) {
			cc := base
			cc.ConsumerTag = consumerName(workerID)
			return broker.NewAMQPConsumer(cc), nil
		}

	case config.BrokerRedis:
		r := broker.NewRedis(&redis.Options{
			Addr:     cfg.Broker.Redis.Addr,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		}, broker.RedisConfig{
			Queue:           queue,
			PublishAttempts: cfg.Broker.PublishAttempts,
			Logger:          log,
		})
		b.Publisher = r
		b.Subscribe = func(workerID int) (broker.Consumer, error) {
			return r.Consumer(consumerName(workerID)), nil
		}

	default:
		return fmt.Errorf("%w: unknown broker backend %q", config.ErrInvalid, cfg.Broker.Backend)
	}

	b.closers = append(b.closers, b.Publisher.Close)
	return nil
}

// Close releases the broker connection and then the store.
func (b *Backends) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	b.closers = nil
	if b.Store != nil {
		b.Store.Close()
		b.Store = nil
	}
	return errors.Join(errs...)
}

// consumerName is unique per process and worker, so that a restarted
// process can recover its own unacknowledged messages.
func consumerName(workerID int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskdispatch"
	}
	return fmt.Sprintf("%s-worker-%d", host, workerID)
}
