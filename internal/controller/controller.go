// ============================================================================
// taskdispatch Controller - process lifecycle
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Wire the store, the broker, the producer loop and the worker
//          pool into one process, and shut them down in order.
//
// Modes:
//   all       producer loop + worker pool in one process
//   producer  producer loop only
//   consumer  worker pool only
//
// Loops (goroutines):
//   1. Producer loop - poll NEW tasks, publish, mark PENDING
//   2. Worker pool   - one worker per subscription, prefetch 1
//   3. Health loop   - ping the store, refresh the health service and the
//                      per-status task gauges
//
// Shutdown order:
//   1. cancel the run context  -> producer finishes its tick, workers
//                                 settle their in-flight delivery
//   2. pool.Stop()             -> waits for workers, closes subscriptions
//   3. loopWg.Wait()           -> producer and health loops have exited
//   4. metrics/health servers, then broker and store connections
//
// A delivery interrupted by shutdown is requeued; its task stays
// IN_PROGRESS and is claimed again on redelivery.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/config"
	"github.com/ChuLiYu/taskdispatch/internal/health"
	"github.com/ChuLiYu/taskdispatch/internal/metrics"
	"github.com/ChuLiYu/taskdispatch/internal/producer"
	"github.com/ChuLiYu/taskdispatch/internal/worker"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Mode selects which loops a process runs.
type Mode string

const (
	ModeAll      Mode = "all"
	ModeProducer Mode = "producer"
	ModeConsumer Mode = "consumer"
)

// ParseMode validates a --mode value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAll, ModeProducer, ModeConsumer:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want all, producer or consumer)", s)
}

func (m Mode) producer() bool { return m == ModeAll || m == ModeProducer }
func (m Mode) consumer() bool { return m == ModeAll || m == ModeConsumer }

var (
	ErrStarted = errors.New("controller already started")
	ErrStopped = errors.New("controller stopped")
)

// Options carries what is not in the configuration file.
type Options struct {
	Mode Mode
	// Executor runs task bodies. Defaults to a SimulatedExecutor built from
	// the worker configuration.
	Executor worker.Executor
	// Registry receives the dispatcher metrics. Defaults to a new registry
	// with the Go and process collectors.
	Registry       *prometheus.Registry
	HealthInterval time.Duration
	Logger         *slog.Logger
}

// Status is a point-in-time summary of the process.
type Status struct {
	Mode            Mode
	Uptime          time.Duration
	Workers         int
	ProducerHealthy bool
	StoreHealthy    bool
	Tasks           map[types.Status]int64
}

// Controller owns every long-running component of a process.
type Controller struct {
	mu       sync.Mutex
	cfg      *config.Config
	opts     Options
	backends *Backends
	log      *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector
	producer *producer.Producer
	pool     *worker.Pool
	health   *health.Server
	httpSrv  *http.Server

	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// New assembles a controller over already-opened backends. The controller
// takes ownership of b and closes it on Stop.
func New(cfg *config.Config, b *Backends, opts Options) (*Controller, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if opts.Executor == nil {
		opts.Executor = &worker.SimulatedExecutor{
			MinDelay:    cfg.Worker.ExecMinDelay,
			MaxDelay:    cfg.Worker.ExecMaxDelay,
			FailureRate: cfg.Worker.ExecFailureRate,
		}
	}

	c := &Controller{
		cfg:      cfg,
		opts:     opts,
		backends: b,
		log:      opts.Logger.With("mode", string(opts.Mode)),
		registry: opts.Registry,
	}
	c.metrics = metrics.NewCollector(c.registry)

	if opts.Mode.producer() {
		c.producer = producer.New(b.Store, b.Publisher, producer.Config{
			Interval:     cfg.Producer.Interval,
			BatchSize:    cfg.Producer.BatchSize,
			Queue:        cfg.Broker.QueueName(),
			StoreTimeout: cfg.Worker.StoreTimeout,
			Metrics:      c.metrics,
			Logger:       opts.Logger,
		})
	}
	if opts.Mode.consumer() {
		c.pool = worker.NewPool(b.Subscribe, b.Store, opts.Executor, worker.Config{
			NotReadyDelay: cfg.Worker.NotReadyDelay,
			ExecTimeout:   cfg.Worker.ExecTimeout,
			StoreTimeout:  cfg.Worker.StoreTimeout,
			Metrics:       c.metrics,
			Logger:        opts.Logger.With("component", "worker"),
		})
	}
	if cfg.Health.Enabled {
		c.health = health.NewServer(opts.Logger.With("component", "health"))
	}
	if cfg.Metrics.Enabled {
		c.httpSrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), c.registry)
	}
	return c, nil
}

// Start launches the configured loops and servers and returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrStarted
	}
	c.startTime = time.Now()

	if c.health != nil {
		if err := c.health.Listen(fmt.Sprintf(":%d", c.cfg.Health.Port)); err != nil {
			return err
		}
	}
	if c.httpSrv != nil {
		go func() {
			c.log.Info("Metrics server listening", "addr", c.httpSrv.Addr)
			if err := c.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.pool != nil {
		if err := c.pool.Start(runCtx, c.cfg.Worker.Count); err != nil {
			cancel()
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}
	if c.producer != nil {
		c.loopWg.Add(1)
		go func() {
			defer c.loopWg.Done()
			if err := c.producer.Run(runCtx); err != nil {
				c.log.Error("Producer loop exited", "error", err)
			}
		}()
	}

	c.refreshHealth(runCtx)
	c.loopWg.Add(1)
	go c.healthLoop(runCtx)

	c.started = true
	c.log.Info("Controller started",
		"store", c.cfg.Store.Backend,
		"broker", c.cfg.Broker.Backend,
		"queue", c.cfg.Broker.QueueName(),
		"workers", c.workerCount())
	return nil
}

// Run starts the controller, blocks until ctx is cancelled and stops it.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

func (c *Controller) healthLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshHealth(ctx)
		}
	}
}

// refreshHealth pings the store and publishes component health and task
// counts. It returns whether the store answered.
func (c *Controller) refreshHealth(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Worker.StoreTimeout)
	defer cancel()

	storeOK := c.backends.Store.Ping(ctx) == nil
	if !storeOK {
		c.log.Warn("Task store ping failed")
	}

	if c.health != nil {
		c.health.Set(health.ServiceStore, storeOK)
		if c.producer != nil {
			c.health.Set(health.ServiceProducer, c.producer.Healthy())
		}
		if c.pool != nil {
			c.health.Set(health.ServiceConsumer, c.pool.IsStarted())
		}
	}

	if storeOK {
		counts, err := c.backends.Store.CountByStatus(ctx)
		if err != nil {
			c.log.Warn("Counting tasks failed", "error", err)
		} else {
			c.metrics.SetStatusCounts(counts)
		}
	}
	return storeOK
}

// Status summarises the process. It queries the store for task counts.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	c.mu.Lock()
	start, stopped := c.startTime, c.stopped
	c.mu.Unlock()
	if stopped {
		return Status{}, ErrStopped
	}

	st := Status{
		Mode:    c.opts.Mode,
		Workers: c.workerCount(),
	}
	if !start.IsZero() {
		st.Uptime = time.Since(start)
	}
	if c.producer != nil {
		st.ProducerHealthy = c.producer.Healthy()
	}

	counts, err := c.backends.Store.CountByStatus(ctx)
	if err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	st.StoreHealthy = true
	st.Tasks = counts
	return st, nil
}

// Registry exposes the metrics registry, for tests and embedding.
func (c *Controller) Registry() *prometheus.Registry { return c.registry }

func (c *Controller) workerCount() int {
	if c.pool == nil {
		return 0
	}
	return c.pool.GetWorkerCount()
}

// Stop shuts everything down in order. It is safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Info("Stopping controller...")

	// 1. Signal the loops.
	if cancel != nil {
		cancel()
	}

	// 2. Workers settle their in-flight deliveries.
	if c.pool != nil {
		c.pool.Stop()
	}

	// 3. Producer and health loops.
	c.loopWg.Wait()

	// 4. Servers, then connections.
	if c.httpSrv != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.httpSrv.Shutdown(ctx); err != nil {
			c.log.Warn("Metrics server shutdown failed", "error", err)
		}
		done()
	}
	if c.health != nil {
		c.health.Stop()
	}
	if err := c.backends.Close(); err != nil {
		c.log.Error("Failed to close backends", "error", err)
	}

	c.log.Info("Controller stopped")
}
