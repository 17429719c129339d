package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// amqpEnv is the complete set of broker variables a deployment supplies.
var amqpEnv = map[string]string{
	"DATABASE_URL":      "postgres://localhost/tasks",
	"RABBITMQ_HOST":     "rabbit",
	"RABBITMQ_USER":     "svc",
	"RABBITMQ_PASSWORD": "secret",
	"RABBITMQ_QUEUE":    "work",
	"RABBITMQ_EXCHANGE": "work-x",
}

func memoryConfig() *Config {
	cfg := Default()
	cfg.Store.Backend = StoreMemory
	cfg.Broker.Backend = BrokerMemory
	return cfg
}

func TestDefaultNeedsDatabaseURL(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(env(amqpEnv)))
	assert.NoError(t, cfg.Validate())
}

func TestAMQPSettingsHaveNoDefaults(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Broker.AMQP.Host)
	assert.Empty(t, cfg.Broker.AMQP.User)
	assert.Empty(t, cfg.Broker.AMQP.Password)

	cfg.Store.DatabaseURL = "postgres://localhost/tasks"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{"RABBITMQ_HOST", "RABBITMQ_USER", "RABBITMQ_PASSWORD", "RABBITMQ_QUEUE", "RABBITMQ_EXCHANGE"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestAMQPCredentialsRequired(t *testing.T) {
	for _, missing := range []string{"RABBITMQ_USER", "RABBITMQ_PASSWORD"} {
		t.Run(missing, func(t *testing.T) {
			vars := make(map[string]string, len(amqpEnv))
			for k, v := range amqpEnv {
				vars[k] = v
			}
			delete(vars, missing)

			cfg := Default()
			require.NoError(t, cfg.ApplyEnv(env(vars)))
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), missing)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"DATABASE_URL":        "postgres://u:p@db:5432/tasks",
		"RABBITMQ_HOST":       "rabbit",
		"RABBITMQ_PORT":       "5673",
		"RABBITMQ_USER":       "svc",
		"RABBITMQ_PASSWORD":   "secret",
		"RABBITMQ_QUEUE":      "work",
		"RABBITMQ_EXCHANGE":   "work-x",
		"PRODUCER_INTERVAL":   "2.5",
		"WORKER_COUNT":        "8",
		"TASKDISPATCH_BROKER": "redis",
		"REDIS_ADDR":          "cache:6379",
		"LOG_LEVEL":           "debug",
		"LOG_FORMAT":          "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/tasks", cfg.Store.DatabaseURL)
	assert.Equal(t, AMQPConfig{Host: "rabbit", Port: 5673, User: "svc", Password: "secret", Queue: "work", Exchange: "work-x"}, cfg.Broker.AMQP)
	assert.Equal(t, 2500*time.Millisecond, cfg.Producer.Interval)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, BrokerRedis, cfg.Broker.Backend)
	assert.Equal(t, "cache:6379", cfg.Broker.Redis.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"RABBITMQ_PORT":     "amqp",
		"PRODUCER_INTERVAL": "soon",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "RABBITMQ_PORT")
	assert.Contains(t, err.Error(), "PRODUCER_INTERVAL")
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := memoryConfig()
	cfg.Producer.Interval = 0
	cfg.Worker.Count = 0
	cfg.Worker.ExecFailureRate = 2
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"producer.interval", "worker.count", "exec_failure_rate", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateBackends(t *testing.T) {
	cfg := memoryConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Store.Backend = "sqlite"
	assert.ErrorContains(t, cfg.Validate(), "store.backend")

	cfg = Default()
	require.NoError(t, cfg.ApplyEnv(env(amqpEnv)))
	cfg.Broker.Backend = BrokerMemory
	assert.ErrorContains(t, cfg.Validate(), "memory broker")

	cfg = memoryConfig()
	require.NoError(t, cfg.ApplyEnv(env(amqpEnv)))
	cfg.Store.Backend = StoreMemory
	cfg.Broker.Backend = BrokerAMQP
	cfg.Broker.AMQP.Exchange = ""
	assert.ErrorContains(t, cfg.Validate(), "RABBITMQ_EXCHANGE")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskdispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
broker:
  backend: memory
producer:
  interval: 250ms
  batch_size: 10
worker:
  count: 2
  exec_min_delay: 10ms
  exec_max_delay: 20ms
`), 0o644))

	t.Setenv("WORKER_COUNT", "3")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Producer.Interval)
	assert.Equal(t, 10, cfg.Producer.BatchSize)
	assert.Equal(t, 3, cfg.Worker.Count, "environment wins over the file")
	assert.Equal(t, 20*time.Millisecond, cfg.Worker.ExecMaxDelay)
	assert.Equal(t, 30*time.Second, cfg.Worker.ExecTimeout, "unset fields keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Store.DatabaseURL = "postgres://admin:hunter2@db:5432/tasks"
	cfg.Broker.AMQP.Password = "guest"
	r := cfg.Redacted()

	assert.Equal(t, "postgres://admin:********@db:5432/tasks", r.Store.DatabaseURL)
	assert.Equal(t, "********", r.Broker.AMQP.Password)
	assert.Equal(t, "guest", cfg.Broker.AMQP.Password, "original untouched")

	out, err := r.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "task_id", 7)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"task_id":7`)

	_, err = LogConfig{Level: "loud", Format: "text"}.NewLogger(&buf)
	assert.Error(t, err)
}
