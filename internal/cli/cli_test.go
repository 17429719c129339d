package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/taskdispatch/internal/config"
	"github.com/ChuLiYu/taskdispatch/internal/health"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/internal/store/memstore"
	"github.com/ChuLiYu/taskdispatch/internal/taskclient"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	store *memstore.Store
	out   *bytes.Buffer
	err   *bytes.Buffer
}

// newTestApp points every command at one shared in-memory store.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	t.Setenv("TASKDISPATCH_STORE", config.StoreMemory)
	t.Setenv("TASKDISPATCH_BROKER", config.BrokerMemory)
	t.Setenv("LOG_LEVEL", "error")
	return &testApp{store: memstore.New(), out: &bytes.Buffer{}, err: &bytes.Buffer{}}
}

func (ta *testApp) run(args ...string) (string, error) {
	ta.out.Reset()
	a := newApp(ta.out, ta.err)
	a.openStore = func(context.Context, *config.Config, *slog.Logger) (store.Store, error) {
		return ta.store, nil
	}
	root := a.root()
	root.SetArgs(args)
	err := root.Execute()
	return ta.out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "taskdispatch", cmd.Use)
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "migrate", "dispatch-once", "task", "health", "config"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestTaskCommands(t *testing.T) {
	ta := newTestApp(t)

	out, err := ta.run("task", "create", "--title", "report", "--description", "quarterly", "--priority", "high")
	require.NoError(t, err)
	var created types.Task
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, types.TaskID(1), created.ID)
	assert.Equal(t, types.StatusNew, created.Status)
	assert.Equal(t, types.PriorityHigh, created.Priority)

	out, err = ta.run("task", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "report"`)

	out, err = ta.run("task", "status", "1")
	require.NoError(t, err)
	assert.Equal(t, "new\n", out)

	out, err = ta.run("task", "list", "--title", "REP", "--limit", "5")
	require.NoError(t, err)
	var listed []types.Task
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	assert.Len(t, listed, 1)

	out, err = ta.run("task", "list", "--cursor", "1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = ta.run("task", "cancel", "1")
	require.NoError(t, err)
	assert.Equal(t, "task 1 cancelled\n", out)

	_, err = ta.run("task", "cancel", "1")
	assert.Equal(t, taskclient.CodeCannotCancelFinished, taskclient.CodeOf(err))

	out, err = ta.run("task", "delete", "1")
	require.NoError(t, err)
	assert.Equal(t, "task 1 deleted\n", out)

	_, err = ta.run("task", "get", "1")
	assert.Equal(t, taskclient.CodeNotFound, taskclient.CodeOf(err))
}

func TestTaskCommandErrors(t *testing.T) {
	ta := newTestApp(t)

	_, err := ta.run("task", "create", "--description", "no title")
	assert.Equal(t, taskclient.CodeValidation, taskclient.CodeOf(err))

	_, err = ta.run("task", "get", "abc")
	assert.ErrorContains(t, err, "invalid task id")

	_, err = ta.run("task", "get")
	assert.Error(t, err)

	_, err = ta.run("task", "list", "--limit", "100")
	assert.Equal(t, taskclient.CodeValidation, taskclient.CodeOf(err))
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	ta := newTestApp(t)
	t.Setenv("RABBITMQ_PASSWORD", "hunter2")

	out, err := ta.run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigFile(t *testing.T) {
	ta := newTestApp(t)
	path := filepath.Join(t.TempDir(), "taskdispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
producer:
  interval: 2s
  batch_size: 7
worker:
  count: 9
`), 0o644))

	out, err := ta.run("config", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "batch_size: 7")
	assert.Contains(t, out, "count: 9")

	_, err = ta.run("config", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInvalidConfigFailsFast(t *testing.T) {
	ta := newTestApp(t)
	t.Setenv("WORKER_COUNT", "0")

	_, err := ta.run("task", "status", "1")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.run("migrate")
	assert.ErrorContains(t, err, "postgres")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	ta := newTestApp(t)
	_, err := ta.run("run", "--mode", "both")
	assert.ErrorContains(t, err, "unknown mode")
}

func TestDispatchOnce(t *testing.T) {
	ta := newTestApp(t)
	out, err := ta.run("dispatch-once")
	require.NoError(t, err)
	assert.Equal(t, "fetched=0 published=0 failed=0 skipped=0 dispatched=0\n", out)
}

func TestHealthCommand(t *testing.T) {
	ta := newTestApp(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := health.NewServer(nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	out, err := ta.run("health", "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")

	_, err = ta.run("health", "--addr", lis.Addr().String(), "--service", health.ServiceStore)
	assert.ErrorContains(t, err, "NOT_SERVING")

	srv.Set(health.ServiceStore, true)
	_, err = ta.run("health", "--addr", lis.Addr().String(), "--service", health.ServiceStore)
	assert.NoError(t, err)
}
