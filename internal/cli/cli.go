// ============================================================================
// taskdispatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the dispatcher
//
// Command Structure:
//   taskdispatch                       # Root command
//   ├── run --mode all|producer|consumer
//   ├── migrate                        # Create the tasks table
//   ├── dispatch-once                  # Run a single producer tick
//   ├── task
//   │   ├── create --title --description [--priority]
//   │   ├── get <id>
//   │   ├── list [--title --priority --status --limit --cursor]
//   │   ├── delete <id>
//   │   ├── status <id>
//   │   └── cancel <id>
//   ├── health [--addr] [--service]    # gRPC health probe
//   ├── config                         # Print the effective configuration
//   └── --config, -c                   # Optional YAML file (see configs/default.yaml)
//
// Configuration is loaded per command: defaults, then the YAML file, then
// environment variables. Invalid configuration fails before anything
// connects.
//
// run Command:
//   1. Load and validate config
//   2. Connect store and broker
//   3. Start the controller (producer loop, worker pool, metrics, health)
//   4. Wait for SIGINT / SIGTERM
//   5. Stop in order: loops, servers, connections
//
//   Examples:
//     taskdispatch run
//     taskdispatch run --mode consumer -c prod.yaml
//     TASKDISPATCH_STORE=memory TASKDISPATCH_BROKER=memory taskdispatch run
//
// task Commands print tasks as JSON.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/taskdispatch/internal/config"
	"github.com/ChuLiYu/taskdispatch/internal/controller"
	"github.com/ChuLiYu/taskdispatch/internal/health"
	"github.com/ChuLiYu/taskdispatch/internal/producer"
	"github.com/ChuLiYu/taskdispatch/internal/store"
	"github.com/ChuLiYu/taskdispatch/internal/taskclient"
	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// app carries what the commands share. Tests replace openStore to share
// one in-memory store across invocations.
type app struct {
	configPath string
	out        io.Writer
	errOut     io.Writer
	openStore  func(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error)
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	return newApp(os.Stdout, os.Stderr).root()
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut, openStore: controller.OpenStore}
}

func (a *app) root() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskdispatch",
		Short: "taskdispatch: durable task dispatch through a message broker",
		Long: `taskdispatch moves user-submitted tasks through a durable queue:
- a producer polls NEW tasks, publishes them and marks them PENDING
- consumers claim, execute and record each task exactly once per outcome
- every status change is a guarded update, safe under redelivery`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file path (YAML, optional)")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildMigrateCommand())
	rootCmd.AddCommand(a.buildDispatchOnceCommand())
	rootCmd.AddCommand(a.buildTaskCommand())
	rootCmd.AddCommand(a.buildHealthCommand())
	rootCmd.AddCommand(a.buildConfigCommand())
	return rootCmd
}

// load reads the configuration and builds the process logger.
func (a *app) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cfg.Log.NewLogger(a.errOut)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ----------------------------------------------------------------------------
// run
// ----------------------------------------------------------------------------

func (a *app) buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher",
		Long:  "Start the producer loop, the worker pool, or both, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := controller.ParseMode(mode)
			if err != nil {
				return err
			}
			return a.runSystem(cmd.Context(), m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(controller.ModeAll), "what to run: all, producer, consumer")
	return cmd
}

func (a *app) runSystem(parent context.Context, mode controller.Mode) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := controller.OpenBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(cfg, b, controller.Options{Mode: mode, Logger: logger})
	if err != nil {
		b.Close()
		return err
	}

	logger.Info("Starting taskdispatch", "version", Version, "mode", mode, "config", a.configPath)
	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// ----------------------------------------------------------------------------
// migrate / dispatch-once
// ----------------------------------------------------------------------------

func (a *app) buildMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tasks table and indexes if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.StorePostgres {
				return fmt.Errorf("migrate needs the postgres store, configured %q", cfg.Store.Backend)
			}
			st, err := a.openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			st.Close()
			fmt.Fprintln(a.out, "schema is up to date")
			return nil
		},
	}
}

func (a *app) buildDispatchOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-once",
		Short: "Run a single producer tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := a.load()
			if err != nil {
				return err
			}
			b, err := controller.OpenBackends(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			p := producer.New(b.Store, b.Publisher, producer.Config{
				BatchSize:    cfg.Producer.BatchSize,
				Queue:        cfg.Broker.QueueName(),
				StoreTimeout: cfg.Worker.StoreTimeout,
				Logger:       logger,
			})
			report, err := p.Tick(cmd.Context())
			fmt.Fprintf(a.out, "fetched=%d published=%d failed=%d skipped=%d dispatched=%d\n",
				report.Fetched, report.Published, report.Failed, report.Skipped, report.Dispatched)
			return err
		},
	}
}

// ----------------------------------------------------------------------------
// task
// ----------------------------------------------------------------------------

func (a *app) buildTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect, cancel and delete tasks",
	}
	cmd.AddCommand(a.buildTaskCreateCommand())
	cmd.AddCommand(a.buildTaskGetCommand())
	cmd.AddCommand(a.buildTaskListCommand())
	cmd.AddCommand(a.buildTaskDeleteCommand())
	cmd.AddCommand(a.buildTaskStatusCommand())
	cmd.AddCommand(a.buildTaskCancelCommand())
	return cmd
}

// withClient opens the store, runs fn with a task client and closes it.
func (a *app) withClient(ctx context.Context, fn func(ctx context.Context, c *taskclient.Client) error) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, err := a.openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, taskclient.New(st, logger))
}

func (a *app) buildTaskCreateCommand() *cobra.Command {
	var req taskclient.CreateRequest
	var priority string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a NEW task",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Priority = types.Priority(priority)
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				task, err := c.Create(ctx, req)
				if err != nil {
					return err
				}
				return a.printJSON(task)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "task title (1-50 characters)")
	cmd.Flags().StringVar(&req.Description, "description", "", "task description (1-500 characters)")
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityLow), "low, medium or high")
	return cmd
}

func (a *app) buildTaskGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				task, err := c.Get(ctx, id)
				if err != nil {
					return err
				}
				return a.printJSON(task)
			})
		},
	}
}

func (a *app) buildTaskListCommand() *cobra.Command {
	var (
		title, priority, status string
		limit                   int
		cursor                  int64
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, oldest first",
		Long:  "List tasks with id greater than --cursor. Pass the last id printed as the next cursor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := store.Filter{
				Title:    title,
				Priority: types.Priority(priority),
				Status:   types.Status(status),
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				tasks, err := c.List(ctx, f, limit, types.TaskID(cursor))
				if err != nil {
					return err
				}
				if tasks == nil {
					tasks = []types.Task{}
				}
				return a.printJSON(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "case-insensitive title substring")
	cmd.Flags().StringVar(&priority, "priority", "", "only this priority")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	cmd.Flags().IntVar(&limit, "limit", 10, "page size (1-50)")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "last id of the previous page")
	return cmd
}

func (a *app) buildTaskDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task that has not completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				if err := c.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "task %d deleted\n", id)
				return nil
			})
		},
	}
}

func (a *app) buildTaskStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				status, err := c.StatusOf(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, status)
				return nil
			})
		},
	}
}

func (a *app) buildTaskCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withClient(cmd.Context(), func(ctx context.Context, c *taskclient.Client) error {
				if err := c.Cancel(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "task %d cancelled\n", id)
				return nil
			})
		},
	}
}

// ----------------------------------------------------------------------------
// health / config
// ----------------------------------------------------------------------------

func (a *app) buildHealthCommand() *cobra.Command {
	var addr, service string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running dispatcher over gRPC health",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := a.load()
				if err != nil {
					return err
				}
				addr = fmt.Sprintf("localhost:%d", cfg.Health.Port)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			resp, err := health.Check(ctx, addr, service)
			if err != nil {
				return err
			}
			out, err := health.Format(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, out)
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", serviceLabel(service), resp.GetStatus())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health server address (default localhost:<health.port>)")
	cmd.Flags().StringVar(&service, "service", "", "service to probe, e.g. "+health.ServiceStore)
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "probe timeout")
	return cmd
}

func serviceLabel(service string) string {
	if service == "" {
		return "server"
	}
	return service
}

func (a *app) buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := a.load()
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = a.out.Write(out)
			return err
		},
	}
}

// ----------------------------------------------------------------------------
// helpers
// ----------------------------------------------------------------------------

func parseID(s string) (types.TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return types.TaskID(n), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
