// ============================================================================
// cronswarm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting a node
//
// Command Structure:
//   cronswarm                      # Root command
//   ├── run                        # Start a node
//   │   ├── --listen / --advertise
//   │   ├── --tags, --seeds
//   │   ├── --data-dir, --storage
//   │   └── --log-level
//   ├── config                     # Print the effective configuration
//   ├── status                     # Print a node's membership table
//   │   └── --addr
//   ├── load                       # Load definitions into the SQLite store
//   │   └── --file, -f
//   ├── --config, -c               # YAML config file (optional)
//   └── --version
//
// run Command:
//   1. Load config: defaults < file < CRONSWARM_* env < flags
//   2. Build the controller for the configured roles and start it
//   3. Notify systemd READY (no-op outside systemd)
//   4. Watch the config file and apply log level edits
//   5. On SIGINT / SIGTERM notify STOPPING and shut down gracefully
//
// load Command:
//   JSON format:
//   {
//     "cron_jobs": [{"expression": "*/5 * * * *", "request": {...}}],
//     "queues":    [{"id": "q1", "requests_per_period": 10, "period_length_seconds": 60}],
//     "messages":  [{"queue_id": "q1", "request": {...}}]
//   }
//   Entries are created in order (cron jobs, queues, messages), so messages
//   may reference queues from the same file.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cronswarm/internal/config"
	"github.com/ChuLiYu/cronswarm/internal/controller"
	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/logging"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/storage/sqlite"
	"github.com/ChuLiYu/cronswarm/internal/transport"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Version is reported by --version.
var Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

// runFlags maps flag names to config keys.
var runFlags = map[string]string{
	"listen":    "node.listen",
	"advertise": "node.advertise",
	"tags":      "node.tags",
	"seeds":     "gossip.seeds",
	"data-dir":  "node.data_dir",
	"storage":   "storage.backend",
	"log-level": "logging.level",
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "cronswarm",
		Short: "cronswarm: a self-hosted scheduler for HTTP callbacks",
		Long: `cronswarm schedules HTTP requests from cron jobs, rate-limited queues
and one-off messages, and executes them on a leaderless cluster of nodes.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildConfigCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLoadCommand(&configFile))

	return rootCmd
}

// loadConfig reads configuration, binding whichever of the run flags cmd
// defines.
func loadConfig(cmd *cobra.Command, path string) (*config.Loader, config.Config, error) {
	loader := config.NewLoader()
	for name, key := range runFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := loader.BindFlag(key, flag); err != nil {
			return nil, config.Config{}, err
		}
	}
	cfg, err := loader.Load(path)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return loader, cfg, nil
}

func addNodeFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().String("listen", d.Node.Listen, "HTTP listen address")
	cmd.Flags().String("advertise", "", "address announced to peers (defaults to --listen)")
	cmd.Flags().StringSlice("tags", d.Node.Tags, "roles: scheduler, orchestrator, runner")
	cmd.Flags().StringSlice("seeds", nil, "addresses of nodes to join through")
	cmd.Flags().String("data-dir", d.Node.DataDir, "directory for identity and database files")
	cmd.Flags().String("storage", d.Storage.Backend, "storage backend: memory or sqlite")
	cmd.Flags().String("log-level", d.Logging.Level, "log level")
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a cronswarm node",
		Long:  "Start a node serving the roles named by its tags until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, loader, cfg, *configFile, cmd.ErrOrStderr())
		},
	}
	addNodeFlags(cmd)
	return cmd
}

func runNode(ctx context.Context, loader *config.Loader, cfg config.Config, configFile string, logOut io.Writer) error {
	log, err := logging.NewReloadable(cfg.Logging, logOut)
	if err != nil {
		return err
	}

	ctrl, err := controller.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Stop(context.Background())
		return fmt.Errorf("failed to start node: %w", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify failed")
	}

	if configFile != "" {
		loader.Watch(func(next config.Config) {
			if err := logging.SetLevel(next.Logging.Level); err != nil {
				log.Warn().Err(err).Msg("config reload: bad log level")
				return
			}
			log.Info().Str("level", next.Logging.Level).Msg("config reloaded")
		}, func(err error) {
			log.Warn().Err(err).Msg("config reload rejected")
		})
	}

	<-ctx.Done()
	log.Info().Msg("received shutdown signal, stopping gracefully")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return ctrl.Stop(stopCtx)
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	addNodeFlags(cmd)
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the cluster status as seen by one node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, transport.NewClient(timeout), addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.Default().Node.Listen, "address of the node to ask")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func showStatus(ctx context.Context, client *transport.Client, addr string, out io.Writer) error {
	self, err := client.Self(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	nodes, err := client.ListNodes(ctx, addr, membership.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	alive := 0
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tTAGS\tVERSION")
	for _, n := range nodes {
		if n.State == types.StateAlive {
			alive++
		}
		id := n.ID
		if n.ID == self.ID {
			id += " (self)"
		}
		tags := make([]string, 0, len(n.Tags))
		for _, t := range n.Tags {
			tags = append(tags, string(t))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", id, n.Address, n.State, strings.Join(tags, ","), n.DataVersion)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d nodes, %d alive\n", len(nodes), alive)
	return nil
}

// ============================================================================
// load
// ============================================================================

// Definitions is the file format of `cronswarm load`.
type Definitions struct {
	CronJobs []types.CronJob `json:"cron_jobs"`
	Queues   []types.Queue   `json:"queues"`
	Messages []types.Message `json:"messages"`
}

// LoadReport counts what a load created.
type LoadReport struct {
	CronJobs int
	Queues   int
	Messages int
}

func buildLoadCommand(configFile *string) *cobra.Command {
	var defsFile string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load cron jobs, queues and messages from a JSON file",
		Long:  "Validate definitions and write them into the SQLite database named by the configuration (storage.sqlite_path, or cronswarm.db under the data dir)",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			defs, err := readDefinitions(defsFile)
			if err != nil {
				return err
			}
			path := cfg.Storage.SQLitePath
			if path == "" {
				path = filepath.Join(cfg.Node.DataDir, "cronswarm.db")
			}

			store, err := sqlite.Open(cmd.Context(), path, sqlite.Options{BusyTimeout: cfg.Storage.BusyTimeout})
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := loadDefinitions(cmd.Context(), store, defs)
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d cron jobs, %d queues, %d messages into %s\n",
				report.CronJobs, report.Queues, report.Messages, path)
			return err
		},
	}
	cmd.Flags().StringVarP(&defsFile, "file", "f", "", "JSON file containing definitions")
	cmd.Flags().String("data-dir", config.Default().Node.DataDir, "directory holding the database")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("failed to read definitions: %w", err)
	}
	var defs Definitions
	if err := json.Unmarshal(data, &defs); err != nil {
		return Definitions{}, fmt.Errorf("failed to parse definitions: %w", err)
	}
	return defs, nil
}

// loadDefinitions stops at the first invalid entry; entries before it stay
// created.
func loadDefinitions(ctx context.Context, store jobstore.AdminStore, defs Definitions) (LoadReport, error) {
	var report LoadReport
	for i, c := range defs.CronJobs {
		if _, err := store.CreateCronJob(ctx, c); err != nil {
			return report, fmt.Errorf("cron_jobs[%d]: %w", i, err)
		}
		report.CronJobs++
	}
	for i, q := range defs.Queues {
		if _, err := store.CreateQueue(ctx, q); err != nil {
			return report, fmt.Errorf("queues[%d]: %w", i, err)
		}
		report.Queues++
	}
	for i, m := range defs.Messages {
		if _, err := store.CreateMessage(ctx, m); err != nil {
			return report, fmt.Errorf("messages[%d]: %w", i, err)
		}
		report.Messages++
	}
	return report, nil
}
