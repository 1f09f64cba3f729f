// ============================================================================
// cronswarm Controller - one process, wired by role
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Build every component a node runs from one config.Config and
//          drive their lifecycles in a fixed order.
//
// Components by role tag:
//
//   always        storage, gossip engine, HTTP server, metrics
//   scheduler     cron + queue materialization (gated on lowest alive id)
//   orchestrator  assignment claims, result intake, housekeeping
//   runner        poll / execute / deliver, result cache
//
// Storage backends:
//
//   memory  membership.Memory + jobstore.Memory; node id and version kept
//           in <data_dir>/identity.yaml
//   sqlite  membership in <data_dir>/membership.db, private to the node;
//           jobs in storage.sqlite_path, which every node on one host may
//           share since claims are single conditional statements
//
// Start order:  server -> gossip -> orchestrator -> scheduler -> runner
// Stop order:   runner -> scheduler -> orchestrator -> gossip -> server
//               -> storage
//
// The server comes up first so that a listen port of 0 can be resolved
// before the node announces its address, and goes down last so the local
// runner can hand assignments back to a local orchestrator.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/config"
	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/logging"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/runner"
	"github.com/ChuLiYu/cronswarm/internal/runner/cache"
	"github.com/ChuLiYu/cronswarm/internal/sandbox"
	"github.com/ChuLiYu/cronswarm/internal/scheduler"
	"github.com/ChuLiYu/cronswarm/internal/server"
	"github.com/ChuLiYu/cronswarm/internal/storage/sqlite"
	"github.com/ChuLiYu/cronswarm/internal/swim"
	"github.com/ChuLiYu/cronswarm/internal/transport"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

const membershipFile = "membership.db"

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("controller already started")

// Controller owns every component of one process.
type Controller struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Collector

	members membership.Store
	jobs    jobstore.Store
	closers []io.Closer

	client       *transport.Client
	gossip       *swim.Engine
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	runner       *runner.Runner
	server       *server.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// New opens storage and builds the components for the roles in cfg. The
// returned controller holds open resources; call Stop even if Start is
// never called.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Controller, error) {
	c := &Controller{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		c.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}

	if err := c.openStorage(ctx); err != nil {
		c.closeAll()
		return nil, err
	}

	c.client = transport.NewClient(cfg.Gossip.RequestTimeout)
	c.gossip = swim.New(cfg.Gossip, c.members, c.client, logging.Component(log, "gossip"), c.metrics)

	deps := server.Deps{
		Gossip:  c.gossip,
		Metrics: c.metrics,
		Log:     logging.Component(log, "http"),
	}

	if cfg.HasTag(types.TagScheduler) {
		c.scheduler = scheduler.New(cfg.Scheduler, c.jobs, c.gossip, logging.Component(log, "scheduler"), c.metrics)
	}
	if cfg.HasTag(types.TagOrchestrator) {
		c.orchestrator = orchestrator.New(cfg.Orchestrator, c.jobs, logging.Component(log, "orchestrator"), c.metrics)
		deps.Orchestrator = c.orchestrator
	}
	if cfg.HasTag(types.TagRunner) {
		rc, err := c.openCache()
		if err != nil {
			c.closeAll()
			return nil, err
		}
		exec := sandbox.NewExecutor(nil, cfg.Runner.MaxResponseBytes)
		c.runner = runner.New(cfg.Runner, c.gossip, c.client, rc, exec, logging.Component(log, "runner"), c.metrics)
		deps.Runner = c.runner
	}

	c.server = server.New(cfg.Node.Listen, deps)
	return c, nil
}

func (c *Controller) openStorage(ctx context.Context) error {
	self := types.Node{
		Address: c.cfg.Node.Advertise,
		Tags:    c.cfg.NodeTags(),
		State:   types.StateAlive,
	}

	switch c.cfg.Storage.Backend {
	case config.BackendSQLite:
		opts := sqlite.Options{BusyTimeout: c.cfg.Storage.BusyTimeout}
		members, err := sqlite.Open(ctx, filepath.Join(c.cfg.Node.DataDir, membershipFile), opts)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, members)
		self.ID = uuid.NewString() // replaced by the stored id after the first boot
		if _, err := members.InitSelf(ctx, self); err != nil {
			return err
		}

		path := c.cfg.Storage.SQLitePath
		if path == "" {
			path = filepath.Join(c.cfg.Node.DataDir, "cronswarm.db")
		}
		jobs, err := sqlite.Open(ctx, path, opts)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, jobs)
		c.members, c.jobs = members, jobs

	default:
		identity := membership.NewIdentity(filepath.Join(c.cfg.Node.DataDir, "identity.yaml"))
		id, version, err := identity.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}
		self.ID, self.DataVersion = id, version
		members, err := membership.NewMemory(self, identity)
		if err != nil {
			return err
		}
		c.members, c.jobs = members, jobstore.NewMemory()
	}
	return nil
}

func (c *Controller) openCache() (cache.Cache, error) {
	if c.cfg.Storage.CacheDir == "" {
		return cache.NewMemory(), nil
	}
	b, err := cache.OpenBadger(c.cfg.Storage.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open result cache: %w", err)
	}
	c.closers = append(c.closers, b)
	return b, nil
}

// Start brings the node up. On failure everything already started is
// stopped again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.server.Start(); err != nil {
		return err
	}
	if err := c.resolveAddress(ctx); err != nil {
		_ = c.server.Shutdown(context.Background())
		return err
	}

	c.gossip.Start(ctx)
	if c.orchestrator != nil {
		c.orchestrator.Start(ctx)
	}
	if c.scheduler != nil {
		c.scheduler.Start(ctx)
	}
	if c.runner != nil {
		if err := c.runner.Start(ctx); err != nil {
			c.stopComponents(context.Background())
			return err
		}
	}
	c.started = true

	self, _ := c.members.Self(ctx)
	c.log.Info().
		Str("node_id", self.ID).
		Str("address", self.Address).
		Strs("tags", c.cfg.Node.Tags).
		Str("storage", c.cfg.Storage.Backend).
		Uint64("data_version", self.DataVersion).
		Msg("node started")
	return nil
}

// resolveAddress replaces a wildcard port in the advertised address with
// the one the server actually bound.
func (c *Controller) resolveAddress(ctx context.Context) error {
	host, port, err := net.SplitHostPort(c.cfg.Node.Advertise)
	if err != nil || port != "0" {
		return nil
	}
	_, bound, err := net.SplitHostPort(c.server.Addr())
	if err != nil {
		return fmt.Errorf("resolve bound address: %w", err)
	}
	address := net.JoinHostPort(host, bound)
	_, err = c.members.BumpSelf(ctx, func(n *types.Node) { n.Address = address })
	return err
}

// Stop shuts the node down and releases storage. It is safe to call more
// than once.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	var err error
	if c.started {
		err = c.stopComponents(ctx)
	}
	if cerr := c.closeAll(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	c.log.Info().Msg("node stopped")
	return err
}

func (c *Controller) stopComponents(ctx context.Context) error {
	if c.runner != nil {
		c.runner.Stop()
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.orchestrator != nil {
		c.orchestrator.Stop()
	}
	c.gossip.Stop()
	return c.server.Shutdown(ctx)
}

func (c *Controller) closeAll() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Addr returns the address the HTTP server is bound to.
func (c *Controller) Addr() string {
	return c.server.Addr()
}

// Self returns the local node as the membership view currently has it.
func (c *Controller) Self(ctx context.Context) (types.Node, error) {
	return c.members.Self(ctx)
}

// Members exposes the membership view.
func (c *Controller) Members() membership.Store {
	return c.members
}

// Jobs exposes the job store, for loading definitions into a running node.
func (c *Controller) Jobs() jobstore.Store {
	return c.jobs
}

// Runner returns the local runner, or nil when the node has no runner tag.
func (c *Controller) Runner() *runner.Runner {
	return c.runner
}

// Scheduler returns the local scheduler, or nil.
func (c *Controller) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}
