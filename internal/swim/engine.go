// ============================================================================
// cronswarm Gossip Engine - SWIM failure detection and dissemination
// ============================================================================
//
// Package: internal/swim
// File: engine.go
// Purpose: Keep the local membership view converging with the cluster and
//          detect failed peers with bounded latency.
//
// Per-tick rounds (run concurrently, tick never overlaps itself):
//
//   1. ping round       fanout random alive peers, direct ping each
//                       fail  -> alive => suspicious
//                       ok    -> merge the piggy-backed sample
//
//   2. suspicion round  suspicion_fanout random suspicious peers
//                       direct ping ok               -> alive
//                       else ask indirect_probers helpers
//                         any helper reaches it      -> alive
//                         all fail (or no helpers)   -> dead
//
// Every ping is bidirectional gossip: the request carries a sample of our
// view and the response carries a sample of theirs.
//
// Refutation:
//   A peer reporting this node as suspicious/dead at a version >= ours makes
//   us bump our own version; the fresh alive row overrides the rumour.
//
// Bootstrap:
//   Seeds are pinged until one answers, paced by a rate limiter. Failure is
//   logged and retried; the node keeps serving local roles meanwhile.
//
// ============================================================================

package swim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// ErrNoSeedReachable is returned by Bootstrap when ctx ends before any seed
// answered.
var ErrNoSeedReachable = errors.New("no seed reachable")

// Config controls the gossip rounds.
type Config struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	Fanout          int           `mapstructure:"fanout" yaml:"fanout"`
	SuspicionFanout int           `mapstructure:"suspicion_fanout" yaml:"suspicion_fanout"`
	IndirectProbers int           `mapstructure:"indirect_probers" yaml:"indirect_probers"`
	SampleSize      int           `mapstructure:"sample_size" yaml:"sample_size"`
	Seeds           []string      `mapstructure:"seeds" yaml:"seeds"`
	BootstrapRetry  time.Duration `mapstructure:"bootstrap_retry" yaml:"bootstrap_retry"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        3 * time.Second,
		Fanout:          3,
		SuspicionFanout: 3,
		IndirectProbers: 3,
		SampleSize:      8,
		BootstrapRetry:  5 * time.Second,
		RequestTimeout:  3 * time.Second,
	}
}

// PingTimeout bounds one direct ping.
func (c Config) PingTimeout() time.Duration {
	return c.Interval / 2
}

// Engine runs the protocol for one process.
type Engine struct {
	cfg     Config
	store   membership.Store
	client  Client
	log     zerolog.Logger
	metrics *metrics.Collector

	running atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. metrics may be nil.
func New(cfg Config, store membership.Store, client Client, log zerolog.Logger, m *metrics.Collector) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		client:  client,
		log:     log,
		metrics: m,
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches bootstrap and the tick loop.
func (e *Engine) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.Bootstrap(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn().Err(err).Msg("bootstrap gave up")
		}
	}()
	go e.tickLoop(ctx)

	e.log.Info().
		Dur("interval", e.cfg.Interval).
		Int("fanout", e.cfg.Fanout).
		Strs("seeds", e.cfg.Seeds).
		Msg("gossip engine started")
}

// Stop ends the loops and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info().Msg("gossip engine stopped")
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a slow tick must not block the ticker; overlapping ones are skipped
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.Tick(ctx)
			}()
		}
	}
}

// Tick runs one ping round and one suspicion round concurrently. It returns
// false without doing anything when the previous tick is still running.
func (e *Engine) Tick(ctx context.Context) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.log.Debug().Msg("previous gossip tick still running, skipping")
		return false
	}
	defer e.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.pingRound(ctx)
	}()
	go func() {
		defer wg.Done()
		e.suspicionRound(ctx)
	}()
	wg.Wait()

	if nodes, err := e.store.ListNodes(ctx, membership.Filter{}); err == nil {
		e.metrics.SetMembers(nodes)
	}
	return true
}

// ============================================================================
// Protocol handlers (called by the transport)
// ============================================================================

// HandlePing merges the sender's gossip and answers with ours.
func (e *Engine) HandlePing(ctx context.Context, req PingRequest) (PingResponse, error) {
	if err := membership.Validate(req.From); err != nil {
		return PingResponse{}, fmt.Errorf("ping from: %w", err)
	}
	e.merge(ctx, append([]types.Node{req.From}, req.Nodes...))

	self, err := e.store.Self(ctx)
	if err != nil {
		return PingResponse{}, err
	}
	resp := PingResponse{Self: self, Nodes: e.sample(ctx)}
	if you, err := e.store.GetNode(ctx, req.From.ID); err == nil {
		resp.You = &you
	}
	return resp, nil
}

// HandleIndirectProbe pings the requested node on behalf of a peer.
func (e *Engine) HandleIndirectProbe(ctx context.Context, req ProbeRequest) (ProbeResponse, error) {
	target, err := e.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return ProbeResponse{}, err
	}
	self, err := e.store.Self(ctx)
	if err != nil {
		return ProbeResponse{}, err
	}
	if target.ID == self.ID {
		return ProbeResponse{Reachable: true}, nil
	}
	return ProbeResponse{Reachable: e.ping(ctx, target) == nil}, nil
}

// ListNodes returns the local view filtered by f.
func (e *Engine) ListNodes(ctx context.Context, f membership.Filter) ([]types.Node, error) {
	return e.store.ListNodes(ctx, f)
}

// Self returns the local node.
func (e *Engine) Self(ctx context.Context) (types.Node, error) {
	return e.store.Self(ctx)
}

// ============================================================================
// Rounds
// ============================================================================

func (e *Engine) pingRound(ctx context.Context) {
	peers, err := e.peers(ctx, types.StateAlive)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list alive peers")
		return
	}
	targets := pick(peers, e.cfg.Fanout)

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target types.Node) {
			defer wg.Done()
			if err := e.ping(ctx, target); err != nil {
				e.log.Debug().Err(err).Str("node", target.ID).Msg("direct ping failed")
				e.setState(ctx, target, types.StateSuspicious)
			}
		}(target)
	}
	wg.Wait()
}

func (e *Engine) suspicionRound(ctx context.Context) {
	suspects, err := e.peers(ctx, types.StateSuspicious)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list suspicious peers")
		return
	}
	targets := pick(suspects, e.cfg.SuspicionFanout)

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target types.Node) {
			defer wg.Done()
			e.testSuspect(ctx, target)
		}(target)
	}
	wg.Wait()
}

// testSuspect resolves one suspicious node to alive or dead.
func (e *Engine) testSuspect(ctx context.Context, suspect types.Node) {
	if err := e.ping(ctx, suspect); err == nil {
		e.setState(ctx, suspect, types.StateAlive)
		return
	}

	alive, err := e.peers(ctx, types.StateAlive)
	if err != nil {
		e.log.Error().Err(err).Str("node", suspect.ID).Msg("failed to list probers")
		return
	}
	helpers := pick(withoutID(alive, suspect.ID), e.cfg.IndirectProbers)
	if len(helpers) == 0 {
		// nobody to ask: the failed direct probe is conclusive
		e.setState(ctx, suspect, types.StateDead)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, e.probeTimeout())
	defer cancel()

	confirmed := make(chan struct{}, len(helpers))
	var wg sync.WaitGroup
	for _, helper := range helpers {
		wg.Add(1)
		go func(helper types.Node) {
			defer wg.Done()
			resp, err := e.client.IndirectProbe(probeCtx, helper.Address, ProbeRequest{NodeID: suspect.ID})
			if err != nil {
				e.log.Debug().Err(err).Str("helper", helper.ID).Str("node", suspect.ID).Msg("indirect probe failed")
				return
			}
			if resp.Reachable {
				confirmed <- struct{}{}
			}
		}(helper)
	}
	wg.Wait()
	close(confirmed)

	if _, ok := <-confirmed; ok {
		e.setState(ctx, suspect, types.StateAlive)
		return
	}
	e.setState(ctx, suspect, types.StateDead)
}

// ============================================================================
// Bootstrap
// ============================================================================

// Bootstrap pings the configured seeds until one answers or ctx ends.
func (e *Engine) Bootstrap(ctx context.Context) error {
	self, err := e.store.Self(ctx)
	if err != nil {
		return err
	}
	seeds := make([]string, 0, len(e.cfg.Seeds))
	for _, s := range e.cfg.Seeds {
		if s != "" && s != self.Address {
			seeds = append(seeds, s)
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	retry := e.cfg.BootstrapRetry
	if retry <= 0 {
		retry = DefaultConfig().BootstrapRetry
	}
	limiter := rate.NewLimiter(rate.Every(retry), 1)

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w after %d attempts: %v", ErrNoSeedReachable, attempt-1, err)
		}
		for _, seed := range seeds {
			if err := e.pingAddress(ctx, seed); err != nil {
				e.log.Debug().Err(err).Str("seed", seed).Msg("seed unreachable")
				continue
			}
			e.log.Info().Str("seed", seed).Int("attempt", attempt).Msg("joined cluster")
			return nil
		}
		e.log.Warn().Strs("seeds", seeds).Int("attempt", attempt).Msg("no seed reachable, retrying")
	}
}

// ============================================================================
// helpers
// ============================================================================

// ping sends one direct ping to target and merges the answer.
func (e *Engine) ping(ctx context.Context, target types.Node) error {
	err := e.pingAddress(ctx, target.Address)
	e.metrics.RecordPing(err == nil)
	return err
}

func (e *Engine) pingAddress(ctx context.Context, address string) error {
	self, err := e.store.Self(ctx)
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout())
	defer cancel()

	resp, err := e.client.Ping(pingCtx, address, PingRequest{From: self, Nodes: e.sample(ctx)})
	if err != nil {
		return err
	}

	nodes := append([]types.Node{resp.Self}, resp.Nodes...)
	if resp.You != nil {
		nodes = append(nodes, *resp.You)
	}
	e.merge(ctx, nodes)
	return nil
}

// merge applies gossip to the store. Rows about ourselves feed refutation.
func (e *Engine) merge(ctx context.Context, nodes []types.Node) {
	self, err := e.store.Self(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("cannot merge gossip without self")
		return
	}
	for _, n := range nodes {
		if n.ID == self.ID {
			self = e.refute(ctx, self, n)
			continue
		}
		before, lookupErr := e.store.GetNode(ctx, n.ID)
		changed, err := e.store.UpsertNode(ctx, n)
		if err != nil {
			e.log.Debug().Err(err).Str("node", n.ID).Msg("rejected gossip row")
			continue
		}
		if !changed {
			continue
		}
		if lookupErr != nil {
			e.log.Info().Str("node", n.ID).Str("address", n.Address).Str("state", string(n.State)).Msg("discovered node")
			continue
		}
		if before.State != n.State {
			e.log.Info().
				Str("node", n.ID).
				Str("from", string(before.State)).
				Str("to", string(n.State)).
				Uint64("version", n.DataVersion).
				Msg("node state learned from gossip")
		}
	}
}

// refute bumps our version when a peer believes we are not alive, or when it
// holds a version of us newer than ours (a restart that lost its version).
func (e *Engine) refute(ctx context.Context, self, reported types.Node) types.Node {
	disputed := reported.State != types.StateAlive && reported.DataVersion >= self.DataVersion
	stale := reported.DataVersion > self.DataVersion
	if !disputed && !stale {
		return self
	}
	next, err := e.store.BumpSelf(ctx, func(n *types.Node) {
		n.DataVersion = reported.DataVersion
	})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to refute")
		return self
	}
	e.log.Info().
		Str("reported_state", string(reported.State)).
		Uint64("reported_version", reported.DataVersion).
		Uint64("version", next.DataVersion).
		Msg("refuted stale view of self")
	return next
}

func (e *Engine) setState(ctx context.Context, n types.Node, state types.NodeState) {
	changed, err := e.store.SetState(ctx, n.ID, state)
	if err != nil {
		e.log.Error().Err(err).Str("node", n.ID).Msg("failed to set state")
		return
	}
	if !changed {
		return
	}
	e.metrics.RecordTransition(state)
	ev := e.log.Info()
	if state == types.StateDead {
		ev = e.log.Warn()
	}
	ev.Str("node", n.ID).Str("address", n.Address).Str("to", string(state)).Msg("node state changed")
}

// peers returns remote nodes in the given state.
func (e *Engine) peers(ctx context.Context, state types.NodeState) ([]types.Node, error) {
	self, err := e.store.Self(ctx)
	if err != nil {
		return nil, err
	}
	all, err := e.store.ListNodes(ctx, membership.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]types.Node, 0, len(all))
	for _, n := range all {
		if n.ID != self.ID && n.State == state {
			out = append(out, n)
		}
	}
	return out, nil
}

// sample returns up to SampleSize random known nodes, tombstones included.
func (e *Engine) sample(ctx context.Context) []types.Node {
	all, err := e.store.ListNodes(ctx, membership.Filter{})
	if err != nil {
		return nil
	}
	size := e.cfg.SampleSize
	if size <= 0 {
		size = len(all)
	}
	return pick(all, size)
}

func (e *Engine) probeTimeout() time.Duration {
	if e.cfg.RequestTimeout > 0 {
		return e.cfg.RequestTimeout
	}
	return e.cfg.Interval
}

// pick returns up to n distinct random elements.
func pick(nodes []types.Node, n int) []types.Node {
	if n <= 0 || len(nodes) == 0 {
		return nil
	}
	out := append([]types.Node(nil), nodes...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func withoutID(nodes []types.Node, id string) []types.Node {
	out := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}
