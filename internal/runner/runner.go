// ============================================================================
// cronswarm Runner - pull, execute, deliver
// ============================================================================
//
// Package: internal/runner
// File: runner.go
// Purpose: Poll an orchestrator for assignments, execute them in the
//          sandbox at their planned time and deliver results with
//          retry-until-acknowledged semantics.
//
// Loops (each on its own goroutine):
//
//   1. poll   (poll_interval, non-reentrant)
//        refresh runner id from gossip self
//        pick a random alive orchestrator, count alive runners
//        request ceil(cluster_batch / runners) assignments
//        take local assignments planned before the next tick and hand
//        each to the sandbox pool immediately
//
//   2. result (driven by the pool's channel)
//        executed   -> submit; on failure put in the result cache
//        not run    -> reject back to the orchestrator
//
//   3. flush  (flush_interval, non-reentrant)
//        cache entries older than cache_grace, up to flush_batch,
//        submitted as one batch and deleted after acknowledgement
//
// Shutdown: stop polling, abort waiting workers, drain outcomes, hand
// back anything still held locally.
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/runner/cache"
	"github.com/ChuLiYu/cronswarm/internal/sandbox"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// ErrNoOrchestrator is returned when the membership view has no alive
// orchestrator.
var ErrNoOrchestrator = errors.New("no alive orchestrator")

// Config controls polling, execution and delivery.
type Config struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ClusterBatch     int           `mapstructure:"cluster_batch" yaml:"cluster_batch"`
	CacheGrace       time.Duration `mapstructure:"cache_grace" yaml:"cache_grace"`
	FlushInterval    time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	FlushBatch       int           `mapstructure:"flush_batch" yaml:"flush_batch"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" yaml:"max_response_bytes"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		ClusterBatch:     100,
		CacheGrace:       10 * time.Second,
		FlushInterval:    5 * time.Second,
		FlushBatch:       50,
		RequestTimeout:   5 * time.Second,
		MaxResponseBytes: sandbox.DefaultMaxResponseBytes,
	}
}

// Orchestrator is the remote side of the runner, addressed per call.
type Orchestrator interface {
	RequestJobAssignments(ctx context.Context, address string, req orchestrator.AssignmentRequest) ([]types.JobDescription, error)
	RejectJobAssignment(ctx context.Context, address, jobID string) error
	SubmitJobResults(ctx context.Context, address string, results []types.JobResult) (int, error)
}

// Membership is the slice of the gossip view the runner needs.
type Membership interface {
	Self(ctx context.Context) (types.Node, error)
	ListNodes(ctx context.Context, f membership.Filter) ([]types.Node, error)
}

// Stats is a point-in-time view of the runner, served at /runner/v1/stats.
type Stats struct {
	RunnerID  string `json:"runner_id"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Cached    int    `json:"cached"`
	Assigned  int64  `json:"assigned"`
	Executed  int64  `json:"executed"`
	Submitted int64  `json:"submitted"`
	Rejected  int64  `json:"rejected"`
}

// Runner executes assigned jobs.
type Runner struct {
	cfg     Config
	members Membership
	orch    Orchestrator
	cache   cache.Cache
	pool    *sandbox.Pool
	local   *Assignments
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.RWMutex
	runnerID string

	polling  atomic.Bool
	flushing atomic.Bool

	assigned  atomic.Int64
	executed  atomic.Int64
	submitted atomic.Int64
	rejected  atomic.Int64

	cancel   context.CancelFunc
	loopWg   sync.WaitGroup
	resultWg sync.WaitGroup
}

// New creates a runner executing jobs with exec. metrics may be nil.
func New(cfg Config, members Membership, orch Orchestrator, c cache.Cache, exec sandbox.Runner, log zerolog.Logger, m *metrics.Collector) *Runner {
	buffer := cfg.ClusterBatch
	if buffer <= 0 {
		buffer = 1
	}
	return &Runner{
		cfg:     cfg,
		members: members,
		orch:    orch,
		cache:   c,
		pool:    sandbox.NewPool(exec, buffer),
		local:   NewAssignments(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for dispatch cutoffs and cache stamps.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the poll, result and flush loops.
func (r *Runner) Start(parent context.Context) error {
	if err := r.pool.Start(); err != nil {
		return fmt.Errorf("start sandbox pool: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.resultWg.Add(1)
	go r.resultLoop(context.WithoutCancel(ctx))

	r.loopWg.Add(2)
	go r.every(ctx, r.cfg.PollInterval, func() { r.Tick(ctx) })
	go r.every(ctx, r.cfg.FlushInterval, func() {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.Debug().Err(err).Msg("result flush failed")
		}
	})

	r.log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("cluster_batch", r.cfg.ClusterBatch).
		Dur("cache_grace", r.cfg.CacheGrace).
		Msg("runner started")
	return nil
}

// Stop shuts the runner down. Jobs not yet executed are handed back.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.loopWg.Wait()
	r.pool.Stop()
	r.resultWg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	for _, job := range r.local.TakeAll() {
		r.reject(ctx, job.JobID)
	}
	r.log.Info().Msg("runner stopped")
}

func (r *Runner) every(ctx context.Context, interval time.Duration, fn func()) {
	defer r.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// ============================================================================
// Poll
// ============================================================================

// Tick runs one poll cycle. It returns false when the previous one is still
// running.
func (r *Runner) Tick(ctx context.Context) bool {
	if !r.polling.CompareAndSwap(false, true) {
		r.log.Debug().Msg("previous runner tick still running, skipping")
		return false
	}
	defer r.polling.Store(false)

	tickAt := r.now()
	if err := r.refreshID(ctx); err != nil {
		r.log.Warn().Err(err).Msg("refresh runner id failed")
		return true
	}
	if err := r.fetch(ctx); err != nil {
		r.log.Debug().Err(err).Msg("fetch assignments failed")
	}
	r.dispatch(tickAt.Add(r.cfg.PollInterval))
	return true
}

func (r *Runner) refreshID(ctx context.Context) error {
	self, err := r.members.Self(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.runnerID = self.ID
	r.mu.Unlock()
	return nil
}

// RunnerID returns the id the runner claims work under.
func (r *Runner) RunnerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runnerID
}

func (r *Runner) fetch(ctx context.Context) error {
	addr, err := r.orchestratorAddress(ctx)
	if err != nil {
		return err
	}
	runners, err := r.members.ListNodes(ctx, membership.Filter{Tag: types.TagRunner, AliveOnly: true})
	if err != nil {
		return fmt.Errorf("list runners: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	jobs, err := r.orch.RequestJobAssignments(callCtx, addr, orchestrator.AssignmentRequest{
		RunnerID: r.RunnerID(),
		PeriodMS: r.cfg.PollInterval.Milliseconds(),
		MaxJobs:  batchSize(r.cfg.ClusterBatch, len(runners)),
	})
	if err != nil {
		return fmt.Errorf("request assignments from %s: %w", addr, err)
	}

	for _, job := range jobs {
		if err := r.local.Add(job); err != nil {
			r.log.Warn().Err(err).Str("job_id", job.JobID).Msg("cannot accept assignment")
			if !errors.Is(err, ErrDuplicateAssignment) {
				r.reject(ctx, job.JobID)
			}
			continue
		}
		r.assigned.Add(1)
	}
	return nil
}

func (r *Runner) dispatch(cutoff time.Time) {
	for _, job := range r.local.TakeDue(cutoff) {
		if err := r.pool.Submit(job); err != nil {
			r.log.Warn().Err(err).Str("job_id", job.JobID).Msg("dispatch failed")
			r.reject(context.Background(), job.JobID)
		}
	}
}

// batchSize splits the cluster-wide batch across runners, rounding up.
func batchSize(clusterBatch, runners int) int {
	if runners < 1 {
		runners = 1
	}
	return (clusterBatch + runners - 1) / runners
}

func (r *Runner) orchestratorAddress(ctx context.Context) (string, error) {
	nodes, err := r.members.ListNodes(ctx, membership.Filter{Tag: types.TagOrchestrator, AliveOnly: true})
	if err != nil {
		return "", fmt.Errorf("list orchestrators: %w", err)
	}
	if len(nodes) == 0 {
		return "", ErrNoOrchestrator
	}
	return nodes[rand.Intn(len(nodes))].Address, nil
}

func (r *Runner) reject(ctx context.Context, jobID string) {
	r.rejected.Add(1)
	addr, err := r.orchestratorAddress(ctx)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		err = r.orch.RejectJobAssignment(callCtx, addr, jobID)
		cancel()
	}
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Msg("reject assignment failed")
	}
}

// ============================================================================
// Results
// ============================================================================

func (r *Runner) resultLoop(ctx context.Context) {
	defer r.resultWg.Done()
	for out := range r.pool.Results() {
		if !out.Executed {
			r.reject(ctx, out.Job.JobID)
			continue
		}
		r.executed.Add(1)
		r.metrics.RecordExecution(out.Result)
		r.deliver(ctx, out.Result)
	}
}

func (r *Runner) deliver(ctx context.Context, result types.JobResult) {
	err := r.submit(ctx, []types.JobResult{result})
	if err == nil {
		return
	}
	r.metrics.RecordSubmitFailure()
	r.log.Debug().Err(err).Str("job_id", result.JobID).Msg("submit failed, caching result")

	if err := r.cache.Put(ctx, result, r.now()); err != nil {
		// nothing else holds the result now
		r.log.Error().Err(err).Str("job_id", result.JobID).Msg("cache result failed")
		return
	}
	r.publishCacheSize(ctx)
}

func (r *Runner) submit(ctx context.Context, results []types.JobResult) error {
	addr, err := r.orchestratorAddress(ctx)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	if _, err := r.orch.SubmitJobResults(callCtx, addr, results); err != nil {
		return fmt.Errorf("submit to %s: %w", addr, err)
	}
	r.submitted.Add(int64(len(results)))
	return nil
}

// Flush resubmits cached results older than the grace period and returns
// how many were acknowledged.
func (r *Runner) Flush(ctx context.Context) (int, error) {
	if !r.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.flushing.Store(false)

	entries, err := r.cache.Older(ctx, r.now().Add(-r.cfg.CacheGrace), r.cfg.FlushBatch)
	if err != nil {
		return 0, fmt.Errorf("read result cache: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	results := make([]types.JobResult, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		results = append(results, e.Result)
		ids = append(ids, e.Result.JobID)
	}
	if err := r.submit(ctx, results); err != nil {
		r.metrics.RecordSubmitFailure()
		return 0, err
	}
	if err := r.cache.Delete(ctx, ids...); err != nil {
		return len(ids), fmt.Errorf("delete flushed results: %w", err)
	}
	r.publishCacheSize(ctx)
	r.log.Debug().Int("results", len(ids)).Msg("flushed cached results")
	return len(ids), nil
}

func (r *Runner) publishCacheSize(ctx context.Context) {
	if n, err := r.cache.Len(ctx); err == nil {
		r.metrics.SetCacheEntries(n)
	}
}

// Stats returns counters and queue sizes.
func (r *Runner) Stats(ctx context.Context) Stats {
	cached, _ := r.cache.Len(ctx)
	return Stats{
		RunnerID:  r.RunnerID(),
		Pending:   r.local.Len(),
		Active:    r.pool.Active(),
		Cached:    cached,
		Assigned:  r.assigned.Load(),
		Executed:  r.executed.Load(),
		Submitted: r.submitted.Load(),
		Rejected:  r.rejected.Load(),
	}
}
