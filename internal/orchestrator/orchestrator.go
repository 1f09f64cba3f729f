// ============================================================================
// cronswarm Orchestrator - hand out due work, collect results
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Serve runner requests for assignments and accept their results.
//          All exclusivity lives in the job store; the orchestrator itself
//          is stateless and any number of them may run side by side.
//
// Operations:
//
//   RequestJobAssignments(runner, period, max)
//       until = now + max(lookahead, period)
//       limit = min(max, claim_limit)
//       ClaimDue(runner, limit, until)            one conditional update
//
//   RejectJobAssignment(job)                      Release
//   SubmitJobResult(s)                            UpsertResult, first wins
//
// Housekeeping (every housekeeping_interval):
//   - publish the unassigned backlog
//   - with assignment_lease > 0, release result-less assignments older
//     than the lease so work held by a vanished runner is retried
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// ErrInvalidRequest is returned for requests missing a runner or job id.
var ErrInvalidRequest = errors.New("invalid orchestrator request")

// Config controls claiming and housekeeping.
type Config struct {
	Lookahead            time.Duration `mapstructure:"lookahead" yaml:"lookahead"`
	ClaimLimit           int           `mapstructure:"claim_limit" yaml:"claim_limit"`
	AssignmentLease      time.Duration `mapstructure:"assignment_lease" yaml:"assignment_lease"` // 0 disables
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval" yaml:"housekeeping_interval"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Lookahead:            2 * time.Second,
		ClaimLimit:           100,
		HousekeepingInterval: 10 * time.Second,
	}
}

// AssignmentRequest is sent by runners asking for work.
type AssignmentRequest struct {
	RunnerID string `json:"runner_id"`
	PeriodMS int64  `json:"period_ms"`
	MaxJobs  int    `json:"max_jobs"`
}

// AssignmentResponse carries the claimed jobs.
type AssignmentResponse struct {
	Jobs []types.JobDescription `json:"jobs"`
}

// ResultBatch is the body of a batch submission.
type ResultBatch struct {
	Results []types.JobResult `json:"results"`
}

// SubmitResponse acknowledges stored results.
type SubmitResponse struct {
	Stored int `json:"stored"`
}

// Orchestrator serves assignment and result traffic.
type Orchestrator struct {
	cfg     Config
	store   jobstore.OrchestratorStore
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. metrics may be nil.
func New(cfg Config, store jobstore.OrchestratorStore, log zerolog.Logger, m *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the clock.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// RequestJobAssignments claims due work for a runner.
func (o *Orchestrator) RequestJobAssignments(ctx context.Context, req AssignmentRequest) ([]types.JobDescription, error) {
	if req.RunnerID == "" {
		return nil, fmt.Errorf("%w: empty runner id", ErrInvalidRequest)
	}
	limit := req.MaxJobs
	if o.cfg.ClaimLimit > 0 && limit > o.cfg.ClaimLimit {
		limit = o.cfg.ClaimLimit
	}
	if limit <= 0 {
		return []types.JobDescription{}, nil
	}

	horizon := o.cfg.Lookahead
	if period := time.Duration(req.PeriodMS) * time.Millisecond; period > horizon {
		horizon = period
	}
	now := o.now().UTC()

	jobs, err := o.store.ClaimDue(ctx, jobstore.Claim{
		RunnerID: req.RunnerID,
		Limit:    limit,
		Until:    now.Add(horizon),
		At:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	out := make([]types.JobDescription, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Description())
	}
	if len(out) > 0 {
		o.metrics.RecordClaimed(len(out))
		o.log.Debug().Str("runner_id", req.RunnerID).Int("jobs", len(out)).Msg("assigned jobs")
	}
	return out, nil
}

// RejectJobAssignment hands a job back to the pool.
func (o *Orchestrator) RejectJobAssignment(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidRequest)
	}
	if err := o.store.Release(ctx, jobID); err != nil {
		return fmt.Errorf("release %s: %w", jobID, err)
	}
	o.log.Debug().Str("job_id", jobID).Msg("assignment rejected")
	return nil
}

// SubmitJobResult stores one result. Resubmissions are accepted and ignored.
func (o *Orchestrator) SubmitJobResult(ctx context.Context, r types.JobResult) error {
	_, err := o.SubmitJobResults(ctx, []types.JobResult{r})
	return err
}

// SubmitJobResults stores a batch. The whole batch is validated first; on a
// storage error the results stored so far stay stored and the count says how
// many.
func (o *Orchestrator) SubmitJobResults(ctx context.Context, results []types.JobResult) (int, error) {
	for _, r := range results {
		if r.JobID == "" {
			return 0, fmt.Errorf("%w: result without job id", ErrInvalidRequest)
		}
	}

	stored := 0
	for _, r := range results {
		if err := o.store.UpsertResult(ctx, r); err != nil {
			o.metrics.RecordResultsStored(stored)
			return stored, fmt.Errorf("store result %s: %w", r.JobID, err)
		}
		stored++
	}
	o.metrics.RecordResultsStored(stored)
	return stored, nil
}

// ============================================================================
// Housekeeping
// ============================================================================

// Start launches the housekeeping loop.
func (o *Orchestrator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.cancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.HousekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.Housekeep(ctx); err != nil && ctx.Err() == nil {
					o.log.Warn().Err(err).Msg("housekeeping failed")
				}
			}
		}
	}()

	o.log.Info().
		Dur("lookahead", o.cfg.Lookahead).
		Int("claim_limit", o.cfg.ClaimLimit).
		Dur("assignment_lease", o.cfg.AssignmentLease).
		Msg("orchestrator started")
}

// Stop ends housekeeping.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.log.Info().Msg("orchestrator stopped")
}

// Housekeep publishes the backlog and expires stale leases. It returns the
// number of released assignments.
func (o *Orchestrator) Housekeep(ctx context.Context) (int, error) {
	released := 0
	if o.cfg.AssignmentLease > 0 {
		n, err := o.store.ReleaseExpired(ctx, o.now().UTC().Add(-o.cfg.AssignmentLease))
		if err != nil {
			return 0, fmt.Errorf("release expired: %w", err)
		}
		if n > 0 {
			o.log.Info().Int("released", n).Msg("released expired assignments")
		}
		released = n
	}

	backlog, err := o.store.CountUnassigned(ctx)
	if err != nil {
		return released, fmt.Errorf("count unassigned: %w", err)
	}
	o.metrics.SetUnassigned(backlog)
	return released, nil
}
