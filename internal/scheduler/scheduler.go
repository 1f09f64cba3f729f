// ============================================================================
// cronswarm Scheduler - turn definitions into due-dates
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Materialize the next invocation of every cron job and the next
//          admissible message of every rate-limited queue.
//
// Tick (non-reentrant, every scheduler.interval):
//
//   gate    local node carries the scheduler tag and has the lowest id
//           among alive schedulers in its membership view
//
//   cron    DueCrons -> NextCronTime(expr, last planned | now)
//                    -> InsertScheduled{cron_job_id, planned_at}
//
//   queue   DueQueues -> NextQueuedMessage
//                     -> QueueHistory(trailing period)
//                     -> NextInvocationAt
//                     -> InsertScheduled{message_id, planned_at}
//
// The cron and queue passes run concurrently. A failing row is logged and
// skipped; the rest of the batch proceeds. Duplicate materializations from
// a briefly split gate are absorbed by the store's unique slots.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/internal/projector"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Config controls the scheduling loop.
type Config struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		BatchSize: 100,
	}
}

// Membership is the slice of the gossip view the gate needs.
type Membership interface {
	Self(ctx context.Context) (types.Node, error)
	ListNodes(ctx context.Context, f membership.Filter) ([]types.Node, error)
}

// Report summarizes one tick: how many jobs each pass inserted.
type Report struct {
	Ran    bool
	Crons  int
	Queues int
}

// Scheduler materializes scheduled jobs.
type Scheduler struct {
	cfg     Config
	store   jobstore.SchedulerStore
	members Membership
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. metrics may be nil.
func New(cfg Config, store jobstore.SchedulerStore, members Membership, log zerolog.Logger, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		members: members,
		log:     log,
		metrics: m,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// WithClock replaces the clock.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start launches the tick loop.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	s.log.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("scheduler started")
}

// Stop ends the loop and waits for the running tick.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Tick runs one scheduling pass. It reports Ran=false when the gate is
// closed or the previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context) Report {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug().Msg("previous scheduler tick still running, skipping")
		return Report{}
	}
	defer s.running.Store(false)

	leader, err := s.IsLeader(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("scheduler gate check failed")
		return Report{}
	}
	if !leader {
		return Report{}
	}

	now := s.now().UTC()
	report := Report{Ran: true}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.Crons = s.scheduleCrons(ctx, now)
	}()
	go func() {
		defer wg.Done()
		report.Queues = s.scheduleQueues(ctx, now)
	}()
	wg.Wait()

	if report.Crons+report.Queues > 0 {
		s.log.Debug().Int("crons", report.Crons).Int("queues", report.Queues).Msg("scheduled jobs")
	}
	return report
}

// IsLeader reports whether this node should schedule: it must carry the
// scheduler tag and have the lowest id among alive schedulers it knows.
func (s *Scheduler) IsLeader(ctx context.Context) (bool, error) {
	self, err := s.members.Self(ctx)
	if err != nil {
		return false, fmt.Errorf("self: %w", err)
	}
	if !self.HasTag(types.TagScheduler) {
		return false, nil
	}
	peers, err := s.members.ListNodes(ctx, membership.Filter{Tag: types.TagScheduler, AliveOnly: true})
	if err != nil {
		return false, fmt.Errorf("list schedulers: %w", err)
	}
	for _, p := range peers {
		if p.ID < self.ID {
			return false, nil
		}
	}
	return true, nil
}

// ListDueForCron returns the materialized horizon of a cron job.
func (s *Scheduler) ListDueForCron(ctx context.Context, cronID string) ([]types.ScheduledJob, error) {
	return s.store.ListDueForCron(ctx, cronID)
}

// ============================================================================
// Cron pass
// ============================================================================

func (s *Scheduler) scheduleCrons(ctx context.Context, now time.Time) int {
	cursors, err := s.store.DueCrons(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn().Err(err).Msg("load due crons failed")
		return 0
	}

	scheduled := 0
	for _, c := range cursors {
		ok, err := s.scheduleCron(ctx, c, now)
		if err != nil {
			s.log.Error().Err(err).Str("cron_id", c.Cron.ID).Str("expression", c.Cron.Expression).Msg("schedule cron failed")
			continue
		}
		if ok {
			scheduled++
			s.metrics.RecordScheduled("cron")
		}
	}
	return scheduled
}

func (s *Scheduler) scheduleCron(ctx context.Context, c jobstore.CronCursor, now time.Time) (bool, error) {
	anchor := now
	if c.LastPlanned != nil {
		anchor = *c.LastPlanned
	}
	next, err := projector.NextCronTime(c.Cron.Expression, anchor)
	if err != nil {
		return false, err
	}

	cronID := c.Cron.ID
	return s.store.InsertScheduled(ctx, types.ScheduledJob{
		ID:        s.newID(),
		PlannedAt: next,
		Request:   c.Cron.Request,
		CronJobID: &cronID,
	})
}

// ============================================================================
// Queue pass
// ============================================================================

func (s *Scheduler) scheduleQueues(ctx context.Context, now time.Time) int {
	cursors, err := s.store.DueQueues(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn().Err(err).Msg("load due queues failed")
		return 0
	}

	scheduled := 0
	for _, q := range cursors {
		n, err := s.scheduleQueue(ctx, q.Queue, now)
		if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			s.log.Error().Err(err).Str("queue_id", q.Queue.ID).Msg("schedule queue failed")
		}
		for i := 0; i < n; i++ {
			s.metrics.RecordScheduled("queue")
		}
		scheduled += n
	}
	return scheduled
}

// scheduleQueue admits messages at now while the rate limit has room, up to
// batch_size per queue, then leaves at most one job planned in the future.
func (s *Scheduler) scheduleQueue(ctx context.Context, q types.Queue, now time.Time) (int, error) {
	limit := projector.RateLimit{RequestsPerPeriod: q.RequestsPerPeriod, Period: q.Period()}

	scheduled := 0
	for scheduled < s.cfg.BatchSize {
		msg, err := s.store.NextQueuedMessage(ctx, q.ID)
		if err != nil {
			if scheduled > 0 && errors.Is(err, jobstore.ErrNotFound) {
				return scheduled, nil
			}
			return scheduled, err
		}
		history, err := s.store.QueueHistory(ctx, q.ID, now.Add(-q.Period()))
		if err != nil {
			return scheduled, err
		}

		next := projector.NextInvocationAt(limit, history, now)
		burst := !next.After(now) && hasRoom(limit, history, now)
		if scheduled > 0 && !burst {
			// jobs admitted this tick sit at now; the next tick sees them in
			// the window and plans the follow-up
			return scheduled, nil
		}

		msgID := msg.ID
		ok, err := s.store.InsertScheduled(ctx, types.ScheduledJob{
			ID:        s.newID(),
			PlannedAt: next,
			Request:   msg.Request,
			MessageID: &msgID,
		})
		if err != nil || !ok {
			return scheduled, err
		}
		scheduled++
		if !burst {
			return scheduled, nil
		}
	}
	return scheduled, nil
}

// hasRoom reports whether fewer than the allowed number of jobs are planned
// in [now-period, now], counting jobs admitted at now itself.
func hasRoom(limit projector.RateLimit, history []time.Time, now time.Time) bool {
	if limit.RequestsPerPeriod <= 0 || limit.Period <= 0 {
		return true
	}
	start := now.Add(-limit.Period)
	n := 0
	for _, at := range history {
		if !at.Before(start) && !at.After(now) {
			n++
		}
	}
	return n < limit.RequestsPerPeriod
}
