package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/projector"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var base = time.Date(2024, 1, 1, 0, 2, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newMembers(t *testing.T, id string, tags ...types.Tag) *membership.Memory {
	t.Helper()
	m, err := membership.NewMemory(types.Node{ID: id, Address: id + ":7946", Tags: tags}, nil)
	require.NoError(t, err)
	return m
}

func newScheduler(t *testing.T, store jobstore.SchedulerStore, members Membership, clk *clock) *Scheduler {
	t.Helper()
	return New(DefaultConfig(), store, members, zerolog.Nop(), nil).WithClock(clk.Now)
}

func request() types.RequestData {
	return types.RequestData{URL: "http://example.com/hook", Method: "POST"}
}

// ============================================================================
// Cron
// ============================================================================

func TestTick_MaterializesNextCronTime(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	cron, err := store.CreateCronJob(ctx, types.CronJob{Expression: "*/5 * * * *", Request: request()})
	require.NoError(t, err)

	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), clk)

	report := s.Tick(ctx)
	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Crons)

	jobs, err := s.ListDueForCron(ctx, cron.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, base.Add(3*time.Minute), jobs[0].PlannedAt)
	assert.Equal(t, "POST", jobs[0].Request.Method)

	// the future job keeps the cron out of the due set
	assert.Equal(t, 0, s.Tick(ctx).Crons)

	clk.Set(base.Add(3 * time.Minute))
	assert.Equal(t, 1, s.Tick(ctx).Crons)

	jobs, err = s.ListDueForCron(ctx, cron.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, base.Add(8*time.Minute), jobs[1].PlannedAt)
}

func TestTick_SkipsDisabledCron(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	_, err := store.CreateCronJob(ctx, types.CronJob{Expression: "* * * * *", Request: request(), Disabled: true})
	require.NoError(t, err)

	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), clk)
	assert.Equal(t, 0, s.Tick(ctx).Crons)
}

// failingStore fails inserts for one cron and passes everything else through.
type failingStore struct {
	jobstore.SchedulerStore
	badCron string
}

func (f *failingStore) InsertScheduled(ctx context.Context, job types.ScheduledJob) (bool, error) {
	if job.CronJobID != nil && *job.CronJobID == f.badCron {
		return false, errors.New("disk on fire")
	}
	return f.SchedulerStore.InsertScheduled(ctx, job)
}

func TestTick_FailingCronDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	bad, err := store.CreateCronJob(ctx, types.CronJob{ID: "bad", Expression: "* * * * *", Request: request()})
	require.NoError(t, err)
	good, err := store.CreateCronJob(ctx, types.CronJob{ID: "good", Expression: "* * * * *", Request: request()})
	require.NoError(t, err)

	s := newScheduler(t, &failingStore{SchedulerStore: store, badCron: bad.ID}, newMembers(t, "a", types.TagScheduler), clk)
	assert.Equal(t, 1, s.Tick(ctx).Crons)

	jobs, err := store.ListDueForCron(ctx, good.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

// ============================================================================
// Queue
// ============================================================================

func TestTick_QueueRespectsRateLimit(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	q, err := store.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 2, PeriodSeconds: 60})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := store.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), clk)

	// the first two fit the window and go out together
	assert.Equal(t, 2, s.Tick(ctx).Queues)
	clk.Set(base.Add(time.Second))
	assert.Equal(t, 1, s.Tick(ctx).Queues)
	clk.Set(base.Add(2 * time.Second))
	assert.Equal(t, 0, s.Tick(ctx).Queues, "a future job keeps the queue out of the due set")

	history, err := store.QueueHistory(ctx, q.ID, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base, base, base.Add(time.Minute)}, history)

	// nothing left to schedule
	clk.Set(base.Add(2 * time.Minute))
	assert.Equal(t, 0, s.Tick(ctx).Queues)
}

func TestTick_QueueFIFO(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	q, err := store.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 1, PeriodSeconds: 1})
	require.NoError(t, err)

	first, err := store.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)
	_, err = store.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)

	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), clk)
	require.Equal(t, 1, s.Tick(ctx).Queues)

	next, err := store.NextQueuedMessage(ctx, q.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, next.ID)
	assert.Equal(t, int64(2), next.QueueIndex)
}

func TestTick_QueueBurstsUpToLimit(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	q, err := store.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 10, PeriodSeconds: 60})
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := store.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
		require.NoError(t, err)
	}

	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), clk)
	assert.Equal(t, 10, s.Tick(ctx).Queues)

	clk.Set(base.Add(time.Second))
	assert.Equal(t, 1, s.Tick(ctx).Queues)

	history, err := store.QueueHistory(ctx, q.ID, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 11)
	for _, at := range history[:10] {
		assert.Equal(t, base, at)
	}
	assert.Equal(t, base.Add(time.Minute), history[10])
}

func TestTick_QueueBurstCappedByBatchSize(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	q, err := store.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 100, PeriodSeconds: 60})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := store.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
		require.NoError(t, err)
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 3
	s := New(cfg, store, newMembers(t, "a", types.TagScheduler), zerolog.Nop(), nil).WithClock(clk.Now)
	assert.Equal(t, 3, s.Tick(ctx).Queues)
	assert.Equal(t, 2, s.Tick(ctx).Queues)
	assert.Equal(t, 0, s.Tick(ctx).Queues)
}

func TestHasRoom(t *testing.T) {
	limit := projector.RateLimit{RequestsPerPeriod: 2, Period: time.Minute}
	assert.True(t, hasRoom(limit, nil, base))
	assert.True(t, hasRoom(limit, []time.Time{base}, base))
	assert.False(t, hasRoom(limit, []time.Time{base.Add(-time.Minute), base}, base))
	assert.True(t, hasRoom(limit, []time.Time{base.Add(-time.Minute - time.Second), base}, base))
	assert.True(t, hasRoom(projector.RateLimit{}, []time.Time{base, base, base}, base))
}

// ============================================================================
// Gate
// ============================================================================

func TestIsLeader(t *testing.T) {
	ctx := context.Background()

	plain := newMembers(t, "b", types.TagRunner)
	s := New(DefaultConfig(), jobstore.NewMemory(), plain, zerolog.Nop(), nil)
	leader, err := s.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader, "no scheduler tag")

	members := newMembers(t, "b", types.TagScheduler)
	s = New(DefaultConfig(), jobstore.NewMemory(), members, zerolog.Nop(), nil)
	leader, err = s.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, leader, "only scheduler")

	_, err = members.UpsertNode(ctx, types.Node{ID: "a", Address: "a:7946", State: types.StateAlive, Tags: []types.Tag{types.TagScheduler}, DataVersion: 1})
	require.NoError(t, err)
	leader, err = s.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader, "lower id alive scheduler wins")

	_, err = members.SetState(ctx, "a", types.StateSuspicious)
	require.NoError(t, err)
	leader, err = s.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, leader, "suspicious peers do not hold the gate")
}

func TestTick_ClosedGateDoesNothing(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: base}
	store := jobstore.NewMemory().WithClock(clk.Now)
	cron, err := store.CreateCronJob(ctx, types.CronJob{Expression: "* * * * *", Request: request()})
	require.NoError(t, err)

	s := newScheduler(t, store, newMembers(t, "a", types.TagRunner), clk)
	assert.False(t, s.Tick(ctx).Ran)

	jobs, err := store.ListDueForCron(ctx, cron.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// blockingStore parks DueCrons until released.
type blockingStore struct {
	jobstore.SchedulerStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) DueCrons(ctx context.Context, now time.Time, limit int) ([]jobstore.CronCursor, error) {
	b.entered <- struct{}{}
	<-b.release
	return nil, nil
}

func TestTick_NotReentrant(t *testing.T) {
	ctx := context.Background()
	store := &blockingStore{
		SchedulerStore: jobstore.NewMemory(),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
	s := newScheduler(t, store, newMembers(t, "a", types.TagScheduler), &clock{t: base})

	done := make(chan Report, 1)
	go func() { done <- s.Tick(ctx) }()
	<-store.entered

	assert.False(t, s.Tick(ctx).Ran)

	close(store.release)
	assert.True(t, (<-done).Ran)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	cron, err := store.CreateCronJob(ctx, types.CronJob{Expression: "* * * * *", Request: request()})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	s := New(cfg, store, newMembers(t, "a", types.TagScheduler), zerolog.Nop(), nil)
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		jobs, err := store.ListDueForCron(ctx, cron.ID)
		return err == nil && len(jobs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
