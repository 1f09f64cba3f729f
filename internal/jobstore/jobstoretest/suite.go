// Package jobstoretest holds behaviour tests shared by every jobstore.Store
// backend.
package jobstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Factory returns a fresh, empty store whose admin clock reads now.
type Factory func(t *testing.T, now func() time.Time) jobstore.Store

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func request() types.RequestData {
	return types.RequestData{URL: "http://example.com/hook", Method: "post", TimeoutMS: 1000}
}

func fixedClock() func() time.Time {
	return func() time.Time { return base }
}

func cronJob(t *testing.T, s jobstore.Store, id string) types.CronJob {
	t.Helper()
	c, err := s.CreateCronJob(context.Background(), types.CronJob{ID: id, Expression: "* * * * *", Request: request()})
	require.NoError(t, err)
	return c
}

func scheduleCron(t *testing.T, s jobstore.Store, cronID string, at time.Time) string {
	t.Helper()
	id := cronID + "@" + at.Format(time.RFC3339)
	ok, err := s.InsertScheduled(context.Background(), types.ScheduledJob{
		ID:        id,
		PlannedAt: at,
		Request:   request(),
		CronJobID: &cronID,
	})
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

// Run executes the suite against new.
func Run(t *testing.T, new Factory) {
	t.Run("CreateCronJobValidates", func(t *testing.T) { testCreateCronJob(t, new) })
	t.Run("CreateQueueValidates", func(t *testing.T) { testCreateQueue(t, new) })
	t.Run("CreateMessageModes", func(t *testing.T) { testCreateMessage(t, new) })
	t.Run("InsertScheduledIdempotent", func(t *testing.T) { testInsertScheduled(t, new) })
	t.Run("DueCronsOrdering", func(t *testing.T) { testDueCrons(t, new) })
	t.Run("DueQueues", func(t *testing.T) { testDueQueues(t, new) })
	t.Run("ClaimDue", func(t *testing.T) { testClaimDue(t, new) })
	t.Run("ClaimExclusive", func(t *testing.T) { testClaimExclusive(t, new) })
	t.Run("ReleaseAndExpire", func(t *testing.T) { testRelease(t, new) })
	t.Run("ResultIdempotent", func(t *testing.T) { testResultIdempotent(t, new) })
}

func testCreateCronJob(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())

	c, err := s.CreateCronJob(ctx, types.CronJob{Expression: "*/5 * * * *", Request: request()})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "POST", c.Request.Method)

	_, err = s.CreateCronJob(ctx, types.CronJob{Expression: "* * * *", Request: request()})
	assert.ErrorIs(t, err, jobstore.ErrInvalidCron)

	bad := request()
	bad.URL = "not a url"
	_, err = s.CreateCronJob(ctx, types.CronJob{Expression: "* * * * *", Request: bad})
	assert.ErrorIs(t, err, jobstore.ErrInvalidRequest)

	_, err = s.CreateCronJob(ctx, types.CronJob{ID: c.ID, Expression: "* * * * *", Request: request()})
	assert.ErrorIs(t, err, jobstore.ErrDuplicate)
}

func testCreateQueue(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())

	_, err := s.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 0, PeriodSeconds: 60})
	assert.ErrorIs(t, err, jobstore.ErrInvalidQueue)
	_, err = s.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 1, PeriodSeconds: 0})
	assert.ErrorIs(t, err, jobstore.ErrInvalidQueue)

	q, err := s.CreateQueue(ctx, types.Queue{Name: "emails", RequestsPerPeriod: 3, PeriodSeconds: 60})
	require.NoError(t, err)
	assert.NotEmpty(t, q.ID)
}

func testCreateMessage(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())

	wait := int64(30)
	m, err := s.CreateMessage(ctx, types.Message{Request: request(), WaitSeconds: &wait})
	require.NoError(t, err)
	require.NotNil(t, m.WaitUntil)
	assert.Nil(t, m.WaitSeconds)
	assert.True(t, base.Add(30*time.Second).Equal(*m.WaitUntil))

	// a non-queued message is claimable once due
	jobs, err := s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r1", Limit: 10, Until: base.Add(time.Minute), At: base})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].MessageID)
	assert.Equal(t, m.ID, *jobs[0].MessageID)

	q, err := s.CreateQueue(ctx, types.Queue{RequestsPerPeriod: 1, PeriodSeconds: 60})
	require.NoError(t, err)
	first, err := s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)
	second, err := s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)
	assert.Less(t, first.QueueIndex, second.QueueIndex)

	next, err := s.NextQueuedMessage(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)

	missing := "missing"
	_, err = s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &missing})
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	at := base
	_, err = s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID, WaitUntil: &at})
	assert.ErrorIs(t, err, jobstore.ErrInvalidMessage)
}

func testInsertScheduled(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	c := cronJob(t, s, "c1")

	at := base.Add(time.Minute)
	ok, err := s.InsertScheduled(ctx, types.ScheduledJob{PlannedAt: at, Request: request(), CronJobID: &c.ID})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertScheduled(ctx, types.ScheduledJob{PlannedAt: at, Request: request(), CronJobID: &c.ID})
	require.NoError(t, err)
	assert.False(t, ok, "same (cron, planned_at) slot must be absorbed")

	jobs, err := s.ListDueForCron(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, at.Equal(jobs[0].PlannedAt))

	_, err = s.InsertScheduled(ctx, types.ScheduledJob{PlannedAt: at, Request: request()})
	assert.ErrorIs(t, err, jobstore.ErrInvalidJob)
}

func testDueCrons(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	now := base.Add(10 * time.Minute)

	cronJob(t, s, "fresh")
	cronJob(t, s, "old")
	cronJob(t, s, "recent")
	cronJob(t, s, "ahead")
	scheduleCron(t, s, "old", base.Add(time.Minute))
	scheduleCron(t, s, "recent", base.Add(9*time.Minute))
	scheduleCron(t, s, "ahead", base.Add(11*time.Minute))

	_, err := s.CreateCronJob(ctx, types.CronJob{Expression: "* * * * *", Request: request(), Disabled: true})
	require.NoError(t, err)

	due, err := s.DueCrons(ctx, now, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, c := range due {
		ids = append(ids, c.Cron.ID)
	}
	assert.Equal(t, []string{"fresh", "old", "recent"}, ids)
	assert.Nil(t, due[0].LastPlanned)
	require.NotNil(t, due[1].LastPlanned)
	assert.True(t, base.Add(time.Minute).Equal(*due[1].LastPlanned))

	capped, err := s.DueCrons(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func testDueQueues(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())

	q, err := s.CreateQueue(ctx, types.Queue{ID: "q1", RequestsPerPeriod: 2, PeriodSeconds: 60})
	require.NoError(t, err)
	_, err = s.CreateQueue(ctx, types.Queue{ID: "empty", RequestsPerPeriod: 2, PeriodSeconds: 60})
	require.NoError(t, err)

	due, err := s.DueQueues(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "queues without pending messages are not due")

	m1, err := s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, types.Message{Request: request(), QueueID: &q.ID})
	require.NoError(t, err)

	due, err = s.DueQueues(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "q1", due[0].Queue.ID)
	assert.Nil(t, due[0].LastPlanned)

	planned := base.Add(5 * time.Second)
	ok, err := s.InsertScheduled(ctx, types.ScheduledJob{PlannedAt: planned, Request: m1.Request, MessageID: &m1.ID})
	require.NoError(t, err)
	require.True(t, ok)

	due, err = s.DueQueues(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "queue with a future job is ahead of schedule")

	due, err = s.DueQueues(ctx, base.Add(10*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].LastPlanned)
	assert.True(t, planned.Equal(*due[0].LastPlanned))

	history, err := s.QueueHistory(ctx, q.ID, base)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, planned.Equal(history[0]))

	history, err = s.QueueHistory(ctx, q.ID, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testClaimDue(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	cronJob(t, s, "c1")
	early := scheduleCron(t, s, "c1", base.Add(time.Second))
	late := scheduleCron(t, s, "c1", base.Add(20*time.Second))
	scheduleCron(t, s, "c1", base.Add(5*time.Minute))

	jobs, err := s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r1", Limit: 10, Until: base.Add(30 * time.Second), At: base})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, early, jobs[0].ID)
	assert.Equal(t, late, jobs[1].ID)
	require.NotNil(t, jobs[0].AssignedTo)
	assert.Equal(t, "r1", *jobs[0].AssignedTo)

	stored, err := s.GetJob(ctx, early)
	require.NoError(t, err)
	require.NotNil(t, stored.AssignedTo)
	assert.Equal(t, "r1", *stored.AssignedTo)

	n, err := s.CountUnassigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err = s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r2", Limit: 10, Until: base.Add(30 * time.Second), At: base})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r2", Limit: 0, Until: base.Add(time.Hour), At: base})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func testClaimExclusive(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	cronJob(t, s, "c1")
	for i := 0; i < 40; i++ {
		scheduleCron(t, s, "c1", base.Add(time.Duration(i)*time.Second))
	}

	runners := []string{"r1", "r2", "r3", "r4"}
	claimed := make(map[string][]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(runner string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				jobs, err := s.ClaimDue(ctx, jobstore.Claim{RunnerID: runner, Limit: 3, Until: base.Add(time.Hour), At: base})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[runner] = append(claimed[runner], j.ID)
				}
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for runner, ids := range claimed {
		for _, id := range ids {
			if other, dup := seen[id]; dup {
				t.Fatalf("job %s claimed by both %s and %s", id, other, runner)
			}
			seen[id] = runner
			total++
		}
	}
	assert.Equal(t, 40, total)
}

func testRelease(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	cronJob(t, s, "c1")
	a := scheduleCron(t, s, "c1", base)
	b := scheduleCron(t, s, "c1", base.Add(time.Second))

	_, err := s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r1", Limit: 1, Until: base.Add(time.Minute), At: base})
	require.NoError(t, err)
	_, err = s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r1", Limit: 1, Until: base.Add(time.Minute), At: base.Add(time.Minute)})
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, a))
	job, err := s.GetJob(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, job.AssignedTo)
	assert.Nil(t, job.AssignedAt)
	assert.ErrorIs(t, s.Release(ctx, "missing"), jobstore.ErrNotFound)

	// re-claim a at base; b was claimed at base+1m
	_, err = s.ClaimDue(ctx, jobstore.Claim{RunnerID: "r2", Limit: 1, Until: base.Add(time.Minute), At: base})
	require.NoError(t, err)
	require.NoError(t, s.UpsertResult(ctx, types.JobResult{JobID: a, PlannedAt: base, AttemptedAt: base}))

	released, err := s.ReleaseExpired(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released, "only the result-less assignment is released")

	job, err = s.GetJob(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, job.AssignedTo)
}

func testResultIdempotent(t *testing.T, new Factory) {
	ctx := context.Background()
	s := new(t, fixedClock())
	cronJob(t, s, "c1")
	id := scheduleCron(t, s, "c1", base)

	result := types.JobResult{
		JobID:       id,
		PlannedAt:   base,
		AttemptedAt: base.Add(time.Second),
		DurationMS:  12,
		Data: &types.ResponseData{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       "ok",
		},
	}
	require.NoError(t, s.UpsertResult(ctx, result))
	first, err := s.GetResult(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.UpsertResult(ctx, result))
	second, err := s.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 200, second.Data.StatusCode)
	assert.Equal(t, "ok", second.Data.Body)

	n, err := s.CountUnassigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a job with a result is terminal")

	_, err = s.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}
