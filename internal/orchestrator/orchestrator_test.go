package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/internal/metrics"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *jobstore.Memory, id string, planned time.Time) {
	t.Helper()
	msg := "msg-" + id
	ok, err := store.InsertScheduled(context.Background(), types.ScheduledJob{
		ID:        id,
		PlannedAt: planned,
		Request:   types.RequestData{URL: "http://example.com", Method: "GET", TimeoutMS: 500},
		MessageID: &msg,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func newOrchestrator(store jobstore.OrchestratorStore, cfg Config) *Orchestrator {
	return New(cfg, store, zerolog.Nop(), metrics.NewCollector(nil)).WithClock(func() time.Time { return base })
}

func TestRequestJobAssignments_Horizon(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	seed(t, store, "past", base.Add(-time.Minute))
	seed(t, store, "soon", base.Add(time.Second))
	seed(t, store, "later", base.Add(4*time.Second))
	seed(t, store, "far", base.Add(time.Hour))

	o := newOrchestrator(store, DefaultConfig())

	jobs, err := o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", PeriodMS: 1000, MaxJobs: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 2, "lookahead of 2s covers past and soon")
	assert.Equal(t, "past", jobs[0].JobID)
	assert.Equal(t, "soon", jobs[1].JobID)
	assert.Equal(t, int64(500), jobs[0].TimeoutMS)

	// a longer runner period widens the horizon
	jobs, err = o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", PeriodMS: 5000, MaxJobs: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "later", jobs[0].JobID)

	job, err := store.GetJob(ctx, "later")
	require.NoError(t, err)
	require.NotNil(t, job.AssignedTo)
	assert.Equal(t, "r1", *job.AssignedTo)
}

func TestRequestJobAssignments_Limits(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	for i := 0; i < 10; i++ {
		seed(t, store, fmt.Sprintf("job-%02d", i), base)
	}

	cfg := DefaultConfig()
	cfg.ClaimLimit = 3
	o := newOrchestrator(store, cfg)

	jobs, err := o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", MaxJobs: 100})
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "claim_limit caps")

	jobs, err = o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", MaxJobs: 2})
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "max_jobs caps")

	jobs, err = o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", MaxJobs: 0})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRequestJobAssignments_Validation(t *testing.T) {
	o := newOrchestrator(jobstore.NewMemory(), DefaultConfig())
	_, err := o.RequestJobAssignments(context.Background(), AssignmentRequest{MaxJobs: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.ErrorIs(t, o.RejectJobAssignment(context.Background(), ""), ErrInvalidRequest)
	assert.ErrorIs(t, o.SubmitJobResult(context.Background(), types.JobResult{}), ErrInvalidRequest)
}

func TestRequestJobAssignments_ConcurrentRunnersNeverShare(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	for i := 0; i < 50; i++ {
		seed(t, store, fmt.Sprintf("job-%02d", i), base)
	}
	o := newOrchestrator(store, DefaultConfig())

	var mu sync.Mutex
	owner := map[string]string{}
	var wg sync.WaitGroup
	for r := 0; r < 5; r++ {
		runner := fmt.Sprintf("runner-%d", r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				jobs, err := o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: runner, MaxJobs: 3})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					prev, dup := owner[j.JobID]
					assert.False(t, dup, "job %s claimed by %s and %s", j.JobID, prev, runner)
					owner[j.JobID] = runner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, owner, 50)
}

func TestRejectJobAssignment(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	seed(t, store, "j1", base)
	o := newOrchestrator(store, DefaultConfig())

	jobs, err := o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, o.RejectJobAssignment(ctx, "j1"))
	assert.ErrorIs(t, o.RejectJobAssignment(ctx, "missing"), jobstore.ErrNotFound)

	jobs, err = o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r2", MaxJobs: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].JobID)
}

func TestSubmitJobResults_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	seed(t, store, "j1", base)
	o := newOrchestrator(store, DefaultConfig())

	first := types.JobResult{JobID: "j1", PlannedAt: base, AttemptedAt: base, DurationMS: 12, Data: &types.ResponseData{StatusCode: 200}}
	second := first
	second.DurationMS = 99

	n, err := o.SubmitJobResults(ctx, []types.JobResult{first, second})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.GetResult(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.DurationMS, "first write wins")

	// a finished job is never handed out again
	jobs, err := o.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "r1", MaxJobs: 5})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = o.SubmitJobResults(ctx, []types.JobResult{first, {}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHousekeep(t *testing.T) {
	ctx := context.Background()
	store := jobstore.NewMemory()
	seed(t, store, "held", base.Add(-time.Minute))
	seed(t, store, "done", base.Add(-time.Minute))
	seed(t, store, "free", base.Add(time.Minute))

	old := New(DefaultConfig(), store, zerolog.Nop(), nil).WithClock(func() time.Time { return base.Add(-time.Minute) })
	_, err := old.RequestJobAssignments(ctx, AssignmentRequest{RunnerID: "gone", MaxJobs: 10})
	require.NoError(t, err)
	require.NoError(t, old.SubmitJobResult(ctx, types.JobResult{JobID: "done"}))

	t.Run("lease disabled", func(t *testing.T) {
		o := newOrchestrator(store, DefaultConfig())
		released, err := o.Housekeep(ctx)
		require.NoError(t, err)
		assert.Zero(t, released)
	})

	t.Run("lease expires held job", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AssignmentLease = 30 * time.Second
		o := newOrchestrator(store, cfg)
		released, err := o.Housekeep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, released)

		backlog, err := store.CountUnassigned(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, backlog, "held and free")
	})
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HousekeepingInterval = 5 * time.Millisecond
	o := New(cfg, jobstore.NewMemory(), zerolog.Nop(), nil)
	o.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	o.Stop()
}
