package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Memory is an in-process Store.
//
// Data layout:
//
//	jobs map[id]*ScheduledJob   - single source of truth for scheduled work
//	cronSlots  (cron|planned)   - unique index for cron materialization
//	messageJob message -> job   - unique index for message materialization
//	results    job -> result    - first write wins
//
// All access goes through one mutex, so ClaimDue is exclusive by
// construction.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	crons     map[string]types.CronJob
	queues    map[string]types.Queue
	messages  map[string]types.Message
	nextIndex map[string]int64

	jobs       map[string]*types.ScheduledJob
	cronSlots  map[cronSlot]string
	messageJob map[string]string
	results    map[string]types.JobResult
}

type cronSlot struct {
	cronID    string
	plannedAt int64
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		crons:      make(map[string]types.CronJob),
		queues:     make(map[string]types.Queue),
		messages:   make(map[string]types.Message),
		nextIndex:  make(map[string]int64),
		jobs:       make(map[string]*types.ScheduledJob),
		cronSlots:  make(map[cronSlot]string),
		messageJob: make(map[string]string),
		results:    make(map[string]types.JobResult),
	}
}

// WithClock replaces the clock used for admin timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// ============================================================================
// Admin
// ============================================================================

func (m *Memory) CreateCronJob(ctx context.Context, c types.CronJob) (types.CronJob, error) {
	c, err := PrepareCronJob(c, uuid.NewString)
	if err != nil {
		return c, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.crons[c.ID]; exists {
		return c, ErrDuplicate
	}
	m.crons[c.ID] = c
	return c, nil
}

func (m *Memory) CreateQueue(ctx context.Context, q types.Queue) (types.Queue, error) {
	q, err := PrepareQueue(q, uuid.NewString)
	if err != nil {
		return q, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.queues[q.ID]; exists {
		return q, ErrDuplicate
	}
	m.queues[q.ID] = q
	return q, nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := PrepareMessage(msg, m.now(), uuid.NewString)
	if err != nil {
		return msg, err
	}
	if _, exists := m.messages[msg.ID]; exists {
		return msg, ErrDuplicate
	}

	if msg.QueueID != nil {
		if _, ok := m.queues[*msg.QueueID]; !ok {
			return msg, ErrNotFound
		}
		m.nextIndex[*msg.QueueID]++
		msg.QueueIndex = m.nextIndex[*msg.QueueID]
		m.messages[msg.ID] = msg
		return msg, nil
	}

	m.messages[msg.ID] = msg
	m.insertLocked(MessageJob(msg, uuid.NewString()))
	return msg, nil
}

// ============================================================================
// Scheduler
// ============================================================================

func (m *Memory) DueCrons(ctx context.Context, now time.Time, limit int) ([]CronCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := make(map[string]time.Time)
	for _, j := range m.jobs {
		if j.CronJobID == nil {
			continue
		}
		if cur, ok := last[*j.CronJobID]; !ok || j.PlannedAt.After(cur) {
			last[*j.CronJobID] = j.PlannedAt
		}
	}

	out := make([]CronCursor, 0)
	for id, c := range m.crons {
		if c.Disabled {
			continue
		}
		cursor := CronCursor{Cron: c}
		if at, ok := last[id]; ok {
			if at.After(now) {
				continue
			}
			cursor.LastPlanned = &at
		}
		out = append(out, cursor)
	}
	sortCursors(out, func(c CronCursor) (*time.Time, string) { return c.LastPlanned, c.Cron.ID })
	return capSlice(out, limit), nil
}

func (m *Memory) DueQueues(ctx context.Context, now time.Time, limit int) ([]QueueCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := make(map[string]time.Time)
	pending := make(map[string]bool)
	for _, msg := range m.messages {
		if msg.QueueID == nil {
			continue
		}
		jobID, scheduled := m.messageJob[msg.ID]
		if !scheduled {
			pending[*msg.QueueID] = true
			continue
		}
		at := m.jobs[jobID].PlannedAt
		if cur, ok := last[*msg.QueueID]; !ok || at.After(cur) {
			last[*msg.QueueID] = at
		}
	}

	out := make([]QueueCursor, 0)
	for id, q := range m.queues {
		if q.Disabled || !pending[id] {
			continue
		}
		cursor := QueueCursor{Queue: q}
		if at, ok := last[id]; ok {
			if at.After(now) {
				continue
			}
			cursor.LastPlanned = &at
		}
		out = append(out, cursor)
	}
	sortCursors(out, func(c QueueCursor) (*time.Time, string) { return c.LastPlanned, c.Queue.ID })
	return capSlice(out, limit), nil
}

func (m *Memory) NextQueuedMessage(ctx context.Context, queueID string) (types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *types.Message
	for _, msg := range m.messages {
		if msg.QueueID == nil || *msg.QueueID != queueID {
			continue
		}
		if _, scheduled := m.messageJob[msg.ID]; scheduled {
			continue
		}
		if best == nil || msg.QueueIndex < best.QueueIndex {
			msg := msg
			best = &msg
		}
	}
	if best == nil {
		return types.Message{}, ErrNotFound
	}
	return *best, nil
}

func (m *Memory) QueueHistory(ctx context.Context, queueID string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]time.Time, 0)
	for msgID, jobID := range m.messageJob {
		msg := m.messages[msgID]
		if msg.QueueID == nil || *msg.QueueID != queueID {
			continue
		}
		at := m.jobs[jobID].PlannedAt
		if !at.Before(since) {
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) InsertScheduled(ctx context.Context, job types.ScheduledJob) (bool, error) {
	if err := CheckScheduled(job); err != nil {
		return false, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.PlannedAt = job.PlannedAt.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return false, nil
	}
	return m.insertLocked(job), nil
}

func (m *Memory) insertLocked(job types.ScheduledJob) bool {
	if job.CronJobID != nil {
		slot := cronSlot{cronID: *job.CronJobID, plannedAt: job.PlannedAt.UnixNano()}
		if _, taken := m.cronSlots[slot]; taken {
			return false
		}
		m.cronSlots[slot] = job.ID
	}
	if job.MessageID != nil {
		if _, taken := m.messageJob[*job.MessageID]; taken {
			return false
		}
		m.messageJob[*job.MessageID] = job.ID
	}
	m.jobs[job.ID] = &job
	return true
}

func (m *Memory) ListDueForCron(ctx context.Context, cronID string) ([]types.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ScheduledJob, 0)
	for _, j := range m.jobs {
		if j.CronJobID != nil && *j.CronJobID == cronID {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	return out, nil
}

// ============================================================================
// Orchestrator
// ============================================================================

func (m *Memory) ClaimDue(ctx context.Context, c Claim) ([]types.ScheduledJob, error) {
	if c.Limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*types.ScheduledJob, 0)
	for _, j := range m.jobs {
		if m.claimableLocked(j) && !j.PlannedAt.After(c.Until) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].PlannedAt.Equal(candidates[k].PlannedAt) {
			return candidates[i].ID < candidates[k].ID
		}
		return candidates[i].PlannedAt.Before(candidates[k].PlannedAt)
	})
	if len(candidates) > c.Limit {
		candidates = candidates[:c.Limit]
	}

	at := c.At.UTC()
	out := make([]types.ScheduledJob, 0, len(candidates))
	for _, j := range candidates {
		runner := c.RunnerID
		assignedAt := at
		j.AssignedTo = &runner
		j.AssignedAt = &assignedAt
		out = append(out, *j)
	}
	return out, nil
}

func (m *Memory) claimableLocked(j *types.ScheduledJob) bool {
	if j.AssignedTo != nil || j.Disabled {
		return false
	}
	_, done := m.results[j.ID]
	return !done
}

func (m *Memory) Release(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.AssignedTo = nil
	j.AssignedAt = nil
	return nil
}

func (m *Memory) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for id, j := range m.jobs {
		if j.AssignedTo == nil || j.AssignedAt == nil || !j.AssignedAt.Before(cutoff) {
			continue
		}
		if _, done := m.results[id]; done {
			continue
		}
		j.AssignedTo = nil
		j.AssignedAt = nil
		released++
	}
	return released, nil
}

func (m *Memory) UpsertResult(ctx context.Context, r types.JobResult) error {
	if r.JobID == "" {
		return ErrInvalidJob
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[r.JobID]; exists {
		return nil
	}
	m.results[r.JobID] = r
	return nil
}

func (m *Memory) GetResult(ctx context.Context, jobID string) (types.JobResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[jobID]
	if !ok {
		return types.JobResult{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (types.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return types.ScheduledJob{}, ErrNotFound
	}
	return *j, nil
}

func (m *Memory) CountUnassigned(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if m.claimableLocked(j) {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// helpers
// ============================================================================

// sortCursors orders never-scheduled rows first, then by last planned time,
// then by id.
func sortCursors[T any](rows []T, key func(T) (*time.Time, string)) {
	sort.Slice(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		switch {
		case ti == nil && tj == nil:
			return idi < idj
		case ti == nil:
			return true
		case tj == nil:
			return false
		case ti.Equal(*tj):
			return idi < idj
		default:
			return ti.Before(*tj)
		}
	})
}

func capSlice[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func sortJobs(jobs []types.ScheduledJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].PlannedAt.Equal(jobs[j].PlannedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].PlannedAt.Before(jobs[j].PlannedAt)
	})
}
