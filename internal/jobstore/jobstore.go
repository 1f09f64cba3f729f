// ============================================================================
// cronswarm Job Store - scheduled work and its results
// ============================================================================
//
// Package: internal/jobstore
// File: jobstore.go
// Purpose: Capability interfaces over the rows the scheduler, orchestrator
//          and admin tooling share, plus the validation every backend runs
//          before accepting a definition.
//
// Row lifecycle:
//
//   CronJob / Message ──(scheduler)──► ScheduledJob{assigned_to=nil}
//        ──ClaimDue──► ScheduledJob{assigned_to=runner}
//        ──UpsertResult──► terminal (JobResult exists)
//
//   Release / ReleaseExpired put an assigned, result-less job back.
//
// Uniqueness:
//   - one ScheduledJob per (cron_job_id, planned_at)
//   - one ScheduledJob per message_id
//   - one JobResult per job_id, first write wins
//
// ============================================================================

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/cronswarm/internal/projector"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a definition id already exists.
	ErrDuplicate = errors.New("already exists")
	// ErrInvalidCron wraps cron expression validation failures.
	ErrInvalidCron = errors.New("invalid cron job")
	// ErrInvalidRequest wraps request template validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidQueue wraps rate limit validation failures.
	ErrInvalidQueue = errors.New("invalid queue")
	// ErrInvalidMessage wraps scheduling mode validation failures.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidJob is returned for scheduled jobs without exactly one source.
	ErrInvalidJob = errors.New("invalid scheduled job")
)

// DefaultTimeoutMS applies to request templates that carry no timeout.
const DefaultTimeoutMS int64 = 30_000

// ============================================================================
// Capabilities
// ============================================================================

// CronCursor is an enabled cron that needs its next invocation materialized.
type CronCursor struct {
	Cron        types.CronJob
	LastPlanned *time.Time // nil when never scheduled
}

// QueueCursor is an enabled queue with pending messages and no future job.
type QueueCursor struct {
	Queue       types.Queue
	LastPlanned *time.Time
}

// Claim parameters for ClaimDue.
type Claim struct {
	RunnerID string
	Limit    int
	Until    time.Time // planned_at upper bound, inclusive
	At       time.Time // stamped as assigned_at
}

// SchedulerStore is what the scheduler needs.
type SchedulerStore interface {
	// DueCrons returns enabled crons with no job planned after now, oldest
	// last-planned first (never scheduled before anything else), at most
	// limit rows.
	DueCrons(ctx context.Context, now time.Time, limit int) ([]CronCursor, error)
	// DueQueues is the queue counterpart of DueCrons. Queues without an
	// unscheduled message are not returned.
	DueQueues(ctx context.Context, now time.Time, limit int) ([]QueueCursor, error)
	// NextQueuedMessage returns the lowest-index message of the queue that
	// has no scheduled job yet.
	NextQueuedMessage(ctx context.Context, queueID string) (types.Message, error)
	// QueueHistory returns planned_at of the queue's jobs at or after since,
	// ascending.
	QueueHistory(ctx context.Context, queueID string, since time.Time) ([]time.Time, error)
	// InsertScheduled stores a job. It reports false without error when the
	// (cron, planned_at) or message slot is already taken.
	InsertScheduled(ctx context.Context, job types.ScheduledJob) (bool, error)
	// ListDueForCron returns the materialized jobs of a cron, ascending.
	ListDueForCron(ctx context.Context, cronID string) ([]types.ScheduledJob, error)
}

// OrchestratorStore is what the orchestrator needs.
type OrchestratorStore interface {
	// ClaimDue atomically assigns up to c.Limit unassigned, enabled,
	// result-less jobs planned at or before c.Until to c.RunnerID.
	ClaimDue(ctx context.Context, c Claim) ([]types.ScheduledJob, error)
	// Release clears the assignment of a job.
	Release(ctx context.Context, jobID string) error
	// ReleaseExpired clears assignments made before cutoff that have no
	// result and returns how many were released.
	ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error)
	// UpsertResult stores a result. Repeated submissions are no-ops.
	UpsertResult(ctx context.Context, r types.JobResult) error
	// GetResult returns the stored result of a job.
	GetResult(ctx context.Context, jobID string) (types.JobResult, error)
	// GetJob returns a single scheduled job.
	GetJob(ctx context.Context, jobID string) (types.ScheduledJob, error)
	// CountUnassigned returns the size of the claimable backlog.
	CountUnassigned(ctx context.Context) (int, error)
}

// AdminStore creates definitions. Validation happens here, at the boundary.
type AdminStore interface {
	CreateCronJob(ctx context.Context, c types.CronJob) (types.CronJob, error)
	CreateQueue(ctx context.Context, q types.Queue) (types.Queue, error)
	CreateMessage(ctx context.Context, m types.Message) (types.Message, error)
}

// Store is implemented by every backend.
type Store interface {
	SchedulerStore
	OrchestratorStore
	AdminStore
}

// ============================================================================
// Validation
// ============================================================================

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeRequest validates a request template and fills defaults: GET for
// an empty method and DefaultTimeoutMS for a non-positive timeout.
func NormalizeRequest(r types.RequestData) (types.RequestData, error) {
	u, err := url.ParseRequestURI(r.URL)
	if err != nil {
		return r, fmt.Errorf("%w: url: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return r, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return r, fmt.Errorf("%w: url has no host", ErrInvalidRequest)
	}

	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if r.Method == "" {
		r.Method = "GET"
	}
	if !allowedMethods[r.Method] {
		return r, fmt.Errorf("%w: unsupported method %q", ErrInvalidRequest, r.Method)
	}
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = DefaultTimeoutMS
	}
	return r, nil
}

// PrepareCronJob validates c and assigns an id when missing.
func PrepareCronJob(c types.CronJob, newID func() string) (types.CronJob, error) {
	if err := projector.ValidateCron(c.Expression); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	req, err := NormalizeRequest(c.Request)
	if err != nil {
		return c, err
	}
	c.Request = req
	if c.ID == "" {
		c.ID = newID()
	}
	return c, nil
}

// PrepareQueue validates q and assigns an id when missing.
func PrepareQueue(q types.Queue, newID func() string) (types.Queue, error) {
	if q.RequestsPerPeriod <= 0 {
		return q, fmt.Errorf("%w: requests_per_period must be positive", ErrInvalidQueue)
	}
	if q.PeriodSeconds <= 0 {
		return q, fmt.Errorf("%w: period_length_seconds must be positive", ErrInvalidQueue)
	}
	if q.ID == "" {
		q.ID = newID()
	}
	return q, nil
}

// PrepareMessage validates m, resolves wait_seconds to wait_until and
// defaults an unscheduled message to now. The queue index is left to the
// backend.
func PrepareMessage(m types.Message, now time.Time, newID func() string) (types.Message, error) {
	modes := 0
	if m.WaitUntil != nil {
		modes++
	}
	if m.WaitSeconds != nil {
		modes++
	}
	if m.QueueID != nil {
		modes++
	}
	if modes > 1 {
		return m, fmt.Errorf("%w: wait_until, wait_seconds and queue_id are exclusive", ErrInvalidMessage)
	}

	req, err := NormalizeRequest(m.Request)
	if err != nil {
		return m, err
	}
	m.Request = req

	now = now.UTC()
	switch {
	case m.WaitSeconds != nil:
		if *m.WaitSeconds < 0 {
			return m, fmt.Errorf("%w: wait_seconds must not be negative", ErrInvalidMessage)
		}
		at := now.Add(time.Duration(*m.WaitSeconds) * time.Second)
		m.WaitUntil = &at
		m.WaitSeconds = nil
	case m.QueueID != nil:
		if *m.QueueID == "" {
			return m, fmt.Errorf("%w: empty queue_id", ErrInvalidMessage)
		}
	case m.WaitUntil != nil:
		at := m.WaitUntil.UTC()
		m.WaitUntil = &at
	default:
		m.WaitUntil = &now
	}

	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = now
	return m, nil
}

// MessageJob materializes a non-queued message.
func MessageJob(m types.Message, id string) types.ScheduledJob {
	msgID := m.ID
	return types.ScheduledJob{
		ID:        id,
		PlannedAt: m.WaitUntil.UTC(),
		Request:   m.Request,
		MessageID: &msgID,
	}
}

// CheckScheduled verifies a job references exactly one source.
func CheckScheduled(job types.ScheduledJob) error {
	if (job.CronJobID == nil) == (job.MessageID == nil) {
		return ErrInvalidJob
	}
	if job.PlannedAt.IsZero() {
		return fmt.Errorf("%w: missing planned_at", ErrInvalidJob)
	}
	return nil
}
