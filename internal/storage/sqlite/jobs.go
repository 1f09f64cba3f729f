package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/cronswarm/internal/jobstore"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var _ jobstore.Store = (*Store)(nil)

const jobColumns = `id, planned_at, request, assigned_to, assigned_at, disabled, cron_job_id, message_id`

// ============================================================================
// Admin
// ============================================================================

func (s *Store) CreateCronJob(ctx context.Context, c types.CronJob) (types.CronJob, error) {
	c, err := jobstore.PrepareCronJob(c, uuid.NewString)
	if err != nil {
		return c, err
	}
	req, err := encodeJSON(c.Request)
	if err != nil {
		return c, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs(id, expression, request, disabled) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Expression, req, c.Disabled,
	)
	if err != nil {
		return c, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return c, jobstore.ErrDuplicate
	}
	return c, nil
}

func (s *Store) CreateQueue(ctx context.Context, q types.Queue) (types.Queue, error) {
	q, err := jobstore.PrepareQueue(q, uuid.NewString)
	if err != nil {
		return q, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queues(id, name, description, requests_per_period, period_seconds, disabled)
		 VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		q.ID, q.Name, q.Description, q.RequestsPerPeriod, q.PeriodSeconds, q.Disabled,
	)
	if err != nil {
		return q, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q, jobstore.ErrDuplicate
	}
	return q, nil
}

func (s *Store) CreateMessage(ctx context.Context, m types.Message) (types.Message, error) {
	m, err := jobstore.PrepareMessage(m, s.now(), uuid.NewString)
	if err != nil {
		return m, err
	}
	req, err := encodeJSON(m.Request)
	if err != nil {
		return m, err
	}

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if m.QueueID != nil {
			err := tx.QueryRowContext(ctx,
				`UPDATE queues SET next_index = next_index + 1 WHERE id = ? RETURNING next_index`,
				*m.QueueID,
			).Scan(&m.QueueIndex)
			if errors.Is(err, sql.ErrNoRows) {
				return jobstore.ErrNotFound
			}
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(id, request, wait_until, queue_id, queue_index, created_at)
			 VALUES(?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
			m.ID, req, nullNanos(m.WaitUntil), nullString(m.QueueID), m.QueueIndex, nanos(m.CreatedAt),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return jobstore.ErrDuplicate
		}
		if m.QueueID != nil {
			return nil
		}
		_, err = insertJob(ctx, tx, jobstore.MessageJob(m, uuid.NewString()))
		return err
	})
	return m, err
}

// ============================================================================
// Scheduler
// ============================================================================

func (s *Store) DueCrons(ctx context.Context, now time.Time, limit int) ([]jobstore.CronCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expression, request, disabled, last FROM (
			SELECT c.id, c.expression, c.request, c.disabled,
			       (SELECT MAX(j.planned_at) FROM scheduled_jobs j WHERE j.cron_job_id = c.id) AS last
			FROM cron_jobs c
			WHERE c.disabled = 0
		)
		WHERE last IS NULL OR last <= ?
		ORDER BY last IS NOT NULL, last, id
		LIMIT ?`,
		nanos(now), sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]jobstore.CronCursor, 0)
	for rows.Next() {
		var (
			c    types.CronJob
			req  string
			last sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.Expression, &req, &c.Disabled, &last); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(req), &c.Request); err != nil {
			return nil, fmt.Errorf("cron %s: bad request: %w", c.ID, err)
		}
		out = append(out, jobstore.CronCursor{Cron: c, LastPlanned: timePtr(last)})
	}
	return out, rows.Err()
}

func (s *Store) DueQueues(ctx context.Context, now time.Time, limit int) ([]jobstore.QueueCursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, requests_per_period, period_seconds, disabled, last FROM (
			SELECT q.id, q.name, q.description, q.requests_per_period, q.period_seconds, q.disabled,
			       (SELECT MAX(j.planned_at) FROM scheduled_jobs j
			          JOIN messages m ON j.message_id = m.id
			         WHERE m.queue_id = q.id) AS last
			FROM queues q
			WHERE q.disabled = 0
			  AND EXISTS (SELECT 1 FROM messages m
			               WHERE m.queue_id = q.id
			                 AND NOT EXISTS (SELECT 1 FROM scheduled_jobs j WHERE j.message_id = m.id))
		)
		WHERE last IS NULL OR last <= ?
		ORDER BY last IS NOT NULL, last, id
		LIMIT ?`,
		nanos(now), sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]jobstore.QueueCursor, 0)
	for rows.Next() {
		var (
			q    types.Queue
			last sql.NullInt64
		)
		if err := rows.Scan(&q.ID, &q.Name, &q.Description, &q.RequestsPerPeriod, &q.PeriodSeconds, &q.Disabled, &last); err != nil {
			return nil, err
		}
		out = append(out, jobstore.QueueCursor{Queue: q, LastPlanned: timePtr(last)})
	}
	return out, rows.Err()
}

func (s *Store) NextQueuedMessage(ctx context.Context, queueID string) (types.Message, error) {
	var (
		m         types.Message
		req       string
		waitUntil sql.NullInt64
		qid       sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.request, m.wait_until, m.queue_id, m.queue_index, m.created_at
		FROM messages m
		WHERE m.queue_id = ?
		  AND NOT EXISTS (SELECT 1 FROM scheduled_jobs j WHERE j.message_id = m.id)
		ORDER BY m.queue_index
		LIMIT 1`,
		queueID,
	).Scan(&m.ID, &req, &waitUntil, &qid, &m.QueueIndex, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Message{}, jobstore.ErrNotFound
	}
	if err != nil {
		return types.Message{}, err
	}
	if err := json.Unmarshal([]byte(req), &m.Request); err != nil {
		return types.Message{}, fmt.Errorf("message %s: bad request: %w", m.ID, err)
	}
	m.WaitUntil = timePtr(waitUntil)
	m.QueueID = stringPtr(qid)
	m.CreatedAt = fromNanos(createdAt)
	return m, nil
}

func (s *Store) QueueHistory(ctx context.Context, queueID string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.planned_at FROM scheduled_jobs j
		JOIN messages m ON j.message_id = m.id
		WHERE m.queue_id = ? AND j.planned_at >= ?
		ORDER BY j.planned_at`,
		queueID, nanos(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]time.Time, 0)
	for rows.Next() {
		var at int64
		if err := rows.Scan(&at); err != nil {
			return nil, err
		}
		out = append(out, fromNanos(at))
	}
	return out, rows.Err()
}

func (s *Store) InsertScheduled(ctx context.Context, job types.ScheduledJob) (bool, error) {
	if err := jobstore.CheckScheduled(job); err != nil {
		return false, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return insertJob(ctx, s.db, job)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, e execer, job types.ScheduledJob) (bool, error) {
	req, err := encodeJSON(job.Request)
	if err != nil {
		return false, err
	}
	res, err := e.ExecContext(ctx,
		`INSERT INTO scheduled_jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		job.ID, nanos(job.PlannedAt), req, nullString(job.AssignedTo), nullNanos(job.AssignedAt),
		job.Disabled, nullString(job.CronJobID), nullString(job.MessageID),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListDueForCron(ctx context.Context, cronID string) ([]types.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE cron_job_id = ? ORDER BY planned_at, id`,
		cronID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ============================================================================
// Orchestrator
// ============================================================================

// ClaimDue stamps and returns the claimable rows in one UPDATE, so two
// runners can never receive the same job.
func (s *Store) ClaimDue(ctx context.Context, c jobstore.Claim) ([]types.ScheduledJob, error) {
	if c.Limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE scheduled_jobs
		   SET assigned_to = ?, assigned_at = ?
		 WHERE assigned_to IS NULL
		   AND id IN (
		       SELECT j.id FROM scheduled_jobs j
		        WHERE j.assigned_to IS NULL
		          AND j.disabled = 0
		          AND j.planned_at <= ?
		          AND NOT EXISTS (SELECT 1 FROM job_results r WHERE r.job_id = j.id)
		        ORDER BY j.planned_at, j.id
		        LIMIT ?)
		RETURNING `+jobColumns,
		c.RunnerID, nanos(c.At), nanos(c.Until), c.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].PlannedAt.Equal(jobs[j].PlannedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].PlannedAt.Before(jobs[j].PlannedAt)
	})
	return jobs, nil
}

func (s *Store) Release(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET assigned_to = NULL, assigned_at = NULL WHERE id = ?`, jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobstore.ErrNotFound
	}
	return nil
}

func (s *Store) ReleaseExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET assigned_to = NULL, assigned_at = NULL
		 WHERE assigned_to IS NOT NULL
		   AND assigned_at < ?
		   AND NOT EXISTS (SELECT 1 FROM job_results r WHERE r.job_id = scheduled_jobs.id)`,
		nanos(cutoff),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) UpsertResult(ctx context.Context, r types.JobResult) error {
	if r.JobID == "" {
		return jobstore.ErrInvalidJob
	}
	var data any
	if r.Data != nil {
		encoded, err := encodeJSON(r.Data)
		if err != nil {
			return err
		}
		data = encoded
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results(job_id, planned_at, attempted_at, duration_ms, timed_out, error, data)
		 VALUES(?,?,?,?,?,?,?) ON CONFLICT(job_id) DO NOTHING`,
		r.JobID, nanos(r.PlannedAt), nanos(r.AttemptedAt), r.DurationMS, r.TimedOut, nullString(r.Error), data,
	)
	return err
}

func (s *Store) GetResult(ctx context.Context, jobID string) (types.JobResult, error) {
	var (
		r                    types.JobResult
		plannedAt, attempted int64
		errText, data        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, planned_at, attempted_at, duration_ms, timed_out, error, data
		 FROM job_results WHERE job_id = ?`, jobID,
	).Scan(&r.JobID, &plannedAt, &attempted, &r.DurationMS, &r.TimedOut, &errText, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JobResult{}, jobstore.ErrNotFound
	}
	if err != nil {
		return types.JobResult{}, err
	}
	r.PlannedAt = fromNanos(plannedAt)
	r.AttemptedAt = fromNanos(attempted)
	r.Error = stringPtr(errText)
	if data.Valid {
		r.Data = &types.ResponseData{}
		if err := json.Unmarshal([]byte(data.String), r.Data); err != nil {
			return types.JobResult{}, fmt.Errorf("result %s: bad data: %w", jobID, err)
		}
	}
	return r, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (types.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, jobID)
	if err != nil {
		return types.ScheduledJob{}, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return types.ScheduledJob{}, err
	}
	if len(jobs) == 0 {
		return types.ScheduledJob{}, jobstore.ErrNotFound
	}
	return jobs[0], nil
}

func (s *Store) CountUnassigned(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_jobs j
		 WHERE j.assigned_to IS NULL
		   AND j.disabled = 0
		   AND NOT EXISTS (SELECT 1 FROM job_results r WHERE r.job_id = j.id)`,
	).Scan(&n)
	return n, err
}

func scanJobs(rows *sql.Rows) ([]types.ScheduledJob, error) {
	out := make([]types.ScheduledJob, 0)
	for rows.Next() {
		var (
			j          types.ScheduledJob
			plannedAt  int64
			req        string
			assignedTo sql.NullString
			assignedAt sql.NullInt64
			cronID     sql.NullString
			messageID  sql.NullString
		)
		if err := rows.Scan(&j.ID, &plannedAt, &req, &assignedTo, &assignedAt, &j.Disabled, &cronID, &messageID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(req), &j.Request); err != nil {
			return nil, fmt.Errorf("job %s: bad request: %w", j.ID, err)
		}
		j.PlannedAt = fromNanos(plannedAt)
		j.AssignedTo = stringPtr(assignedTo)
		j.AssignedAt = timePtr(assignedAt)
		j.CronJobID = stringPtr(cronID)
		j.MessageID = stringPtr(messageID)
		out = append(out, j)
	}
	return out, rows.Err()
}
