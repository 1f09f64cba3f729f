// Package types defines the domain model shared by every cronswarm component:
// cluster nodes, job definitions, materialized scheduled jobs, and the
// description/result pair exchanged between orchestrator and runner.
package types

import (
	"time"
)

// NodeState is the liveness of a cluster member as seen by the local process.
type NodeState string

const (
	StateAlive      NodeState = "alive"
	StateSuspicious NodeState = "suspicious"
	StateDead       NodeState = "dead"
)

// Severity orders states so that gossip at an equal version can only make a
// node look worse, never better.
func (s NodeState) Severity() int {
	switch s {
	case StateAlive:
		return 0
	case StateSuspicious:
		return 1
	case StateDead:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s NodeState) Valid() bool {
	return s.Severity() >= 0
}

// Tag is a role a node advertises to the cluster.
type Tag string

const (
	TagOrchestrator Tag = "orchestrator"
	TagScheduler    Tag = "scheduler"
	TagRunner       Tag = "runner"
	TagAPI          Tag = "api"
)

// KnownTags lists every role understood by the cluster.
var KnownTags = []Tag{TagOrchestrator, TagScheduler, TagRunner, TagAPI}

// Node is a cluster participant.
type Node struct {
	ID          string    `json:"id" yaml:"id"`
	Address     string    `json:"address" yaml:"address"`
	State       NodeState `json:"state" yaml:"state"`
	Tags        []Tag     `json:"tags" yaml:"tags"`
	DataVersion uint64    `json:"data_version" yaml:"data_version"`
}

// HasTag reports whether the node advertises the given role.
func (n Node) HasTag(tag Tag) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share the tag slice.
func (n Node) Clone() Node {
	out := n
	if n.Tags != nil {
		out.Tags = append([]Tag(nil), n.Tags...)
	}
	return out
}

// RequestData is the HTTP request template carried by jobs.
type RequestData struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      *string           `json:"body,omitempty"`
	TimeoutMS int64             `json:"timeout_ms"`
}

// Timeout returns the request timeout as a duration.
func (r RequestData) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// CronJob is a recurring job driven by a 5-field cron expression.
type CronJob struct {
	ID         string      `json:"id"`
	Expression string      `json:"expression"`
	Request    RequestData `json:"request"`
	Disabled   bool        `json:"disabled"`
}

// Queue is a sliding-window rate limit applied to its messages.
type Queue struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	Description       string `json:"description,omitempty"`
	RequestsPerPeriod int    `json:"requests_per_period"`
	PeriodSeconds     int    `json:"period_length_seconds"`
	Disabled          bool   `json:"disabled"`
}

// Period returns the queue window length.
func (q Queue) Period() time.Duration {
	return time.Duration(q.PeriodSeconds) * time.Second
}

// Message is a one-off HTTP request. Exactly one scheduling mode applies:
// WaitUntil, WaitSeconds (resolved to WaitUntil at creation) or QueueID.
type Message struct {
	ID          string      `json:"id"`
	Request     RequestData `json:"request"`
	WaitUntil   *time.Time  `json:"wait_until,omitempty"`
	WaitSeconds *int64      `json:"wait_seconds,omitempty"`
	QueueID     *string     `json:"queue_id,omitempty"`
	QueueIndex  int64       `json:"queue_index,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ScheduledJob is a due-date-bound unit of work derived from a CronJob or a
// Message.
type ScheduledJob struct {
	ID         string      `json:"id"`
	PlannedAt  time.Time   `json:"planned_at"`
	Request    RequestData `json:"request"`
	AssignedTo *string     `json:"assigned_to,omitempty"`
	AssignedAt *time.Time  `json:"assigned_at,omitempty"`
	Disabled   bool        `json:"disabled"`
	CronJobID  *string     `json:"cron_job_id,omitempty"`
	MessageID  *string     `json:"message_id,omitempty"`
}

// Description projects the job onto the wire form sent to runners.
func (j ScheduledJob) Description() JobDescription {
	return JobDescription{
		JobID:     j.ID,
		PlannedAt: j.PlannedAt,
		Request:   j.Request,
		TimeoutMS: j.Request.TimeoutMS,
	}
}

// JobDescription is what a runner receives for execution.
type JobDescription struct {
	JobID     string      `json:"job_id"`
	PlannedAt time.Time   `json:"planned_at"`
	Request   RequestData `json:"request"`
	TimeoutMS int64       `json:"timeout_ms"`
}

// ResponseData is the captured HTTP response of an execution.
type ResponseData struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// JobResult is the outcome of one execution attempt.
type JobResult struct {
	JobID       string        `json:"job_id"`
	PlannedAt   time.Time     `json:"planned_at"`
	AttemptedAt time.Time     `json:"attempted_at"`
	DurationMS  int64         `json:"duration_ms"`
	TimedOut    bool          `json:"timed_out"`
	Error       *string       `json:"error"`
	Data        *ResponseData `json:"data"`
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}
