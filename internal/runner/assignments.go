package runner

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var (
	// ErrDuplicateAssignment is returned when a job is already held locally.
	ErrDuplicateAssignment = errors.New("assignment already held")
	// ErrMalformedAssignment is returned for jobs without id or planned time.
	ErrMalformedAssignment = errors.New("malformed assignment")
)

// Assignments is the runner's local store of claimed, not yet dispatched
// jobs.
type Assignments struct {
	mu   sync.Mutex
	jobs map[string]types.JobDescription
}

// NewAssignments creates an empty store.
func NewAssignments() *Assignments {
	return &Assignments{jobs: make(map[string]types.JobDescription)}
}

// Add stores a job received from the orchestrator.
func (a *Assignments) Add(job types.JobDescription) error {
	if job.JobID == "" || job.PlannedAt.IsZero() || job.Request.URL == "" {
		return ErrMalformedAssignment
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, held := a.jobs[job.JobID]; held {
		return ErrDuplicateAssignment
	}
	a.jobs[job.JobID] = job
	return nil
}

// TakeDue removes and returns every job planned before cutoff, earliest
// first.
func (a *Assignments) TakeDue(cutoff time.Time) []types.JobDescription {
	a.mu.Lock()
	defer a.mu.Unlock()

	due := make([]types.JobDescription, 0)
	for id, job := range a.jobs {
		if job.PlannedAt.Before(cutoff) {
			due = append(due, job)
			delete(a.jobs, id)
		}
	}
	sortByPlanned(due)
	return due
}

// TakeAll empties the store.
func (a *Assignments) TakeAll() []types.JobDescription {
	a.mu.Lock()
	defer a.mu.Unlock()

	all := make([]types.JobDescription, 0, len(a.jobs))
	for _, job := range a.jobs {
		all = append(all, job)
	}
	a.jobs = make(map[string]types.JobDescription)
	sortByPlanned(all)
	return all
}

// Len returns the number of held jobs.
func (a *Assignments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func sortByPlanned(jobs []types.JobDescription) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].PlannedAt.Equal(jobs[j].PlannedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].PlannedAt.Before(jobs[j].PlannedAt)
	})
}
