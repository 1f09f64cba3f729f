// Package cache holds job results a runner could not deliver yet. Entries are
// keyed by job id and removed only after the orchestrator acknowledged them.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Entry is one cached result.
type Entry struct {
	Result     types.JobResult `json:"result"`
	InsertedAt time.Time       `json:"inserted_at"`
}

// Cache stores undelivered results.
type Cache interface {
	// Put stores r. An entry already cached for the same job is kept.
	Put(ctx context.Context, r types.JobResult, at time.Time) error
	// Older returns up to limit entries inserted before cutoff, oldest
	// first. A non-positive limit means no limit.
	Older(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error)
	// Delete removes the entries of the given jobs.
	Delete(ctx context.Context, jobIDs ...string) error
	// Len returns the number of cached entries.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Memory is a process-local Cache. Its content is lost on exit.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory creates an empty cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Put(ctx context.Context, r types.JobResult, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[r.JobID]; !exists {
		m.entries[r.JobID] = Entry{Result: r, InsertedAt: at.UTC()}
	}
	return nil
}

func (m *Memory) Older(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0)
	for _, e := range m.entries {
		if e.InsertedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	m.mu.Unlock()
	return oldestFirst(out, limit), nil
}

func (m *Memory) Delete(ctx context.Context, jobIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range jobIDs {
		delete(m.entries, id)
	}
	return nil
}

func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *Memory) Close() error { return nil }

func oldestFirst(entries []Entry, limit int) []Entry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].Result.JobID < entries[j].Result.JobID
		}
		return entries[i].InsertedAt.Before(entries[j].InsertedAt)
	})
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
