// ============================================================================
// cronswarm Projector - due-date computation
// ============================================================================
//
// Package: internal/projector
// File: projector.go
// Purpose: Pure functions that turn a cron expression or a sliding-window
//          rate limit into the next timestamp at which work may run.
//
// Cron:
//   Standard 5-field expressions (minute hour dom month dow). No seconds
//   field and no descriptors (@hourly); anything else is rejected.
//
// Rate limit:
//   Sliding window, not a token bucket. At most RequestsPerPeriod
//   invocations are admitted in any trailing window of Period.
//
//     history:  t     t+10   t+20
//     window:   [now-period, now)
//     full?  -> first in window + period
//
// ============================================================================

package projector

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for expressions that are not valid 5-field cron.
var ErrInvalidCron = errors.New("invalid cron expression")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks that expr is a standard 5-field cron expression.
func ValidateCron(expr string) error {
	_, err := parse(expr)
	return err
}

// NextCronTime returns the smallest cron-valid time strictly after anchor.
func NextCronTime(expr string, anchor time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(anchor.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next, nil
}

func parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, nil
}

// RateLimit is a sliding-window admission limit.
type RateLimit struct {
	RequestsPerPeriod int
	Period            time.Duration
}

// NextInvocationAt returns the earliest time at or after now at which a new
// invocation is permitted. history must be in chronological order. A limit
// with a non-positive count or period never limits.
func NextInvocationAt(limit RateLimit, history []time.Time, now time.Time) time.Time {
	if limit.RequestsPerPeriod <= 0 || limit.Period <= 0 {
		return now
	}
	if len(history) < limit.RequestsPerPeriod {
		return now
	}

	windowStart := now.Add(-limit.Period)
	count := 0
	var first time.Time
	for _, at := range history {
		if at.Before(windowStart) || !at.Before(now) {
			continue
		}
		if count == 0 {
			first = at
		}
		count++
	}
	if count < limit.RequestsPerPeriod {
		return now
	}
	return first.Add(limit.Period)
}
