// ============================================================================
// cronswarm Execution Sandbox - one HTTP call, bounded and isolated
// ============================================================================
//
// Package: internal/sandbox
// File: executor.go
// Purpose: Run a job's HTTP request in a disposable goroutine supervised by
//          a deadline, and turn every way it can end into a JobResult.
//
// Outcome mapping:
//
//   response (any status)         -> Data{status, headers, body}
//   deadline hit                  -> TimedOut=true, Data=nil, Error=nil
//   other failure                 -> Error, TimedOut=false
//   panic / no output             -> synthetic Error
//
// The supervisor never waits longer than timeout + grace, even if the
// worker goroutine ignores cancellation.
//
// ============================================================================

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

const (
	// DefaultMaxResponseBytes caps captured response bodies.
	DefaultMaxResponseBytes int64 = 64 << 10
	// DefaultGrace is how long the supervisor waits past the deadline.
	DefaultGrace = 250 * time.Millisecond
	// DefaultTimeout applies to jobs that carry no timeout.
	DefaultTimeout = 30 * time.Second
)

var errWorkerVanished = errors.New("worker exited without a result")

// Executor performs HTTP calls for jobs.
type Executor struct {
	client    *http.Client
	maxBody   int64
	grace     time.Duration
	now       func() time.Time
	userAgent string
}

// NewExecutor creates an executor. A nil client uses a dedicated transport
// without a global timeout; every call is bounded by its own context.
func NewExecutor(client *http.Client, maxBody int64) *Executor {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxResponseBytes
	}
	return &Executor{
		client:    client,
		maxBody:   maxBody,
		grace:     DefaultGrace,
		now:       time.Now,
		userAgent: "cronswarm-runner",
	}
}

type outcome struct {
	data *types.ResponseData
	err  error
}

// Execute runs job and always returns a result.
func (e *Executor) Execute(ctx context.Context, job types.JobDescription) types.JobResult {
	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = job.Request.Timeout()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := e.now()
	result := types.JobResult{
		JobID:       job.JobID,
		PlannedAt:   job.PlannedAt,
		AttemptedAt: start.UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		data, err := e.call(callCtx, job.Request)
		done <- outcome{data: data, err: err}
	}()

	supervisor := time.NewTimer(timeout + e.grace)
	defer supervisor.Stop()

	var out outcome
	select {
	case out = <-done:
	case <-supervisor.C:
		out = outcome{err: context.DeadlineExceeded}
	}
	result.DurationMS = e.now().Sub(start).Milliseconds()

	switch {
	case out.err == nil && out.data != nil:
		result.Data = out.data
	case out.err == nil:
		result.Error = types.StringPtr(errWorkerVanished.Error())
	case errors.Is(out.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
	default:
		result.Error = types.StringPtr(out.err.Error())
	}
	return result
}

func (e *Executor) call(ctx context.Context, r types.RequestData) (*types.ResponseData, error) {
	var body io.Reader
	if r.Body != nil {
		body = strings.NewReader(*r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}
	return &types.ResponseData{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       string(payload),
	}, nil
}
