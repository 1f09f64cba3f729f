package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("sandbox pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("sandbox pool not started")
)

// Outcome is what the pool reports for each submitted job. Executed is false
// when the pool stopped before the job's planned time; such jobs carry no
// result and should be handed back.
type Outcome struct {
	Job      types.JobDescription
	Result   types.JobResult
	Executed bool
}

// Runner executes one job. *Executor implements it.
type Runner interface {
	Execute(ctx context.Context, job types.JobDescription) types.JobResult
}

// Pool runs every submitted job in its own disposable worker and delivers
// outcomes on a channel.
type Pool struct {
	exec     Runner
	resultCh chan Outcome
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	active  int
}

// NewPool creates a pool. bufferSize sizes the outcome channel.
func NewPool(exec Runner, bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		exec:     exec,
		resultCh: make(chan Outcome, bufferSize),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start opens the pool for submissions.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	p.started = true
	return nil
}

// Submit dispatches job to a new worker immediately. The worker sleeps until
// the job's planned time, then executes it.
func (p *Pool) Submit(job types.JobDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	p.active++
	p.wg.Add(1)
	go p.work(job)
	return nil
}

func (p *Pool) work(job types.JobDescription) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if wait := job.PlannedAt.Sub(p.now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			p.resultCh <- Outcome{Job: job}
			return
		}
	}

	// a started call runs to completion or to its own timeout; Stop only
	// cancels workers still waiting for their planned time
	result := p.exec.Execute(context.WithoutCancel(p.ctx), job)
	p.resultCh <- Outcome{Job: job, Result: result, Executed: true}
}

// Results delivers outcomes. It is closed by Stop once every worker has
// reported.
func (p *Pool) Results() <-chan Outcome {
	return p.resultCh
}

// Active returns the number of workers still waiting or running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Stop refuses new work, aborts workers still waiting for their planned
// time, lets running calls finish within their timeout, waits for every
// worker to report and closes the outcome channel. The caller must keep draining
// Results while Stop runs.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	close(p.resultCh)
}
