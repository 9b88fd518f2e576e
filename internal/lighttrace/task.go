package lighttrace

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Task is the handle of one background optimization run.
type Task struct {
	ID string

	cancel    context.CancelFunc
	done      chan struct{}
	result    Result
	err       error
	cancelled bool
}

// Cancel asks the run to stop after the current evaluation.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the run has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the run has finished and returns its outcome.
func (t *Task) Wait() (Result, error) {
	<-t.done
	return t.result, t.err
}

// Result returns the outcome without waiting. It is only meaningful after
// Done is closed or inside Runner.OnFinish.
func (t *Task) Result() (Result, error) { return t.result, t.err }

// Cancelled reports whether the run ended because its context was done.
func (t *Task) Cancelled() bool { return t.cancelled }

// Runner runs one optimization at a time in the background.
type Runner struct {
	opt *Optimizer

	// OnStart is called by Start before the run goroutine begins, while no
	// other run is active.
	OnStart func(t *Task)
	// OnImprove receives the improvements of every run with its task ID.
	OnImprove func(id string, imp Improvement)
	// OnFinish is called from the run goroutine before Done is closed.
	OnFinish func(t *Task)

	mu      sync.Mutex
	current *Task
}

// NewRunner returns a runner for o.
func NewRunner(o *Optimizer) *Runner {
	return &Runner{opt: o}
}

// Optimizer returns the optimizer driven by the runner.
func (r *Runner) Optimizer() *Optimizer { return r.opt }

// Start cancels and awaits the previous run, then starts a new one. When
// opts is non-nil it replaces the optimizer options first.
func (r *Runner) Start(ctx context.Context, opts *Options) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.current; prev != nil {
		prev.Cancel()
		prev.Wait()
	}
	if opts != nil {
		if err := r.opt.SetOptions(*opts); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{ID: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
	if r.OnImprove != nil {
		hook, id := r.OnImprove, t.ID
		r.opt.OnImprove = func(imp Improvement) { hook(id, imp) }
	} else {
		r.opt.OnImprove = nil
	}
	r.current = t
	if r.OnStart != nil {
		r.OnStart(t)
	}

	finish := r.OnFinish
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = r.opt.Optimize(ctx)
		t.cancelled = ctx.Err() != nil
		if finish != nil {
			finish(t)
		}
	}()
	return t, nil
}

// Current returns the most recently started task, or nil.
func (r *Runner) Current() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
