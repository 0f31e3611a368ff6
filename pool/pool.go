// Package pool runs long-running per-board operations (firmware writes,
// resets) on a bounded number of workers, keeping them off the goroutine
// that owns the wait loop.
package pool

import (
	"log/slog"
	"sync"

	"github.com/NanotokLLC/tytools/board"
	"github.com/NanotokLLC/tytools/tyerr"
)

// State is the lifecycle state of a submitted task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Work is the body of a task. Long operations must poll task.Cancelled at
// safe points; cancellation is always cooperative.
type Work func(task *Task) error

// Task is the observable handle of one submitted unit of work.
type Task struct {
	pool  *Pool
	board *board.Board
	work  Work

	mu         sync.Mutex
	state      State
	err        error
	bestEffort bool
	cancelled  bool
	done       chan struct{}
}

// Board returns the board the task is bound to.
func (t *Task) Board() *board.Board { return t.board }

// State returns the current task state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the task's result error once it has completed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// BestEffort reports whether the board dropped while the task was
// running, making the result unreliable.
func (t *Task) BestEffort() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bestEffort
}

// Done is closed when the task completes or is cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes and returns its result.
func (t *Task) Wait() error {
	<-t.done
	return t.Err()
}

// Cancel requests cancellation. A queued task is cancelled immediately
// and never starts; a running task keeps going until it polls Cancelled.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	queued := t.state == StateQueued
	if queued {
		t.state = StateCancelled
		close(t.done)
	}
	t.mu.Unlock()
	if queued {
		t.pool.forget(t)
	}
}

// Cancelled reports whether cancellation was requested. Work bodies poll
// this at safe points.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Pool is a bounded-concurrency FIFO executor.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*Task
	running int
	max     int
	closed  bool
	idle    sync.WaitGroup
}

// New creates a pool running at most max tasks concurrently. A max below
// one is clamped to one.
func New(max int, logger *slog.Logger) *Pool {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{logger: logger, max: max}
}

// MaxConcurrency returns the current concurrency bound.
func (p *Pool) MaxConcurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// SetMaxConcurrency changes the bound. It affects future scheduling
// decisions only; running tasks are never preempted.
func (p *Pool) SetMaxConcurrency(max int) {
	if max < 1 {
		max = 1
	}
	p.mu.Lock()
	p.max = max
	p.mu.Unlock()
	p.dispatch()
}

// Submit enqueues work bound to b. Tasks start in submission order.
func (p *Pool) Submit(b *board.Board, work Work) (*Task, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, tyerr.Param("task pool has been shut down")
	}
	t := &Task{pool: p, board: b, work: work, done: make(chan struct{})}
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	p.dispatch()
	return t, nil
}

// dispatch starts queued tasks while the concurrency bound allows.
func (p *Pool) dispatch() {
	for {
		p.mu.Lock()
		if p.running >= p.max || len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]

		t.mu.Lock()
		if t.state != StateQueued {
			t.mu.Unlock()
			p.mu.Unlock()
			continue
		}
		// A task whose board dropped before it started never runs.
		if t.board != nil && t.board.Status() == board.StatusDropped {
			t.state = StateCancelled
			t.cancelled = true
			close(t.done)
			t.mu.Unlock()
			p.mu.Unlock()
			continue
		}
		t.state = StateRunning
		t.mu.Unlock()

		p.running++
		p.idle.Add(1)
		p.mu.Unlock()

		go p.run(t)
	}
}

func (p *Pool) run(t *Task) {
	defer p.idle.Done()

	err := t.work(t)

	t.mu.Lock()
	t.err = err
	if t.board != nil && t.board.Status() == board.StatusDropped {
		t.bestEffort = true
	}
	if t.cancelled {
		t.state = StateCancelled
	} else {
		t.state = StateCompleted
	}
	close(t.done)
	t.mu.Unlock()

	if err != nil {
		p.logger.Debug("task failed", "error", err)
	}

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	p.dispatch()
}

// forget removes a cancelled task from the queue.
func (p *Pool) forget(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
}

// Close rejects further submissions, cancels everything still queued and
// waits for running tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range queued {
		t.mu.Lock()
		if t.state == StateQueued {
			t.state = StateCancelled
			t.cancelled = true
			close(t.done)
		}
		t.mu.Unlock()
	}
	p.idle.Wait()
}
