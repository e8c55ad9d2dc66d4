// Package schedule runs cancellable periodic tasks.
//
// A Task is the Go form of a self-rescheduling timer or animation-frame loop:
// it calls a function on a fixed period until its context is cancelled or
// Stop is called. Stop is synchronous. When it returns, the function is not
// running and will not run again.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// FrameInterval approximates one animation frame at 60Hz.
const FrameInterval = 16 * time.Millisecond

// ErrStopped is returned when adding a task to a stopped group.
var ErrStopped = errors.New("schedule: group stopped")

// Func is a periodic callback. now is the tick time.
type Func func(ctx context.Context, now time.Time)

// Task is a single periodic loop.
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches fn every interval until ctx is done or Stop is called.
// If immediate is true the first call happens right away instead of after
// one interval.
func Start(ctx context.Context, name string, interval time.Duration, immediate bool, fn Func, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go t.run(ctx, immediate)
	return t
}

func (t *Task) run(ctx context.Context, immediate bool) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if immediate {
		t.call(ctx, time.Now())
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			// A tick and a cancellation can be ready together.
			if ctx.Err() != nil {
				return
			}
			t.call(ctx, now)
		}
	}
}

// call runs one iteration and contains panics so one bad tick never kills
// the loop.
func (t *Task) call(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panicked", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	t.fn(ctx, now)
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Stop cancels the task and waits for the loop to exit.
// Stop must not be called from inside the task's own function.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Group owns a set of tasks that stop together.
type Group struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   []*Task
	stopped bool
	logger  *slog.Logger
}

// NewGroup returns a group whose tasks derive from ctx.
func NewGroup(ctx context.Context, logger *slog.Logger) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel, logger: logger}
}

// Every adds a task that runs fn every interval.
func (g *Group) Every(name string, interval time.Duration, fn Func) (*Task, error) {
	return g.add(name, interval, false, fn)
}

// Now adds a task that runs fn immediately and then every interval.
func (g *Group) Now(name string, interval time.Duration, fn Func) (*Task, error) {
	return g.add(name, interval, true, fn)
}

// Frames adds a task that runs fn once per animation frame.
func (g *Group) Frames(name string, fn Func) (*Task, error) {
	return g.add(name, FrameInterval, false, fn)
}

func (g *Group) add(name string, interval time.Duration, immediate bool, fn Func) (*Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("schedule: task %s: interval must be positive", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil, ErrStopped
	}
	t := Start(g.ctx, name, interval, immediate, fn, g.logger)
	g.tasks = append(g.tasks, t)
	return t, nil
}

// Context returns the group context, cancelled by Stop.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Stop cancels every task and waits for all of them to exit.
func (g *Group) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	tasks := g.tasks
	g.tasks = nil
	g.mu.Unlock()

	g.cancel()
	for _, t := range tasks {
		t.Stop()
	}
}

// Len returns the number of live tasks.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
