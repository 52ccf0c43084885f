/*
Package scheduler runs recurring background work.

PURPOSE:
  The waitlist sweep and the reminder sweep each run on their own ticker.
  Runner owns the goroutines so tests can drive tasks with RunNow instead
  of waiting on wall-clock time.

DESIGN:
  - One goroutine and one ticker per task
  - Each task runs once immediately on Start, then every Interval
  - A panicking task is logged and keeps its schedule
  - Stop cancels the context handed to running tasks and waits for them

USAGE:
  runner := scheduler.New()
  runner.Add(scheduler.Task{Name: "waitlist-sweep", Interval: 5 * time.Minute, Run: sweep})
  runner.Start()
  // ... later
  runner.Stop()

SEE ALSO:
  - cmd/server/main.go: task registration
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is one unit of recurring work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner schedules tasks.
type Runner struct {
	mu      sync.Mutex
	tasks   []Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Runner {
	return &Runner{}
}

// Add registers a task. Tasks added after Start are not scheduled until the
// next Start.
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task needs a name and a run function")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task %s already registered", t.Name)
		}
	}
	r.tasks = append(r.tasks, t)
	return nil
}

// Start begins every registered task.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true

	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
		log.Printf("[Scheduler] Started %s with interval: %v", t.Name, t.Interval)
	}
}

// Stop stops all tasks and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// RunNow runs the named task once on the calling goroutine.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	var (
		task  Task
		found bool
	)
	for _, t := range r.tasks {
		if t.Name == name {
			task, found = t, true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return execute(ctx, task)
}

// Tasks returns the registered task names in registration order.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		names[i] = t.Name
	}
	return names
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// Run immediately on start
	r.tick(ctx, t)

	for {
		select {
		case <-ticker.C:
			r.tick(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) tick(ctx context.Context, t Task) {
	if err := execute(ctx, t); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Scheduler] %s failed: %v", t.Name, err)
	}
}

func execute(ctx context.Context, t Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Run(ctx)
}
