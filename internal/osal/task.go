package osal

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/gistack/internal/fault"
)

// Task describes one preemptible task. Priority follows RTOS convention:
// a lower number is a higher priority, and priorities are unique.
type Task struct {
	Name     string
	Priority int
	Run      func(ctx context.Context) error
}

// Scheduler creates tasks and waits for them. The Go runtime has no
// priorities of its own; the scheduler enforces uniqueness, starts tasks in
// priority order and reports the assignment.
type Scheduler struct {
	log   *slog.Logger
	tasks []Task
	prios map[int]string
}

func NewScheduler(l *slog.Logger) *Scheduler {
	return &Scheduler{log: l, prios: make(map[int]string)}
}

// Add registers t. Tasks must all be added before Run.
func (s *Scheduler) Add(t Task) error {
	if t.Run == nil {
		return fault.Configf("task."+t.Name, "missing entry point")
	}
	if other, ok := s.prios[t.Priority]; ok {
		return fault.Configf("task."+t.Name, "priority %d already used by %q", t.Priority, other)
	}
	s.prios[t.Priority] = t.Name
	s.tasks = append(s.tasks, t)
	return nil
}

// Run starts every task and blocks until all of them return. The first
// task error cancels the others.
func (s *Scheduler) Run(ctx context.Context) error {
	tasks := append([]Task(nil), s.tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Priority < tasks[j].Priority })

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		s.log.Debug("osal: start task", "task", t.Name, "prio", t.Priority)
		g.Go(func() error {
			return t.Run(ctx)
		})
	}
	return g.Wait()
}
