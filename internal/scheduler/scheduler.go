// Package scheduler gives tasks a recurrence. A task created with a
// cron schedule gets its due time from the schedule, and a periodic
// sweep reopens completed recurring tasks once their due time passes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nugget/cortex-agent/internal/store"
)

// DefaultSweep is how often recurring tasks are checked.
const DefaultSweep = "@every 1m"

// Parse validates a schedule expression: five cron fields or a
// descriptor such as @daily or @every 2h.
func Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Next returns the first activation of spec strictly after from.
func Next(spec string, from time.Time) (time.Time, error) {
	sched, err := Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", spec)
	}
	return next.UTC(), nil
}

// Scheduler runs the recurring-task sweep.
type Scheduler struct {
	logger *slog.Logger
	store  *store.Store
	spec   string
	now    func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	sweeps  int
	reopens int
}

// New creates a scheduler that sweeps on spec (DefaultSweep if empty).
func New(logger *slog.Logger, st *store.Store, spec string) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if spec == "" {
		spec = DefaultSweep
	}
	return &Scheduler{logger: logger, store: st, spec: spec, now: time.Now}
}

// Start schedules the sweep and runs one immediately so restarts catch
// up on anything that came due while stopped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(ctx) }); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler sweep %q: %w", s.spec, err)
	}
	s.cron = c
	s.running = true
	s.mu.Unlock()

	s.Sweep(ctx)
	c.Start()
	s.logger.Debug("scheduler started", "sweep", s.spec)
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Sweep reopens every completed recurring task whose due time has
// passed and returns how many it reopened.
func (s *Scheduler) Sweep(ctx context.Context) int {
	now := s.now().UTC()
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		s.logger.Error("scheduler sweep: list sessions", "error", err)
		return 0
	}

	reopened := 0
	for _, sess := range sessions {
		tasks, err := s.store.Tasks(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("scheduler sweep: list tasks", "session", sess.ID, "error", err)
			continue
		}
		for _, t := range tasks {
			if !due(t, now) {
				continue
			}
			next, err := Next(t.Schedule, now)
			if err != nil {
				s.logger.Warn("scheduler sweep: bad schedule", "task", t.ID, "error", err)
				continue
			}
			t.Status = store.TaskPending
			t.Due = &next
			if _, err := s.store.SaveTask(ctx, sess.ID, t); err != nil {
				s.logger.Error("scheduler sweep: reopen task", "task", t.ID, "error", err)
				continue
			}
			reopened++
			s.logger.Info("recurring task reopened",
				"session", sess.ID,
				"task", t.ID,
				"title", t.Title,
				"next_due", next,
			)
		}
	}

	s.mu.Lock()
	s.sweeps++
	s.reopens += reopened
	s.mu.Unlock()
	return reopened
}

func due(t store.Task, now time.Time) bool {
	return t.Schedule != "" &&
		t.Status == store.TaskCompleted &&
		t.Due != nil &&
		!t.Due.After(now)
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running": s.running,
		"sweep":   s.spec,
		"sweeps":  s.sweeps,
		"reopens": s.reopens,
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
