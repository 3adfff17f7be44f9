// Package scheduler runs named maintenance tasks on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskBusy    = errors.New("task already running")
)

type Task struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      func(ctx context.Context) error
}

type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitempty"`
}

type entry struct {
	task Task
	id   cron.EntryID
}

type Scheduler struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	logger  zerolog.Logger

	mu    sync.RWMutex
	tasks map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, locker Locker, lockTTL time.Duration, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	lg := logger.With().Str("service", "Scheduler").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{lg})),
		),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  lg,
		tasks:   make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a task. A task with an empty schedule can only be run by name.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" || t.Run == nil {
		return errors.New("task needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tasks[t.Name]; dup {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	e := &entry{task: t}
	if t.Schedule != "" {
		id, err := s.cron.AddFunc(t.Schedule, func() {
			if err := s.execute(s.ctx, t); err != nil && !errors.Is(err, ErrTaskBusy) {
				s.logger.Error().Err(err).Str("task", t.Name).Msg("scheduled task failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for task %s: %w", t.Schedule, t.Name, err)
		}
		e.id = id
	}
	s.tasks[t.Name] = e
	return nil
}

// RunNow runs a registered task immediately, under the same lock as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	e, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, e.task)
}

func (s *Scheduler) execute(ctx context.Context, t Task) error {
	release, ok, err := s.locker.TryLock(ctx, t.Name, s.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info().Str("task", t.Name).Msg("task held by another runner, skipping")
		return ErrTaskBusy
	}
	defer release()

	start := time.Now()
	s.logger.Info().Str("task", t.Name).Msg("task started")
	if err := t.Run(ctx); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	s.logger.Info().Str("task", t.Name).Dur("took", time.Since(start)).Msg("task finished")
	return nil
}

// Tasks lists registered tasks with their next run time.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		info := TaskInfo{Name: e.task.Name, Schedule: e.task.Schedule}
		if e.id != 0 {
			info.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("tasks", len(s.Tasks())).Msg("scheduler started")
}

// Stop cancels running tasks and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
