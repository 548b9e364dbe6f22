// Package scheduler runs named periodic tasks on cron expressions
// with a seconds field.
//
// Executions are coalesced per task: at most one running and one
// pending at a time. Ticks that arrive while a slow execution is in
// flight collapse into a single follow-up run instead of queueing.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	apperrors "uvexchange.io/uvx/internal/pkg/errors"
	"uvexchange.io/uvx/internal/pkg/logger"
	"uvexchange.io/uvx/internal/pkg/worker"
)

const evalInterval = 50 * time.Millisecond

// TaskFunc is one scheduled task body.
type TaskFunc func(ctx context.Context)

type task struct {
	name     string
	schedule cron.Schedule
	fn       TaskFunc

	mu      sync.Mutex
	next    time.Time
	running bool
	pending bool
}

// Scheduler evaluates registered tasks on a fixed-interval loop and
// hands executions to the general worker pool.
type Scheduler struct {
	parser cron.Parser
	pool   *worker.Pool

	mu    sync.Mutex
	tasks map[string]*task

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
	execWG   sync.WaitGroup
}

// New creates a stopped scheduler; call Start to begin evaluation.
func New(pool *worker.Pool) *Scheduler {
	return &Scheduler{
		parser: cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		pool:     pool,
		tasks:    make(map[string]*task),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Register adds a named task. Re-registering a name replaces the
// previous schedule.
func (s *Scheduler) Register(name, expr string, fn TaskFunc) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return apperrors.BadConfig("cron expression for " + name + ": " + err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &task{
		name:     name,
		schedule: schedule,
		fn:       fn,
		next:     schedule.Next(time.Now()),
	}
	logger.Info("scheduled task registered",
		zap.String("task", name), zap.String("cron", expr))
	return nil
}

// Start launches the evaluation loop. The loop stops when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	//nolint:naked-goroutine // evaluation loop owns its own lifecycle
	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(evalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.evaluate(ctx, now)
			}
		}
	}()
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		if !now.Before(t.next) {
			t.next = t.schedule.Next(now)
			due = append(due, t)
		}
		t.mu.Unlock()
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t)
	}
}

// Trigger fires a task out of schedule. Unknown names report NotFound.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("no scheduled task " + name)
	}
	s.fire(ctx, t)
	return nil
}

// fire starts an execution unless one is already in flight, in which
// case a single follow-up is noted.
func (s *Scheduler) fire(ctx context.Context, t *task) {
	t.mu.Lock()
	if t.running {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	s.execWG.Add(1)
	err := s.pool.Submit(ctx, func(ctx context.Context) {
		defer s.execWG.Done()
		for {
			start := time.Now()
			t.fn(ctx)
			logger.Debug("scheduled task completed",
				zap.String("task", t.name),
				zap.Duration("elapsed", time.Since(start)),
			)

			t.mu.Lock()
			if !t.pending || ctx.Err() != nil {
				t.running = false
				t.pending = false
				t.mu.Unlock()
				return
			}
			t.pending = false
			t.mu.Unlock()
		}
	})
	if err != nil {
		s.execWG.Done()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		logger.Warn("scheduled task submit failed",
			zap.String("task", t.name), zap.Error(err))
	}
}

// Stop halts evaluation and waits up to wait for in-flight executions
// to drain. Returns false when the window expired with work still
// running.
func (s *Scheduler) Stop(wait time.Duration) bool {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.loopDone
	}

	done := make(chan struct{})
	//nolint:naked-goroutine // wait bridge for the timeout select
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(wait):
		logger.Warn("scheduler stop window expired with tasks running")
		return false
	}
}
