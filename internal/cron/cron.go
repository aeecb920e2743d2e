// Package cron runs named background tasks on cron schedules. Standard five
// or six field expressions and descriptors such as "@every 6h" or "@daily"
// are accepted.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Task is one scheduled unit of work.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Scheduler wraps robfig/cron with overlap protection: a tick is skipped
// while the previous run of the same task is still going.
type Scheduler struct {
	c      *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler returns an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := slogAdapter{l: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers t. Tasks may be added before or after Start.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" {
		return errors.New("task requires a name")
	}
	if t.Run == nil {
		return fmt.Errorf("task %s has no function", t.Name)
	}
	if err := Validate(t.Schedule); err != nil {
		return fmt.Errorf("task %s: %w", t.Name, err)
	}
	_, err := s.c.AddFunc(t.Schedule, func() {
		s.logger.Debug("running scheduled task", "task", t.Name)
		t.Run(s.ctx)
	})
	return err
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.c.Start()
	return nil
}

// Stop cancels running tasks' context and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	<-s.c.Stop().Done()
}

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
