// Package scheduler runs the trade manager's background jobs. Per-trade jobs are
// keyed by (kind, trade id) so they can be looked up and cancelled exactly once;
// calendar jobs run on cron expressions in a fixed timezone.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"optionsBot/internal/ports"
)

// JobKind names a family of jobs.
type JobKind string

// JobKey identifies a registered job. Global jobs use TradeID 0.
type JobKey struct {
	Kind    JobKind
	TradeID int64
}

// String returns the key in "kind-id" form for logs.
func (k JobKey) String() string {
	return fmt.Sprintf("%s-%d", k.Kind, k.TradeID)
}

// Job is the unit of work run by the scheduler.
type Job func(ctx context.Context)

// Scheduler keeps a map from job key to the cancel function of its goroutine.
type Scheduler struct {
	logger ports.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	baseCtx context.Context
	jobs    map[JobKey]*handle
	wg      sync.WaitGroup
}

type handle struct {
	cancel context.CancelFunc
}

// New creates a scheduler whose cron jobs fire in loc.
func New(logger ports.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		logger:  logger,
		cron:    cron.New(cron.WithLocation(loc)),
		baseCtx: context.Background(),
		jobs:    make(map[JobKey]*handle),
	}
}

// Start binds jobs registered from now on to ctx and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop cancels every keyed job, stops the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for key, h := range s.jobs {
		h.cancel()
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Every runs job every interval until the key is cancelled. It returns false
// if a job with the same key is already registered.
func (s *Scheduler) Every(key JobKey, interval time.Duration, job Job) bool {
	ctx, _, ok := s.register(key)
	if !ok {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, key, job)
			}
		}
	}()
	return true
}

// Once runs job a single time after delay, then forgets the key.
func (s *Scheduler) Once(key JobKey, delay time.Duration, job Job) bool {
	ctx, h, ok := s.register(key)
	if !ok {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(key, h)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.run(ctx, key, job)
	}()
	return true
}

// Cron registers job on a standard five-field cron expression.
func (s *Scheduler) Cron(spec string, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		s.run(ctx, JobKey{Kind: JobKind(name)}, job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q for %s: %w", spec, name, err)
	}
	return nil
}

// Cancel deregisters the job. It reports whether a job was registered under key.
func (s *Scheduler) Cancel(key JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.jobs[key]
	if !ok {
		return false
	}
	h.cancel()
	delete(s.jobs, key)
	return true
}

// Has reports whether a job is registered under key.
func (s *Scheduler) Has(key JobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

func (s *Scheduler) register(key JobKey) (context.Context, *handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[key]; exists {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &handle{cancel: cancel}
	s.jobs[key] = h
	return ctx, h, true
}

// forget removes key only while it still maps to h.
func (s *Scheduler) forget(key JobKey, h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.jobs[key]; ok && cur == h {
		h.cancel()
		delete(s.jobs, key)
	}
}

// run executes one invocation and keeps a panicking job from taking the process down.
func (s *Scheduler) run(ctx context.Context, key JobKey, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "Scheduled job panicked", map[string]interface{}{
				"job": key.String(),
			})
		}
	}()
	job(ctx)
}
