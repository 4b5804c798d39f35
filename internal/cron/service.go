package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/chatfight/internal/logging"
)

// parser accepts the six-field (seconds first) expressions used in config.
var parser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// JobFunc does the work of one run and returns a short summary.
type JobFunc func(ctx context.Context) (string, error)

type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

// JobState is what ListJobs reports about a job.
type JobState struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Runs       int       `json:"runs"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type entry struct {
	job   Job
	state JobState
	id    rcron.EntryID
}

// Service runs maintenance jobs on cron schedules.
type Service struct {
	mu      sync.Mutex
	jobs    []*entry
	cron    *rcron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	logger  *slog.Logger
	timeout time.Duration
}

func NewService(logger *slog.Logger) *Service {
	return &Service{
		logger:  logging.OrDiscard(logger).With("component", "cron"),
		timeout: time.Minute,
	}
}

// AddJob validates the schedule and registers the job. Jobs added after
// Start are scheduled immediately.
func (s *Service) AddJob(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run func")
	}
	if _, err := parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", job.Schedule, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.job.Name == job.Name {
			return fmt.Errorf("job %s already exists", job.Name)
		}
	}

	e := &entry{job: job, state: JobState{Name: job.Name, Schedule: job.Schedule}}
	s.jobs = append(s.jobs, e)
	if s.cron != nil {
		return s.registerJob(e)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, e := range s.jobs {
		if err := s.registerJob(e); err != nil {
			s.logger.Warn("register job failed", "job", e.job.Name, "error", err)
		}
	}
	count := len(s.jobs)
	s.cron.Start()
	s.mu.Unlock()

	s.logger.Info("started", "jobs", count)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob must be called with s.mu held.
func (s *Service) registerJob(e *entry) error {
	id, err := s.cron.AddFunc(e.job.Schedule, func() {
		s.executeJob(e)
	})
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

func (s *Service) executeJob(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := e.job.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.state.Runs++
	e.state.LastRunAt = time.Now()
	if err != nil {
		e.state.LastStatus = "error"
		e.state.LastError = err.Error()
		s.logger.Error("job failed", "job", e.job.Name, "error", err)
		return
	}
	e.state.LastStatus = "ok"
	e.state.LastError = ""
	s.logger.Info("job finished", "job", e.job.Name, "result", truncate(result, 200))
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var found *entry
	for _, e := range s.jobs {
		if e.job.Name == name {
			found = e
			break
		}
	}
	s.mu.Unlock()

	if found == nil {
		return fmt.Errorf("job %s not found", name)
	}
	s.executeJob(found)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		result = append(result, e.state)
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
