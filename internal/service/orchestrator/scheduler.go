package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

const (
	defaultWorkers     = 8
	defaultStepTimeout = 30 * time.Second
	defaultJanitor     = 30 * time.Second
	casRetries         = 3
	storeRetryDelay    = 5 * time.Second
)

// SchedulerConfig bounds the worker pool and background sweeps.
type SchedulerConfig struct {
	Workers         int
	StepTimeout     time.Duration
	IdleTimeout     time.Duration
	JanitorInterval time.Duration
}

// Scheduler drives many independent project state machines with a fixed
// worker pool. Submission is idempotent and per-project execution is
// serialized: at most one step runs for a project at any time, and a submit
// arriving mid-step is remembered and replayed once the step finishes.
type Scheduler struct {
	repo    repository.ProjectRepository
	machine *Machine
	logger  *slog.Logger

	workers         int
	stepTimeout     time.Duration
	idleTimeout     time.Duration
	janitorInterval time.Duration

	mu       sync.Mutex
	queued   map[string]struct{}
	running  map[string]struct{}
	followup map[string]struct{}
	fifo     []string
	wake     chan struct{}

	afterFunc func(time.Duration, func()) *time.Timer
	now       func() time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(repo repository.ProjectRepository, machine *Machine, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	janitor := cfg.JanitorInterval
	if janitor <= 0 {
		janitor = defaultJanitor
	}
	return &Scheduler{
		repo:            repo,
		machine:         machine,
		logger:          logger.With("component", "scheduler"),
		workers:         workers,
		stepTimeout:     stepTimeout,
		idleTimeout:     cfg.IdleTimeout,
		janitorInterval: janitor,
		queued:          make(map[string]struct{}),
		running:         make(map[string]struct{}),
		followup:        make(map[string]struct{}),
		wake:            make(chan struct{}, 1),
		afterFunc:       time.AfterFunc,
		now:             time.Now,
	}
}

// Run executes workers until the context is cancelled and all in-flight
// steps have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	if s.idleTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.janitor(ctx)
		}()
	}
	s.logger.Info("scheduler started", "workers", s.workers)
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit enqueues a project for one advancement attempt. Submitting a
// project that is already queued is a no-op; submitting one whose step is
// currently running schedules exactly one follow-up.
func (s *Scheduler) Submit(projectID string) {
	if projectID == "" {
		return
	}
	s.mu.Lock()
	if _, ok := s.running[projectID]; ok {
		s.followup[projectID] = struct{}{}
		s.mu.Unlock()
		return
	}
	if _, ok := s.queued[projectID]; ok {
		s.mu.Unlock()
		return
	}
	s.queued[projectID] = struct{}{}
	s.fifo = append(s.fifo, projectID)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SubmitAfter re-enqueues a project once the delay elapses; used for health
// polling and retry backoff so waiting projects never occupy a worker.
func (s *Scheduler) SubmitAfter(projectID string, delay time.Duration) {
	if delay <= 0 {
		s.Submit(projectID)
		return
	}
	s.afterFunc(delay, func() { s.Submit(projectID) })
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		projectID, ok := s.next(ctx)
		if !ok {
			return
		}
		s.step(ctx, projectID)
		s.finish(projectID)
	}
}

func (s *Scheduler) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()
		if len(s.fifo) > 0 {
			projectID := s.fifo[0]
			s.fifo = s.fifo[1:]
			delete(s.queued, projectID)
			s.running[projectID] = struct{}{}
			remaining := len(s.fifo)
			s.mu.Unlock()
			if remaining > 0 {
				select {
				case s.wake <- struct{}{}:
				default:
				}
			}
			return projectID, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-s.wake:
		}
	}
}

func (s *Scheduler) finish(projectID string) {
	s.mu.Lock()
	delete(s.running, projectID)
	_, replay := s.followup[projectID]
	delete(s.followup, projectID)
	s.mu.Unlock()
	if replay {
		s.Submit(projectID)
	}
}

// step loads the record, executes one machine step and persists the result.
// A compare-and-swap conflict means a command landed mid-step; the step is
// retried against the fresh record so stale transitions never commit.
func (s *Scheduler) step(ctx context.Context, projectID string) {
	opCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	for attempt := 0; attempt < casRetries; attempt++ {
		project, err := s.repo.GetProjectByID(opCtx, projectID)
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		if err != nil {
			s.logger.Error("load project failed", "project_id", projectID, "error", err)
			s.SubmitAfter(projectID, storeRetryDelay)
			return
		}
		if project.State.IsTerminal() {
			return
		}

		outcome := s.machine.Step(opCtx, *project)

		if !reflect.DeepEqual(project.State, outcome.State) {
			if _, err := s.repo.UpdateProjectState(opCtx, projectID, project.Version, outcome.State); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					continue
				}
				s.logger.Error("persist transition failed", "project_id", projectID, "error", err)
				s.SubmitAfter(projectID, storeRetryDelay)
				return
			}
			if outcome.State.Kind == domain.StateDestroyed {
				if err := s.repo.DeleteProject(opCtx, projectID); err != nil {
					s.logger.Warn("remove destroyed project failed", "project_id", projectID, "error", err)
				}
			}
		}

		if outcome.Cleanup != nil {
			outcome.Cleanup(opCtx)
		}
		if outcome.Requeue {
			s.SubmitAfter(projectID, outcome.RequeueAfter)
		}
		return
	}

	// Contention exhausted the local retries; queue another attempt.
	s.Submit(projectID)
}

// janitor periodically evicts ready projects idle past the configured
// timeout by issuing a stop transition.
func (s *Scheduler) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepIdle(ctx)
		}
	}
}

func (s *Scheduler) sweepIdle(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	projects, err := s.repo.ListActiveProjects(opCtx)
	if err != nil {
		s.logger.Warn("idle sweep list failed", "error", err)
		return
	}
	cutoff := s.now().Add(-s.idleTimeout)
	for _, project := range projects {
		if project.State.Kind != domain.StateReady || !project.UpdatedAt.Before(cutoff) {
			continue
		}
		next := domain.ProjectState{
			Kind:        domain.StateStopping,
			ArtifactRef: project.State.ArtifactRef,
			ContainerID: project.State.ContainerID,
		}
		if _, err := s.repo.UpdateProjectState(opCtx, project.ID, project.Version, next); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Warn("idle eviction failed", "project", project.Name, "error", err)
			}
			continue
		}
		s.logger.Info("idle project stopping", "project", project.Name)
		s.Submit(project.ID)
	}
}
