package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

func testScheduler(repo repository.ProjectRepository, bk backend.Backend, cfg SchedulerConfig) *Scheduler {
	machine := NewMachine(bk, nil, testLogger(), MachineConfig{HealthPollInterval: time.Millisecond})
	return NewScheduler(repo, machine, testLogger(), cfg)
}

func TestSchedulerStepPersistsTransition(t *testing.T) {
	repo := newTestProjectRepo(requestedProject("dep-1"))
	bk := &testBackend{createHandle: "c-1"}
	s := testScheduler(repo, bk, SchedulerConfig{})

	s.step(context.Background(), "project-1")

	got := repo.get("project-1")
	if got.State.Kind != domain.StateStarting {
		t.Fatalf("expected starting persisted, got %s", got.State.Kind)
	}
	if got.Version != 2 {
		t.Fatalf("expected version bumped, got %d", got.Version)
	}
}

func TestSchedulerSubmitIsIdempotent(t *testing.T) {
	repo := newTestProjectRepo()
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{})

	s.Submit("project-1")
	s.Submit("project-1")
	s.Submit("project-1")

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fifo) != 1 {
		t.Fatalf("expected a single queue entry, got %d", len(s.fifo))
	}
}

func TestSchedulerSubmitDuringRunSchedulesFollowup(t *testing.T) {
	repo := newTestProjectRepo()
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{})

	s.mu.Lock()
	s.running["project-1"] = struct{}{}
	s.mu.Unlock()

	s.Submit("project-1")
	s.Submit("project-1")

	s.mu.Lock()
	if len(s.fifo) != 0 {
		s.mu.Unlock()
		t.Fatalf("running project must not enter the queue")
	}
	if _, ok := s.followup["project-1"]; !ok {
		s.mu.Unlock()
		t.Fatalf("expected a follow-up to be recorded")
	}
	s.mu.Unlock()

	s.mu.Lock()
	delete(s.running, "project-1")
	s.mu.Unlock()
	s.finish("project-1")

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fifo) != 1 {
		t.Fatalf("expected exactly one replay, got %d", len(s.fifo))
	}
}

func TestSchedulerRetriesOnConflict(t *testing.T) {
	repo := newTestProjectRepo(requestedProject("dep-1"))
	repo.updateErrs = []error{repository.ErrConflict}
	bk := &testBackend{createHandle: "c-1"}
	s := testScheduler(repo, bk, SchedulerConfig{})

	s.step(context.Background(), "project-1")

	if repo.gets != 2 {
		t.Fatalf("expected a reload after conflict, got %d loads", repo.gets)
	}
	got := repo.get("project-1")
	if got.State.Kind != domain.StateStarting {
		t.Fatalf("expected transition committed on retry, got %s", got.State.Kind)
	}
}

func TestSchedulerSkipsTerminalProjects(t *testing.T) {
	project := requestedProject("dep-1")
	project.State = domain.ProjectState{Kind: domain.StateStopped}
	repo := newTestProjectRepo(project)
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{})

	s.step(context.Background(), "project-1")

	if repo.updates != 0 {
		t.Fatalf("terminal project must not be written, got %d updates", repo.updates)
	}
}

func TestSchedulerRemovesDestroyedProjects(t *testing.T) {
	project := requestedProject("dep-1")
	project.State = domain.ProjectState{Kind: domain.StateStopped, ContainerID: "c-1", Destroy: true}
	repo := newTestProjectRepo(project)
	bk := &testBackend{}
	s := testScheduler(repo, bk, SchedulerConfig{})

	s.step(context.Background(), "project-1")

	if len(repo.deleted) != 1 || repo.deleted[0] != "project-1" {
		t.Fatalf("expected project record removed, got %v", repo.deleted)
	}
	if got := bk.destroyedHandles(); len(got) != 1 || got[0] != "c-1" {
		t.Fatalf("expected container removed, got %v", got)
	}
}

func TestSchedulerDelayedResubmission(t *testing.T) {
	repo := newTestProjectRepo()
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{})

	var delay time.Duration
	fired := make(chan struct{})
	s.afterFunc = func(d time.Duration, fn func()) *time.Timer {
		delay = d
		go func() {
			fn()
			close(fired)
		}()
		return nil
	}

	s.SubmitAfter("project-1", 42*time.Millisecond)
	<-fired

	if delay != 42*time.Millisecond {
		t.Fatalf("expected delay forwarded, got %v", delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fifo) != 1 {
		t.Fatalf("expected project queued after delay, got %d", len(s.fifo))
	}
}

func TestSchedulerSerializesPerProject(t *testing.T) {
	project := requestedProject("dep-1")
	project.State = domain.ProjectState{
		Kind:        domain.StateReady,
		ArtifactRef: "registry.test/myapp:v1",
		ContainerID: "c-1",
		Address:     "127.0.0.1:49160",
	}
	repo := newTestProjectRepo(project)

	var inFlight, maxInFlight, steps int64
	bk := &testBackend{}
	bk.inspectFn = func(handle string) (backend.Status, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			max := atomic.LoadInt64(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt64(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		atomic.AddInt64(&steps, 1)
		return backend.Status{Running: true, Address: "127.0.0.1:49160"}, nil
	}

	s := testScheduler(repo, bk, SchedulerConfig{Workers: 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Submit("project-1")
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&steps) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt64(&steps) == 0 {
		t.Fatalf("expected at least one step to run")
	}
	if got := atomic.LoadInt64(&maxInFlight); got != 1 {
		t.Fatalf("expected per-project serialization, observed %d concurrent steps", got)
	}
}

func TestSchedulerIdleSweepStopsStaleProjects(t *testing.T) {
	project := requestedProject("dep-1")
	project.State = domain.ProjectState{
		Kind:        domain.StateReady,
		ArtifactRef: "registry.test/myapp:v1",
		ContainerID: "c-1",
		Address:     "127.0.0.1:49160",
	}
	project.UpdatedAt = time.Now().Add(-time.Hour)
	repo := newTestProjectRepo(project)
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{IdleTimeout: 30 * time.Minute})

	s.sweepIdle(context.Background())

	got := repo.get("project-1")
	if got.State.Kind != domain.StateStopping {
		t.Fatalf("expected idle project stopping, got %s", got.State.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.fifo) != 1 {
		t.Fatalf("expected stop submitted for execution, got %d", len(s.fifo))
	}
}

func TestSchedulerIdleSweepSkipsFreshProjects(t *testing.T) {
	project := requestedProject("dep-1")
	project.State = domain.ProjectState{Kind: domain.StateReady, ContainerID: "c-1", Address: "127.0.0.1:49160"}
	project.UpdatedAt = time.Now()
	repo := newTestProjectRepo(project)
	s := testScheduler(repo, &testBackend{}, SchedulerConfig{IdleTimeout: 30 * time.Minute})

	s.sweepIdle(context.Background())

	if got := repo.get("project-1"); got.State.Kind != domain.StateReady {
		t.Fatalf("fresh project must stay ready, got %s", got.State.Kind)
	}
}
