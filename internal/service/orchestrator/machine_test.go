package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
)

func testMachine(bk backend.Backend, cfg MachineConfig) *Machine {
	return NewMachine(bk, nil, testLogger(), cfg)
}

func requestedProject(deploymentID string) domain.Project {
	return domain.Project{
		ID:   "project-1",
		Name: "myapp",
		State: domain.ProjectState{
			Kind:         domain.StateRequested,
			ArtifactRef:  "registry.test/myapp:v1",
			DeploymentID: deploymentID,
		},
		Version: 1,
	}
}

func TestMachineRequestedStartsContainer(t *testing.T) {
	bk := &testBackend{createHandle: "c-1"}
	m := testMachine(bk, MachineConfig{HealthPollInterval: 50 * time.Millisecond})

	outcome := m.Step(context.Background(), requestedProject("dep-1"))

	if outcome.State.Kind != domain.StateStarting {
		t.Fatalf("expected starting, got %s", outcome.State.Kind)
	}
	if outcome.State.ContainerID != "c-1" {
		t.Fatalf("expected container id recorded, got %q", outcome.State.ContainerID)
	}
	if outcome.State.StartedAt == nil {
		t.Fatalf("expected started timestamp")
	}
	if !outcome.Requeue || outcome.RequeueAfter != 50*time.Millisecond {
		t.Fatalf("expected requeue at poll interval, got %v after %v", outcome.Requeue, outcome.RequeueAfter)
	}
	if len(bk.created) != 1 || bk.created[0].DeploymentID != "dep-1" {
		t.Fatalf("expected one create keyed by deployment, got %+v", bk.created)
	}
	if len(bk.started) != 1 || bk.started[0] != "c-1" {
		t.Fatalf("expected container started, got %v", bk.started)
	}
}

func TestMachineRequestedRemovesSupersededContainer(t *testing.T) {
	bk := &testBackend{createHandle: "c-2"}
	m := testMachine(bk, MachineConfig{})
	project := requestedProject("dep-2")
	project.State.StaleContainerID = "c-inflight"

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateStarting {
		t.Fatalf("expected starting, got %s", outcome.State.Kind)
	}
	if outcome.State.StaleContainerID != "" {
		t.Fatalf("expected stale container cleared, got %q", outcome.State.StaleContainerID)
	}
	stopped := bk.stoppedHandles()
	if len(stopped) != 1 || stopped[0] != "c-inflight" {
		t.Fatalf("expected superseded container stopped, got %v", stopped)
	}
	destroyed := bk.destroyedHandles()
	if len(destroyed) != 1 || destroyed[0] != "c-inflight" {
		t.Fatalf("expected superseded container removed, got %v", destroyed)
	}
	if len(bk.created) != 1 || bk.created[0].DeploymentID != "dep-2" {
		t.Fatalf("expected replacement created for the new deployment, got %+v", bk.created)
	}
}

func TestMachineStartingBecomesReady(t *testing.T) {
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{Running: true, Address: "127.0.0.1:49160"}, nil
		},
	}
	m := testMachine(bk, MachineConfig{})

	startedAt := time.Now().UTC()
	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-1"
	project.State.StartedAt = &startedAt

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateReady {
		t.Fatalf("expected ready, got %s", outcome.State.Kind)
	}
	if outcome.State.Address != "127.0.0.1:49160" {
		t.Fatalf("expected address recorded, got %q", outcome.State.Address)
	}
	if outcome.Requeue {
		t.Fatalf("ready transition should not requeue")
	}
	if outcome.Cleanup != nil {
		t.Fatalf("no previous container, expected no cleanup")
	}
}

func TestMachineStartingKeepsPollingUntilHealthy(t *testing.T) {
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{Running: true}, nil
		},
	}
	m := testMachine(bk, MachineConfig{HealthPollInterval: 25 * time.Millisecond})

	startedAt := time.Now().UTC()
	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-1"
	project.State.StartedAt = &startedAt

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateStarting {
		t.Fatalf("expected to stay starting, got %s", outcome.State.Kind)
	}
	if !outcome.Requeue || outcome.RequeueAfter != 25*time.Millisecond {
		t.Fatalf("expected poll requeue, got %v after %v", outcome.Requeue, outcome.RequeueAfter)
	}
}

func TestMachineStartingTimesOut(t *testing.T) {
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{Running: true}, nil
		},
	}
	m := testMachine(bk, MachineConfig{HealthWaitBudget: time.Minute})
	now := time.Now().UTC()
	m.now = func() time.Time { return now }

	startedAt := now.Add(-2 * time.Minute)
	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-1"
	project.State.StartedAt = &startedAt

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateErrored {
		t.Fatalf("expected errored after budget, got %s", outcome.State.Kind)
	}
	if !strings.Contains(outcome.State.ErrorCause, "did not become healthy") {
		t.Fatalf("expected timeout cause, got %q", outcome.State.ErrorCause)
	}
	if len(bk.destroyedHandles()) != 1 || bk.destroyedHandles()[0] != "c-1" {
		t.Fatalf("expected container torn down, got %v", bk.destroyedHandles())
	}
}

func TestMachineStartingContainerExit(t *testing.T) {
	exit := int64(137)
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{ExitCode: &exit}, nil
		},
	}
	m := testMachine(bk, MachineConfig{})

	startedAt := time.Now().UTC()
	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-1"
	project.State.StartedAt = &startedAt

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateErrored {
		t.Fatalf("expected errored, got %s", outcome.State.Kind)
	}
	if !strings.Contains(outcome.State.ErrorCause, "137") {
		t.Fatalf("expected exit code in cause, got %q", outcome.State.ErrorCause)
	}
}

func TestMachinePermanentFailureErrorsImmediately(t *testing.T) {
	bk := &testBackend{createErr: backend.Permanent(errors.New("image not found"))}
	m := testMachine(bk, MachineConfig{MaxAttempts: 5})

	outcome := m.Step(context.Background(), requestedProject("dep-1"))

	if outcome.State.Kind != domain.StateErrored {
		t.Fatalf("expected errored, got %s", outcome.State.Kind)
	}
	if !strings.Contains(outcome.State.ErrorCause, "image not found") {
		t.Fatalf("expected cause preserved, got %q", outcome.State.ErrorCause)
	}
	if outcome.Requeue {
		t.Fatalf("permanent failure must not retry")
	}
}

func TestMachineTransientFailureBacksOff(t *testing.T) {
	bk := &testBackend{createErr: errors.New("daemon busy")}
	m := testMachine(bk, MachineConfig{BackoffBase: 2 * time.Second, BackoffCap: 8 * time.Second, MaxAttempts: 5})

	project := requestedProject("dep-1")

	delays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range delays {
		outcome := m.Step(context.Background(), project)
		if outcome.State.Kind != domain.StateRequested {
			t.Fatalf("attempt %d: expected to stay requested, got %s", i+1, outcome.State.Kind)
		}
		if outcome.State.Attempts != i+1 {
			t.Fatalf("attempt %d: expected attempts %d, got %d", i+1, i+1, outcome.State.Attempts)
		}
		if !outcome.Requeue || outcome.RequeueAfter != want {
			t.Fatalf("attempt %d: expected backoff %v, got %v", i+1, want, outcome.RequeueAfter)
		}
		project.State = outcome.State
	}

	outcome := m.Step(context.Background(), project)
	if outcome.State.Kind != domain.StateErrored {
		t.Fatalf("expected errored once attempts exhausted, got %s", outcome.State.Kind)
	}
}

func TestMachineRedeployCutsOverAndRetiresOld(t *testing.T) {
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{Running: true, Address: "127.0.0.1:49200"}, nil
		},
	}
	m := testMachine(bk, MachineConfig{})

	startedAt := time.Now().UTC()
	project := requestedProject("dep-2")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-new"
	project.State.StartedAt = &startedAt
	project.State.PrevContainerID = "c-old"
	project.State.PrevAddress = "127.0.0.1:49100"

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateReady {
		t.Fatalf("expected ready, got %s", outcome.State.Kind)
	}
	if outcome.State.ContainerID != "c-new" || outcome.State.Address != "127.0.0.1:49200" {
		t.Fatalf("expected new container serving, got %+v", outcome.State)
	}
	if outcome.Cleanup == nil {
		t.Fatalf("expected cleanup for superseded container")
	}
	if len(bk.stoppedHandles()) != 0 {
		t.Fatalf("old container must not be touched before commit")
	}

	outcome.Cleanup(context.Background())
	if got := bk.stoppedHandles(); len(got) != 1 || got[0] != "c-old" {
		t.Fatalf("expected old container stopped after commit, got %v", got)
	}
	if got := bk.destroyedHandles(); len(got) != 1 || got[0] != "c-old" {
		t.Fatalf("expected old container removed after commit, got %v", got)
	}
}

func TestMachineRedeployFailureRollsBack(t *testing.T) {
	exit := int64(1)
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{ExitCode: &exit}, nil
		},
	}
	m := testMachine(bk, MachineConfig{})

	startedAt := time.Now().UTC()
	project := requestedProject("dep-2")
	project.State.Kind = domain.StateStarting
	project.State.ContainerID = "c-new"
	project.State.StartedAt = &startedAt
	project.State.PrevContainerID = "c-old"
	project.State.PrevAddress = "127.0.0.1:49100"

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateReady {
		t.Fatalf("expected rollback to ready, got %s", outcome.State.Kind)
	}
	if outcome.State.ContainerID != "c-old" || outcome.State.Address != "127.0.0.1:49100" {
		t.Fatalf("expected previous container restored, got %+v", outcome.State)
	}
	if outcome.State.ErrorCause == "" {
		t.Fatalf("expected failure cause recorded on rollback")
	}
	if outcome.Cleanup == nil {
		t.Fatalf("expected failed container cleanup")
	}
	outcome.Cleanup(context.Background())
	if got := bk.stoppedHandles(); len(got) != 1 || got[0] != "c-new" {
		t.Fatalf("expected failed container retired, got %v", got)
	}
}

func TestMachineStoppingStopsContainers(t *testing.T) {
	bk := &testBackend{}
	m := testMachine(bk, MachineConfig{})

	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStopping
	project.State.ContainerID = "c-1"

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateStopped {
		t.Fatalf("expected stopped, got %s", outcome.State.Kind)
	}
	if got := bk.stoppedHandles(); len(got) != 1 || got[0] != "c-1" {
		t.Fatalf("expected container stopped, got %v", got)
	}
}

func TestMachineStoppingWithDestroyTearsDown(t *testing.T) {
	bk := &testBackend{}
	m := testMachine(bk, MachineConfig{})

	project := requestedProject("dep-1")
	project.State.Kind = domain.StateStopping
	project.State.ContainerID = "c-1"
	project.State.Destroy = true

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateDestroyed {
		t.Fatalf("expected destroyed, got %s", outcome.State.Kind)
	}
	if got := bk.destroyedHandles(); len(got) != 1 || got[0] != "c-1" {
		t.Fatalf("expected container removed, got %v", got)
	}
}

func TestMachineReadyMissingContainerReenters(t *testing.T) {
	bk := &testBackend{}
	m := testMachine(bk, MachineConfig{})

	project := requestedProject("dep-1")
	project.State.Kind = domain.StateReady
	project.State.ContainerID = "c-gone"
	project.State.Address = "127.0.0.1:49160"

	outcome := m.Step(context.Background(), project)

	if outcome.State.Kind != domain.StateRequested {
		t.Fatalf("expected requested after container loss, got %s", outcome.State.Kind)
	}
	if !outcome.Requeue {
		t.Fatalf("expected immediate requeue")
	}
	if outcome.State.DeploymentID != "dep-1" || outcome.State.ArtifactRef == "" {
		t.Fatalf("expected deploy identity preserved, got %+v", outcome.State)
	}
}

func TestMachineReadyConfirmIsReadOnly(t *testing.T) {
	bk := &testBackend{
		inspectFn: func(handle string) (backend.Status, error) {
			return backend.Status{Running: true, Address: "127.0.0.1:49160"}, nil
		},
	}
	m := testMachine(bk, MachineConfig{})

	project := requestedProject("dep-1")
	project.State.Kind = domain.StateReady
	project.State.ContainerID = "c-1"
	project.State.Address = "127.0.0.1:49160"

	outcome := m.Step(context.Background(), project)

	if outcome.State != project.State {
		t.Fatalf("confirmation must not change state: %+v", outcome.State)
	}
	if outcome.Requeue || outcome.Cleanup != nil {
		t.Fatalf("confirmation must not requeue or clean up")
	}
}
