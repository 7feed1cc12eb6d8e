package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
)

// Provisioner supplies environment variables carrying managed-resource
// connection info for a deploy. Failures are permanent for the attempt.
type Provisioner interface {
	Provision(ctx context.Context, project domain.Project) ([]string, error)
}

// MachineConfig bounds the state machine's polling and retry behavior.
type MachineConfig struct {
	HealthPollInterval time.Duration
	HealthWaitBudget   time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxAttempts        int
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = 2 * time.Second
	}
	if c.HealthWaitBudget <= 0 {
		c.HealthWaitBudget = 3 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// StepOutcome is the result of executing exactly one state-machine step.
// State is the transition to persist; Cleanup, when set, runs only after the
// transition has been committed, which keeps the blue/green ordering: the
// old container is torn down strictly after the new one is recorded ready.
type StepOutcome struct {
	State        domain.ProjectState
	Requeue      bool
	RequeueAfter time.Duration
	Cleanup      func(context.Context)
}

// Machine advances a single project through its lifecycle, one transition
// per call. It never mutates the store itself; the scheduler persists the
// returned state with a compare-and-swap.
type Machine struct {
	backend     backend.Backend
	provisioner Provisioner
	logger      *slog.Logger
	cfg         MachineConfig
	now         func() time.Time
}

// NewMachine constructs a Machine.
func NewMachine(bk backend.Backend, provisioner Provisioner, logger *slog.Logger, cfg MachineConfig) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		backend:     bk,
		provisioner: provisioner,
		logger:      logger.With("component", "machine"),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// Step executes one transition attempt for the project's current state.
func (m *Machine) Step(ctx context.Context, project domain.Project) StepOutcome {
	switch project.State.Kind {
	case domain.StateRequested:
		return m.stepRequested(ctx, project)
	case domain.StateStarting:
		return m.stepStarting(ctx, project)
	case domain.StateReady:
		return m.stepReady(ctx, project)
	case domain.StateRestarting:
		return m.stepRestarting(ctx, project)
	case domain.StateStopping:
		return m.stepStopping(ctx, project)
	case domain.StateStopped, domain.StateErrored:
		return m.stepTerminal(ctx, project)
	default:
		return StepOutcome{State: project.State}
	}
}

// stepRequested provisions resources and creates the container. The project
// stays requested on transient failures, retried with capped backoff.
func (m *Machine) stepRequested(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State

	// A redeploy that interrupted a start leaves the superseded container
	// behind; remove it before creating the replacement.
	if st.StaleContainerID != "" {
		if err := m.discardStale(ctx, project.Name, st.StaleContainerID); err != nil {
			return m.classify(project, st, "discard superseded container", err)
		}
		st.StaleContainerID = ""
	}

	var env []string
	if m.provisioner != nil {
		provisioned, err := m.provisioner.Provision(ctx, project)
		if err != nil {
			m.logger.Error("resource provisioning failed", "project", project.Name, "error", err)
			return m.fail(st, fmt.Sprintf("provisioning failed: %v", err))
		}
		env = provisioned
	}

	handle, err := m.backend.Create(ctx, backend.CreateSpec{
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		DeploymentID: st.DeploymentID,
		ArtifactRef:  st.ArtifactRef,
		Env:          env,
	})
	if err != nil {
		return m.classify(project, st, "create container", err)
	}
	if err := m.backend.Start(ctx, handle); err != nil {
		return m.classify(project, st, "start container", err)
	}

	startedAt := m.now().UTC()
	next := domain.ProjectState{
		Kind:            domain.StateStarting,
		ArtifactRef:     st.ArtifactRef,
		DeploymentID:    st.DeploymentID,
		ContainerID:     handle,
		StartedAt:       &startedAt,
		PrevContainerID: st.PrevContainerID,
		PrevAddress:     st.PrevAddress,
	}
	m.logger.Info("container started", "project", project.Name, "container_id", handle)
	return StepOutcome{State: next, Requeue: true, RequeueAfter: m.cfg.HealthPollInterval}
}

// stepStarting polls for health until the container reports an address or
// the health-wait budget runs out.
func (m *Machine) stepStarting(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State

	if st.StartedAt != nil && m.now().Sub(*st.StartedAt) > m.cfg.HealthWaitBudget {
		m.logger.Warn("health wait budget exceeded", "project", project.Name, "container_id", st.ContainerID)
		if err := m.backend.Destroy(ctx, st.ContainerID); err != nil {
			m.logger.Warn("teardown after timeout failed", "project", project.Name, "error", err)
		}
		return m.fail(st, fmt.Sprintf("container did not become healthy within %s", m.cfg.HealthWaitBudget))
	}

	status, err := m.backend.Inspect(ctx, st.ContainerID)
	if errors.Is(err, backend.ErrNotFound) {
		// Container vanished underneath us; re-enter provisioning.
		m.logger.Warn("container missing while starting", "project", project.Name, "container_id", st.ContainerID)
		return StepOutcome{State: m.reenterRequested(st), Requeue: true}
	}
	if err != nil {
		return m.classify(project, st, "inspect container", err)
	}

	if status.ExitCode != nil {
		return m.fail(st, fmt.Sprintf("container exited with code %d before becoming healthy", *status.ExitCode))
	}
	if status.Running && status.Address != "" {
		next := domain.ProjectState{
			Kind:         domain.StateReady,
			ArtifactRef:  st.ArtifactRef,
			DeploymentID: st.DeploymentID,
			ContainerID:  st.ContainerID,
			Address:      status.Address,
		}
		cleanup := m.retireContainer(project.Name, st.PrevContainerID)
		m.logger.Info("project ready", "project", project.Name, "address", status.Address)
		return StepOutcome{State: next, Cleanup: cleanup}
	}

	// Not healthy yet; keep polling within the budget.
	return StepOutcome{State: st, Requeue: true, RequeueAfter: m.cfg.HealthPollInterval}
}

// stepReady refreshes the observed status of a serving project. With no
// pending command this is a pure confirmation: no writes, no adapter calls
// beyond one inspect. A container that died underneath is re-provisioned or
// surfaced as errored depending on how it went away.
func (m *Machine) stepReady(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State

	status, err := m.backend.Inspect(ctx, st.ContainerID)
	if errors.Is(err, backend.ErrNotFound) {
		m.logger.Warn("ready container missing", "project", project.Name, "container_id", st.ContainerID)
		return StepOutcome{State: m.reenterRequested(st), Requeue: true}
	}
	if err != nil {
		// Leave the record untouched; the next submission re-inspects.
		m.logger.Warn("status refresh failed", "project", project.Name, "error", err)
		return StepOutcome{State: st}
	}
	if status.ExitCode != nil {
		return m.fail(st, fmt.Sprintf("container exited with code %d", *status.ExitCode))
	}
	if status.Running && status.Address != "" && status.Address != st.Address {
		st.Address = status.Address
		return StepOutcome{State: st}
	}
	return StepOutcome{State: st}
}

// stepRestarting bounces the existing container and re-enters health checks.
func (m *Machine) stepRestarting(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State

	if err := m.backend.Stop(ctx, st.ContainerID); err != nil {
		return m.classify(project, st, "stop container", err)
	}
	if err := m.backend.Start(ctx, st.ContainerID); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return StepOutcome{State: m.reenterRequested(st), Requeue: true}
		}
		return m.classify(project, st, "start container", err)
	}

	startedAt := m.now().UTC()
	next := domain.ProjectState{
		Kind:         domain.StateStarting,
		ArtifactRef:  st.ArtifactRef,
		DeploymentID: st.DeploymentID,
		ContainerID:  st.ContainerID,
		StartedAt:    &startedAt,
	}
	return StepOutcome{State: next, Requeue: true, RequeueAfter: m.cfg.HealthPollInterval}
}

// stepStopping halts the project's containers. With the destroy flag set it
// continues straight to teardown.
func (m *Machine) stepStopping(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State

	for _, handle := range []string{st.ContainerID, st.PrevContainerID, st.StaleContainerID} {
		if handle == "" {
			continue
		}
		if err := m.backend.Stop(ctx, handle); err != nil {
			return m.classify(project, st, "stop container", err)
		}
	}

	if st.Destroy {
		return m.destroy(ctx, project)
	}

	next := domain.ProjectState{
		Kind:             domain.StateStopped,
		ArtifactRef:      st.ArtifactRef,
		ContainerID:      st.ContainerID,
		StaleContainerID: st.StaleContainerID,
	}
	m.logger.Info("project stopped", "project", project.Name)
	return StepOutcome{State: next}
}

// stepTerminal handles the destroy flag on stopped and errored projects.
func (m *Machine) stepTerminal(ctx context.Context, project domain.Project) StepOutcome {
	if !project.State.Destroy {
		return StepOutcome{State: project.State}
	}
	return m.destroy(ctx, project)
}

func (m *Machine) destroy(ctx context.Context, project domain.Project) StepOutcome {
	st := project.State
	for _, handle := range []string{st.ContainerID, st.PrevContainerID, st.StaleContainerID} {
		if handle == "" {
			continue
		}
		if err := m.backend.Destroy(ctx, handle); err != nil {
			return m.classify(project, st, "destroy container", err)
		}
	}
	m.logger.Info("project destroyed", "project", project.Name)
	return StepOutcome{State: domain.ProjectState{Kind: domain.StateDestroyed}}
}

// classify turns an adapter error into either an immediate errored state or
// a backoff retry of the same step, up to the attempt cap.
func (m *Machine) classify(project domain.Project, st domain.ProjectState, op string, err error) StepOutcome {
	if backend.IsPermanent(err) {
		m.logger.Error("permanent backend failure", "project", project.Name, "op", op, "error", err)
		return m.fail(st, err.Error())
	}

	attempts := st.Attempts + 1
	if attempts >= m.cfg.MaxAttempts {
		m.logger.Error("retries exhausted", "project", project.Name, "op", op, "attempts", attempts, "error", err)
		return m.fail(st, fmt.Sprintf("%s: %v (after %d attempts)", op, err, attempts))
	}

	st.Attempts = attempts
	delay := m.backoff(attempts)
	m.logger.Warn("transient backend failure", "project", project.Name, "op", op, "attempt", attempts, "retry_in", delay, "error", err)
	return StepOutcome{State: st, Requeue: true, RequeueAfter: delay}
}

// fail transitions to errored. A redeploy that fails while the previous
// container is still serving rolls back to ready on the old container
// instead, so traffic never gaps.
func (m *Machine) fail(st domain.ProjectState, cause string) StepOutcome {
	if st.PrevContainerID != "" && st.PrevAddress != "" {
		m.logger.Warn("redeploy failed, previous container keeps serving", "cause", cause)
		cleanup := m.retireContainer("", st.ContainerID, st.StaleContainerID)
		return StepOutcome{
			State: domain.ProjectState{
				Kind:        domain.StateReady,
				ArtifactRef: st.ArtifactRef,
				ContainerID: st.PrevContainerID,
				Address:     st.PrevAddress,
				ErrorCause:  cause,
			},
			Cleanup: cleanup,
		}
	}
	return StepOutcome{State: domain.ProjectState{
		Kind:             domain.StateErrored,
		ArtifactRef:      st.ArtifactRef,
		ContainerID:      st.ContainerID,
		StaleContainerID: st.StaleContainerID,
		ErrorCause:       cause,
	}}
}

// reenterRequested resets to the pre-container state with a fresh attempt
// counter, keeping the artifact and deployment identity.
func (m *Machine) reenterRequested(st domain.ProjectState) domain.ProjectState {
	return domain.ProjectState{
		Kind:             domain.StateRequested,
		ArtifactRef:      st.ArtifactRef,
		DeploymentID:     st.DeploymentID,
		PrevContainerID:  st.PrevContainerID,
		PrevAddress:      st.PrevAddress,
		StaleContainerID: st.StaleContainerID,
	}
}

// discardStale stops and removes a container that was superseded before it
// served. A container already gone counts as discarded.
func (m *Machine) discardStale(ctx context.Context, projectName, handle string) error {
	if err := m.backend.Stop(ctx, handle); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	if err := m.backend.Destroy(ctx, handle); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return err
	}
	m.logger.Info("superseded container removed", "project", projectName, "container_id", handle)
	return nil
}

// retireContainer returns a post-commit cleanup that stops and removes
// superseded containers. Failures are logged only; the container is orphaned
// at worst and reconciliation will not resurrect it.
func (m *Machine) retireContainer(projectName string, handles ...string) func(context.Context) {
	var live []string
	for _, handle := range handles {
		if handle != "" {
			live = append(live, handle)
		}
	}
	if len(live) == 0 {
		return nil
	}
	return func(ctx context.Context) {
		for _, handle := range live {
			if err := m.backend.Stop(ctx, handle); err != nil {
				m.logger.Warn("retire stop failed", "project", projectName, "container_id", handle, "error", err)
				continue
			}
			if err := m.backend.Destroy(ctx, handle); err != nil {
				m.logger.Warn("retire destroy failed", "project", projectName, "container_id", handle, "error", err)
			}
		}
	}
}

func (m *Machine) backoff(attempts int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	if d > m.cfg.BackoffCap {
		return m.cfg.BackoffCap
	}
	return d
}
