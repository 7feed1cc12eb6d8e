package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

// Recover reconciles persisted project state against the container runtime
// after a restart. It must complete before the proxy starts serving so the
// router never resolves an address the runtime no longer backs. Only store
// unavailability is returned as an error; per-project problems are folded
// into that project's record and resubmitted.
func Recover(ctx context.Context, repo repository.ProjectRepository, bk backend.Backend, sched *Scheduler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recovery")

	projects, err := repo.ListActiveProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects for recovery: %w", err)
	}

	for _, project := range projects {
		reconcile(ctx, repo, bk, sched, logger, project)
	}
	logger.Info("recovery complete", "projects", len(projects))
	return nil
}

func reconcile(ctx context.Context, repo repository.ProjectRepository, bk backend.Backend, sched *Scheduler, logger *slog.Logger, project domain.Project) {
	st := project.State

	switch st.Kind {
	case domain.StateStopped, domain.StateErrored:
		// Terminal unless a destroy was pending when the process died.
		if st.Destroy {
			sched.Submit(project.ID)
		}
		return
	}

	handle := st.ContainerID
	if handle == "" && st.StaleContainerID != "" {
		// The only container the runtime may hold is one a newer command
		// superseded; adopting it would resurrect the old deploy. The
		// requested step removes it and creates the replacement.
		sched.Submit(project.ID)
		return
	}
	if handle == "" {
		// The record predates container creation; adopt any container the
		// runtime already has for this project.
		if found, err := bk.Lookup(ctx, project.Name); err == nil {
			handle = found
		} else if !errors.Is(err, backend.ErrNotFound) {
			logger.Warn("lookup failed during recovery", "project", project.Name, "error", err)
			sched.Submit(project.ID)
			return
		}
	}

	if handle == "" {
		sched.Submit(project.ID)
		return
	}

	status, err := bk.Inspect(ctx, handle)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		// State implies a container that no longer exists; restart
		// provisioning from the pre-container state, or complete the stop.
		next := domain.ProjectState{
			Kind:         domain.StateRequested,
			ArtifactRef:  st.ArtifactRef,
			DeploymentID: st.DeploymentID,
		}
		if st.Kind == domain.StateStopping {
			next = domain.ProjectState{Kind: domain.StateStopped, ArtifactRef: st.ArtifactRef, Destroy: st.Destroy}
		}
		persistAndSubmit(ctx, repo, sched, logger, project, next, "container missing, state reset")

	case err != nil:
		logger.Warn("inspect failed during recovery", "project", project.Name, "error", err)
		sched.Submit(project.ID)

	case status.Running && status.Address != "":
		if st.Kind == domain.StateReady && st.Address == status.Address {
			// Confirmed consistent; refresh the timestamp so idle eviction
			// counts from now, then let the ready step re-verify.
			persistAndSubmit(ctx, repo, sched, logger, project, st, "state confirmed")
			return
		}
		if st.Kind == domain.StateStopping {
			sched.Submit(project.ID)
			return
		}
		// A live healthy container the record does not reflect: adopt it.
		next := domain.ProjectState{
			Kind:         domain.StateReady,
			ArtifactRef:  st.ArtifactRef,
			DeploymentID: st.DeploymentID,
			ContainerID:  handle,
			Address:      status.Address,
		}
		persistAndSubmit(ctx, repo, sched, logger, project, next, "adopted running container")

	default:
		// Container exists but is not serving; the state machine drives it
		// forward (health polling, stop completion, exit handling).
		sched.Submit(project.ID)
	}
}

func persistAndSubmit(ctx context.Context, repo repository.ProjectRepository, sched *Scheduler, logger *slog.Logger, project domain.Project, next domain.ProjectState, reason string) {
	if _, err := repo.UpdateProjectState(ctx, project.ID, project.Version, next); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			logger.Warn("recovery persist failed", "project", project.Name, "error", err)
		}
	} else {
		logger.Info("project reconciled", "project", project.Name, "state", string(next.Kind), "reason", reason)
	}
	sched.Submit(project.ID)
}
