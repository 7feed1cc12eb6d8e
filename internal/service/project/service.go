package project

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

// Command errors surfaced to the control API.
var (
	ErrInvalidName     = errors.New("project: invalid project name")
	ErrInvalidArtifact = errors.New("project: artifact reference required")
	ErrNotOwner        = errors.New("project: not owned by this account")
	ErrInvalidState    = errors.New("project: command not valid in current state")
	ErrDomainTaken     = errors.New("project: domain is bound to another project")
	ErrInvalidDomain   = errors.New("project: invalid domain name")
)

// Project names double as subdomain labels.
var nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var fqdnRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

const commandRetries = 3

// Submitter enqueues a project for advancement.
type Submitter interface {
	Submit(projectID string)
}

// Service is the command surface over project lifecycle: it translates
// user commands into persisted state transitions and hands the project to
// the scheduler. It never talks to the container backend directly.
type Service struct {
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	sched    Submitter
	logger   *slog.Logger
}

// New returns a project service.
func New(projects repository.ProjectRepository, domains repository.DomainRepository, sched Submitter, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects: projects,
		domains:  domains,
		sched:    sched,
		logger:   logger.With("component", "project"),
	}
}

// Deploy accepts a deploy command: it creates the project on first use, or
// re-enters provisioning for an existing one. A project currently serving
// keeps its old container recorded so traffic continues until the
// replacement is healthy.
func (s Service) Deploy(ctx context.Context, accountID, name, artifactRef string) (*domain.Project, error) {
	name = strings.TrimSpace(name)
	if !nameRe.MatchString(name) {
		return nil, ErrInvalidName
	}
	if strings.TrimSpace(artifactRef) == "" {
		return nil, ErrInvalidArtifact
	}

	existing, err := s.projects.GetProjectByName(ctx, name)
	if errors.Is(err, repository.ErrNotFound) {
		return s.createAndDeploy(ctx, accountID, name, artifactRef)
	}
	if err != nil {
		return nil, err
	}
	if existing.AccountID != accountID {
		return nil, ErrNotOwner
	}

	updated, err := s.transition(ctx, existing, func(st domain.ProjectState) (domain.ProjectState, error) {
		next := domain.ProjectState{
			Kind:         domain.StateRequested,
			ArtifactRef:  artifactRef,
			DeploymentID: uuid.NewString(),
		}
		if st.Kind == domain.StateReady {
			next.PrevContainerID = st.ContainerID
			next.PrevAddress = st.Address
		} else {
			next.PrevContainerID = st.PrevContainerID
			next.PrevAddress = st.PrevAddress
			// An interrupted start leaves a container with no traffic
			// role; record it so the machine tears it down before the
			// new deploy creates its own.
			next.StaleContainerID = st.ContainerID
			if next.StaleContainerID == "" {
				next.StaleContainerID = st.StaleContainerID
			}
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deploy accepted", "project", name, "artifact", artifactRef)
	s.sched.Submit(updated.ID)
	return updated, nil
}

func (s Service) createAndDeploy(ctx context.Context, accountID, name, artifactRef string) (*domain.Project, error) {
	now := time.Now().UTC()
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		AccountID: accountID,
		State: domain.ProjectState{
			Kind:         domain.StateRequested,
			ArtifactRef:  artifactRef,
			DeploymentID: uuid.NewString(),
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with another creator; retry as a redeploy.
			return s.Deploy(ctx, accountID, name, artifactRef)
		}
		return nil, err
	}
	s.logger.Info("project created", "project", name, "artifact", artifactRef)
	s.sched.Submit(project.ID)
	return project, nil
}

// Stop moves the project toward stopped regardless of where it is in its
// lifecycle; an in-flight start observes the version bump and short-circuits.
func (s Service) Stop(ctx context.Context, accountID, name string) (*domain.Project, error) {
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, project, func(st domain.ProjectState) (domain.ProjectState, error) {
		switch st.Kind {
		case domain.StateStopped, domain.StateStopping, domain.StateDestroyed:
			return st, ErrInvalidState
		}
		return domain.ProjectState{
			Kind:             domain.StateStopping,
			ArtifactRef:      st.ArtifactRef,
			ContainerID:      st.ContainerID,
			PrevContainerID:  st.PrevContainerID,
			StaleContainerID: st.StaleContainerID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("stop accepted", "project", name)
	s.sched.Submit(updated.ID)
	return updated, nil
}

// Restart bounces a ready project's container.
func (s Service) Restart(ctx context.Context, accountID, name string) (*domain.Project, error) {
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, project, func(st domain.ProjectState) (domain.ProjectState, error) {
		if st.Kind != domain.StateReady {
			return st, ErrInvalidState
		}
		return domain.ProjectState{
			Kind:         domain.StateRestarting,
			ArtifactRef:  st.ArtifactRef,
			DeploymentID: st.DeploymentID,
			ContainerID:  st.ContainerID,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("restart accepted", "project", name)
	s.sched.Submit(updated.ID)
	return updated, nil
}

// Destroy tears the project down completely. Running projects are stopped
// first; the destroy flag carries the intent through the stop sequence.
func (s Service) Destroy(ctx context.Context, accountID, name string) (*domain.Project, error) {
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	updated, err := s.transition(ctx, project, func(st domain.ProjectState) (domain.ProjectState, error) {
		switch st.Kind {
		case domain.StateDestroyed:
			return st, ErrInvalidState
		case domain.StateStopped, domain.StateErrored:
			st.Destroy = true
			return st, nil
		default:
			return domain.ProjectState{
				Kind:             domain.StateStopping,
				ArtifactRef:      st.ArtifactRef,
				ContainerID:      st.ContainerID,
				PrevContainerID:  st.PrevContainerID,
				StaleContainerID: st.StaleContainerID,
				Destroy:          true,
			}, nil
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("destroy accepted", "project", name)
	s.sched.Submit(updated.ID)
	return updated, nil
}

// Get returns the project with its domain bindings.
func (s Service) Get(ctx context.Context, accountID, name string) (*domain.Project, []domain.CustomDomain, error) {
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return nil, nil, err
	}
	bindings, err := s.domains.ListDomainsByProject(ctx, project.ID)
	if err != nil {
		return nil, nil, err
	}
	return project, bindings, nil
}

// List returns all projects for the account.
func (s Service) List(ctx context.Context, accountID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByAccount(ctx, accountID)
}

// AttachDomain binds a custom FQDN to the project. Certificate issuance is
// asynchronous; the binding starts pending and the proxy answers with a
// retryable error until the certificate exists.
func (s Service) AttachDomain(ctx context.Context, accountID, name, fqdn string) (*domain.CustomDomain, error) {
	fqdn = strings.ToLower(strings.TrimSpace(fqdn))
	if !fqdnRe.MatchString(fqdn) {
		return nil, ErrInvalidDomain
	}
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	if existing, err := s.domains.GetDomain(ctx, fqdn); err == nil && existing.ProjectID != project.ID {
		return nil, ErrDomainTaken
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	binding := &domain.CustomDomain{
		FQDN:       fqdn,
		ProjectID:  project.ID,
		CertStatus: domain.CertStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.domains.UpsertDomain(ctx, binding); err != nil {
		return nil, err
	}
	s.logger.Info("domain attached", "project", name, "fqdn", fqdn)
	return binding, nil
}

// DetachDomain removes a custom domain binding.
func (s Service) DetachDomain(ctx context.Context, accountID, name, fqdn string) error {
	project, err := s.owned(ctx, accountID, name)
	if err != nil {
		return err
	}
	binding, err := s.domains.GetDomain(ctx, strings.ToLower(strings.TrimSpace(fqdn)))
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if binding.ProjectID != project.ID {
		return ErrNotOwner
	}
	if err := s.domains.DeleteDomain(ctx, binding.FQDN); err != nil {
		return err
	}
	s.logger.Info("domain detached", "project", name, "fqdn", binding.FQDN)
	return nil
}

func (s Service) owned(ctx context.Context, accountID, name string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByName(ctx, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if project.AccountID != accountID {
		return nil, ErrNotOwner
	}
	return project, nil
}

// transition applies fn to the freshest state under optimistic concurrency,
// retrying on version conflicts.
func (s Service) transition(ctx context.Context, project *domain.Project, fn func(domain.ProjectState) (domain.ProjectState, error)) (*domain.Project, error) {
	current := project
	for attempt := 0; attempt < commandRetries; attempt++ {
		next, err := fn(current.State)
		if err != nil {
			return nil, err
		}
		updated, err := s.projects.UpdateProjectState(ctx, current.ID, current.Version, next)
		if errors.Is(err, repository.ErrConflict) {
			current, err = s.projects.GetProjectByID(ctx, current.ID)
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("project %s: %w", project.Name, repository.ErrConflict)
}
