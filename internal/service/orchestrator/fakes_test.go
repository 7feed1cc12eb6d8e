package orchestrator

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
	"github.com/shuttle-hq/shuttle-sub001/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type testProjectRepo struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	deleted  []string

	getErr     error
	listErr    error
	updateErrs []error

	gets    int
	updates int
}

func newTestProjectRepo(initial ...domain.Project) *testProjectRepo {
	repo := &testProjectRepo{projects: make(map[string]domain.Project)}
	for _, p := range initial {
		repo.projects[p.ID] = p
	}
	return repo
}

func (r *testProjectRepo) CreateProject(ctx context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[project.ID]; ok {
		return repository.ErrDuplicate
	}
	r.projects[project.ID] = *project
	return nil
}

func (r *testProjectRepo) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.getErr != nil {
		return nil, r.getErr
	}
	project, ok := r.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := project
	return &copied, nil
}

func (r *testProjectRepo) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, project := range r.projects {
		if project.Name == name {
			copied := project
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *testProjectRepo) UpdateProjectState(ctx context.Context, id string, expectedVersion int64, state domain.ProjectState) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if len(r.updateErrs) > 0 {
		err := r.updateErrs[0]
		r.updateErrs = r.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	project, ok := r.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if project.Version != expectedVersion {
		return nil, repository.ErrConflict
	}
	project.State = state
	project.Version++
	project.UpdatedAt = time.Now().UTC()
	r.projects[id] = project
	copied := project
	return &copied, nil
}

func (r *testProjectRepo) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.Project
	for _, project := range r.projects {
		if project.State.Kind != domain.StateDestroyed {
			out = append(out, project)
		}
	}
	return out, nil
}

func (r *testProjectRepo) ListProjectsByAccount(ctx context.Context, accountID string) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Project
	for _, project := range r.projects {
		if project.AccountID == accountID {
			out = append(out, project)
		}
	}
	return out, nil
}

func (r *testProjectRepo) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *testProjectRepo) get(id string) domain.Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projects[id]
}

type testBackend struct {
	mu        sync.Mutex
	created   []backend.CreateSpec
	started   []string
	stopped   []string
	destroyed []string

	createHandle string
	createErr    error
	startErr     error
	stopErr      error
	destroyErr   error
	lookupHandle string
	lookupErr    error

	inspectFn func(handle string) (backend.Status, error)
}

func (b *testBackend) Create(ctx context.Context, spec backend.CreateSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	b.created = append(b.created, spec)
	if b.createHandle != "" {
		return b.createHandle, nil
	}
	return "container-" + spec.DeploymentID, nil
}

func (b *testBackend) Start(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.started = append(b.started, handle)
	return nil
}

func (b *testBackend) Stop(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopErr != nil {
		return b.stopErr
	}
	b.stopped = append(b.stopped, handle)
	return nil
}

func (b *testBackend) Destroy(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyErr != nil {
		return b.destroyErr
	}
	b.destroyed = append(b.destroyed, handle)
	return nil
}

func (b *testBackend) Inspect(ctx context.Context, handle string) (backend.Status, error) {
	b.mu.Lock()
	fn := b.inspectFn
	b.mu.Unlock()
	if fn != nil {
		return fn(handle)
	}
	return backend.Status{}, backend.ErrNotFound
}

func (b *testBackend) Lookup(ctx context.Context, projectName string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lookupErr != nil {
		return "", b.lookupErr
	}
	if b.lookupHandle == "" {
		return "", backend.ErrNotFound
	}
	return b.lookupHandle, nil
}

func (b *testBackend) Logs(ctx context.Context, handle string, follow bool, tail int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *testBackend) stoppedHandles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stopped...)
}

func (b *testBackend) destroyedHandles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.destroyed...)
}
