package repository

import (
	"context"
	"time"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
)

// AccountRepository persists accounts.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetAccountByID(ctx context.Context, id string) (*domain.Account, error)
}

// ProjectRepository is the durable source of truth for project lifecycle
// state. UpdateProjectState is a compare-and-swap on the record version and
// returns ErrConflict when a concurrent writer won; every state transition
// goes through it.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	UpdateProjectState(ctx context.Context, id string, expectedVersion int64, state domain.ProjectState) (*domain.Project, error)
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
	ListProjectsByAccount(ctx context.Context, accountID string) ([]domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// DomainRepository persists custom domain bindings.
type DomainRepository interface {
	UpsertDomain(ctx context.Context, d *domain.CustomDomain) error
	GetDomain(ctx context.Context, fqdn string) (*domain.CustomDomain, error)
	ListDomainsByProject(ctx context.Context, projectID string) ([]domain.CustomDomain, error)
	ListDomainsExpiringBefore(ctx context.Context, cutoff time.Time) ([]domain.CustomDomain, error)
	ListPendingDomains(ctx context.Context) ([]domain.CustomDomain, error)
	MarkDomainIssued(ctx context.Context, fqdn string, expiresAt time.Time) error
	DeleteDomain(ctx context.Context, fqdn string) error
}

// CertCacheRepository stores opaque ACME material (certificates, account
// keys, pending authorizations) keyed by name. It backs autocert's cache so
// issued certificates survive restarts.
type CertCacheRepository interface {
	GetCert(ctx context.Context, key string) ([]byte, error)
	PutCert(ctx context.Context, key string, data []byte) error
	DeleteCert(ctx context.Context, key string) error
}
