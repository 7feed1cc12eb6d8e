package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the requested container does not exist.
var ErrNotFound = errors.New("backend: container not found")

// Status is the observed runtime state of a container. Re-inspecting is
// always safe; callers treat this as the source of truth over anything
// persisted.
type Status struct {
	Running  bool
	Address  string
	ExitCode *int64
}

// CreateSpec describes the container to provision for a deployment. The
// DeploymentID makes creation idempotent: retrying a create for the same
// deployment adopts the container provisioned by the earlier attempt.
type CreateSpec struct {
	ProjectID    string
	ProjectName  string
	DeploymentID string
	ArtifactRef  string
	Env          []string
}

// Backend abstracts the container runtime. All calls are idempotent-safe to
// retry: creating an already-created container returns its handle, stopping
// a stopped or missing container succeeds.
type Backend interface {
	// Create provisions a container for the artifact and returns its handle.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Destroy(ctx context.Context, handle string) error
	Inspect(ctx context.Context, handle string) (Status, error)
	// Lookup finds an existing container for the project regardless of what
	// is persisted; recovery uses it to adopt orphans.
	Lookup(ctx context.Context, projectName string) (string, error)
	Logs(ctx context.Context, handle string, follow bool, tail int) (io.ReadCloser, error)
}

// PermanentError marks a failure that retrying cannot fix, such as an
// artifact reference the runtime rejects. The state machine transitions to
// errored immediately instead of backing off.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent. Unclassified errors
// default to transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
