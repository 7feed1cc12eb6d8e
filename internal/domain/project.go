package domain

import "time"

// StateKind names a lifecycle state of a project.
type StateKind string

const (
	StateRequested  StateKind = "requested"
	StateStarting   StateKind = "starting"
	StateReady      StateKind = "ready"
	StateRestarting StateKind = "restarting"
	StateStopping   StateKind = "stopping"
	StateStopped    StateKind = "stopped"
	StateErrored    StateKind = "errored"
	StateDestroyed  StateKind = "destroyed"
)

// ProjectState carries the lifecycle variant and its variant-specific data.
// Only the fields relevant to the current Kind are populated; the whole
// struct is persisted as a single JSON document so a transition is one
// atomic write.
type ProjectState struct {
	Kind StateKind `json:"kind"`

	// ArtifactRef is the image reference being (or last) deployed.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	// DeploymentID identifies one deploy attempt; container creation is
	// keyed on it so a retried step adopts rather than duplicates.
	DeploymentID string `json:"deployment_id,omitempty"`

	// Attempts counts transient failures of the current step, driving
	// the retry backoff and the permanent-failure cutoff.
	Attempts int `json:"attempts,omitempty"`

	// ContainerID identifies the container being started or serving.
	ContainerID string `json:"container_id,omitempty"`

	// StartedAt anchors the health-wait budget while starting.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Address is the backend host:port traffic is proxied to while ready.
	Address string `json:"address,omitempty"`

	// PrevContainerID/PrevAddress keep the previous live container serving
	// during a redeploy until the replacement is confirmed healthy.
	PrevContainerID string `json:"prev_container_id,omitempty"`
	PrevAddress     string `json:"prev_address,omitempty"`

	// StaleContainerID names a container whose start was superseded by a
	// newer command before it ever served traffic. It is torn down before
	// the next container is created.
	StaleContainerID string `json:"stale_container_id,omitempty"`

	// ErrorCause holds the failure reason once errored.
	ErrorCause string `json:"error_cause,omitempty"`

	// Destroy requests teardown to continue past stopped.
	Destroy bool `json:"destroy,omitempty"`
}

// IsTerminal reports whether the state requires no further scheduling.
func (s ProjectState) IsTerminal() bool {
	switch s.Kind {
	case StateStopped, StateErrored, StateDestroyed:
		return !s.Destroy || s.Kind == StateDestroyed
	default:
		return false
	}
}

// RouteAddress returns the backend address the proxy should use, if any.
// While a redeploy is in flight the previous container keeps serving.
func (s ProjectState) RouteAddress() string {
	if s.Kind == StateReady {
		return s.Address
	}
	switch s.Kind {
	case StateRequested, StateStarting, StateRestarting:
		return s.PrevAddress
	}
	return ""
}

// Project is the persisted record for a deployable unit. Version implements
// optimistic concurrency: every state write compares and bumps it.
type Project struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	AccountID string       `json:"account_id"`
	State     ProjectState `json:"state"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
