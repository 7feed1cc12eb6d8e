package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/shuttle-hq/shuttle-sub001/internal/backend"
)

const (
	labelProject    = "gateway.project"
	labelProjectID  = "gateway.project.id"
	labelDeployment = "gateway.deployment"
)

var _ backend.Backend = (*Client)(nil)

// Create provisions a container for the deployment and returns its id. The
// container name embeds the deployment id, so retrying after a lost
// persistence race adopts the already-created container instead of
// conflicting.
func (c *Client) Create(ctx context.Context, spec backend.CreateSpec) (string, error) {
	if strings.TrimSpace(spec.ArtifactRef) == "" {
		return "", backend.Permanent(fmt.Errorf("artifact reference cannot be empty"))
	}
	if strings.TrimSpace(spec.ProjectName) == "" {
		return "", backend.Permanent(fmt.Errorf("project name cannot be empty"))
	}

	if err := c.ensureImage(ctx, spec.ArtifactRef); err != nil {
		return "", err
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", c.opts.ContainerPort))
	cfg := &container.Config{
		Image:        spec.ArtifactRef,
		Env:          append(spec.Env, fmt.Sprintf("PORT=%d", c.opts.ContainerPort)),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			labelProject:    spec.ProjectName,
			labelProjectID:  spec.ProjectID,
			labelDeployment: spec.DeploymentID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}},
	}

	name := c.deploymentContainerName(spec.ProjectName, spec.DeploymentID)
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return c.lookupByName(ctx, name)
		}
		if errdefs.IsInvalidParameter(err) {
			return "", backend.Permanent(fmt.Errorf("container create: %w", err))
		}
		return "", fmt.Errorf("container create: %w", err)
	}
	return created.ID, nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := c.inner.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) {
			return backend.Permanent(fmt.Errorf("artifact %q not found: %w", ref, err))
		}
		return fmt.Errorf("pull artifact %q: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull artifact %q: %w", ref, err)
	}
	return nil
}

// Start launches a created container. Starting an already-running container
// is a no-op on the daemon side.
func (c *Client) Start(ctx context.Context, handle string) error {
	if err := c.inner.ContainerStart(ctx, handle, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return backend.ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// Stop halts a running container. Missing containers are treated as stopped.
func (c *Client) Stop(ctx context.Context, handle string) error {
	if err := c.inner.ContainerStop(ctx, handle, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Destroy force-removes a container and its volumes. Missing containers are
// treated as already destroyed.
func (c *Client) Destroy(ctx context.Context, handle string) error {
	if err := c.inner.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Inspect reports the observed status of a container, including the
// advertised address when its port binding is live.
func (c *Client) Inspect(ctx context.Context, handle string) (backend.Status, error) {
	info, err := c.inner.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return backend.Status{}, backend.ErrNotFound
		}
		return backend.Status{}, fmt.Errorf("container inspect: %w", err)
	}

	status := backend.Status{}
	if info.State != nil {
		status.Running = info.State.Running
		if !info.State.Running && info.State.Status == "exited" {
			code := int64(info.State.ExitCode)
			status.ExitCode = &code
		}
	}
	if status.Running && info.NetworkSettings != nil {
		port := nat.Port(fmt.Sprintf("%d/tcp", c.opts.ContainerPort))
		for _, binding := range info.NetworkSettings.Ports[port] {
			if strings.TrimSpace(binding.HostPort) != "" {
				status.Address = c.opts.AdvertiseIP + ":" + binding.HostPort
				break
			}
		}
	}
	return status, nil
}

// Lookup finds the newest container belonging to the project, whether or not
// the persisted state knows about it.
func (c *Client) Lookup(ctx context.Context, projectName string) (string, error) {
	args := filters.NewArgs(filters.Arg("label", labelProject+"="+projectName))
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("container list: %w", err)
	}
	if len(list) == 0 {
		return "", backend.ErrNotFound
	}
	newest := list[0]
	for _, item := range list[1:] {
		if item.Created > newest.Created {
			newest = item
		}
	}
	return newest.ID, nil
}

func (c *Client) lookupByName(ctx context.Context, name string) (string, error) {
	args := filters.NewArgs(filters.Arg("name", name))
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("container list: %w", err)
	}
	for _, item := range list {
		for _, n := range item.Names {
			if strings.TrimPrefix(n, "/") == name {
				return item.ID, nil
			}
		}
	}
	return "", backend.ErrNotFound
}

// Logs streams demultiplexed container output.
func (c *Client) Logs(ctx context.Context, handle string, follow bool, tail int) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
		Timestamps: true,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	raw, err := c.inner.ContainerLogs(ctx, handle, opts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func (c *Client) deploymentContainerName(projectName, deploymentID string) string {
	suffix := deploymentID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return c.containerName(projectName) + "-" + suffix
}
