package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
)

// Options tunes how project containers are created and addressed.
type Options struct {
	// Host overrides the Docker daemon address; empty uses environment defaults.
	Host string
	// Prefix namespaces container names, e.g. "gateway" -> "gateway-myapp".
	Prefix string
	// ContainerPort is the port project artifacts listen on inside the
	// container; it is published to an ephemeral host port.
	ContainerPort int
	// AdvertiseIP is the address the proxy can reach published ports on.
	AdvertiseIP string
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "gateway"
	}
	if o.ContainerPort <= 0 {
		o.ContainerPort = 8000
	}
	if o.AdvertiseIP == "" {
		o.AdvertiseIP = "127.0.0.1"
	}
	return o
}

// Client implements the container backend on the Docker SDK.
type Client struct {
	inner *client.Client
	opts  Options
}

// New creates a Docker-backed container client.
func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	inner, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, opts: opts}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) containerName(projectName string) string {
	return c.opts.Prefix + "-" + projectName
}
