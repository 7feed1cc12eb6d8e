package provision

import (
	"context"
	"fmt"

	"github.com/shuttle-hq/shuttle-sub001/internal/domain"
)

// Plugin provisions one class of managed resource (database, secrets,
// object storage) for a project and returns environment variables carrying
// the connection info to inject into the container. Plugin failures are
// permanent for the deploy attempt; the plugin itself retries anything
// transient internally.
type Plugin interface {
	Name() string
	Provision(ctx context.Context, project domain.Project) ([]string, error)
}

// Registry runs every registered plugin for a deploy.
type Registry struct {
	plugins []Plugin
}

// NewRegistry constructs a Registry over the given plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	return &Registry{plugins: plugins}
}

// Provision collects the environment from all plugins.
func (r *Registry) Provision(ctx context.Context, project domain.Project) ([]string, error) {
	if r == nil {
		return nil, nil
	}
	var env []string
	for _, p := range r.plugins {
		vars, err := p.Provision(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("provision %s: %w", p.Name(), err)
		}
		env = append(env, vars...)
	}
	return env, nil
}

// StaticPlugin injects a fixed set of environment variables; useful for
// platform-level settings and in tests.
type StaticPlugin struct {
	PluginName string
	Env        []string
}

// Name identifies the plugin.
func (s StaticPlugin) Name() string {
	if s.PluginName != "" {
		return s.PluginName
	}
	return "static"
}

// Provision returns the configured environment unchanged.
func (s StaticPlugin) Provision(ctx context.Context, project domain.Project) ([]string, error) {
	return s.Env, nil
}
