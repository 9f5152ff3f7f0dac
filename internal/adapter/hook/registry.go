package hook

import (
	"fmt"

	"github.com/cwygoda/fetcher/internal/config"
)

// Registry holds hooks in registration order.
type Registry struct {
	hooks []*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// FromConfig builds a registry from the configured hooks.
func FromConfig(hooks []config.HookConfig) (*Registry, error) {
	r := NewRegistry()
	for _, hc := range hooks {
		c, err := NewCommand(hc)
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", hc.Name, err)
		}
		r.Register(c)
	}
	return r, nil
}

// Register adds a hook to the registry.
func (r *Registry) Register(c *Command) {
	r.hooks = append(r.hooks, c)
}

// Match returns the first hook that matches the URL, or nil.
func (r *Registry) Match(url string) *Command {
	for _, c := range r.hooks {
		if c.Match(url) {
			return c
		}
	}
	return nil
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	return len(r.hooks)
}
