package layer

import (
	"strings"
)

// Config is the image configuration that results from applying the
// configuration deltas of a chain of layers, root first.
type Config struct {
	Env        []string
	WorkingDir string
	Entrypoint []string
	Cmd        []string
	User       string
	Labels     map[string]string
}

// Apply a configuration delta. Environment variables that were already
// set retain their position, but take the new value.
func (c *Config) Apply(delta *ConfigDelta) {
	for _, v := range delta.Env {
		assignment := v.Name + "=" + v.Value
		replaced := false
		for i, existing := range c.Env {
			if name, _, _ := strings.Cut(existing, "="); name == v.Name {
				c.Env[i] = assignment
				replaced = true
				break
			}
		}
		if !replaced {
			c.Env = append(c.Env, assignment)
		}
	}
	if delta.WorkingDir != "" {
		c.WorkingDir = delta.WorkingDir
	}
	if len(delta.Entrypoint) > 0 {
		c.Entrypoint = append([]string(nil), delta.Entrypoint...)
	}
	if len(delta.Cmd) > 0 {
		c.Cmd = append([]string(nil), delta.Cmd...)
	}
	if delta.User != "" {
		c.User = delta.User
	}
	if len(delta.Labels) > 0 {
		if c.Labels == nil {
			c.Labels = map[string]string{}
		}
		for key, value := range delta.Labels {
			c.Labels[key] = value
		}
	}
}

// Getenv returns the value of an environment variable.
func (c *Config) Getenv(name string) (string, bool) {
	for _, assignment := range c.Env {
		if n, value, _ := strings.Cut(assignment, "="); n == name {
			return value, true
		}
	}
	return "", false
}

// GetConfig computes the configuration of a chain of layers. The
// layers must be provided root first.
func GetConfig(chain []*Layer) Config {
	var c Config
	for _, l := range chain {
		c.Apply(&l.Config)
	}
	return c
}
