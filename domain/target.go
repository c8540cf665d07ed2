// Package domain provides the core types shared by every hoist component.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultSSHPort    = 22
	DefaultDockerHost = "unix:///var/run/docker.sock"
)

// ProxyConfig describes the reverse proxy fronting a blue/green service.
type ProxyConfig struct {
	// ConfigPath is the proxy configuration file holding the upstream.
	ConfigPath string `yaml:"config_path"`
	// ReloadCommand reloads the proxy without dropping connections.
	ReloadCommand string `yaml:"reload_command"`
}

// Target is one remote host a service can be deployed to.
type Target struct {
	Name         string       `yaml:"name"`
	Host         string       `yaml:"host"`
	User         string       `yaml:"user"`
	Port         int          `yaml:"port"`
	IdentityFile string       `yaml:"identity_file"`
	KnownHosts   string       `yaml:"known_hosts"`
	InsecureHost bool         `yaml:"insecure_ignore_host_key"`
	DockerHost   string       `yaml:"docker_host"`
	Env          string       `yaml:"env"`
	Proxy        *ProxyConfig `yaml:"proxy"`
}

// Address returns host:port for the SSH connection.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// IsLocal reports whether commands for this target run on this machine.
func (t Target) IsLocal() bool {
	return t.Host == "localhost" || t.Host == "127.0.0.1" || t.Host == "local"
}

// Validate checks the target definition without contacting it.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: target name is required", ErrConfig)
	}
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: target %q has no host", ErrConfig, t.Name)
	}
	if !t.IsLocal() && strings.TrimSpace(t.User) == "" {
		return fmt.Errorf("%w: target %q has no user", ErrConfig, t.Name)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: target %q has invalid port %d", ErrConfig, t.Name, t.Port)
	}
	if t.Proxy != nil {
		if t.Proxy.ConfigPath == "" {
			return fmt.Errorf("%w: target %q proxy has no config_path", ErrConfig, t.Name)
		}
		if t.Proxy.ReloadCommand == "" {
			return fmt.Errorf("%w: target %q proxy has no reload_command", ErrConfig, t.Name)
		}
	}
	return nil
}

// ServerGroup is a named set of targets rolled out as one unit.
type ServerGroup struct {
	Name           string   `yaml:"name"`
	Servers        []string `yaml:"servers"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// Validate checks the group against the known targets.
func (g ServerGroup) Validate(known map[string]Target) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: group name is required", ErrConfig)
	}
	if len(g.Servers) == 0 {
		return fmt.Errorf("%w: group %q has no servers", ErrConfig, g.Name)
	}
	if g.MaxConcurrency < 0 {
		return fmt.Errorf("%w: group %q has negative max_concurrency", ErrConfig, g.Name)
	}
	seen := make(map[string]bool, len(g.Servers))
	for _, name := range g.Servers {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("%w: group %q references unknown server %q", ErrConfig, g.Name, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: group %q lists server %q twice", ErrConfig, g.Name, name)
		}
		seen[name] = true
	}
	return nil
}
