package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Strategy selects how a running service is replaced.
type Strategy string

const (
	StrategyRename    Strategy = "rename"
	StrategyBlueGreen Strategy = "bluegreen"
)

const (
	DefaultContainerPort  = 3000
	DefaultHealthPath     = "/health"
	DefaultHealthInterval = 500 * time.Millisecond
	DefaultHealthTimeout  = 30 * time.Second
	DefaultHealthSettle   = 2 * time.Second
)

// ArtifactRef identifies a built image both by reference and by content id.
type ArtifactRef struct {
	Image string
	ID    string
}

func (a ArtifactRef) String() string {
	if a.ID == "" {
		return a.Image
	}
	return fmt.Sprintf("%s (%s)", a.Image, shortID(a.ID))
}

// IsZero reports whether the reference is unset.
func (a ArtifactRef) IsZero() bool {
	return a.Image == "" && a.ID == ""
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// AppNameFromImage derives the service name from an image reference:
// registry.example.com/team/web:1.2 -> web.
func AppNameFromImage(image string) string {
	name := image
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	name = path.Base(name)
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}
	return name
}

// PortPlan lists the host ports a service may occupy. Rename-swap takes
// zero or one port, blue/green exactly two.
type PortPlan struct {
	HostPorts     []int
	ContainerPort int
}

// Container returns the effective container port.
func (p PortPlan) Container() int {
	if p.ContainerPort == 0 {
		return DefaultContainerPort
	}
	return p.ContainerPort
}

// HealthConfig tunes the probe for one deployment.
type HealthConfig struct {
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	Settle   time.Duration
	// Disabled skips the HTTP check; liveness is still verified.
	Disabled bool
}

// WithDefaults fills unset fields.
func (h HealthConfig) WithDefaults() HealthConfig {
	if h.Path == "" {
		h.Path = DefaultHealthPath
	}
	if h.Interval <= 0 {
		h.Interval = DefaultHealthInterval
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultHealthTimeout
	}
	if h.Settle < 0 {
		h.Settle = 0
	}
	return h
}

// Request is one deployment of one artifact onto one target.
type Request struct {
	Target   Target
	App      string
	Artifact ArtifactRef
	Env      map[string]string
	Strategy Strategy
	Ports    PortPlan
	Health   HealthConfig
	DryRun   bool
}

// Validate checks the request before any remote contact.
func (r Request) Validate() error {
	return r.validate(false)
}

// ValidateRestore checks a request that brings back an instance already
// on the target. It needs no artifact, and an empty strategy is left to be
// read from the target.
func (r Request) ValidateRestore() error {
	return r.validate(true)
}

func (r Request) validate(restore bool) error {
	if err := r.Target.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.App) == "" {
		return fmt.Errorf("%w: app name is required", ErrConfig)
	}
	if strings.ContainsAny(r.App, " /\\:'\"$`;&|") {
		return fmt.Errorf("%w: app name %q contains invalid characters", ErrConfig, r.App)
	}
	if r.Artifact.Image == "" && !restore {
		return fmt.Errorf("%w: artifact image is required", ErrConfig)
	}
	for _, p := range r.Ports.HostPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%w: invalid host port %d", ErrConfig, p)
		}
	}
	if r.Ports.ContainerPort < 0 || r.Ports.ContainerPort > 65535 {
		return fmt.Errorf("%w: invalid container port %d", ErrConfig, r.Ports.ContainerPort)
	}
	switch r.Strategy {
	case StrategyRename:
		if len(r.Ports.HostPorts) > 1 {
			return fmt.Errorf("%w: rename strategy takes at most one host port, got %d",
				ErrConfig, len(r.Ports.HostPorts))
		}
	case StrategyBlueGreen:
		if len(r.Ports.HostPorts) != 2 {
			return fmt.Errorf("%w: blue/green strategy needs exactly two host ports, got %d",
				ErrConfig, len(r.Ports.HostPorts))
		}
		if r.Ports.HostPorts[0] == r.Ports.HostPorts[1] {
			return fmt.Errorf("%w: blue/green host ports must differ", ErrConfig)
		}
		if r.Target.Proxy == nil {
			return fmt.Errorf("%w: blue/green strategy requires a proxy on target %q",
				ErrConfig, r.Target.Name)
		}
	case "":
		if !restore {
			return fmt.Errorf("%w: unknown strategy %q", ErrConfig, r.Strategy)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrConfig, r.Strategy)
	}
	return nil
}

// StrategyFor picks the strategy implied by a port plan: two host ports
// mean blue/green, anything else rename-swap.
func StrategyFor(ports PortPlan) Strategy {
	if len(ports.HostPorts) == 2 {
		return StrategyBlueGreen
	}
	return StrategyRename
}
