// Package mocks provides in-memory stand-ins for remote targets and
// pipeline collaborators.
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/health"
	"github.com/oar-cd/hoist/lock"
	"github.com/oar-cd/hoist/swap"
)

// FakeContainer is one simulated container.
type FakeContainer struct {
	Name     string
	Image    string
	ImageID  string
	Running  bool
	ExitCode int
	Port     int
	Slot     string
}

// FakeHost simulates a target: its containers, host ports, reverse proxy
// and deployment lock. It satisfies the runtime, proxy, inspector, HTTP
// checker and locker ports used by the swap engine.
type FakeHost struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	images     map[string]string
	proxyPort  int
	locked     map[string]*lock.Handle

	// HTTPStatus overrides the health endpoint status per image.
	HTTPStatus map[string]int
	// Crashing images exit immediately after start.
	Crashing map[string]bool
	// Silent images never answer HTTP.
	Silent map[string]bool
	// FailOps makes an operation fail, keyed "op:name" (e.g. "rename:citadel_retiring").
	FailOps map[string]error
	// PushErr fails every push.
	PushErr error

	Events []string
}

func NewFakeHost() *FakeHost {
	return &FakeHost{
		containers: map[string]*FakeContainer{},
		images:     map[string]string{},
		locked:     map[string]*lock.Handle{},
		HTTPStatus: map[string]int{},
		Crashing:   map[string]bool{},
		Silent:     map[string]bool{},
		FailOps:    map[string]error{},
	}
}

// AddContainer places a running container on the host.
func (h *FakeHost) AddContainer(c FakeContainer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cc := c
	h.containers[c.Name] = &cc
	if c.Image != "" {
		h.images[c.Image] = c.ImageID
	}
}

// SetProxyPort sets the port the simulated proxy routes to.
func (h *FakeHost) SetProxyPort(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proxyPort = port
}

func (h *FakeHost) ProxyPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxyPort
}

// Container returns a copy of the named container.
func (h *FakeHost) Container(name string) (FakeContainer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.containers[name]
	if !ok {
		return FakeContainer{}, false
	}
	return *c, true
}

// Names lists container names in order.
func (h *FakeHost) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.containers))
	for n := range h.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reachable reports whether a running, healthy instance answers on port.
func (h *FakeHost) Reachable(port int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable(port)
}

// ProxyReachable reports whether the proxy's upstream is healthy.
func (h *FakeHost) ProxyReachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reachable(h.proxyPort)
}

func (h *FakeHost) reachable(port int) bool {
	c := h.onPort(port)
	return c != nil && h.healthy(c)
}

func (h *FakeHost) onPort(port int) *FakeContainer {
	if port == 0 {
		return nil
	}
	for _, c := range h.containers {
		if c.Running && c.Port == port {
			return c
		}
	}
	return nil
}

func (h *FakeHost) healthy(c *FakeContainer) bool {
	if h.Silent[c.Image] {
		return false
	}
	status, ok := h.HTTPStatus[c.Image]
	return !ok || (status >= 200 && status < 300)
}

func (h *FakeHost) event(format string, args ...any) {
	h.Events = append(h.Events, fmt.Sprintf(format, args...))
}

func (h *FakeHost) fail(op, name string) error {
	return h.FailOps[op+":"+name]
}

func (h *FakeHost) Inspect(_ context.Context, name string) (*docker.Container, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("inspect", name); err != nil {
		return nil, err
	}
	c, ok := h.containers[name]
	if !ok {
		return nil, nil
	}
	status := "running"
	if !c.Running {
		status = "exited"
	}
	ctr := &docker.Container{
		Name:     c.Name,
		ImageID:  c.ImageID,
		ImageRef: c.Image,
		Status:   status,
		Running:  c.Running,
		ExitCode: c.ExitCode,
		Labels:   map[string]string{docker.LabelRole: c.Slot},
	}
	if c.Port > 0 {
		ctr.HostPorts = []int{c.Port}
	}
	return ctr, nil
}

func (h *FakeHost) Run(_ context.Context, spec docker.RunSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("run", spec.Name); err != nil {
		return err
	}
	if _, exists := h.containers[spec.Name]; exists {
		return fmt.Errorf("Conflict. The container name %q is already in use", spec.Name)
	}
	if spec.HostPort > 0 && h.onPort(spec.HostPort) != nil {
		return fmt.Errorf("Bind for 0.0.0.0:%d failed: port is already allocated", spec.HostPort)
	}
	c := &FakeContainer{
		Name:    spec.Name,
		Image:   spec.Image,
		ImageID: h.images[spec.Image],
		Running: !h.Crashing[spec.Image],
		Port:    spec.HostPort,
		Slot:    spec.Slot,
	}
	if !c.Running {
		c.ExitCode = 1
	}
	h.containers[spec.Name] = c
	h.event("run %s %s", spec.Name, spec.Image)
	return nil
}

func (h *FakeHost) Rename(_ context.Context, from, to string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("rename", from); err != nil {
		return err
	}
	c, ok := h.containers[from]
	if !ok {
		return fmt.Errorf("No such container: %s", from)
	}
	if _, taken := h.containers[to]; taken {
		return fmt.Errorf("Conflict. The container name %q is already in use", to)
	}
	delete(h.containers, from)
	c.Name = to
	h.containers[to] = c
	h.event("rename %s %s", from, to)
	return nil
}

func (h *FakeHost) Start(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("start", name); err != nil {
		return err
	}
	c, ok := h.containers[name]
	if !ok {
		return fmt.Errorf("No such container: %s", name)
	}
	if other := h.onPort(c.Port); other != nil && other != c {
		return fmt.Errorf("Bind for 0.0.0.0:%d failed: port is already allocated", c.Port)
	}
	c.Running = !h.Crashing[c.Image]
	h.event("start %s", name)
	return nil
}

func (h *FakeHost) Stop(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("stop", name); err != nil {
		return err
	}
	c, ok := h.containers[name]
	if !ok {
		return fmt.Errorf("No such container: %s", name)
	}
	c.Running = false
	h.event("stop %s", name)
	return nil
}

func (h *FakeHost) Remove(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("remove", name); err != nil {
		return err
	}
	if _, ok := h.containers[name]; ok {
		delete(h.containers, name)
		h.event("remove %s", name)
	}
	return nil
}

func (h *FakeHost) PortOwner(_ context.Context, port int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.onPort(port); c != nil {
		return c.Name, nil
	}
	return "", nil
}

func (h *FakeHost) ActivePort(_ context.Context, ports []int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range ports {
		if p == h.proxyPort {
			return p, nil
		}
	}
	return 0, nil
}

func (h *FakeHost) Switch(_ context.Context, from, to int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("switch", fmt.Sprint(to)); err != nil {
		return err
	}
	if h.proxyPort != from {
		return fmt.Errorf("proxy routes to %d, not %d", h.proxyPort, from)
	}
	h.proxyPort = to
	h.event("switch %d %d", from, to)
	return nil
}

// Check answers the health endpoint for whatever runs on port.
func (h *FakeHost) Check(_ context.Context, port int, _ string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.onPort(port)
	if c == nil || h.Silent[c.Image] {
		return 0, nil
	}
	if status, ok := h.HTTPStatus[c.Image]; ok {
		return status, nil
	}
	return 200, nil
}

func (h *FakeHost) Acquire(_ context.Context, scope lock.Scope) (*lock.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if held, ok := h.locked[scope.App]; ok {
		return nil, &lock.BusyError{Scope: scope, Owner: held.Owner}
	}
	handle := &lock.Handle{Scope: scope, Owner: lock.Owner{Scope: scope.String(), Holder: fmt.Sprintf("holder-%d", len(h.Events))}}
	h.locked[scope.App] = handle
	h.event("lock %s", scope.App)
	return handle, nil
}

func (h *FakeHost) Release(_ context.Context, handle *lock.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if held, ok := h.locked[handle.Scope.App]; ok && held == handle {
		delete(h.locked, handle.Scope.App)
		h.event("unlock %s", handle.Scope.App)
	}
	return nil
}

// Locked reports whether app's lock is held.
func (h *FakeHost) Locked(app string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.locked[app]
	return ok
}

// Push records the artifact as loaded on the host.
func (h *FakeHost) Push(_ context.Context, artifact domain.ArtifactRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PushErr != nil {
		return h.PushErr
	}
	h.images[artifact.Image] = artifact.ID
	h.event("push %s", artifact.Image)
	return nil
}

// Session wires the engine entirely to this host.
func (h *FakeHost) Session() swap.Session {
	return swap.Session{
		Runtime: h,
		Proxy:   h,
		Prober:  health.NewProber(h, h),
		Locker:  h,
		Push:    h.Push,
	}
}
