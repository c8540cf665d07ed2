package swap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

// ErrNoBackup reports that the target keeps no previous instance to go
// back to.
var ErrNoBackup = fmt.Errorf("%w: no previous instance kept on target", domain.ErrConfig)

// restoring is implemented by strategies that bring back an instance
// already on the target.
type restoring interface {
	restored() domain.ArtifactRef
}

// Restore brings back the previous instance still kept on the target: the
// <app>_retiring container of a rename deployment, or the stopped color
// of a blue/green one. The instance is health checked before it takes
// traffic, and a failed check leaves the current instance serving. When
// req.Strategy is empty it is read from the containers on the target.
// The outcome carries ErrNoBackup when nothing is kept.
func (e *Engine) Restore(ctx context.Context, req domain.Request) domain.Outcome {
	return e.drive(ctx, req, true)
}

// Placement fills in the strategy and host ports of req from the
// containers kept on the target.
func (e *Engine) Placement(ctx context.Context, req domain.Request) (domain.Request, error) {
	retiring, err := e.s.Runtime.Inspect(ctx, domain.RetiringName(req.App))
	if err != nil {
		return req, err
	}
	if retiring != nil {
		req.Strategy = domain.StrategyRename
		req.Ports.HostPorts = retiring.HostPorts[:min(1, len(retiring.HostPorts))]
		return req, nil
	}

	var ports []int
	for _, c := range []domain.Color{domain.Blue, domain.Green} {
		ctr, err := e.s.Runtime.Inspect(ctx, domain.ColorName(req.App, c))
		if err != nil {
			return req, err
		}
		if ctr == nil || len(ctr.HostPorts) == 0 {
			break
		}
		ports = append(ports, ctr.HostPorts[0])
	}
	if len(ports) == 2 && req.Target.Proxy != nil {
		req.Strategy = domain.StrategyBlueGreen
		req.Ports.HostPorts = ports
		return req, nil
	}
	return req, fmt.Errorf("%w: %s on %s", ErrNoBackup, req.App, req.Target.Name)
}

func (e *Engine) restoreFor(ctx context.Context, req domain.Request) (Strategy, error) {
	if req.Strategy == "" {
		placed, err := e.Placement(ctx, req)
		if err != nil {
			return nil, err
		}
		req = placed
	}
	if err := req.ValidateRestore(); err != nil {
		return nil, err
	}
	switch req.Strategy {
	case domain.StrategyBlueGreen:
		if e.s.Proxy == nil {
			return nil, fmt.Errorf("%w: blue/green needs a proxy on %s", domain.ErrConfig, req.Target.Name)
		}
		return &restoreColor{blueGreen: newBlueGreen(e.s.Runtime, e.s.Proxy, req)}, nil
	default:
		return newRestoreRename(e.s.Runtime, req), nil
	}
}

// restoreRename swaps <app>_retiring back under the canonical name. The
// instance it displaces becomes the new <app>_retiring, so a second
// restore goes forward again.
type restoreRename struct {
	rt  Runtime
	req domain.Request

	current   *docker.Container
	backup    *docker.Container
	port      int
	displaced bool
	stopped   bool
	swapped   bool
}

func newRestoreRename(rt Runtime, req domain.Request) *restoreRename {
	s := &restoreRename{rt: rt, req: req}
	if len(req.Ports.HostPorts) == 1 {
		s.port = req.Ports.HostPorts[0]
	}
	return s
}

func (s *restoreRename) retiring() string {
	return domain.RetiringName(s.req.App)
}

func (s *restoreRename) aside() string {
	return s.req.App + "_displaced"
}

func (s *restoreRename) Prepare(ctx context.Context) (domain.ArtifactRef, error) {
	backup, err := s.rt.Inspect(ctx, s.retiring())
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("inspect %s: %w", s.retiring(), err)
	}
	if backup == nil {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s on %s", ErrNoBackup, s.retiring(), s.req.Target.Name)
	}
	current, err := s.rt.Inspect(ctx, s.req.App)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("inspect %s: %w", s.req.App, err)
	}
	aside, err := s.rt.Inspect(ctx, s.aside())
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("inspect %s: %w", s.aside(), err)
	}
	switch {
	case aside != nil && current == nil:
		// An earlier restore died after moving the serving instance aside.
		slog.Warn("Restoring instance left behind by an interrupted rollback",
			"layer", "swap", "target", s.req.Target.Name, "container", s.aside())
		if err := s.rt.Rename(ctx, s.aside(), s.req.App); err != nil {
			return domain.ArtifactRef{}, err
		}
		if !aside.Running {
			if err := s.rt.Start(ctx, s.req.App); err != nil {
				return domain.ArtifactRef{}, err
			}
		}
		if current, err = s.rt.Inspect(ctx, s.req.App); err != nil {
			return domain.ArtifactRef{}, err
		}
	case aside != nil:
		if err := s.rt.Remove(ctx, s.aside()); err != nil {
			return domain.ArtifactRef{}, err
		}
	}
	if s.port == 0 && len(backup.HostPorts) > 0 {
		s.port = backup.HostPorts[0]
	}
	s.backup, s.current = backup, current
	if current == nil {
		return domain.ArtifactRef{}, nil
	}
	return domain.ArtifactRef{Image: current.ImageRef, ID: current.ImageID}, nil
}

func (s *restoreRename) Start(ctx context.Context) (domain.Slot, error) {
	app := s.req.App
	if s.current != nil {
		if err := s.rt.Rename(ctx, app, s.aside()); err != nil {
			return domain.Slot{}, fmt.Errorf("rename %s to %s: %w", app, s.aside(), err)
		}
		s.displaced = true
		if s.current.Running && s.port > 0 {
			if err := s.rt.Stop(ctx, s.aside()); err != nil {
				return domain.Slot{}, fmt.Errorf("stop %s: %w", s.aside(), err)
			}
			s.stopped = true
		}
	}

	if err := s.rt.Rename(ctx, s.retiring(), app); err != nil {
		return domain.Slot{}, fmt.Errorf("rename %s to %s: %w", s.retiring(), app, err)
	}
	s.swapped = true
	if !s.backup.Running {
		if err := s.rt.Start(ctx, app); err != nil {
			return domain.Slot{}, fmt.Errorf("start %s: %w", app, err)
		}
	}
	return domain.Slot{Name: app, Role: domain.RoleCandidate, HostPort: s.port, ImageID: s.backup.ImageID}, nil
}

func (s *restoreRename) Promote(context.Context) error {
	return nil
}

// Retire keeps the displaced instance, stopped, as the next backup.
func (s *restoreRename) Retire(ctx context.Context) error {
	if !s.displaced {
		return nil
	}
	if s.current.Running && !s.stopped {
		if err := s.rt.Stop(ctx, s.aside()); err != nil {
			return err
		}
	}
	return s.rt.Rename(ctx, s.aside(), s.retiring())
}

func (s *restoreRename) Rollback(ctx context.Context) error {
	app := s.req.App
	if s.swapped {
		if err := s.rt.Stop(ctx, app); err != nil {
			return fmt.Errorf("stop %s: %w", app, err)
		}
		if err := s.rt.Rename(ctx, app, s.retiring()); err != nil {
			return fmt.Errorf("rename %s back to %s: %w", app, s.retiring(), err)
		}
	}
	if !s.displaced {
		return nil
	}
	if err := s.rt.Rename(ctx, s.aside(), app); err != nil {
		return fmt.Errorf("rename %s back to %s: %w", s.aside(), app, err)
	}
	if s.stopped {
		if err := s.rt.Start(ctx, app); err != nil {
			return fmt.Errorf("restart %s: %w", app, err)
		}
	}
	return nil
}

func (s *restoreRename) restored() domain.ArtifactRef {
	return domain.ArtifactRef{Image: s.backup.ImageRef, ID: s.backup.ImageID}
}

// restoreColor starts the color the proxy no longer routes to and flips
// the proxy back once it is healthy. The color it leaves is stopped, not
// removed.
type restoreColor struct {
	*blueGreen

	backup  *docker.Container
	started bool
}

func (s *restoreColor) Prepare(ctx context.Context) (domain.ArtifactRef, error) {
	if err := s.resolve(ctx); err != nil {
		return domain.ArtifactRef{}, err
	}
	backup, err := s.rt.Inspect(ctx, s.name(s.candidate))
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	if backup == nil {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %s on %s", ErrNoBackup, s.name(s.candidate), s.req.Target.Name)
	}
	s.backup = backup
	return s.live(ctx)
}

func (s *restoreColor) Start(ctx context.Context) (domain.Slot, error) {
	name := s.name(s.candidate)
	if !s.backup.Running {
		if err := s.rt.Start(ctx, name); err != nil {
			return domain.Slot{}, fmt.Errorf("start %s: %w", name, err)
		}
		s.started = true
	}
	return domain.Slot{Name: name, Role: domain.RoleCandidate, HostPort: s.candidatePort, ImageID: s.backup.ImageID}, nil
}

func (s *restoreColor) Rollback(ctx context.Context) error {
	if s.switched {
		if err := s.proxy.Switch(ctx, s.candidatePort, s.activePort); err != nil {
			return fmt.Errorf("switch proxy back to port %d: %w", s.activePort, err)
		}
	}
	if s.started {
		if err := s.rt.Stop(ctx, s.name(s.candidate)); err != nil {
			return fmt.Errorf("stop %s: %w", s.name(s.candidate), err)
		}
	}
	return nil
}

func (s *restoreColor) restored() domain.ArtifactRef {
	return domain.ArtifactRef{Image: s.backup.ImageRef, ID: s.backup.ImageID}
}
