package swap

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

const primarySlot = "primary"

// renameSwap keeps the serving instance under its canonical name until
// the candidate needs it, parks it as <app>_retiring, and only removes it
// once the candidate passed its health check.
type renameSwap struct {
	rt  Runtime
	req domain.Request

	current  *docker.Container
	port     int
	renamed  bool
	stopped  bool
	launched bool
}

func newRename(rt Runtime, req domain.Request) *renameSwap {
	s := &renameSwap{rt: rt, req: req}
	if len(req.Ports.HostPorts) == 1 {
		s.port = req.Ports.HostPorts[0]
	}
	return s
}

func (s *renameSwap) retiring() string {
	return domain.RetiringName(s.req.App)
}

func (s *renameSwap) Prepare(ctx context.Context) (domain.ArtifactRef, error) {
	app := s.req.App
	current, err := s.rt.Inspect(ctx, app)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("inspect %s: %w", app, err)
	}
	leftover, err := s.rt.Inspect(ctx, s.retiring())
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("inspect %s: %w", s.retiring(), err)
	}

	switch {
	case leftover != nil && current == nil:
		// An earlier run died between rename and start; put the old
		// instance back before going further.
		slog.Warn("Restoring instance left behind by an interrupted deployment",
			"layer", "swap", "target", s.req.Target.Name, "container", s.retiring())
		if err := s.rt.Rename(ctx, s.retiring(), app); err != nil {
			return domain.ArtifactRef{}, err
		}
		if !leftover.Running {
			if err := s.rt.Start(ctx, app); err != nil {
				return domain.ArtifactRef{}, err
			}
		}
		if current, err = s.rt.Inspect(ctx, app); err != nil {
			return domain.ArtifactRef{}, err
		}
	case leftover != nil:
		slog.Info("Removing stale backup instance", "layer", "swap", "target", s.req.Target.Name, "container", s.retiring())
		if err := s.rt.Remove(ctx, s.retiring()); err != nil {
			return domain.ArtifactRef{}, err
		}
	}

	s.current = current
	if current == nil {
		return domain.ArtifactRef{}, nil
	}
	return domain.ArtifactRef{Image: current.ImageRef, ID: current.ImageID}, nil
}

func (s *renameSwap) Start(ctx context.Context) (domain.Slot, error) {
	app := s.req.App
	if s.current != nil {
		if err := s.rt.Rename(ctx, app, s.retiring()); err != nil {
			return domain.Slot{}, fmt.Errorf("rename %s to %s: %w", app, s.retiring(), err)
		}
		s.renamed = true

		// Two instances cannot publish the same host port; this is the
		// strategy's unavoidable gap.
		if s.port > 0 && s.current.Running && slices.Contains(s.current.HostPorts, s.port) {
			if err := s.rt.Stop(ctx, s.retiring()); err != nil {
				return domain.Slot{}, fmt.Errorf("stop %s: %w", s.retiring(), err)
			}
			s.stopped = true
		}
	} else if s.port > 0 {
		owner, err := s.rt.PortOwner(ctx, s.port)
		if err != nil {
			return domain.Slot{}, err
		}
		if owner != "" {
			return domain.Slot{}, fmt.Errorf("host port %d is held by container %s", s.port, owner)
		}
	}

	s.launched = true
	err := s.rt.Run(ctx, docker.RunSpec{
		Name:          app,
		Image:         s.req.Artifact.Image,
		App:           app,
		Slot:          primarySlot,
		HostPort:      s.port,
		ContainerPort: s.req.Ports.Container(),
		Env:           s.req.Env,
	})
	if err != nil {
		return domain.Slot{}, fmt.Errorf("start candidate %s: %w", app, err)
	}
	return domain.Slot{Name: app, Role: domain.RoleCandidate, HostPort: s.port, ImageID: s.req.Artifact.ID}, nil
}

// Promote has nothing to do: the candidate already owns the canonical
// name and port.
func (s *renameSwap) Promote(context.Context) error {
	return nil
}

func (s *renameSwap) Retire(ctx context.Context) error {
	if !s.renamed {
		return nil
	}
	return s.rt.Remove(ctx, s.retiring())
}

func (s *renameSwap) Rollback(ctx context.Context) error {
	app := s.req.App
	if s.launched {
		if err := s.rt.Remove(ctx, app); err != nil {
			return fmt.Errorf("remove failed candidate %s: %w", app, err)
		}
	}
	if !s.renamed {
		return nil
	}
	if err := s.rt.Rename(ctx, s.retiring(), app); err != nil {
		return fmt.Errorf("rename %s back to %s: %w", s.retiring(), app, err)
	}
	if s.stopped {
		if err := s.rt.Start(ctx, app); err != nil {
			return fmt.Errorf("restart previous instance %s: %w", app, err)
		}
	}
	return nil
}
