package swap

import (
	"context"
	"fmt"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

// blueGreen runs the candidate beside the live color on the other port
// and flips the proxy only after the candidate is verified.
type blueGreen struct {
	rt    Runtime
	proxy Proxy
	req   domain.Request

	active        domain.Color
	activePort    int
	candidate     domain.Color
	candidatePort int
	launched      bool
	switched      bool
}

func newBlueGreen(rt Runtime, proxy Proxy, req domain.Request) *blueGreen {
	return &blueGreen{rt: rt, proxy: proxy, req: req}
}

func (s *blueGreen) portOf(c domain.Color) int {
	if c == domain.Blue {
		return s.req.Ports.HostPorts[0]
	}
	return s.req.Ports.HostPorts[1]
}

func (s *blueGreen) name(c domain.Color) string {
	return domain.ColorName(s.req.App, c)
}

// resolve reads the live color from the proxy.
func (s *blueGreen) resolve(ctx context.Context) error {
	ports := s.req.Ports.HostPorts
	active, err := s.proxy.ActivePort(ctx, ports)
	if err != nil {
		return err
	}
	switch active {
	case ports[0]:
		s.active = domain.Blue
	case ports[1]:
		s.active = domain.Green
	default:
		return fmt.Errorf("%w: proxy config on %s routes to neither port %d nor %d",
			domain.ErrConfig, s.req.Target.Name, ports[0], ports[1])
	}
	s.activePort = active
	s.candidate = s.active.Other()
	s.candidatePort = s.portOf(s.candidate)
	return nil
}

func (s *blueGreen) live(ctx context.Context) (domain.ArtifactRef, error) {
	live, err := s.rt.Inspect(ctx, s.name(s.active))
	if err != nil || live == nil {
		return domain.ArtifactRef{}, err
	}
	return domain.ArtifactRef{Image: live.ImageRef, ID: live.ImageID}, nil
}

func (s *blueGreen) Prepare(ctx context.Context) (domain.ArtifactRef, error) {
	if err := s.resolve(ctx); err != nil {
		return domain.ArtifactRef{}, err
	}

	// Whatever holds the inactive color is not serving traffic.
	if err := s.rt.Remove(ctx, s.name(s.candidate)); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("clear inactive slot %s: %w", s.name(s.candidate), err)
	}
	return s.live(ctx)
}

func (s *blueGreen) Start(ctx context.Context) (domain.Slot, error) {
	name := s.name(s.candidate)
	s.launched = true
	err := s.rt.Run(ctx, docker.RunSpec{
		Name:          name,
		Image:         s.req.Artifact.Image,
		App:           s.req.App,
		Slot:          string(s.candidate),
		HostPort:      s.candidatePort,
		ContainerPort: s.req.Ports.Container(),
		Env:           s.req.Env,
	})
	if err != nil {
		return domain.Slot{}, fmt.Errorf("start candidate %s: %w", name, err)
	}
	return domain.Slot{Name: name, Role: domain.RoleCandidate, HostPort: s.candidatePort, ImageID: s.req.Artifact.ID}, nil
}

func (s *blueGreen) Promote(ctx context.Context) error {
	if err := s.proxy.Switch(ctx, s.activePort, s.candidatePort); err != nil {
		return err
	}
	s.switched = true
	return nil
}

// Retire stops the old color but keeps it, so the next deployment or a
// manual start can fall back to it quickly.
func (s *blueGreen) Retire(ctx context.Context) error {
	old, err := s.rt.Inspect(ctx, s.name(s.active))
	if err != nil || old == nil || !old.Running {
		return err
	}
	return s.rt.Stop(ctx, s.name(s.active))
}

func (s *blueGreen) Rollback(ctx context.Context) error {
	if s.switched {
		if err := s.proxy.Switch(ctx, s.candidatePort, s.activePort); err != nil {
			return fmt.Errorf("switch proxy back to port %d: %w", s.activePort, err)
		}
	}
	if s.launched {
		if err := s.rt.Remove(ctx, s.name(s.candidate)); err != nil {
			return fmt.Errorf("remove failed candidate %s: %w", s.name(s.candidate), err)
		}
	}
	return nil
}
