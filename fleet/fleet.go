// Package fleet rolls one deployment out over a group of targets.
package fleet

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oar-cd/hoist/domain"
)

// DefaultMaxConcurrency bounds parallel rollouts when neither the group
// nor the coordinator sets a limit.
const DefaultMaxConcurrency = 4

type Mode int

const (
	Sequential Mode = iota
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

// Deployer runs the whole per-target pipeline and always returns an outcome.
type Deployer interface {
	Deploy(ctx context.Context, req domain.Request) domain.Outcome
}

// DeployFunc adapts a function to Deployer.
type DeployFunc func(ctx context.Context, req domain.Request) domain.Outcome

func (f DeployFunc) Deploy(ctx context.Context, req domain.Request) domain.Outcome {
	return f(ctx, req)
}

type Coordinator struct {
	deployer       Deployer
	maxConcurrency int
}

// NewCoordinator returns a coordinator whose parallel rollouts run at most
// maxConcurrency hosts at once, unless the group sets its own limit.
func NewCoordinator(deployer Deployer, maxConcurrency int) *Coordinator {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Coordinator{deployer: deployer, maxConcurrency: maxConcurrency}
}

// Apply deploys template to every target of group. Hosts are independent:
// a failure on one never stops or rolls back another. Outcomes are
// returned in the order of targets.
func (c *Coordinator) Apply(ctx context.Context, group domain.ServerGroup, targets []domain.Target, template domain.Request, mode Mode) []domain.Outcome {
	start := time.Now()
	outcomes := make([]domain.Outcome, len(targets))

	slog.Info("Rolling out", "layer", "fleet", "group", group.Name, "app", template.App,
		"targets", len(targets), "mode", mode.String())

	if mode == Sequential {
		for i, target := range targets {
			outcomes[i] = c.deployer.Deploy(ctx, forTarget(template, target))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(c.limit(group, len(targets)))
		for i, target := range targets {
			g.Go(func() error {
				outcomes[i] = c.deployer.Deploy(ctx, forTarget(template, target))
				return nil
			})
		}
		_ = g.Wait()
	}

	committed := 0
	for _, o := range outcomes {
		if o.Committed() {
			committed++
		}
	}
	slog.Info("Rollout finished", "layer", "fleet", "group", group.Name, "app", template.App,
		"committed", committed, "failed", len(outcomes)-committed, "duration", time.Since(start).Round(time.Millisecond))
	return outcomes
}

func (c *Coordinator) limit(group domain.ServerGroup, n int) int {
	limit := c.maxConcurrency
	if group.MaxConcurrency > 0 {
		limit = group.MaxConcurrency
	}
	return max(1, min(limit, n))
}

func forTarget(template domain.Request, target domain.Target) domain.Request {
	req := template
	req.Target = target
	req.Env = maps.Clone(template.Env)
	req.Ports.HostPorts = append([]int(nil), template.Ports.HostPorts...)
	return req
}
