// Package deploy runs the whole delivery pipeline: build or resolve the
// artifact, smoke test it, then swap it in on every target of a group.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oar-cd/hoist/builder"
	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/fleet"
	"github.com/oar-cd/hoist/health"
	"github.com/oar-cd/hoist/lock"
	"github.com/oar-cd/hoist/logging"
	"github.com/oar-cd/hoist/proxy"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/swap"
)

// Artifacts builds, resolves and smoke tests local images.
type Artifacts interface {
	Build(ctx context.Context, spec builder.BuildSpec) (domain.ArtifactRef, error)
	Resolve(ctx context.Context, image string) (domain.ArtifactRef, error)
	SmokeTest(ctx context.Context, ref domain.ArtifactRef, window time.Duration) error
}

// Pusher loads an artifact into a target's image store.
type Pusher interface {
	Push(ctx context.Context, artifact domain.ArtifactRef, rt *docker.CLI) error
}

// EnvResolver turns an environment name into plaintext variables.
type EnvResolver interface {
	Resolve(env string) (map[string]string, error)
}

// History records outcomes.
type History interface {
	Create(record *domain.DeploymentRecord) error
	LatestCommitted(app, target string) (*domain.DeploymentRecord, error)
}

// Settings are the pipeline-wide knobs taken from configuration.
type Settings struct {
	LockRoot       string
	LockTTL        time.Duration
	SmokeWindow    time.Duration
	// MaxConcurrency applies to groups that set no limit of their own.
	MaxConcurrency int
	Health         domain.HealthConfig
}

// Options describe one deployment.
type Options struct {
	App        string
	Image      string
	ContextDir string
	Dockerfile string
	// SkipBuild deploys an existing local image.
	SkipBuild     bool
	NoCache       bool
	Ports         domain.PortPlan
	Health        *domain.HealthConfig
	Env           string
	Mode          fleet.Mode
	DryRun        bool
	SkipSmokeTest bool
	Trigger       domain.Trigger
	Revision      string
	// BuildOutput receives build progress.
	BuildOutput io.Writer
}

type Pipeline struct {
	dialer    remote.Dialer
	artifacts Artifacts
	pusher    Pusher
	secrets   EnvResolver
	history   History
	settings  Settings

	newSession func(exec remote.Executor, req domain.Request) swap.Session
}

func NewPipeline(dialer remote.Dialer, artifacts Artifacts, pusher Pusher, secrets EnvResolver, history History, settings Settings) *Pipeline {
	p := &Pipeline{
		dialer:    dialer,
		artifacts: artifacts,
		pusher:    pusher,
		secrets:   secrets,
		history:   history,
		settings:  settings,
	}
	p.newSession = p.session
	return p
}

// Deploy produces the artifact once and rolls it out to targets. The
// error is set only when the pipeline stopped before any target was
// contacted; per-target failures are reported in the outcomes.
func (p *Pipeline) Deploy(ctx context.Context, group domain.ServerGroup, targets []domain.Target, opts Options) ([]domain.Outcome, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("%w: an image name is required", domain.ErrConfig)
	}
	if opts.App == "" {
		opts.App = domain.AppNameFromImage(opts.Image)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: group %q has no targets", domain.ErrConfig, group.Name)
	}

	artifact, err := p.artifact(ctx, opts)
	if err != nil {
		return nil, err
	}

	if !opts.SkipSmokeTest && !opts.DryRun {
		if err := p.artifacts.SmokeTest(ctx, artifact, p.settings.SmokeWindow); err != nil {
			return nil, err
		}
	}

	template := domain.Request{
		App:      opts.App,
		Artifact: artifact,
		Strategy: domain.StrategyFor(opts.Ports),
		Ports:    opts.Ports,
		Health:   p.health(opts.Health),
		DryRun:   opts.DryRun,
	}

	coordinator := fleet.NewCoordinator(fleet.DeployFunc(func(ctx context.Context, req domain.Request) domain.Outcome {
		return p.deployTarget(ctx, req, opts)
	}), p.settings.MaxConcurrency)
	return coordinator.Apply(ctx, group, targets, template, opts.Mode), nil
}

func (p *Pipeline) artifact(ctx context.Context, opts Options) (domain.ArtifactRef, error) {
	if opts.SkipBuild || opts.ContextDir == "" {
		return p.artifacts.Resolve(ctx, opts.Image)
	}
	return p.artifacts.Build(ctx, builder.BuildSpec{
		ContextDir: opts.ContextDir,
		Dockerfile: opts.Dockerfile,
		Image:      opts.Image,
		NoCache:    opts.NoCache,
		Output:     opts.BuildOutput,
	})
}

func (p *Pipeline) health(override *domain.HealthConfig) domain.HealthConfig {
	if override != nil {
		return *override
	}
	return p.settings.Health
}

// RollbackOptions describe a manual rollback on one target.
type RollbackOptions struct {
	Env    string
	DryRun bool
	Health *domain.HealthConfig
}

// Rollback puts back the previous instance of app on target. It first
// restores the instance the target still keeps (<app>_retiring, or the
// stopped blue/green color) after a health check; when nothing is kept it
// redeploys the artifact the latest committed deployment replaced.
func (p *Pipeline) Rollback(ctx context.Context, target domain.Target, app string, opts RollbackOptions) (domain.Outcome, error) {
	var last *domain.DeploymentRecord
	if p.history != nil {
		var err error
		if last, err = p.history.LatestCommitted(app, target.Name); err != nil {
			slog.Debug("No committed deployment on record", "layer", "deploy", "app", app, "target", target.Name, "error", err)
			last = nil
		}
	}

	req := domain.Request{
		Target: target,
		App:    app,
		Health: p.health(opts.Health),
		DryRun: opts.DryRun,
	}
	if last != nil {
		req.Strategy, req.Ports = last.Strategy, last.Ports
	}
	deployOpts := Options{Env: opts.Env, DryRun: opts.DryRun, Trigger: domain.TriggerRollback}
	outcome, err := p.runTarget(ctx, req, deployOpts, domain.Request.ValidateRestore,
		func(e *swap.Engine, req *domain.Request) (domain.Outcome, error) {
			if req.Strategy == "" {
				placed, err := e.Placement(ctx, *req)
				if errors.Is(err, swap.ErrNoBackup) {
					return domain.Outcome{}, err
				}
				if err != nil {
					return failed(*req, err), nil
				}
				*req = placed
			}
			out := e.Restore(ctx, *req)
			if errors.Is(out.Err, swap.ErrNoBackup) {
				return out, out.Err
			}
			return out, nil
		})
	if err == nil {
		return outcome, nil
	}
	slog.Info("No previous instance kept on target, redeploying from history", "layer", "deploy",
		"app", app, "target", target.Name)
	return p.redeployPrevious(ctx, target, app, opts)
}

// redeployPrevious redeploys the artifact that was live before the latest
// committed deployment of app on target.
func (p *Pipeline) redeployPrevious(ctx context.Context, target domain.Target, app string, opts RollbackOptions) (domain.Outcome, error) {
	if p.history == nil {
		return domain.Outcome{}, fmt.Errorf("%w: rollback needs deployment history", domain.ErrConfig)
	}
	last, err := p.history.LatestCommitted(app, target.Name)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%w: no committed deployment of %s on %s: %w", domain.ErrConfig, app, target.Name, err)
	}
	previous := last.Outcome.Previous
	if previous.IsZero() {
		return domain.Outcome{}, fmt.Errorf("%w: the last deployment of %s on %s has no predecessor", domain.ErrConfig, app, target.Name)
	}
	slog.Info("Rolling back", "layer", "deploy", "app", app, "target", target.Name,
		"from", last.Outcome.Deployed.String(), "to", previous.String())

	req := domain.Request{
		Target:   target,
		App:      app,
		Artifact: previous,
		Strategy: last.Strategy,
		Ports:    last.Ports,
		Health:   p.health(opts.Health),
		DryRun:   opts.DryRun,
	}
	if req.Strategy == "" {
		req.Strategy = domain.StrategyFor(req.Ports)
	}
	deployOpts := Options{Env: opts.Env, DryRun: opts.DryRun, Trigger: domain.TriggerRollback}
	outcome, _ := p.runTarget(ctx, req, deployOpts, domain.Request.Validate,
		func(e *swap.Engine, req *domain.Request) (domain.Outcome, error) {
			return e.ManualRollback(ctx, *req, previous), nil
		})
	return outcome, nil
}

func (p *Pipeline) deployTarget(ctx context.Context, req domain.Request, opts Options) domain.Outcome {
	outcome, _ := p.runTarget(ctx, req, opts, domain.Request.Validate,
		func(e *swap.Engine, req *domain.Request) (domain.Outcome, error) {
			return e.Run(ctx, *req), nil
		})
	return outcome
}

// runTarget opens a session on req.Target, runs the engine through run
// and records the outcome. run may settle the request's strategy and
// ports; an error from run means the target was left as it was and
// nothing is recorded.
func (p *Pipeline) runTarget(
	ctx context.Context,
	req domain.Request,
	opts Options,
	validate func(domain.Request) error,
	run func(*swap.Engine, *domain.Request) (domain.Outcome, error),
) (domain.Outcome, error) {
	start := time.Now()
	outcome, err := func() (domain.Outcome, error) {
		if err := validate(req); err != nil {
			return failed(req, err), nil
		}
		envName := opts.Env
		if envName == "" {
			envName = req.Target.Env
		}
		env, err := p.secrets.Resolve(envName)
		if err != nil {
			return failed(req, err), nil
		}
		req.Env = env

		exec, err := p.dialer.Dial(ctx, req.Target)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, domain.ErrAuth) {
				err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
			}
			return failed(req, err), nil
		}
		defer func() {
			if err := exec.Close(); err != nil {
				slog.Debug("Closing connection failed", "layer", "deploy", "target", req.Target.Name, "error", err)
			}
		}()

		return run(swap.NewEngine(p.newSession(exec, req)), &req)
	}()
	if err != nil {
		return outcome, err
	}
	if outcome.Duration == 0 {
		outcome.Duration = time.Since(start)
	}
	p.record(outcome, req, opts)
	return outcome, nil
}

// session wires the swap engine to one connected target. A dry run sends
// every mutating command to a recorder while still reading real state.
func (p *Pipeline) session(exec remote.Executor, req domain.Request) swap.Session {
	var (
		mutator  remote.Executor = exec
		recorder *remote.Recorder
	)
	if req.DryRun {
		recorder = remote.NewRecorder(exec)
		mutator = recorder
	}

	rt := docker.NewCLI(mutator, req.Target.DockerHost)
	probeRT := docker.NewCLI(exec, req.Target.DockerHost)
	s := swap.Session{
		Runtime: rt,
		Prober:  health.NewProber(probeRT, health.NewRemoteHTTP(exec)),
		Locker:  lock.NewManager(mutator, p.settings.LockRoot, p.settings.LockTTL),
		Push: func(ctx context.Context, artifact domain.ArtifactRef) error {
			if recorder != nil {
				_, err := recorder.Run(ctx, fmt.Sprintf("docker save %s | zstd | %s",
					remote.Quote(artifact.Image), rt.LoadCommand()))
				return err
			}
			return p.pusher.Push(ctx, artifact, rt)
		},
	}
	if req.Target.Proxy != nil {
		s.Proxy = proxy.NewCaddy(mutator, *req.Target.Proxy)
	}
	if recorder != nil {
		s.Plan = recorder.Commands
	}
	return s
}

func (p *Pipeline) record(outcome domain.Outcome, req domain.Request, opts Options) {
	if p.history == nil {
		return
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = domain.TriggerCLI
	}
	err := p.history.Create(&domain.DeploymentRecord{
		Outcome:  outcome,
		Strategy: req.Strategy,
		Ports:    req.Ports,
		Trigger:  trigger,
		Revision: opts.Revision,
		DryRun:   req.DryRun,
	})
	if err != nil {
		logging.OperationFailed("deploy", "record_outcome", err, "app", outcome.App, "target", outcome.Target)
	}
}

// failed is the outcome of a target that was never touched.
func failed(req domain.Request, err error) domain.Outcome {
	slog.Error("Deployment aborted before contacting target", "layer", "deploy",
		"target", req.Target.Name, "app", req.App, "error", err)
	return domain.Outcome{
		Target:   req.Target.Name,
		App:      req.App,
		Status:   domain.StatusRolledBack,
		Err:      err,
		Previous: domain.ArtifactRef{},
		Trail:    []domain.State{domain.StateIdle},
	}
}
