// Package swap replaces a running service on one target with a verified
// candidate, or puts the previous instance back.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/health"
	"github.com/oar-cd/hoist/lock"
	"github.com/oar-cd/hoist/logging"
)

// Runtime manages containers on the target.
type Runtime interface {
	Inspect(ctx context.Context, name string) (*docker.Container, error)
	Run(ctx context.Context, spec docker.RunSpec) error
	Rename(ctx context.Context, from, to string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	PortOwner(ctx context.Context, port int) (string, error)
}

// Proxy routes the public address to one of two host ports.
type Proxy interface {
	ActivePort(ctx context.Context, ports []int) (int, error)
	Switch(ctx context.Context, from, to int) error
}

type Prober interface {
	Probe(ctx context.Context, slot domain.Slot, cfg domain.HealthConfig) health.Result
}

type Locker interface {
	Acquire(ctx context.Context, scope lock.Scope) (*lock.Handle, error)
	Release(ctx context.Context, h *lock.Handle) error
}

// Session wires the engine to one target.
type Session struct {
	Runtime Runtime
	// Proxy is required for blue/green only.
	Proxy  Proxy
	Prober Prober
	Locker Locker
	// Push makes the artifact available on the target.
	Push func(ctx context.Context, artifact domain.ArtifactRef) error
	// Plan returns the mutating commands recorded during a dry run.
	Plan func() []string
}

// Engine runs the swap state machine for one target.
type Engine struct {
	s   Session
	now func() time.Time
}

func NewEngine(s Session) *Engine {
	return &Engine{s: s, now: time.Now}
}

// run tracks one pipeline execution.
type run struct {
	req     domain.Request
	outcome domain.Outcome
	start   time.Time
	// restore brings back an instance kept on the target instead of
	// pushing and starting req.Artifact.
	restore bool
}

func (r *run) enter(state domain.State) {
	r.outcome.Trail = append(r.outcome.Trail, state)
	slog.Debug("Swap state", "layer", "swap", "target", r.req.Target.Name, "app", r.req.App, "state", string(state))
}

// Run deploys req.Artifact. It always returns exactly one terminal
// outcome. Cancellation of ctx is honoured until the candidate is about
// to start; after that the pipeline finishes so the target is never left
// half swapped.
func (e *Engine) Run(ctx context.Context, req domain.Request) domain.Outcome {
	return e.drive(ctx, req, false)
}

func (e *Engine) drive(ctx context.Context, req domain.Request, restore bool) domain.Outcome {
	r := &run{
		req:     req,
		restore: restore,
		start:   e.now(),
		outcome: domain.Outcome{
			Target: req.Target.Name,
			App:    req.App,
		},
	}
	r.enter(domain.StateIdle)
	e.execute(ctx, r)
	r.outcome.Duration = e.now().Sub(r.start)
	if req.DryRun && e.s.Plan != nil {
		r.outcome.Plan = e.s.Plan()
	}
	e.report(r)
	return r.outcome
}

func (e *Engine) execute(ctx context.Context, r *run) {
	req := r.req
	validate, choose := req.Validate, e.strategyFor
	if r.restore {
		validate = req.ValidateRestore
		choose = func(req domain.Request) (Strategy, error) { return e.restoreFor(ctx, req) }
	}
	if err := validate(); err != nil {
		e.abort(r, err)
		return
	}
	strategy, err := choose(req)
	if err != nil {
		e.abort(r, err)
		return
	}

	if err := ctx.Err(); err != nil {
		e.abort(r, fmt.Errorf("%w: %w", domain.ErrCancelled, err))
		return
	}
	handle, err := e.s.Locker.Acquire(ctx, lock.Scope{App: req.App, Host: req.Target.Name})
	if err != nil {
		e.abort(r, err)
		return
	}
	r.enter(domain.StateLocked)
	defer func() {
		if err := e.s.Locker.Release(context.WithoutCancel(ctx), handle); err != nil {
			logging.OperationFailed("swap", "release_lock", err, "target", req.Target.Name, "app", req.App)
		}
		r.enter(domain.StateUnlocked)
	}()

	if !r.restore && !e.push(ctx, r) {
		return
	}
	if err := ctx.Err(); err != nil {
		e.abort(r, fmt.Errorf("%w: %w", domain.ErrCancelled, err))
		return
	}

	// Past this point the target is changed; finish regardless of ctx.
	ctx = context.WithoutCancel(ctx)

	previous, err := strategy.Prepare(ctx)
	r.outcome.Previous = previous
	r.outcome.Deployed = previous
	if err != nil {
		e.abort(r, asKind(domain.ErrSwap, err))
		return
	}

	r.enter(domain.StateStarting)
	slot, err := strategy.Start(ctx)
	if err != nil {
		e.rollback(ctx, r, strategy, asKind(domain.ErrSwap, err))
		return
	}

	r.enter(domain.StateProbing)
	if req.DryRun {
		slog.Info("Dry run, assuming candidate is healthy", "layer", "swap", "target", req.Target.Name, "app", req.App)
	} else if res := e.s.Prober.Probe(ctx, slot, req.Health); res.Verdict != health.Healthy {
		e.rollback(ctx, r, strategy, res.Err())
		return
	}

	r.enter(domain.StateCommitting)
	if err := strategy.Promote(ctx); err != nil {
		e.rollback(ctx, r, strategy, asKind(domain.ErrSwap, err))
		return
	}
	r.outcome.Status = domain.StatusCommitted
	r.outcome.Deployed = req.Artifact
	if rs, ok := strategy.(restoring); ok {
		r.outcome.Deployed = rs.restored()
	}

	// Traffic is on the verified candidate; a failed cleanup does not
	// change the outcome.
	if err := strategy.Retire(ctx); err != nil {
		slog.Warn("Failed to retire previous instance", "layer", "swap",
			"target", req.Target.Name, "app", req.App, "error", err)
	}
}

// push reports whether the artifact reached the target; on failure the
// run is already aborted.
func (e *Engine) push(ctx context.Context, r *run) bool {
	r.enter(domain.StatePushing)
	if err := ctx.Err(); err != nil {
		e.abort(r, fmt.Errorf("%w: %w", domain.ErrCancelled, err))
		return false
	}
	if err := e.s.Push(ctx, r.req.Artifact); err != nil {
		if ctx.Err() != nil && !errors.Is(err, domain.ErrAuth) {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		e.abort(r, err)
		return false
	}
	return true
}

// abort ends a run before anything visible changed.
func (e *Engine) abort(r *run, err error) {
	r.outcome.Status = domain.StatusRolledBack
	r.outcome.Err = err
	r.outcome.RollbackPerformed = false
}

func (e *Engine) rollback(ctx context.Context, r *run, strategy Strategy, cause error) {
	r.enter(domain.StateRollingBack)
	r.outcome.RollbackPerformed = true
	slog.Warn("Rolling back", "layer", "swap", "target", r.req.Target.Name, "app", r.req.App, "cause", cause)

	if err := strategy.Rollback(ctx); err != nil {
		r.outcome.Status = domain.StatusFatal
		r.outcome.Err = fmt.Errorf("%w: %w (rolling back after: %w)", domain.ErrRollback, err, cause)
		r.outcome.Deployed = domain.ArtifactRef{}
		return
	}
	r.outcome.Status = domain.StatusRolledBack
	r.outcome.Err = cause
}

func (e *Engine) report(r *run) {
	o := r.outcome
	attrs := []any{"layer", "swap", "target", o.Target, "app", o.App,
		"status", o.Status.String(), "duration", o.Duration.Round(time.Millisecond)}
	switch o.Status {
	case domain.StatusCommitted:
		slog.Info("Deployment committed", append(attrs, "artifact", o.Deployed.String())...)
	case domain.StatusRolledBack:
		slog.Warn("Deployment rolled back", append(attrs, "rollback_performed", o.RollbackPerformed, "error", o.Err)...)
	default:
		slog.Error("Deployment fatal, manual intervention required", append(attrs, "error", o.Err)...)
	}
}

// ManualRollback redeploys a previously committed artifact through the normal
// pipeline, so the old version is health checked before it takes traffic.
// Restore is preferred when the target still keeps the old instance.
func (e *Engine) ManualRollback(ctx context.Context, req domain.Request, to domain.ArtifactRef) domain.Outcome {
	if to.ID != "" {
		to.Image = to.ID
	}
	req.Artifact = to
	return e.Run(ctx, req)
}

func (e *Engine) strategyFor(req domain.Request) (Strategy, error) {
	switch req.Strategy {
	case domain.StrategyBlueGreen:
		if e.s.Proxy == nil {
			return nil, fmt.Errorf("%w: blue/green needs a proxy on %s", domain.ErrConfig, req.Target.Name)
		}
		return newBlueGreen(e.s.Runtime, e.s.Proxy, req), nil
	default:
		return newRename(e.s.Runtime, req), nil
	}
}

// asKind wraps err in kind unless it already carries a domain kind.
func asKind(kind, err error) error {
	if (domain.Outcome{Err: err}).Kind() != nil {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
