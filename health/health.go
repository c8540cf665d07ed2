// Package health decides whether a freshly started container is fit to
// receive traffic.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
)

// Verdict is the outcome of a probe.
type Verdict int

const (
	Healthy Verdict = iota
	Unhealthy
	Timeout
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "timeout"
	}
}

// Result describes how a probe ended.
type Result struct {
	Verdict  Verdict
	Reason   string
	Attempts int
	Elapsed  time.Duration
}

// Err converts a failed result into a domain error; nil when healthy.
func (r Result) Err() error {
	switch r.Verdict {
	case Healthy:
		return nil
	case Unhealthy:
		return fmt.Errorf("%w: %s", domain.ErrUnhealthy, r.Reason)
	default:
		return fmt.Errorf("%w after %s: %s", domain.ErrHealthTimeout, r.Elapsed.Round(time.Millisecond), r.Reason)
	}
}

// Inspector reports container state.
type Inspector interface {
	Inspect(ctx context.Context, name string) (*docker.Container, error)
}

// HTTPChecker requests path on a host port of the target and returns the
// status code, or 0 when no response was received.
type HTTPChecker interface {
	Check(ctx context.Context, port int, path string) (int, error)
}

// Prober polls liveness and, when the slot has a host port, an HTTP endpoint.
type Prober struct {
	inspect Inspector
	http    HTTPChecker
	now     func() time.Time
}

func NewProber(inspect Inspector, http HTTPChecker) *Prober {
	return &Prober{inspect: inspect, http: http, now: time.Now}
}

// Probe polls slot at a fixed interval until it passes, fails
// definitively or the timeout elapses. Absence of a positive signal is
// never reported as healthy.
func (p *Prober) Probe(ctx context.Context, slot domain.Slot, cfg domain.HealthConfig) Result {
	cfg = cfg.WithDefaults()
	start := p.now()
	deadline := start.Add(cfg.Timeout)

	var (
		attempts    int
		runningFrom time.Time
		lastReason  = "no positive health signal"
		badStatus   int
	)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		attempts++
		verdict, reason := p.check(ctx, slot, cfg, &runningFrom, &badStatus)
		if verdict != nil {
			res := Result{Verdict: *verdict, Reason: reason, Attempts: attempts, Elapsed: p.now().Sub(start)}
			slog.Debug("Health probe finished", "layer", "health", "container", slot.Name,
				"verdict", res.Verdict.String(), "attempts", attempts, "reason", reason)
			return res
		}
		lastReason = reason

		if !p.now().Before(deadline) {
			return p.expired(slot, start, attempts, lastReason, badStatus)
		}

		select {
		case <-ctx.Done():
			return Result{Verdict: Timeout, Reason: "probe cancelled: " + ctx.Err().Error(),
				Attempts: attempts, Elapsed: p.now().Sub(start)}
		case <-ticker.C:
		}
	}
}

func (p *Prober) expired(slot domain.Slot, start time.Time, attempts int, reason string, badStatus int) Result {
	res := Result{Verdict: Timeout, Reason: reason, Attempts: attempts, Elapsed: p.now().Sub(start)}
	if badStatus != 0 {
		res.Verdict = Unhealthy
		res.Reason = fmt.Sprintf("health endpoint returned HTTP %d", badStatus)
	}
	slog.Warn("Health probe gave up", "layer", "health", "container", slot.Name,
		"verdict", res.Verdict.String(), "attempts", attempts, "reason", res.Reason)
	return res
}

// check returns a verdict when one is reached, or nil and the reason the
// slot is not healthy yet.
func (p *Prober) check(ctx context.Context, slot domain.Slot, cfg domain.HealthConfig, runningFrom *time.Time, badStatus *int) (*Verdict, string) {
	ctr, err := p.inspect.Inspect(ctx, slot.Name)
	if err != nil {
		return nil, "inspect failed: " + err.Error()
	}
	if ctr == nil {
		return verdict(Unhealthy), "container " + slot.Name + " no longer exists"
	}
	if ctr.Dead() {
		return verdict(Unhealthy), fmt.Sprintf("container %s is %s (exit code %d)", slot.Name, ctr.Status, ctr.ExitCode)
	}
	if !ctr.Running {
		*runningFrom = time.Time{}
		return nil, "container " + slot.Name + " is " + ctr.Status
	}
	if runningFrom.IsZero() {
		*runningFrom = p.now()
	}
	if up := p.now().Sub(*runningFrom); up < cfg.Settle {
		return nil, fmt.Sprintf("running for %s, settling", up.Round(time.Millisecond))
	}

	if cfg.Disabled || slot.HostPort == 0 || p.http == nil {
		return verdict(Healthy), "process running"
	}

	status, err := p.http.Check(ctx, slot.HostPort, cfg.Path)
	switch {
	case err != nil:
		return nil, "http check failed: " + err.Error()
	case status == 0:
		return nil, fmt.Sprintf("no response on port %d", slot.HostPort)
	case status >= 200 && status < 300:
		return verdict(Healthy), fmt.Sprintf("HTTP %d from %s", status, cfg.Path)
	default:
		*badStatus = status
		return nil, fmt.Sprintf("HTTP %d from %s", status, cfg.Path)
	}
}

func verdict(v Verdict) *Verdict {
	return &v
}
