package swap_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/health"
	"github.com/oar-cd/hoist/lock"
	"github.com/oar-cd/hoist/swap"
	"github.com/oar-cd/hoist/testing/mocks"
)

var (
	v1 = domain.ArtifactRef{Image: "citadel:v1", ID: "sha256:1111"}
	v2 = domain.ArtifactRef{Image: "citadel:v2", ID: "sha256:2222"}
)

func session(host *mocks.FakeHost) swap.Session {
	return swap.Session{
		Runtime: host,
		Proxy:   host,
		Prober:  health.NewProber(host, host),
		Locker:  host,
		Push:    host.Push,
	}
}

func renameRequest(artifact domain.ArtifactRef) domain.Request {
	return domain.Request{
		Target:   domain.Target{Name: "staging-1", Host: "localhost"},
		App:      "citadel",
		Artifact: artifact,
		Strategy: domain.StrategyRename,
		Ports:    domain.PortPlan{HostPorts: []int{8080}, ContainerPort: 3000},
		Health:   domain.HealthConfig{Interval: 5 * time.Millisecond, Timeout: 300 * time.Millisecond},
	}
}

func blueGreenRequest(artifact domain.ArtifactRef) domain.Request {
	req := renameRequest(artifact)
	req.Strategy = domain.StrategyBlueGreen
	req.Ports.HostPorts = []int{8001, 8002}
	req.Target.Proxy = &domain.ProxyConfig{ConfigPath: "/etc/caddy/Caddyfile", ReloadCommand: "true"}
	return req
}

func runningV1(host *mocks.FakeHost) {
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8080, Slot: "primary"})
}

func TestRenameSwap_Commits(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v1, out.Previous)
	assert.Equal(t, v2, out.Deployed)
	assert.False(t, out.RollbackPerformed)
	assert.Equal(t, []string{"citadel"}, host.Names())

	c, _ := host.Container("citadel")
	assert.Equal(t, v2.Image, c.Image)
	assert.Equal(t, v2.ID, c.ImageID)
	assert.True(t, c.Running)
	assert.False(t, host.Locked("citadel"))

	assert.Equal(t, []domain.State{
		domain.StateIdle, domain.StateLocked, domain.StatePushing, domain.StateStarting,
		domain.StateProbing, domain.StateCommitting, domain.StateUnlocked,
	}, out.Trail)
}

func TestRenameSwap_FirstDeploy(t *testing.T) {
	host := mocks.NewFakeHost()

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v1))

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.True(t, out.Previous.IsZero())
	assert.True(t, host.Reachable(8080))
}

// staging-1 / citadel: the candidate answers its health check with an
// error, so the old instance must be restored untouched.
func TestRenameSwap_RollsBackOnFailingHealthCheck(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	host.HTTPStatus[v2.Image] = 500
	req := renameRequest(v2)

	start := time.Now()
	out := swap.NewEngine(session(host)).Run(context.Background(), req)
	elapsed := time.Since(start)

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.True(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, v1, out.Deployed)
	assert.Less(t, elapsed, req.Health.Timeout+time.Second)

	c, ok := host.Container("citadel")
	require.True(t, ok)
	assert.Equal(t, v1.Image, c.Image)
	assert.True(t, c.Running)
	assert.True(t, host.Reachable(8080))
	assert.Equal(t, []string{"citadel"}, host.Names())
	assert.False(t, host.Locked("citadel"))
	assert.Contains(t, out.Trail, domain.StateRollingBack)
}

func TestRenameSwap_RollsBackWhenCandidateExits(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	host.Crashing[v2.Image] = true

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	c, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, c.Image)
	assert.True(t, c.Running)
}

func TestRenameSwap_RollsBackOnTimeout(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	host.Silent[v2.Image] = true

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrHealthTimeout)
	assert.True(t, host.Reachable(8080))
}

func TestRenameSwap_FailedRollbackIsFatal(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	host.HTTPStatus[v2.Image] = 503
	host.FailOps["rename:citadel_retiring"] = errors.New("daemon not responding")

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	assert.Equal(t, domain.StatusFatal, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrRollback)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, domain.ErrRollback, out.Kind())
	assert.True(t, out.Deployed.IsZero())
	assert.False(t, host.Locked("citadel"))
}

func TestRenameSwap_RestoresInterruptedDeployment(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel_retiring", Image: v1.Image, ImageID: v1.ID, Port: 8080, Slot: "primary"})

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v1, out.Previous)
	assert.Equal(t, []string{"citadel"}, host.Names())
}

func TestRenameSwap_RefusesForeignPortHolder(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "someone-else", Image: "other:1", Running: true, Port: 8080})

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v1))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrSwap)
	_, ok := host.Container("citadel")
	assert.False(t, ok)
	assert.True(t, host.Reachable(8080))
}

func TestEngine_LockContention(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	req := renameRequest(v2)
	_, err := host.Acquire(context.Background(), lockScope(req))
	require.NoError(t, err)

	out := swap.NewEngine(session(host)).Run(context.Background(), req)

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.False(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, domain.ErrLockContention)
	assert.NotContains(t, out.Trail, domain.StatePushing)
	c, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, c.Image)
}

func TestEngine_PushFailureLeavesTargetUntouched(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	host.PushErr = errors.Join(domain.ErrTransport, errors.New("connection reset by peer"))

	out := swap.NewEngine(session(host)).Run(context.Background(), renameRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.False(t, out.RollbackPerformed)
	assert.Equal(t, domain.ErrTransport, out.Kind())
	assert.Equal(t, v1, out.Deployed)
	assert.False(t, host.Locked("citadel"))
	assert.Equal(t, domain.StateUnlocked, out.Trail[len(out.Trail)-1])
}

func TestEngine_CancelledBeforeStart(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := swap.NewEngine(session(host)).Run(ctx, renameRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrCancelled)
	assert.Empty(t, host.Events)
}

func TestEngine_CancelledDuringPush(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	ctx, cancel := context.WithCancel(context.Background())
	s := session(host)
	s.Push = func(ctx context.Context, _ domain.ArtifactRef) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	out := swap.NewEngine(s).Run(ctx, renameRequest(v2))

	assert.ErrorIs(t, out.Err, domain.ErrCancelled)
	assert.False(t, out.RollbackPerformed)
	assert.False(t, host.Locked("citadel"))
	c, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, c.Image)
}

func TestEngine_InvalidRequest(t *testing.T) {
	host := mocks.NewFakeHost()
	req := renameRequest(v2)
	req.App = ""

	out := swap.NewEngine(session(host)).Run(context.Background(), req)

	assert.Equal(t, domain.ErrConfig, out.Kind())
	assert.Empty(t, host.Events)
}

func TestEngine_DryRunSkipsProbeAndReportsPlan(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)
	var probed atomic.Bool
	s := session(host)
	s.Prober = proberFunc(func(context.Context, domain.Slot, domain.HealthConfig) health.Result {
		probed.Store(true)
		return health.Result{Verdict: health.Unhealthy}
	})
	s.Plan = func() []string { return []string{"docker rename citadel citadel_retiring"} }
	req := renameRequest(v2)
	req.DryRun = true

	out := swap.NewEngine(s).Run(context.Background(), req)

	assert.True(t, out.Committed())
	assert.False(t, probed.Load())
	assert.Equal(t, []string{"docker rename citadel citadel_retiring"}, out.Plan)
}

func TestEngine_ManualRollbackRedeploysPrevious(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8080})

	out := swap.NewEngine(session(host)).ManualRollback(context.Background(), renameRequest(v2), v1)

	require.True(t, out.Committed(), "error: %v", out.Err)
	c, _ := host.Container("citadel")
	assert.Equal(t, v1.ID, c.Image)
	assert.Equal(t, v1.ID, c.ImageID)
}

func TestBlueGreen_NoDarkWindow(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)

	var (
		stop    = make(chan struct{})
		wg      sync.WaitGroup
		samples atomic.Int64
		dark    atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			samples.Add(1)
			if !host.ProxyReachable() {
				dark.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))
	close(stop)
	wg.Wait()

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Positive(t, samples.Load())
	assert.Zero(t, dark.Load(), "proxy pointed at an unhealthy upstream")
	assert.Equal(t, 8002, host.ProxyPort())

	green, _ := host.Container("citadel-green")
	assert.True(t, green.Running)
	assert.Equal(t, v2.Image, green.Image)
	blue, ok := host.Container("citadel-blue")
	require.True(t, ok)
	assert.False(t, blue.Running)
}

func TestBlueGreen_AlternatesColors(t *testing.T) {
	host := mocks.NewFakeHost()
	host.SetProxyPort(8001)
	engine := swap.NewEngine(session(host))

	first := engine.Run(context.Background(), blueGreenRequest(v1))
	require.True(t, first.Committed(), "error: %v", first.Err)
	assert.Equal(t, 8002, host.ProxyPort())

	second := engine.Run(context.Background(), blueGreenRequest(v2))
	require.True(t, second.Committed(), "error: %v", second.Err)
	assert.Equal(t, 8001, host.ProxyPort())
	assert.Equal(t, v1, second.Previous)
	blue, _ := host.Container("citadel-blue")
	assert.Equal(t, v2.Image, blue.Image)
}

func TestBlueGreen_UnhealthyCandidateNeverTakesTraffic(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)
	host.HTTPStatus[v2.Image] = 500

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.True(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, 8001, host.ProxyPort())
	assert.True(t, host.ProxyReachable())
	assert.Equal(t, []string{"citadel-blue"}, host.Names())
}

func TestBlueGreen_SwitchFailureRollsBack(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)
	host.FailOps["switch:8002"] = errors.New("caddy reload failed")

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrSwap)
	assert.Equal(t, 8001, host.ProxyPort())
	assert.Equal(t, []string{"citadel-blue"}, host.Names())
}

func TestBlueGreen_UnknownProxyUpstream(t *testing.T) {
	host := mocks.NewFakeHost()
	host.SetProxyPort(9999)

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.False(t, out.RollbackPerformed)
	assert.Equal(t, domain.ErrConfig, out.Kind())
	assert.Empty(t, host.Names())
}

func TestBlueGreen_RollsBackWhenCandidateExits(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)
	host.Crashing[v2.Image] = true

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.True(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, v1, out.Deployed)
	assert.Equal(t, 8001, host.ProxyPort())
	blue, _ := host.Container("citadel-blue")
	assert.Equal(t, v1.Image, blue.Image)
	assert.True(t, blue.Running)
	assert.Equal(t, []string{"citadel-blue"}, host.Names())
}

func TestBlueGreen_RollsBackOnTimeout(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)
	host.Silent[v2.Image] = true

	out := swap.NewEngine(session(host)).Run(context.Background(), blueGreenRequest(v2))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrHealthTimeout)
	assert.Equal(t, v1, out.Deployed)
	assert.Equal(t, 8001, host.ProxyPort())
	assert.True(t, host.ProxyReachable())
	blue, _ := host.Container("citadel-blue")
	assert.Equal(t, v1.Image, blue.Image)
	assert.True(t, blue.Running)
	assert.Equal(t, []string{"citadel-blue"}, host.Names())
}

func TestRestore_RenameBringsBackRetiringInstance(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8080, Slot: "primary"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel_retiring", Image: v1.Image, ImageID: v1.ID, Port: 8080, Slot: "primary"})

	out := swap.NewEngine(session(host)).Restore(context.Background(), renameRequest(domain.ArtifactRef{}))

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v2, out.Previous)
	assert.Equal(t, v1, out.Deployed)
	assert.NotContains(t, out.Trail, domain.StatePushing)
	assert.Equal(t, []string{"citadel", "citadel_retiring"}, host.Names())

	live, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, live.Image)
	assert.True(t, live.Running)
	kept, _ := host.Container("citadel_retiring")
	assert.Equal(t, v2.Image, kept.Image)
	assert.False(t, kept.Running)
	assert.True(t, host.Reachable(8080))
	assert.False(t, host.Locked("citadel"))
}

func TestRestore_RenameReadsPlacementFromTarget(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8080, Slot: "primary"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel_retiring", Image: v1.Image, ImageID: v1.ID, Port: 8080, Slot: "primary"})
	req := renameRequest(domain.ArtifactRef{})
	req.Strategy = ""
	req.Ports.HostPorts = nil

	engine := swap.NewEngine(session(host))
	placed, err := engine.Placement(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyRename, placed.Strategy)
	assert.Equal(t, []int{8080}, placed.Ports.HostPorts)

	out := engine.Restore(context.Background(), req)
	require.True(t, out.Committed(), "error: %v", out.Err)
	live, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, live.Image)
}

func TestRestore_RenameUnhealthyBackupKeepsCurrent(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8080, Slot: "primary"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel_retiring", Image: v1.Image, ImageID: v1.ID, Port: 8080, Slot: "primary"})
	host.HTTPStatus[v1.Image] = 503

	out := swap.NewEngine(session(host)).Restore(context.Background(), renameRequest(domain.ArtifactRef{}))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.True(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, v2, out.Deployed)
	assert.Equal(t, []string{"citadel", "citadel_retiring"}, host.Names())

	live, _ := host.Container("citadel")
	assert.Equal(t, v2.Image, live.Image)
	assert.True(t, live.Running)
	kept, _ := host.Container("citadel_retiring")
	assert.Equal(t, v1.Image, kept.Image)
	assert.False(t, kept.Running)
}

func TestRestore_BlueGreenFlipsBackToStoppedColor(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Port: 8001, Slot: "blue"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel-green", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8002, Slot: "green"})
	host.SetProxyPort(8002)
	req := blueGreenRequest(domain.ArtifactRef{})
	req.Strategy = ""
	req.Ports.HostPorts = nil

	out := swap.NewEngine(session(host)).Restore(context.Background(), req)

	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v2, out.Previous)
	assert.Equal(t, v1, out.Deployed)
	assert.Equal(t, 8001, host.ProxyPort())
	assert.True(t, host.ProxyReachable())

	blue, _ := host.Container("citadel-blue")
	assert.True(t, blue.Running)
	green, ok := host.Container("citadel-green")
	require.True(t, ok)
	assert.False(t, green.Running)
}

func TestRestore_BlueGreenUnhealthyBackupNeverTakesTraffic(t *testing.T) {
	host := mocks.NewFakeHost()
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Port: 8001, Slot: "blue"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel-green", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8002, Slot: "green"})
	host.SetProxyPort(8002)
	host.Crashing[v1.Image] = true

	out := swap.NewEngine(session(host)).Restore(context.Background(), blueGreenRequest(domain.ArtifactRef{}))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrUnhealthy)
	assert.Equal(t, 8002, host.ProxyPort())
	green, _ := host.Container("citadel-green")
	assert.True(t, green.Running)
	blue, ok := host.Container("citadel-blue")
	require.True(t, ok)
	assert.False(t, blue.Running)
}

func TestRestore_NothingKeptOnTarget(t *testing.T) {
	host := mocks.NewFakeHost()
	runningV1(host)

	out := swap.NewEngine(session(host)).Restore(context.Background(), renameRequest(domain.ArtifactRef{}))

	assert.Equal(t, domain.StatusRolledBack, out.Status)
	assert.False(t, out.RollbackPerformed)
	assert.ErrorIs(t, out.Err, swap.ErrNoBackup)
	assert.Equal(t, domain.ErrConfig, out.Kind())
	assert.Equal(t, []string{"citadel"}, host.Names())
	assert.False(t, host.Locked("citadel"))
}

func lockScope(req domain.Request) lock.Scope {
	return lock.Scope{App: req.App, Host: req.Target.Name}
}

type proberFunc func(context.Context, domain.Slot, domain.HealthConfig) health.Result

func (f proberFunc) Probe(ctx context.Context, slot domain.Slot, cfg domain.HealthConfig) health.Result {
	return f(ctx, slot, cfg)
}
