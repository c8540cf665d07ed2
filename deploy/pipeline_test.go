package deploy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/builder"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/fleet"
	"github.com/oar-cd/hoist/logging"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/swap"
	"github.com/oar-cd/hoist/testing/mocks"
)

var (
	v1 = domain.ArtifactRef{Image: "citadel:v1", ID: "sha256:1111"}
	v2 = domain.ArtifactRef{Image: "citadel:v2", ID: "sha256:2222"}
)

var testSettings = Settings{
	LockRoot:    "/var/lock/hoist",
	LockTTL:     time.Minute,
	SmokeWindow: time.Second,
	Health:      domain.HealthConfig{Interval: 5 * time.Millisecond, Timeout: 300 * time.Millisecond},
}

type fixture struct {
	pipeline  *Pipeline
	artifacts *mocks.MockArtifacts
	dialer    *mocks.MockDialer
	secrets   *mocks.MockEnvResolver
	history   *mocks.MockHistory
	hosts     map[string]*mocks.FakeHost
}

// newFixture builds a pipeline whose targets are fake hosts.
func newFixture(names ...string) *fixture {
	f := &fixture{
		artifacts: &mocks.MockArtifacts{},
		dialer:    &mocks.MockDialer{},
		secrets:   &mocks.MockEnvResolver{},
		history:   &mocks.MockHistory{},
		hosts:     map[string]*mocks.FakeHost{},
	}
	for _, n := range names {
		f.hosts[n] = mocks.NewFakeHost()
	}
	f.pipeline = NewPipeline(f.dialer, f.artifacts, nil, f.secrets, f.history, testSettings)
	f.pipeline.newSession = func(_ remote.Executor, req domain.Request) swap.Session {
		return f.hosts[req.Target.Name].Session()
	}
	return f
}

func (f *fixture) runningV1() {
	for _, h := range f.hosts {
		h.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8080, Slot: "primary"})
	}
}

func targets(names ...string) (domain.ServerGroup, []domain.Target) {
	out := make([]domain.Target, len(names))
	for i, n := range names {
		out[i] = domain.Target{Name: n, Host: "localhost"}
	}
	return domain.ServerGroup{Name: "web", Servers: names}, out
}

func opts() Options {
	return Options{
		Image:      v2.Image,
		ContextDir: "/src/citadel",
		Ports:      domain.PortPlan{HostPorts: []int{8080}},
		Mode:       fleet.Parallel,
	}
}

func TestDeploy_BuildsOnceAndRollsOut(t *testing.T) {
	f := newFixture("web-1", "web-2", "web-3")
	f.runningV1()
	f.artifacts.On("Build", mock.Anything, mock.MatchedBy(func(s builder.BuildSpec) bool {
		return s.ContextDir == "/src/citadel" && s.Image == v2.Image
	})).Return(v2, nil).Once()
	f.artifacts.On("SmokeTest", mock.Anything, v2, time.Second).Return(nil).Once()

	group, ts := targets("web-1", "web-2", "web-3")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, opts())

	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.True(t, domain.AllCommitted(outcomes))
	for _, o := range outcomes {
		assert.Equal(t, "citadel", o.App)
		assert.Equal(t, v2, o.Deployed)
		assert.Equal(t, v1, o.Previous)
	}
	f.artifacts.AssertExpectations(t)

	records := f.history.All()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, domain.TriggerCLI, r.Trigger)
		assert.Equal(t, domain.StrategyRename, r.Strategy)
		assert.Equal(t, []int{8080}, r.Ports.HostPorts)
	}
}

func TestDeploy_SkipBuildResolvesLocalImage(t *testing.T) {
	f := newFixture("web-1")
	f.artifacts.On("Resolve", mock.Anything, v2.Image).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, v2, time.Second).Return(nil)

	o := opts()
	o.SkipBuild = true
	group, ts := targets("web-1")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, o)

	require.NoError(t, err)
	assert.True(t, outcomes[0].Committed())
	f.artifacts.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)
}

func TestDeploy_SmokeTestFailureStopsBeforeAnyTarget(t *testing.T) {
	f := newFixture("web-1", "web-2")
	smoke := &builder.SmokeError{ExitCode: 1, Logs: "boom"}
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, v2, time.Second).Return(smoke)

	group, ts := targets("web-1", "web-2")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, opts())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSmokeTest)
	assert.Nil(t, outcomes)
	assert.Empty(t, f.dialer.Dialed)
	assert.Empty(t, f.history.All())
}

func TestDeploy_BuildFailure(t *testing.T) {
	f := newFixture("web-1")
	f.artifacts.On("Build", mock.Anything, mock.Anything).
		Return(domain.ArtifactRef{}, errors.Join(domain.ErrBuild, errors.New("step 3 failed")))

	group, ts := targets("web-1")
	_, err := f.pipeline.Deploy(context.Background(), group, ts, opts())

	assert.ErrorIs(t, err, domain.ErrBuild)
	assert.Empty(t, f.dialer.Dialed)
}

func TestDeploy_RequiresImageAndTargets(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.Deploy(context.Background(), domain.ServerGroup{Name: "web"}, nil, Options{})
	assert.ErrorIs(t, err, domain.ErrConfig)

	_, err = f.pipeline.Deploy(context.Background(), domain.ServerGroup{Name: "web"}, nil, opts())
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestDeploy_SecretFailureIsolatedToTarget(t *testing.T) {
	f := newFixture("web-1", "web-2")
	f.runningV1()
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.secrets.ResolveFunc = func(env string) (map[string]string, error) {
		if env == "broken" {
			return nil, errors.Join(domain.ErrConfig, errors.New("decrypt API_KEY"))
		}
		return map[string]string{"MODE": env}, nil
	}

	group, ts := targets("web-1", "web-2")
	ts[1].Env = "broken"
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, opts())
	require.NoError(t, err)

	assert.True(t, outcomes[0].Committed())
	assert.Equal(t, domain.StatusRolledBack, outcomes[1].Status)
	assert.False(t, outcomes[1].RollbackPerformed)
	assert.ErrorIs(t, outcomes[1].Err, domain.ErrConfig)
	assert.Equal(t, []string{"web-1"}, f.dialer.Dialed)

	c, _ := f.hosts["web-2"].Container("citadel")
	assert.Equal(t, v1.Image, c.Image)
}

func TestDeploy_DialFailure(t *testing.T) {
	f := newFixture("web-1")
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.dialer.DialFunc = func(context.Context, domain.Target) (remote.Executor, error) {
		return nil, errors.Join(domain.ErrAuth, errors.New("no supported methods remain"))
	}

	group, ts := targets("web-1")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, opts())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRolledBack, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err, domain.ErrAuth)
	require.Len(t, f.history.All(), 1)
}

func TestDeploy_HistoryFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture("web-1")
	f.history.CreateErr = errors.New("database is locked")
	var logs bytes.Buffer
	original := slog.Default()
	slog.SetDefault(slog.New(logging.NewHandler(&logs, "error", "text")))
	defer slog.SetDefault(original)
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	group, ts := targets("web-1")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, opts())

	require.NoError(t, err)
	assert.True(t, outcomes[0].Committed())
	assert.Contains(t, logs.String(), "operation=record_outcome")
	assert.Contains(t, logs.String(), `error="database is locked"`)
}

func TestDeploy_DryRunRecordsPlanWithoutTouchingTarget(t *testing.T) {
	f := newFixture()
	f.pipeline.newSession = f.pipeline.session
	f.dialer.DialFunc = func(context.Context, domain.Target) (remote.Executor, error) {
		rec := remote.NewRecorder(nil)
		rec.QueryFunc = func(cmd string) (remote.Result, error) {
			if strings.Contains(cmd, "inspect") || strings.HasPrefix(cmd, "cat ") {
				res := remote.Result{ExitCode: 1, Stderr: "Error: No such object"}
				return res, &remote.ExitError{Command: cmd, Result: res}
			}
			return remote.Result{}, nil
		}
		return rec, nil
	}
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)

	o := opts()
	o.DryRun = true
	group, ts := targets("web-1")
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, o)
	require.NoError(t, err)

	out := outcomes[0]
	require.True(t, out.Committed(), "error: %v", out.Err)
	f.artifacts.AssertNotCalled(t, "SmokeTest", mock.Anything, mock.Anything, mock.Anything)

	plan := strings.Join(out.Plan, "\n")
	assert.Contains(t, plan, "mkdir /var/lock/hoist/citadel.lock")
	assert.Contains(t, plan, "docker save citadel:v2")
	assert.Contains(t, plan, "docker load")
	assert.Contains(t, plan, "run -d --name citadel")

	records := f.history.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].DryRun)
}

func TestRollback_RedeploysPreviousArtifact(t *testing.T) {
	f := newFixture("web-1")
	f.runningV1()
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	group, ts := targets("web-1")
	_, err := f.pipeline.Deploy(context.Background(), group, ts, opts())
	require.NoError(t, err)

	out, err := f.pipeline.Rollback(context.Background(), ts[0], "citadel", RollbackOptions{})
	require.NoError(t, err)
	require.True(t, out.Committed(), "error: %v", out.Err)

	c, _ := f.hosts["web-1"].Container("citadel")
	assert.Equal(t, v1.ID, c.ImageID)

	records := f.history.All()
	require.Len(t, records, 2)
	assert.Equal(t, domain.TriggerRollback, records[1].Trigger)
	assert.Equal(t, []int{8080}, records[1].Ports.HostPorts)
}

func TestRollback_WithoutPredecessor(t *testing.T) {
	f := newFixture("web-1")
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	group, ts := targets("web-1")
	_, err := f.pipeline.Deploy(context.Background(), group, ts, opts())
	require.NoError(t, err)

	_, err = f.pipeline.Rollback(context.Background(), ts[0], "citadel", RollbackOptions{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestRollback_NoHistory(t *testing.T) {
	f := newFixture("web-1")
	_, ts := targets("web-1")

	_, err := f.pipeline.Rollback(context.Background(), ts[0], "citadel", RollbackOptions{})
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestRollback_RestoresRetiringInstanceWithoutHistory(t *testing.T) {
	f := newFixture("web-1")
	host := f.hosts["web-1"]
	host.AddContainer(mocks.FakeContainer{Name: "citadel", Image: v2.Image, ImageID: v2.ID, Running: true, Port: 8080, Slot: "primary"})
	host.AddContainer(mocks.FakeContainer{Name: "citadel_retiring", Image: v1.Image, ImageID: v1.ID, Port: 8080, Slot: "primary"})
	_, ts := targets("web-1")

	out, err := f.pipeline.Rollback(context.Background(), ts[0], "citadel", RollbackOptions{})

	require.NoError(t, err)
	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v1, out.Deployed)
	assert.Equal(t, v2, out.Previous)
	live, _ := host.Container("citadel")
	assert.Equal(t, v1.Image, live.Image)
	assert.True(t, live.Running)
	f.artifacts.AssertNotCalled(t, "Build", mock.Anything, mock.Anything)

	records := f.history.All()
	require.Len(t, records, 1)
	assert.Equal(t, domain.TriggerRollback, records[0].Trigger)
	assert.Equal(t, domain.StrategyRename, records[0].Strategy)
	assert.Equal(t, []int{8080}, records[0].Ports.HostPorts)
}

func TestRollback_FlipsProxyBackToPreviousColor(t *testing.T) {
	f := newFixture("web-1")
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	host := f.hosts["web-1"]
	host.AddContainer(mocks.FakeContainer{Name: "citadel-blue", Image: v1.Image, ImageID: v1.ID, Running: true, Port: 8001, Slot: "blue"})
	host.SetProxyPort(8001)

	group, ts := targets("web-1")
	ts[0].Proxy = &domain.ProxyConfig{ConfigPath: "/etc/caddy/Caddyfile", ReloadCommand: "true"}
	o := opts()
	o.Ports = domain.PortPlan{HostPorts: []int{8001, 8002}}
	outcomes, err := f.pipeline.Deploy(context.Background(), group, ts, o)
	require.NoError(t, err)
	require.True(t, domain.AllCommitted(outcomes))
	require.Equal(t, 8002, host.ProxyPort())

	out, err := f.pipeline.Rollback(context.Background(), ts[0], "citadel", RollbackOptions{})

	require.NoError(t, err)
	require.True(t, out.Committed(), "error: %v", out.Err)
	assert.Equal(t, v1, out.Deployed)
	assert.Equal(t, 8001, host.ProxyPort())
	blue, _ := host.Container("citadel-blue")
	assert.True(t, blue.Running)
	assert.Equal(t, v1.Image, blue.Image)
	green, ok := host.Container("citadel-green")
	require.True(t, ok)
	assert.False(t, green.Running)
	assert.Equal(t, v2.Image, green.Image)
}
