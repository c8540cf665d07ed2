package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oar-cd/hoist/builder"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/queue"
	"github.com/oar-cd/hoist/testing/mocks"
)

type resolverFunc func(name string) (domain.ServerGroup, []domain.Target, error)

func (f resolverFunc) Resolve(name string) (domain.ServerGroup, []domain.Target, error) {
	return f(name)
}

const commit = "9f2c1e4b7a3d5c6e8f0a1b2c3d4e5f6a7b8c9d0e"

var citadelRepo = domain.Repo{
	Name:    "acme/citadel",
	URL:     "https://github.com/acme/citadel.git",
	Branch:  "main",
	Target:  "web",
	Image:   "registry.local/citadel:latest",
	Context: "services/api",
	Ports:   []int{8080},
}

func newRunner(f *fixture) (*BuildRunner, *mocks.MockStatusReporter, *mocks.MockSyncer) {
	status := &mocks.MockStatusReporter{}
	syncer := &mocks.MockSyncer{
		SyncFunc: func(_ context.Context, repo domain.Repo, revision string) (string, string, error) {
			return "/work/citadel", commit, nil
		},
	}
	resolver := resolverFunc(func(name string) (domain.ServerGroup, []domain.Target, error) {
		if name != "web" {
			return domain.ServerGroup{}, nil, errors.Join(domain.ErrConfig, errors.New("unknown group"))
		}
		group, ts := targets("web-1", "web-2")
		return group, ts, nil
	})
	return NewBuildRunner(f.pipeline, syncer, resolver, status), status, syncer
}

func TestBuildRunner_DeploysRevision(t *testing.T) {
	f := newFixture("web-1", "web-2")
	runner, status, _ := newRunner(f)
	built := domain.ArtifactRef{Image: "registry.local/citadel:9f2c1e4b7a3d", ID: "sha256:3333"}
	f.artifacts.On("Build", mock.Anything, mock.MatchedBy(func(s builder.BuildSpec) bool {
		return s.ContextDir == "/work/citadel/services/api" && s.Image == built.Image
	})).Return(built, nil)
	f.artifacts.On("SmokeTest", mock.Anything, built, mock.Anything).Return(nil)

	err := runner.Run(context.Background(), citadelRepo, *domain.NewBuildJob("acme/citadel", commit))

	require.NoError(t, err)
	f.artifacts.AssertExpectations(t)
	assert.Equal(t, []queue.CommitState{queue.StatePending, queue.StateSuccess}, status.States())
	assert.Equal(t, "acme/citadel", status.Reports[0].Repository)
	assert.Equal(t, commit, status.Reports[0].SHA)

	records := f.history.All()
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, domain.TriggerWebhook, r.Trigger)
		assert.Equal(t, commit, r.Revision)
		assert.Equal(t, "citadel", r.Outcome.App)
	}
}

func TestBuildRunner_ReportsFailedTargets(t *testing.T) {
	f := newFixture("web-1", "web-2")
	f.hosts["web-2"].PushErr = errors.Join(domain.ErrTransport, errors.New("connection reset"))
	runner, status, _ := newRunner(f)
	f.artifacts.On("Build", mock.Anything, mock.Anything).Return(v2, nil)
	f.artifacts.On("SmokeTest", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := runner.Run(context.Background(), citadelRepo, *domain.NewBuildJob("acme/citadel", ""))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 target(s) failed")
	assert.Contains(t, err.Error(), "web-2")
	assert.Equal(t, []queue.CommitState{queue.StatePending, queue.StateFailure}, status.States())
}

func TestBuildRunner_BuildErrorIsReported(t *testing.T) {
	f := newFixture("web-1", "web-2")
	runner, status, _ := newRunner(f)
	f.artifacts.On("Build", mock.Anything, mock.Anything).
		Return(domain.ArtifactRef{}, errors.Join(domain.ErrBuild, errors.New("no Dockerfile")))

	err := runner.Run(context.Background(), citadelRepo, *domain.NewBuildJob("acme/citadel", ""))

	assert.ErrorIs(t, err, domain.ErrBuild)
	assert.Equal(t, []queue.CommitState{queue.StatePending, queue.StateError}, status.States())
	assert.Empty(t, f.dialer.Dialed)
}

func TestBuildRunner_SyncFailure(t *testing.T) {
	f := newFixture("web-1", "web-2")
	runner, status, syncer := newRunner(f)
	syncer.SyncFunc = func(context.Context, domain.Repo, string) (string, string, error) {
		return "", "", errors.Join(domain.ErrBuild, errors.New("authentication required"))
	}

	err := runner.Run(context.Background(), citadelRepo, *domain.NewBuildJob("acme/citadel", ""))

	assert.ErrorIs(t, err, domain.ErrBuild)
	assert.Empty(t, status.States())
}

func TestBuildRunner_UnknownTarget(t *testing.T) {
	f := newFixture()
	runner, _, _ := newRunner(f)
	repo := citadelRepo
	repo.Target = "nowhere"

	err := runner.Run(context.Background(), repo, *domain.NewBuildJob("acme/citadel", ""))

	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestImageFor(t *testing.T) {
	assert.Equal(t, "registry.local/citadel:9f2c1e4b7a3d", imageFor(citadelRepo, commit))
	assert.Equal(t, "localhost:5000/citadel:abc", imageFor(domain.Repo{Image: "localhost:5000/citadel"}, "abc"))
	assert.Equal(t, "my-service:abc", imageFor(domain.Repo{Name: "acme/My Service"}, "abc"))
}

func TestStatusRepository(t *testing.T) {
	assert.Equal(t, "acme/citadel", statusRepository(citadelRepo))
	assert.Equal(t, "acme/api", statusRepository(domain.Repo{Name: "api", URL: "git@github.com:acme/api.git"}))
	assert.Equal(t, "", statusRepository(domain.Repo{Name: "api", URL: "https://gitlab.com/acme/api.git"}))
}
