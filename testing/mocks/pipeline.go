package mocks

import (
	"context"
	"sync"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/queue"
	"github.com/oar-cd/hoist/remote"
	"github.com/oar-cd/hoist/repository"
)

// MockDialer hands out recorders instead of real connections.
type MockDialer struct {
	DialFunc func(ctx context.Context, target domain.Target) (remote.Executor, error)

	mu     sync.Mutex
	Dialed []string
}

func (m *MockDialer) Dial(ctx context.Context, target domain.Target) (remote.Executor, error) {
	m.mu.Lock()
	m.Dialed = append(m.Dialed, target.Name)
	m.mu.Unlock()
	if m.DialFunc != nil {
		return m.DialFunc(ctx, target)
	}
	return remote.NewRecorder(nil), nil
}

// MockEnvResolver implements the secrets resolver for testing
type MockEnvResolver struct {
	ResolveFunc func(env string) (map[string]string, error)
}

func (m *MockEnvResolver) Resolve(env string) (map[string]string, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(env)
	}
	return map[string]string{}, nil
}

// MockHistory keeps deployment records in memory.
type MockHistory struct {
	CreateErr error

	mu      sync.Mutex
	Records []domain.DeploymentRecord
}

func (m *MockHistory) Create(record *domain.DeploymentRecord) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, *record)
	return nil
}

func (m *MockHistory) LatestCommitted(app, target string) (*domain.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Records) - 1; i >= 0; i-- {
		r := m.Records[i]
		if r.Outcome.App == app && r.Outcome.Target == target && r.Outcome.Committed() && !r.DryRun {
			return &r, nil
		}
	}
	return nil, repository.ErrNotFound
}

// All returns a copy of the recorded deployments.
func (m *MockHistory) All() []domain.DeploymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeploymentRecord(nil), m.Records...)
}

// MockSyncer implements the git syncer for testing
type MockSyncer struct {
	SyncFunc func(ctx context.Context, repo domain.Repo, revision string) (string, string, error)
}

func (m *MockSyncer) Sync(ctx context.Context, repo domain.Repo, revision string) (string, string, error) {
	if m.SyncFunc != nil {
		return m.SyncFunc(ctx, repo, revision)
	}
	return "/tmp/" + repo.Name, revision, nil
}

// StatusReport is one commit status published through MockStatusReporter.
type StatusReport struct {
	Repository  string
	SHA         string
	State       queue.CommitState
	Description string
}

type MockStatusReporter struct {
	mu      sync.Mutex
	Reports []StatusReport
}

func (m *MockStatusReporter) Report(_ context.Context, repository, sha string, state queue.CommitState, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reports = append(m.Reports, StatusReport{repository, sha, state, description})
	return nil
}

// States returns the reported states in order.
func (m *MockStatusReporter) States() []queue.CommitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var states []queue.CommitState
	for _, r := range m.Reports {
		states = append(states, r.State)
	}
	return states
}
