package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/oar-cd/hoist/builder"
	"github.com/oar-cd/hoist/domain"
)

// MockArtifacts implements the pipeline's artifact source for testing
type MockArtifacts struct {
	mock.Mock
}

func (m *MockArtifacts) Build(ctx context.Context, spec builder.BuildSpec) (domain.ArtifactRef, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(domain.ArtifactRef), args.Error(1)
}

func (m *MockArtifacts) Resolve(ctx context.Context, image string) (domain.ArtifactRef, error) {
	args := m.Called(ctx, image)
	return args.Get(0).(domain.ArtifactRef), args.Error(1)
}

func (m *MockArtifacts) SmokeTest(ctx context.Context, ref domain.ArtifactRef, window time.Duration) error {
	args := m.Called(ctx, ref, window)
	return args.Error(0)
}
