// Package builder produces artifacts on the deployer's machine and
// rejects the ones that cannot even stay up in isolation.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oar-cd/hoist/docker"
	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
)

const (
	DefaultSmokeWindow = 3 * time.Second
	smokeLogLines      = 20
)

// Engine is the part of the local container engine the builder uses.
type Engine interface {
	Build(ctx context.Context, opts docker.BuildOptions, out io.Writer) (string, error)
	ImageID(ctx context.Context, ref string) (string, error)
	StartIsolated(ctx context.Context, image, name string, env []string) (string, error)
	State(ctx context.Context, id string) (running bool, status string, exitCode int, err error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Remove(ctx context.Context, id string) error
}

// BuildSpec describes one image build.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Image      string
	BuildArgs  map[string]*string
	NoCache    bool
	// Output receives build progress. Nil discards it.
	Output io.Writer
}

type Builder struct {
	engine Engine
	poll   time.Duration
}

func New(engine Engine) *Builder {
	return &Builder{engine: engine, poll: 250 * time.Millisecond}
}

// Build builds spec.Image and returns its reference and content id.
func (b *Builder) Build(ctx context.Context, spec BuildSpec) (domain.ArtifactRef, error) {
	if spec.Image == "" || spec.ContextDir == "" {
		return domain.ArtifactRef{}, fmt.Errorf("%w: build needs an image name and a context directory", domain.ErrConfig)
	}

	start := time.Now()
	slog.Info("Building image", "layer", "builder", "image", spec.Image, "context", spec.ContextDir)
	id, err := b.engine.Build(ctx, docker.BuildOptions{
		ContextDir: spec.ContextDir,
		Dockerfile: spec.Dockerfile,
		Tag:        spec.Image,
		BuildArgs:  spec.BuildArgs,
		NoCache:    spec.NoCache,
	}, spec.Output)
	if err != nil {
		if ctx.Err() != nil {
			return domain.ArtifactRef{}, fmt.Errorf("%w: build of %s: %w", domain.ErrCancelled, spec.Image, ctx.Err())
		}
		logging.OperationFailed("builder", "build", err, "image", spec.Image)
		return domain.ArtifactRef{}, fmt.Errorf("%w: %w", domain.ErrBuild, err)
	}

	ref := domain.ArtifactRef{Image: spec.Image, ID: id}
	slog.Info("Image built", "layer", "builder", "artifact", ref.String(),
		"duration", time.Since(start).Round(time.Millisecond))
	return ref, nil
}

// Resolve looks up an already built local image.
func (b *Builder) Resolve(ctx context.Context, image string) (domain.ArtifactRef, error) {
	id, err := b.engine.ImageID(ctx, image)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("%w: %w", domain.ErrBuild, err)
	}
	return domain.ArtifactRef{Image: image, ID: id}, nil
}

// SmokeTest starts the artifact without network access and fails if it
// exits before window elapses. The container is always removed.
func (b *Builder) SmokeTest(ctx context.Context, ref domain.ArtifactRef, window time.Duration) error {
	if window <= 0 {
		window = DefaultSmokeWindow
	}
	image := ref.Image
	if ref.ID != "" {
		image = ref.ID
	}
	name := fmt.Sprintf("hoist-smoke-%s-%s", domain.AppNameFromImage(ref.Image), uuid.NewString()[:8])

	id, err := b.engine.StartIsolated(ctx, image, name, nil)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: smoke test: %w", domain.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: %w", domain.ErrSmokeTest, err)
	}
	defer func() {
		if err := b.engine.Remove(context.WithoutCancel(ctx), id); err != nil {
			slog.Warn("Failed to remove smoke test container", "layer", "builder", "container", name, "error", err)
		}
	}()

	deadline := time.Now().Add(window)
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		running, status, exitCode, err := b.engine.State(ctx, id)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", domain.ErrSmokeTest, err)
		}
		if err == nil && !running && status != "created" {
			logs, _ := b.engine.Logs(context.WithoutCancel(ctx), id, smokeLogLines)
			slog.Error("Smoke test failed", "layer", "builder", "artifact", ref.String(),
				"status", status, "exit_code", exitCode)
			return &SmokeError{Artifact: ref, Status: status, ExitCode: exitCode, Logs: logs}
		}
		if !time.Now().Before(deadline) {
			slog.Info("Smoke test passed", "layer", "builder", "artifact", ref.String(), "window", window)
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: smoke test: %w", domain.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SmokeError carries the tail of the crashed container's output.
type SmokeError struct {
	Artifact domain.ArtifactRef
	Status   string
	ExitCode int
	Logs     string
}

func (e *SmokeError) Error() string {
	msg := fmt.Sprintf("%s is %s (exit code %d) within the smoke test window", e.Artifact.Image, e.Status, e.ExitCode)
	if logs := strings.TrimSpace(e.Logs); logs != "" {
		msg += "\n" + logs
	}
	return msg
}

func (e *SmokeError) Unwrap() error {
	return domain.ErrSmokeTest
}

// IsSmokeFailure reports whether err came from a failed smoke test.
func IsSmokeFailure(err error) bool {
	return errors.Is(err, domain.ErrSmokeTest)
}
