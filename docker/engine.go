package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// Engine wraps the local Docker Engine SDK client.
type Engine struct {
	cli *client.Client
}

// NewEngine connects to the local daemon (DOCKER_HOST or the default socket).
func NewEngine() (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Engine{cli: cli}, nil
}

// Close closes the Docker client
func (e *Engine) Close() error {
	if e.cli != nil {
		return e.cli.Close()
	}
	return nil
}

// BuildOptions selects what to build and how to tag it.
type BuildOptions struct {
	ContextDir string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]*string
	NoCache    bool
}

// Build builds an image from a context directory and returns its id.
// Progress goes to out as plain text.
func (e *Engine) Build(ctx context.Context, opts BuildOptions, out io.Writer) (string, error) {
	tar, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to archive build context %s: %w", opts.ContextDir, err)
	}
	defer func() { _ = tar.Close() }()

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	resp, err := e.cli.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  dockerfile,
		BuildArgs:   opts.BuildArgs,
		NoCache:     opts.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start build of %s: %w", opts.Tag, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close image build reader", "error", closeErr)
		}
	}()

	if out == nil {
		out = io.Discard
	}
	var imageID string
	err = jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var aux struct {
			ID string `json:"ID"`
		}
		if json.Unmarshal(*msg.Aux, &aux) == nil && aux.ID != "" {
			imageID = aux.ID
		}
	})
	if err != nil {
		return "", fmt.Errorf("build of %s failed: %w", opts.Tag, err)
	}

	if imageID == "" {
		if imageID, err = e.ImageID(ctx, opts.Tag); err != nil {
			return "", err
		}
	}
	return imageID, nil
}

// ImageID returns the content id of a local image.
func (e *Engine) ImageID(ctx context.Context, ref string) (string, error) {
	info, err := e.cli.ImageInspect(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return info.ID, nil
}

// Save streams the image as a tar archive, as `docker save` would.
func (e *Engine) Save(ctx context.Context, ref string) (io.ReadCloser, error) {
	rc, err := e.cli.ImageSave(ctx, []string{ref})
	if err != nil {
		return nil, fmt.Errorf("failed to save image %s: %w", ref, err)
	}
	return rc, nil
}

// StartIsolated creates and starts a container without network access
// and returns its id.
func (e *Engine) StartIsolated(ctx context.Context, image, name string, env []string) (string, error) {
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Env:    env,
		Labels: map[string]string{LabelRole: "smoke"},
	}, &container.HostConfig{
		NetworkMode: "none",
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", image, err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = e.Remove(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return resp.ID, nil
}

// State reports whether a container is still running, its status and exit code.
func (e *Engine) State(ctx context.Context, id string) (running bool, status string, exitCode int, err error) {
	info, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, "", 0, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if info.State == nil {
		return false, "unknown", 0, nil
	}
	return info.State.Running, string(info.State.Status), info.State.ExitCode, nil
}

// Logs returns the last tail lines of combined container output.
func (e *Engine) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs of %s: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("failed to demultiplex logs of %s: %w", id, err)
	}
	return buf.String(), nil
}

// Remove force-removes a container.
func (e *Engine) Remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}
