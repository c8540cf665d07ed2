package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/fleet"
	"github.com/oar-cd/hoist/queue"
)

// Syncer checks out a repository revision.
type Syncer interface {
	Sync(ctx context.Context, repo domain.Repo, revision string) (dir, commit string, err error)
}

// Resolver maps a server or group name onto its targets.
type Resolver interface {
	Resolve(name string) (domain.ServerGroup, []domain.Target, error)
}

// StatusReporter publishes build progress to the source host.
type StatusReporter interface {
	Report(ctx context.Context, repository, sha string, state queue.CommitState, description string) error
}

// BuildRunner turns queued webhook jobs into deployments.
type BuildRunner struct {
	pipeline *Pipeline
	syncer   Syncer
	targets  Resolver
	status   StatusReporter
}

func NewBuildRunner(pipeline *Pipeline, syncer Syncer, targets Resolver, status StatusReporter) *BuildRunner {
	return &BuildRunner{pipeline: pipeline, syncer: syncer, targets: targets, status: status}
}

// Run is a queue.RunFunc. The commit status is reported as pending once
// the revision is known and as success only when every target committed.
func (b *BuildRunner) Run(ctx context.Context, repo domain.Repo, job domain.BuildJob) error {
	group, targets, err := b.targets.Resolve(repo.Target)
	if err != nil {
		return err
	}

	dir, commit, err := b.syncer.Sync(ctx, repo, job.Revision)
	if err != nil {
		return err
	}
	repository := statusRepository(repo)
	b.report(ctx, repository, commit, queue.StatePending, "Deploying to "+group.Name)

	image := imageFor(repo, commit)
	contextDir := dir
	if repo.Context != "" {
		contextDir = filepath.Join(dir, filepath.FromSlash(repo.Context))
	}

	outcomes, err := b.pipeline.Deploy(ctx, group, targets, Options{
		App:        domain.AppNameFromImage(image),
		Image:      image,
		ContextDir: contextDir,
		Ports:      domain.PortPlan{HostPorts: repo.Ports},
		Env:        repo.Env,
		Mode:       fleet.Parallel,
		Trigger:    domain.TriggerWebhook,
		Revision:   commit,
	})
	if err != nil {
		b.report(ctx, repository, commit, queue.StateError, err.Error())
		return err
	}
	if err := summarize(outcomes); err != nil {
		b.report(ctx, repository, commit, queue.StateFailure, err.Error())
		return err
	}
	b.report(ctx, repository, commit, queue.StateSuccess, fmt.Sprintf("Deployed to %d target(s)", len(outcomes)))
	return nil
}

func (b *BuildRunner) report(ctx context.Context, repository, sha string, state queue.CommitState, description string) {
	if b.status == nil {
		return
	}
	if err := b.status.Report(context.WithoutCancel(ctx), repository, sha, state, description); err != nil {
		slog.Warn("Failed to report commit status", "layer", "deploy", "repository", repository,
			"commit", sha, "state", string(state), "error", err)
	}
}

// imageFor tags the configured image, or one named after the repository,
// with the short commit.
func imageFor(repo domain.Repo, commit string) string {
	image := repo.Image
	if image == "" {
		image = slug.Make(filepath.Base(repo.Name))
	}
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		image = image[:i]
	}
	short := commit
	if len(short) > 12 {
		short = short[:12]
	}
	return image + ":" + short
}

// statusRepository returns owner/name for a repository hosted on GitHub.
func statusRepository(repo domain.Repo) string {
	if strings.Count(repo.Name, "/") == 1 {
		return repo.Name
	}
	url := strings.TrimSuffix(repo.URL, ".git")
	for _, prefix := range []string{"https://github.com/", "git@github.com:", "ssh://git@github.com/"} {
		if rest, ok := strings.CutPrefix(url, prefix); ok {
			return rest
		}
	}
	return ""
}

// summarize returns an error naming every target that did not commit.
func summarize(outcomes []domain.Outcome) error {
	var failed []string
	for _, o := range outcomes {
		if !o.Committed() {
			failed = append(failed, fmt.Sprintf("%s: %s", o.Target, o.ErrorMessage()))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d target(s) failed: %s", len(failed), len(outcomes), strings.Join(failed, "; "))
}
