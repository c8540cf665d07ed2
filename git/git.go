// Package git keeps local working copies of allow-listed repositories in
// sync with the revisions webhooks ask to build.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/gosimple/slug"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/logging"
)

type Syncer struct {
	root    string
	timeout time.Duration
}

// NewSyncer keeps working copies under root.
func NewSyncer(root string, timeout time.Duration) *Syncer {
	return &Syncer{root: root, timeout: timeout}
}

// Dir returns the working copy directory for a repository.
func (s *Syncer) Dir(repo domain.Repo) string {
	return filepath.Join(s.root, slug.Make(repo.Name))
}

// Sync clones or fetches repo and hard-checks-out revision. An empty
// revision means the tip of the tracked branch. It returns the working
// copy directory and the commit that is checked out.
func (s *Syncer) Sync(ctx context.Context, repo domain.Repo, revision string) (string, string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	auth, err := authMethod(repo.Auth)
	if err != nil {
		return "", "", fmt.Errorf("%w: git auth for %s: %w", domain.ErrConfig, repo.Name, err)
	}
	branch := repo.Branch
	if branch == "" {
		if branch, err = s.DefaultBranch(ctx, repo.URL, auth); err != nil {
			return "", "", err
		}
	}

	dir := s.Dir(repo)
	r, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r, err = s.clone(ctx, repo.URL, branch, auth, dir)
	} else if err == nil {
		err = s.fetch(ctx, r, branch, auth)
	}
	if err != nil {
		logging.OperationFailed("git", "sync", err, "repo", repo.Name, "working_dir", dir)
		return "", "", fmt.Errorf("%w: sync %s: %w", domain.ErrBuild, repo.Name, err)
	}

	hash, err := resolve(r, branch, revision)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrBuild, err)
	}

	worktree, err := r.Worktree()
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrBuild, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return "", "", fmt.Errorf("%w: checkout %s: %w", domain.ErrBuild, hash, err)
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return "", "", fmt.Errorf("%w: reset to %s: %w", domain.ErrBuild, hash, err)
	}

	slog.Info("Repository synced", "repo", repo.Name, "branch", branch, "commit", hash.String(), "working_dir", dir)
	return dir, hash.String(), nil
}

func (s *Syncer) clone(ctx context.Context, url, branch string, auth transport.AuthMethod, dir string) (*git.Repository, error) {
	slog.Info("Cloning repository", "git_url", url, "git_branch", branch, "working_dir", dir)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	r, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to clone repository: %w", err)
	}
	return r, nil
}

func (s *Syncer) fetch(ctx context.Context, r *git.Repository, branch string, auth transport.AuthMethod) error {
	err := r.FetchContext(ctx, &git.FetchOptions{
		Auth: auth,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

func resolve(r *git.Repository, branch, revision string) (plumbing.Hash, error) {
	if revision != "" {
		hash, err := r.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("revision %s not found: %w", revision, err)
		}
		return *hash, nil
	}
	ref, err := r.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to get remote reference for %s: %w", branch, err)
	}
	return ref.Hash(), nil
}

// DefaultBranch asks the remote which branch HEAD points to.
func (s *Syncer) DefaultBranch(ctx context.Context, url string, auth transport.AuthMethod) (string, error) {
	remote := git.NewRemote(nil, &config.RemoteConfig{Name: "origin", URLs: []string{url}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("failed to list remote references: %w", err)
	}
	for _, ref := range refs {
		if ref.Name() != plumbing.HEAD {
			continue
		}
		if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
			return ref.Target().Short(), nil
		}
		for _, other := range refs {
			if other.Hash() == ref.Hash() && other.Name().IsBranch() {
				return other.Name().Short(), nil
			}
		}
	}
	return "", fmt.Errorf("could not determine default branch for repository %s", url)
}

func authMethod(auth *domain.GitAuthConfig) (transport.AuthMethod, error) {
	if auth == nil {
		return nil, nil
	}
	if auth.HTTPToken != "" {
		return &http.BasicAuth{Username: "x-access-token", Password: auth.HTTPToken}, nil
	}
	if auth.SSHKeyFile != "" {
		user := auth.SSHUser
		if user == "" {
			user = "git"
		}
		return ssh.NewPublicKeysFromFile(user, auth.SSHKeyFile, auth.SSHPassphrase)
	}
	return nil, nil
}
