/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package workspace adapts a local git checkout to the remediation
// engine's version-control port. Fixes run against the working tree, so
// the package provides snapshot/rollback over it in addition to the
// usual branch, commit, and push plumbing.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chainguard.dev/cimender/execrunner"
	"chainguard.dev/cimender/remediate"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const diffTimeout = 30 * time.Second

// Option configures a Repo.
type Option func(*Repo)

// WithIdentity sets the author identity used for fix commits. When the
// identity is not an email address, a chainguard.dev address is derived
// from it.
func WithIdentity(identity string) Option {
	return func(r *Repo) {
		r.identity = identity
	}
}

// WithTokenSource supplies the token used to authenticate pushes.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(r *Repo) {
		r.tokenSource = ts
	}
}

// Repo is a local git checkout.
type Repo struct {
	dir  string
	repo *git.Repository

	runner      *execrunner.Runner
	identity    string
	tokenSource oauth2.TokenSource
}

var _ remediate.VCS = (*Repo)(nil)

// Open opens the git repository rooted at dir.
func Open(dir string, opts ...Option) (*Repo, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", dir, err)
	}
	r := &Repo{
		dir:      dir,
		repo:     repo,
		runner:   execrunner.New(execrunner.WithDir(dir)),
		identity: "cimender",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Dir returns the workspace root.
func (r *Repo) Dir() string {
	return r.dir
}

// CurrentBranch returns the short name of the checked-out branch.
func (r *Repo) CurrentBranch(context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash())
	}
	return head.Name().Short(), nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (r *Repo) HasUncommittedChanges(context.Context) (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading status: %w", err)
	}
	return !status.IsClean(), nil
}

// savedFile is the captured pre-fix content of one dirty path. A nil
// entry records that the path did not exist.
type savedFile struct {
	data []byte
	mode os.FileMode
}

// snapshot captures HEAD, the checked-out branch, and the content of
// every dirty path, enough to restore the exact working-tree state
// later. Restoring is a hard reset and clean followed by rewriting the
// saved paths and checking the original branch back out.
type snapshot struct {
	repo   *Repo
	head   plumbing.Hash
	branch plumbing.ReferenceName
	files  map[string]*savedFile
}

var _ remediate.Snapshot = (*snapshot)(nil)

// Begin captures the current working-tree state.
func (r *Repo) Begin(ctx context.Context) (remediate.Snapshot, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	snap := &snapshot{
		repo:  r,
		head:  head.Hash(),
		files: map[string]*savedFile{},
	}
	if head.Name().IsBranch() {
		snap.branch = head.Name()
	}
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		full := filepath.Join(r.dir, path)
		data, err := os.ReadFile(full)
		if errors.Is(err, os.ErrNotExist) {
			snap.files[path] = nil
			continue
		} else if err != nil {
			return nil, fmt.Errorf("saving %s: %w", path, err)
		}
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("saving %s: %w", path, err)
		}
		snap.files[path] = &savedFile{data: data, mode: info.Mode().Perm()}
	}
	if len(snap.files) > 0 {
		clog.FromContext(ctx).Infof("Snapshotted %d dirty path(s) at %s", len(snap.files), snap.head)
	}
	return snap, nil
}

// Commit discards the snapshot, keeping the working tree as-is.
func (s *snapshot) Commit(context.Context) error {
	s.files = nil
	return nil
}

// Rollback restores the working tree to the state captured at Begin,
// including the branch that was checked out. A fix branch created after
// Begin is deleted.
func (s *snapshot) Rollback(ctx context.Context) error {
	cur, err := s.repo.repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	wt, err := s.repo.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: s.head}); err != nil {
		return fmt.Errorf("resetting to %s: %w", s.head, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning untracked files: %w", err)
	}
	if s.branch != "" && cur.Name().IsBranch() && cur.Name() != s.branch {
		if err := s.repo.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, s.branch)); err != nil {
			return fmt.Errorf("restoring branch %s: %w", s.branch.Short(), err)
		}
		if err := s.repo.repo.Storer.RemoveReference(cur.Name()); err != nil {
			return fmt.Errorf("removing %s: %w", cur.Name().Short(), err)
		}
	}

	for path, saved := range s.files {
		full := filepath.Join(s.repo.dir, path)
		if saved == nil {
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("restoring %s: %w", path, err)
		}
		if err := os.WriteFile(full, saved.data, saved.mode); err != nil {
			return fmt.Errorf("restoring %s: %w", path, err)
		}
	}
	clog.FromContext(ctx).Infof("Rolled back working tree to %s", s.head)
	return nil
}

// CreateBranch creates a branch at HEAD and checks it out, carrying the
// dirty working tree along.
func (r *Repo) CreateBranch(_ context.Context, name string) error {
	head, err := r.repo.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}

	refName := plumbing.NewBranchReferenceName(name)
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName, Keep: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// Checkout checks out an existing branch.
func (r *Repo) Checkout(_ context.Context, name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)}); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// Stage adds the given paths to the index.
func (r *Repo) Stage(_ context.Context, paths []string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	for _, path := range paths {
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
	}
	return nil
}

// Commit commits the staged changes with the configured identity.
func (r *Repo) Commit(_ context.Context, message string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	email := r.identity
	if !strings.Contains(email, "@") {
		email = fmt.Sprintf("%s@chainguard.dev", email)
	}

	if _, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.identity,
			Email: email,
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Push pushes the branch to the remote, optionally recording it as the
// branch's upstream.
func (r *Repo) Push(ctx context.Context, remote, branch string, setUpstream bool) error {
	log := clog.FromContext(ctx)

	refName := plumbing.NewBranchReferenceName(branch)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", refName, refName))
	log.Infof("Pushing %s to %s", refSpec, remote)

	var auth *githttp.BasicAuth
	if r.tokenSource != nil {
		token, err := r.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("getting token: %w", err)
		}
		auth = &githttp.BasicAuth{
			Username: "unused-when-using-access-tokens",
			Password: token.AccessToken,
		}
	}

	if err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Infof("Branch %s already up to date", branch)
		} else {
			return fmt.Errorf("pushing %s: %w", branch, err)
		}
	}

	if setUpstream {
		cfg, err := r.repo.Config()
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		cfg.Branches[branch] = &gitconfig.Branch{
			Name:   branch,
			Remote: remote,
			Merge:  refName,
		}
		if err := r.repo.SetConfig(cfg); err != nil {
			return fmt.Errorf("recording upstream for %s: %w", branch, err)
		}
	}
	return nil
}

// Diff returns the unified diff of the working tree against HEAD. It
// shells out to git: go-git has no worktree-vs-commit text diff.
func (r *Repo) Diff(ctx context.Context) (string, error) {
	res, err := r.runner.Run(ctx, diffTimeout, "git", "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("running git diff: %w", err)
	}
	return res.Stdout, nil
}
