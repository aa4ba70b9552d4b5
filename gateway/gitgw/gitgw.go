/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitgw implements gateway.Git on top of go-git, operating on
// a single persistent local clone of the fork with an additional
// "upstream" remote for the tracked repository.
//
// go-git has no conflict-producing merge, so Merge performs a
// file-granularity three-way merge: paths changed on both sides since
// the merge base conflict unless both sides arrived at identical
// content. See merge.go.
package gitgw

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chainguard.dev/forksync/gateway"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const upstreamRemote = "upstream"

// Gateway operates on one local clone of a fork.
type Gateway struct {
	repo *git.Repository
	dir  string
	inst gateway.Instance

	tokenSource oauth2.TokenSource
	identity    string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTokenSource sets the OAuth2 token source used for fetch and
// push. Leave unset for local filesystem remotes.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(g *Gateway) {
		g.tokenSource = ts
	}
}

// WithIdentity sets the committer identity for merge commits.
func WithIdentity(identity string) Option {
	return func(g *Gateway) {
		g.identity = identity
	}
}

// New opens the clone at dir, cloning originURL first if dir does not
// hold a repository yet, and ensures the upstream remote exists.
func New(ctx context.Context, dir, originURL string, inst gateway.Instance, opts ...Option) (*Gateway, error) {
	if dir == "" {
		return nil, errors.New("clone directory cannot be empty")
	}
	if inst.Upstream == "" {
		return nil, errors.New("instance upstream URL cannot be empty")
	}

	g := &Gateway{
		dir:      dir,
		inst:     inst,
		identity: "forksync",
	}
	for _, opt := range opts {
		opt(g)
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		auth, aerr := g.auth()
		if aerr != nil {
			return nil, aerr
		}
		clog.FromContext(ctx).With("url", originURL).With("dir", dir).Info("Cloning fork")
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:  originURL,
			Auth: auth,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening clone at %s: %w", dir, err)
	}
	g.repo = repo

	if _, err := repo.Remote(upstreamRemote); errors.Is(err, git.ErrRemoteNotFound) {
		if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{
			Name: upstreamRemote,
			URLs: []string{inst.Upstream},
		}); err != nil {
			return nil, fmt.Errorf("creating upstream remote: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("inspecting remotes: %w", err)
	}

	return g, nil
}

// WorkDir implements gateway.Git.
func (g *Gateway) WorkDir() string {
	return g.dir
}

// FetchUpstream implements gateway.Git.
func (g *Gateway) FetchUpstream(ctx context.Context) (string, error) {
	auth, err := g.auth()
	if err != nil {
		return "", err
	}

	branch := g.inst.UpstreamBranch
	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, upstreamRemote, branch))
	if err := g.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: upstreamRemote,
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
		Force:      true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetching upstream %s: %w", branch, err)
	}

	ref, err := g.repo.Reference(plumbing.NewRemoteReferenceName(upstreamRemote, branch), true)
	if err != nil {
		return "", fmt.Errorf("resolving upstream head: %w", err)
	}
	return ref.Hash().String(), nil
}

// FetchOrigin implements gateway.Git. Local refs for the instance's
// long-lived branches are reset to the fetched origin heads so later
// operations see fresh state.
func (g *Gateway) FetchOrigin(ctx context.Context) error {
	auth, err := g.auth()
	if err != nil {
		return err
	}

	if err := g.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Auth:       auth,
		Force:      true,
		Prune:      true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching origin: %w", err)
	}

	for _, branch := range []string{g.inst.TrackingBranch, g.inst.IntegrationBranch, g.inst.ProductionBranch} {
		remote, err := g.repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
		if err != nil {
			continue // branch may not exist yet
		}
		local := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), remote.Hash())
		if err := g.repo.Storer.SetReference(local); err != nil {
			return fmt.Errorf("syncing local branch %s: %w", branch, err)
		}
	}
	return nil
}

// Head implements gateway.Git.
func (g *Gateway) Head(_ context.Context, branch string) (string, error) {
	hash, err := g.resolve(branch)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// CreateBranch implements gateway.Git. from may be a branch name or a
// raw revision; an existing branch is reset.
func (g *Gateway) CreateBranch(_ context.Context, name, from string) error {
	hash, err := g.resolve(from)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", from, err)
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), hash)
	if err := g.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// Push implements gateway.Git.
func (g *Gateway) Push(ctx context.Context, branch string) error {
	auth, err := g.auth()
	if err != nil {
		return err
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
		Force:      true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch implements gateway.Git. Deletes locally and on origin;
// an already-absent branch is not an error.
func (g *Gateway) DeleteBranch(ctx context.Context, name string) error {
	_ = g.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))

	auth, err := g.auth()
	if err != nil {
		return err
	}
	spec := gitconfig.RefSpec(fmt.Sprintf(":refs/heads/%s", name))
	if err := g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{spec},
		Auth:       auth,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("deleting remote branch %s: %w", name, err)
	}
	_ = g.repo.Storer.RemoveReference(plumbing.NewRemoteReferenceName("origin", name))
	return nil
}

// DiffStat implements gateway.Git.
func (g *Gateway) DiffStat(_ context.Context, a, b string) ([]string, error) {
	treeA, err := g.treeOf(a)
	if err != nil {
		return nil, err
	}
	treeB, err := g.treeOf(b)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTree(treeB, treeA)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", a, b, err)
	}

	seen := map[string]struct{}{}
	var paths []string
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ListBranches implements gateway.Git, reporting origin branches.
func (g *Gateway) ListBranches(_ context.Context, prefix string) ([]gateway.BranchInfo, error) {
	iter, err := g.repo.References()
	if err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	defer iter.Close()

	const remotePrefix = "refs/remotes/origin/"
	var out []gateway.BranchInfo
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		if !strings.HasPrefix(name, remotePrefix) {
			return nil
		}
		short := strings.TrimPrefix(name, remotePrefix)
		if !strings.HasPrefix(short, prefix) || short == "HEAD" {
			return nil
		}
		commit, err := g.repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("reading commit for %s: %w", short, err)
		}
		out = append(out, gateway.BranchInfo{
			Name:        short,
			Head:        ref.Hash().String(),
			CommittedAt: commit.Committer.When,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Checkout implements gateway.Git.
func (g *Gateway) Checkout(_ context.Context, branch string) error {
	hash, err := g.resolve(branch)
	if err != nil {
		return err
	}
	return g.checkoutAt(branch, hash)
}

// checkoutAt resets the local branch to hash and force checks it out.
func (g *Gateway) checkoutAt(branch string, hash plumbing.Hash) error {
	refName := plumbing.NewBranchReferenceName(branch)
	if err := g.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return fmt.Errorf("setting branch %s: %w", branch, err)
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

// resolve maps a branch name or raw revision to a hash, preferring
// local branches (which FetchOrigin keeps in sync), then origin
// remote branches, then upstream remote branches.
func (g *Gateway) resolve(rev string) (plumbing.Hash, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(rev),
		plumbing.NewRemoteReferenceName("origin", rev),
		plumbing.NewRemoteReferenceName(upstreamRemote, rev),
	} {
		if ref, err := g.repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}
	if hash, err := g.repo.ResolveRevision(plumbing.Revision(rev)); err == nil {
		return *hash, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: revision %q", gateway.ErrNotFound, rev)
}

func (g *Gateway) treeOf(rev string) (*object.Tree, error) {
	hash, err := g.resolve(rev)
	if err != nil {
		return nil, err
	}
	commit, err := g.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading tree of %s: %w", hash, err)
	}
	return tree, nil
}

func (g *Gateway) auth() (*githttp.BasicAuth, error) {
	if g.tokenSource == nil {
		return nil, nil
	}
	token, err := g.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

func (g *Gateway) signature() *object.Signature {
	email := g.identity
	if !strings.Contains(email, "@") {
		email += "@users.noreply.github.com"
	}
	return &object.Signature{
		Name:  g.identity,
		Email: email,
		When:  time.Now(),
	}
}
