/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitgw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"chainguard.dev/forksync/gateway"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// sideChange records what one side of a merge did to a path since the
// merge base.
type sideChange struct {
	deleted bool
	hash    plumbing.Hash
	mode    filemode.FileMode
}

func (c sideChange) equal(o sideChange) bool {
	if c.deleted != o.deleted {
		return false
	}
	if c.deleted {
		return true
	}
	return c.hash == o.hash && c.mode == o.mode
}

// Merge implements gateway.Git.
//
// The merge is resolved at file granularity: a path changed on both
// sides since the merge base conflicts unless both sides reached the
// same content, in which case the change is taken once. A clean merge
// produces a two-parent commit on the local into branch.
func (g *Gateway) Merge(ctx context.Context, branch, into string) (gateway.MergeResult, error) {
	log := clog.FromContext(ctx).With("branch", branch).With("into", into)

	ours, theirs, err := g.mergeHeads(branch, into)
	if err != nil {
		return gateway.MergeResult{}, err
	}

	// Nothing to merge.
	if ok, err := theirs.IsAncestor(ours); err != nil {
		return gateway.MergeResult{}, fmt.Errorf("checking ancestry: %w", err)
	} else if ok {
		log.Info("Already merged")
		return gateway.MergeResult{Clean: true, MergedCommit: ours.Hash.String()}, nil
	}

	// Fast-forward.
	if ok, err := ours.IsAncestor(theirs); err != nil {
		return gateway.MergeResult{}, fmt.Errorf("checking ancestry: %w", err)
	} else if ok {
		if err := g.checkoutAt(into, theirs.Hash); err != nil {
			return gateway.MergeResult{}, err
		}
		log.With("commit", theirs.Hash.String()).Info("Fast-forwarded")
		return gateway.MergeResult{Clean: true, MergedCommit: theirs.Hash.String()}, nil
	}

	_, theirsChanges, conflicts, err := g.threeWay(ours, theirs)
	if err != nil {
		return gateway.MergeResult{}, err
	}

	if len(conflicts) > 0 {
		log.With("conflicts", len(conflicts)).Info("Merge conflicts")
		return gateway.MergeResult{ConflictFiles: conflicts}, nil
	}

	if err := g.checkoutAt(into, ours.Hash); err != nil {
		return gateway.MergeResult{}, err
	}
	if err := g.applyChanges(theirsChanges, nil); err != nil {
		return gateway.MergeResult{}, err
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return gateway.MergeResult{}, fmt.Errorf("getting worktree: %w", err)
	}
	commit, err := wt.Commit(fmt.Sprintf("Merge %s into %s", branch, into), &git.CommitOptions{
		Author:            g.signature(),
		Parents:           []plumbing.Hash{ours.Hash, theirs.Hash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return gateway.MergeResult{}, fmt.Errorf("committing merge: %w", err)
	}

	log.With("commit", commit.String()).Info("Merged cleanly")
	return gateway.MergeResult{Clean: true, MergedCommit: commit.String()}, nil
}

// MaterializeConflicts implements gateway.Git. It creates onto at the
// head of into, applies the non-conflicting changes from branch, and
// commits each conflicting path as a whole file wrapped in standard
// conflict markers.
func (g *Gateway) MaterializeConflicts(ctx context.Context, branch, into, onto string) error {
	ours, theirs, err := g.mergeHeads(branch, into)
	if err != nil {
		return err
	}

	_, theirsChanges, conflicts, err := g.threeWay(ours, theirs)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		return fmt.Errorf("no conflicts merging %s into %s", branch, into)
	}

	if err := g.checkoutAt(onto, ours.Hash); err != nil {
		return err
	}

	conflicted := map[string]struct{}{}
	for _, path := range conflicts {
		conflicted[path] = struct{}{}
	}
	if err := g.applyChanges(theirsChanges, conflicted); err != nil {
		return err
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	for _, path := range conflicts {
		oursContent, err := contentAt(ours, path)
		if err != nil {
			return err
		}
		theirsContent, err := contentAt(theirs, path)
		if err != nil {
			return err
		}
		marked := fmt.Sprintf("<<<<<<< %s\n%s=======\n%s>>>>>>> %s\n",
			into, ensureNewline(oursContent), ensureNewline(theirsContent), branch)
		if err := g.writeFile(path, []byte(marked), filemode.Regular); err != nil {
			return err
		}
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
	}

	commit, err := wt.Commit(fmt.Sprintf("Conflicts merging %s into %s", branch, into), &git.CommitOptions{
		Author: g.signature(),
	})
	if err != nil {
		return fmt.Errorf("committing conflict markers: %w", err)
	}

	clog.FromContext(ctx).With("branch", onto).With("commit", commit.String()).
		With("conflicts", len(conflicts)).Info("Materialized conflicts")
	return nil
}

// mergeHeads resolves into (ours) and branch (theirs) to commits.
func (g *Gateway) mergeHeads(branch, into string) (ours, theirs *object.Commit, err error) {
	oursHash, err := g.resolve(into)
	if err != nil {
		return nil, nil, err
	}
	theirsHash, err := g.resolve(branch)
	if err != nil {
		return nil, nil, err
	}
	if ours, err = g.repo.CommitObject(oursHash); err != nil {
		return nil, nil, fmt.Errorf("reading commit %s: %w", oursHash, err)
	}
	if theirs, err = g.repo.CommitObject(theirsHash); err != nil {
		return nil, nil, fmt.Errorf("reading commit %s: %w", theirsHash, err)
	}
	return ours, theirs, nil
}

// threeWay computes both sides' changes since the merge base and the
// sorted list of conflicting paths.
func (g *Gateway) threeWay(ours, theirs *object.Commit) (oursChanges, theirsChanges map[string]sideChange, conflicts []string, err error) {
	bases, err := ours.MergeBase(theirs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("finding merge base: %w", err)
	}
	if len(bases) == 0 {
		return nil, nil, nil, errors.New("branches share no history")
	}
	base := bases[0]

	if oursChanges, err = sideChanges(base, ours); err != nil {
		return nil, nil, nil, err
	}
	if theirsChanges, err = sideChanges(base, theirs); err != nil {
		return nil, nil, nil, err
	}

	for path, tc := range theirsChanges {
		if oc, ok := oursChanges[path]; ok && !oc.equal(tc) {
			conflicts = append(conflicts, path)
		}
	}
	sort.Strings(conflicts)
	return oursChanges, theirsChanges, conflicts, nil
}

// sideChanges diffs base against side and indexes the result by path.
func sideChanges(base, side *object.Commit) (map[string]sideChange, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading base tree: %w", err)
	}
	sideTree, err := side.Tree()
	if err != nil {
		return nil, fmt.Errorf("reading side tree: %w", err)
	}
	changes, err := object.DiffTree(baseTree, sideTree)
	if err != nil {
		return nil, fmt.Errorf("diffing trees: %w", err)
	}

	out := map[string]sideChange{}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("classifying change: %w", err)
		}
		switch action {
		case merkletrie.Delete:
			out[ch.From.Name] = sideChange{deleted: true}
		default:
			// Renames surface as delete+insert pairs here, which is the
			// conservative reading for conflict detection.
			if ch.From.Name != "" && ch.From.Name != ch.To.Name {
				out[ch.From.Name] = sideChange{deleted: true}
			}
			out[ch.To.Name] = sideChange{
				hash: ch.To.TreeEntry.Hash,
				mode: ch.To.TreeEntry.Mode,
			}
		}
	}
	return out, nil
}

// applyChanges replays theirs-side changes onto the checked-out
// worktree, skipping the given conflicted paths.
func (g *Gateway) applyChanges(changes map[string]sideChange, skip map[string]struct{}) error {
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if skip != nil {
			if _, ok := skip[path]; ok {
				continue
			}
		}
		ch := changes[path]
		if ch.deleted {
			if _, err := wt.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			continue
		}
		blob, err := g.repo.BlobObject(ch.hash)
		if err != nil {
			return fmt.Errorf("reading blob for %s: %w", path, err)
		}
		r, err := blob.Reader()
		if err != nil {
			return fmt.Errorf("opening blob for %s: %w", path, err)
		}
		content, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("reading blob for %s: %w", path, err)
		}
		if err := g.writeFile(path, content, ch.mode); err != nil {
			return err
		}
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("staging %s: %w", path, err)
		}
	}
	return nil
}

func (g *Gateway) writeFile(path string, content []byte, mode filemode.FileMode) error {
	abs := filepath.Join(g.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	perm := os.FileMode(0o644)
	if mode == filemode.Executable {
		perm = 0o755
	}
	if err := os.WriteFile(abs, content, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// contentAt returns the file content at a commit, or "" if the path
// does not exist there.
func contentAt(commit *object.Commit, path string) (string, error) {
	f, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, commit.Hash, err)
	}
	content, err := f.Contents()
	if err != nil {
		return "", fmt.Errorf("reading %s at %s: %w", path, commit.Hash, err)
	}
	return content, nil
}

func ensureNewline(s string) string {
	if s == "" || s[len(s)-1] == '\n' {
		return s
	}
	return s + "\n"
}
