/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitgw

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainguard.dev/forksync/gateway"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
)

// commitIn writes files into dir and commits them, returning the new
// head hash.
func commitIn(t *testing.T, repo *git.Repository, dir string, files map[string]string, msg string) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree() = %v", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll() = %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() = %v", err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add(%q) = %v", name, err)
		}
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	return hash
}

// newFixture builds an upstream repo, a bare origin cloned from it,
// and a Gateway working in a fresh clone of origin.
func newFixture(t *testing.T) (gw *Gateway, upstream *git.Repository, upstreamDir string) {
	t.Helper()
	ctx := context.Background()

	upstreamDir = t.TempDir()
	upstream, err := git.PlainInit(upstreamDir, false)
	if err != nil {
		t.Fatalf("PlainInit() = %v", err)
	}
	commitIn(t, upstream, upstreamDir, map[string]string{
		"README.md": "hello\n",
		"main.go":   "package main\n",
	}, "initial")

	originDir := t.TempDir()
	if _, err := git.PlainClone(originDir, true, &git.CloneOptions{URL: upstreamDir}); err != nil {
		t.Fatalf("PlainClone(bare) = %v", err)
	}

	inst := gateway.Instance{
		Owner:             "octo",
		Repo:              "fork",
		Upstream:          upstreamDir,
		UpstreamBranch:    "master",
		TrackingBranch:    "fork_upstream",
		IntegrationBranch: "fork_integration",
		ProductionBranch:  "master",
	}
	gw, err = New(ctx, t.TempDir(), originDir, inst)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return gw, upstream, upstreamDir
}

func TestFetchUpstream(t *testing.T) {
	ctx := context.Background()
	gw, upstream, upstreamDir := newFixture(t)

	want := commitIn(t, upstream, upstreamDir, map[string]string{
		"feature.go": "package main\n\nfunc feature() {}\n",
	}, "add feature")

	got, err := gw.FetchUpstream(ctx)
	if err != nil {
		t.Fatalf("FetchUpstream() = %v", err)
	}
	if got != want.String() {
		t.Errorf("FetchUpstream() = %s, want %s", got, want)
	}

	head, err := gw.Head(ctx, "upstream/master")
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}
	if head != want.String() {
		t.Errorf("Head(upstream/master) = %s, want %s", head, want)
	}
}

func TestBranchLifecycle(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "sync/upstream-abc123", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Push(ctx, "sync/upstream-abc123"); err != nil {
		t.Fatalf("Push() = %v", err)
	}
	if err := gw.FetchOrigin(ctx); err != nil {
		t.Fatalf("FetchOrigin() = %v", err)
	}

	branches, err := gw.ListBranches(ctx, "sync/")
	if err != nil {
		t.Fatalf("ListBranches() = %v", err)
	}
	var names []string
	for _, b := range branches {
		names = append(names, b.Name)
		if b.CommittedAt.IsZero() {
			t.Errorf("branch %s has zero commit time", b.Name)
		}
	}
	if diff := cmp.Diff([]string{"sync/upstream-abc123"}, names); diff != "" {
		t.Errorf("ListBranches() mismatch (-want, +got):\n%s", diff)
	}

	if err := gw.DeleteBranch(ctx, "sync/upstream-abc123"); err != nil {
		t.Fatalf("DeleteBranch() = %v", err)
	}
	if err := gw.FetchOrigin(ctx); err != nil {
		t.Fatalf("FetchOrigin() = %v", err)
	}
	branches, err = gw.ListBranches(ctx, "sync/")
	if err != nil {
		t.Fatalf("ListBranches() = %v", err)
	}
	if len(branches) != 0 {
		t.Errorf("ListBranches() after delete = %v, want none", branches)
	}
}

func TestMergeFastForward(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "feature", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "feature"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	want := commitIn(t, gw.repo, gw.dir, map[string]string{
		"feature.go": "package main\n",
	}, "add feature")

	res, err := gw.Merge(ctx, "feature", "master")
	if err != nil {
		t.Fatalf("Merge() = %v", err)
	}
	if !res.Clean {
		t.Fatalf("Merge() conflicts = %v, want clean", res.ConflictFiles)
	}
	if res.MergedCommit != want.String() {
		t.Errorf("MergedCommit = %s, want fast-forward to %s", res.MergedCommit, want)
	}
}

func TestMergeAlreadyMerged(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "stale", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	head, err := gw.Head(ctx, "master")
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}

	res, err := gw.Merge(ctx, "stale", "master")
	if err != nil {
		t.Fatalf("Merge() = %v", err)
	}
	if !res.Clean || res.MergedCommit != head {
		t.Errorf("Merge() = %+v, want clean no-op at %s", res, head)
	}
}

func TestMergeClean(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "theirs", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "theirs"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"theirs.go": "package main\n\nvar theirs = true\n",
	}, "theirs side")

	if err := gw.Checkout(ctx, "master"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"ours.go": "package main\n\nvar ours = true\n",
	}, "ours side")

	res, err := gw.Merge(ctx, "theirs", "master")
	if err != nil {
		t.Fatalf("Merge() = %v", err)
	}
	if !res.Clean {
		t.Fatalf("Merge() conflicts = %v, want clean", res.ConflictFiles)
	}

	commit, err := gw.repo.CommitObject(plumbing.NewHash(res.MergedCommit))
	if err != nil {
		t.Fatalf("CommitObject() = %v", err)
	}
	if commit.NumParents() != 2 {
		t.Errorf("merge commit has %d parents, want 2", commit.NumParents())
	}
	for _, name := range []string{"ours.go", "theirs.go"} {
		if _, err := commit.File(name); err != nil {
			t.Errorf("merge commit missing %s: %v", name, err)
		}
	}
}

func TestMergeConflict(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "theirs", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "theirs"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"main.go": "package main\n\n// their edit\n",
	}, "theirs side")

	if err := gw.Checkout(ctx, "master"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"main.go": "package main\n\n// our edit\n",
	}, "ours side")
	before, err := gw.Head(ctx, "master")
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}

	res, err := gw.Merge(ctx, "theirs", "master")
	if err != nil {
		t.Fatalf("Merge() = %v", err)
	}
	if res.Clean {
		t.Fatal("Merge() = clean, want conflict")
	}
	if diff := cmp.Diff([]string{"main.go"}, res.ConflictFiles); diff != "" {
		t.Errorf("ConflictFiles mismatch (-want, +got):\n%s", diff)
	}

	after, err := gw.Head(ctx, "master")
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}
	if after != before {
		t.Errorf("master moved from %s to %s on a conflicted merge", before, after)
	}
}

func TestMergeBothSidesIdentical(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	patch := map[string]string{"main.go": "package main\n\n// same fix\n"}

	if err := gw.CreateBranch(ctx, "theirs", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "theirs"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, patch, "theirs side")

	if err := gw.Checkout(ctx, "master"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, patch, "ours side")

	res, err := gw.Merge(ctx, "theirs", "master")
	if err != nil {
		t.Fatalf("Merge() = %v", err)
	}
	if !res.Clean {
		t.Errorf("Merge() conflicts = %v, want clean for identical changes", res.ConflictFiles)
	}
}

func TestMaterializeConflicts(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "theirs", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "theirs"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"main.go":   "package main\n\n// their edit\n",
		"theirs.go": "package main\n",
	}, "theirs side")

	if err := gw.Checkout(ctx, "master"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"main.go": "package main\n\n// our edit\n",
	}, "ours side")

	if err := gw.MaterializeConflicts(ctx, "theirs", "master", "conflict/theirs"); err != nil {
		t.Fatalf("MaterializeConflicts() = %v", err)
	}

	head, err := gw.Head(ctx, "conflict/theirs")
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}
	commit, err := gw.repo.CommitObject(plumbing.NewHash(head))
	if err != nil {
		t.Fatalf("CommitObject() = %v", err)
	}

	f, err := commit.File("main.go")
	if err != nil {
		t.Fatalf("File(main.go) = %v", err)
	}
	content, err := f.Contents()
	if err != nil {
		t.Fatalf("Contents() = %v", err)
	}
	for _, marker := range []string{"<<<<<<< master", "=======", ">>>>>>> theirs", "// our edit", "// their edit"} {
		if !strings.Contains(content, marker) {
			t.Errorf("conflict file missing %q:\n%s", marker, content)
		}
	}

	// Non-conflicting theirs changes ride along.
	if _, err := commit.File("theirs.go"); err != nil {
		t.Errorf("conflict branch missing theirs.go: %v", err)
	}
}

func TestDiffStat(t *testing.T) {
	ctx := context.Background()
	gw, _, _ := newFixture(t)

	if err := gw.CreateBranch(ctx, "ahead", "master"); err != nil {
		t.Fatalf("CreateBranch() = %v", err)
	}
	if err := gw.Checkout(ctx, "ahead"); err != nil {
		t.Fatalf("Checkout() = %v", err)
	}
	commitIn(t, gw.repo, gw.dir, map[string]string{
		"b.go": "package main\n",
		"a.go": "package main\n",
	}, "two files")

	got, err := gw.DiffStat(ctx, "ahead", "master")
	if err != nil {
		t.Fatalf("DiffStat() = %v", err)
	}
	if diff := cmp.Diff([]string{"a.go", "b.go"}, got); diff != "" {
		t.Errorf("DiffStat() mismatch (-want, +got):\n%s", diff)
	}

	same, err := gw.DiffStat(ctx, "master", "master")
	if err != nil {
		t.Fatalf("DiffStat() = %v", err)
	}
	if len(same) != 0 {
		t.Errorf("DiffStat(master, master) = %v, want empty", same)
	}
}
