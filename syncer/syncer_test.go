/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package syncer

import (
	"context"
	"strings"
	"testing"
	"time"

	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/gateway/gatewaytest"
	"chainguard.dev/forksync/lifecycle"
	"chainguard.dev/forksync/statestore"
	"github.com/google/go-cmp/cmp"
)

var testInstance = gateway.Instance{
	Owner:             "octo",
	Repo:              "fork",
	Upstream:          "https://example.com/upstream/repo.git",
	UpstreamBranch:    "main",
	TrackingBranch:    "fork_upstream",
	IntegrationBranch: "fork_integration",
	ProductionBranch:  "main",
}

var testNow = time.Date(2026, 8, 15, 10, 30, 0, 0, time.UTC)

func TestDecide(t *testing.T) {
	openPR := &gateway.PullRequest{Number: 7, HeadRef: "sync/upstream-abc"}

	tests := []struct {
		name  string
		head  string
		state *statestore.SyncState
		open  []*gateway.PullRequest
		want  Action
	}{{
		name: "new upstream, no PR",
		head: "u2",
		state: &statestore.SyncState{
			LastSyncedUpstream: "u1",
		},
		want: ActionCreateNew,
	}, {
		name:  "first ever sync",
		head:  "u1",
		state: nil,
		want:  ActionCreateNew,
	}, {
		name: "open PR, upstream unchanged",
		head: "u1",
		state: &statestore.SyncState{
			LastSyncedUpstream: "u1",
		},
		open: []*gateway.PullRequest{openPR},
		want: ActionRemind,
	}, {
		name: "open PR, upstream moved",
		head: "u2",
		state: &statestore.SyncState{
			LastSyncedUpstream: "u1",
		},
		open: []*gateway.PullRequest{openPR},
		want: ActionUpdateExisting,
	}, {
		name: "no PR, upstream unchanged",
		head: "u1",
		state: &statestore.SyncState{
			LastSyncedUpstream: "u1",
		},
		want: ActionNoOp,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.head, tt.state, tt.open)
			if got.Action != tt.want {
				t.Errorf("Decide() = %s, want %s", got.Action, tt.want)
			}
		})
	}
}

func newTestEngine(t *testing.T, git *gatewaytest.FakeGit, host *gatewaytest.FakeHosting) (*Engine, *statestore.Store) {
	t.Helper()
	store, err := statestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.New() = %v", err)
	}
	eng := NewEngine(testInstance, git, host, store,
		WithClock(func() time.Time { return testNow }))
	return eng, store
}

func TestRunCreateNew(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, store := newTestEngine(t, git, host)

	attempt, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if attempt.Action != ActionCreateNew {
		t.Fatalf("Run() action = %s, want create-new", attempt.Action)
	}

	pr, err := host.GetPullRequest(ctx, attempt.SyncPR)
	if err != nil {
		t.Fatalf("GetPullRequest() = %v", err)
	}
	if pr.BaseRef != "fork_upstream" || pr.HeadRef != "sync/upstream-u1" {
		t.Errorf("sync PR = %s <- %s, want fork_upstream <- sync/upstream-u1", pr.BaseRef, pr.HeadRef)
	}
	if !gateway.HasLabel(pr.Labels, lifecycle.LabelUpstreamSync) {
		t.Errorf("sync PR labels = %v, missing %s", pr.Labels, lifecycle.LabelUpstreamSync)
	}

	issue, err := host.GetIssue(ctx, attempt.TrackingIssue)
	if err != nil {
		t.Fatalf("GetIssue() = %v", err)
	}
	for _, want := range []string{lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired} {
		if !gateway.HasLabel(issue.Labels, want) {
			t.Errorf("tracking issue labels = %v, missing %s", issue.Labels, want)
		}
	}

	if diff := cmp.Diff([]string{"sync/upstream-u1"}, git.PushedBranches); diff != "" {
		t.Errorf("pushed branches mismatch (-want, +got):\n%s", diff)
	}

	state, err := store.Get(ctx, testInstance.Key())
	if err != nil {
		t.Fatalf("store.Get() = %v", err)
	}
	// The upstream revision is only recorded once the cascade lands it
	// in production, never at PR creation time.
	if state.LastSyncedUpstream != "" {
		t.Errorf("LastSyncedUpstream = %q, want empty until cascade completes", state.LastSyncedUpstream)
	}
	if state.PendingUpstream != "u1" {
		t.Errorf("PendingUpstream = %q, want u1", state.PendingUpstream)
	}
	if state.OpenSyncPR != attempt.SyncPR || state.OpenTrackingIssue != attempt.TrackingIssue {
		t.Errorf("state = %+v, want PR %d and issue %d recorded", state, attempt.SyncPR, attempt.TrackingIssue)
	}
	if !state.LastAttempt.Equal(testNow) {
		t.Errorf("LastAttempt = %v, want %v", state.LastAttempt, testNow)
	}
}

func TestRunNoDuplicatePRs(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	for i := 0; i < 3; i++ {
		if _, err := eng.Run(ctx); err != nil {
			t.Fatalf("Run() #%d = %v", i+1, err)
		}
	}

	prs, err := host.FindOpenPullRequests(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		t.Fatalf("FindOpenPullRequests() = %v", err)
	}
	if len(prs) != 1 {
		t.Errorf("open sync PRs = %d, want exactly 1", len(prs))
	}
	issues, err := host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		t.Fatalf("FindOpenIssues() = %v", err)
	}
	if len(issues) != 1 {
		t.Errorf("open tracking issues = %d, want exactly 1", len(issues))
	}
}

func TestRunRemindMutatesNothing(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, store := newTestEngine(t, git, host)

	// First run opens the PR; pretend the cascade already carried u1.
	attempt, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	state, err := store.Get(ctx, testInstance.Key())
	if err != nil {
		t.Fatalf("store.Get() = %v", err)
	}
	state.LastSyncedUpstream = "u1"
	if err := store.Put(ctx, testInstance.Key(), state); err != nil {
		t.Fatalf("store.Put() = %v", err)
	}

	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got.Action != ActionRemind {
		t.Fatalf("Run() action = %s, want remind", got.Action)
	}

	comments := host.PRComments[attempt.SyncPR]
	if len(comments) != 1 || !strings.Contains(comments[0], "awaiting review") {
		t.Errorf("PR comments = %v, want one reminder", comments)
	}
	if len(host.IssueComments[attempt.TrackingIssue]) != 1 {
		t.Errorf("issue comments = %v, want one reminder", host.IssueComments[attempt.TrackingIssue])
	}

	after, err := store.Get(ctx, testInstance.Key())
	if err != nil {
		t.Fatalf("store.Get() = %v", err)
	}
	if diff := cmp.Diff(state, after); diff != "" {
		t.Errorf("remind mutated state (-before, +after):\n%s", diff)
	}
}

func TestRunUpdateExisting(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	attempt, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// Upstream moves again before the first PR is reviewed.
	git.UpstreamHead = "u2"
	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got.Action != ActionUpdateExisting {
		t.Fatalf("Run() action = %s, want update-existing", got.Action)
	}
	if got.SyncPR != attempt.SyncPR {
		t.Errorf("updated PR = %d, want existing #%d", got.SyncPR, attempt.SyncPR)
	}

	if head := git.Branches["sync/upstream-u1"]; head != "u2" {
		t.Errorf("sync branch head = %s, want advanced to u2", head)
	}
	pr, err := host.GetPullRequest(ctx, attempt.SyncPR)
	if err != nil {
		t.Fatalf("GetPullRequest() = %v", err)
	}
	if !strings.Contains(pr.Title, "u2") {
		t.Errorf("PR title = %q, want refreshed for u2", pr.Title)
	}
}

func TestRunNoOpWhenTrackingBranchCurrent(t *testing.T) {
	ctx := context.Background()
	// Sync PR merged: tracking branch sits at the upstream head, but
	// the cascade has not yet advanced the durable record.
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "u1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got.Action != ActionNoOp {
		t.Errorf("Run() action = %s, want no-op while cascade catches up", got.Action)
	}
	if len(host.PRs) != 0 || len(host.Issues) != 0 {
		t.Errorf("created PRs=%d issues=%d, want none", len(host.PRs), len(host.Issues))
	}
}

func TestRunNoOpAfterSyncPRMergeCommit(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	attempt, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// The human merges the sync PR with a merge commit, so the tracking
	// head is a new SHA rather than the upstream revision itself.
	host.MergePR(attempt.SyncPR)
	git.Branches["fork_upstream"] = "merge-of-t1-and-u1"

	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() = %v", err)
	}
	if got.Action != ActionNoOp {
		t.Errorf("second Run() action = %s, want no-op for an already merged revision", got.Action)
	}

	prs, err := host.FindOpenPullRequests(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		t.Fatalf("FindOpenPullRequests() = %v", err)
	}
	if len(prs) != 0 {
		t.Errorf("open sync PRs after merged cycle = %d, want 0", len(prs))
	}
	issues, err := host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		t.Fatalf("FindOpenIssues() = %v", err)
	}
	if len(issues) != 1 {
		t.Errorf("tracking issues after merged cycle = %d, want the original 1", len(issues))
	}
}

func TestRunRecreatesAfterSyncPRClosedUnmerged(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	attempt, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// Closed without merging: the revision never landed, so the next
	// run proposes it again.
	host.ClosePR(attempt.SyncPR)

	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() = %v", err)
	}
	if got.Action != ActionCreateNew {
		t.Errorf("second Run() action = %s, want create-new after unmerged close", got.Action)
	}
	if got.SyncPR == attempt.SyncPR {
		t.Errorf("second Run() reused closed PR #%d", got.SyncPR)
	}
}

func TestRemindFindsTrackingIssueWithoutHint(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":             "p1",
		"fork_upstream":    "t1",
		"fork_integration": "i1",
	})
	git.UpstreamHead = "u1"
	host := gatewaytest.NewFakeHosting()
	eng, store := newTestEngine(t, git, host)

	pr, err := host.CreatePullRequest(ctx, gateway.NewPullRequest{
		Title: "Sync fork_upstream with upstream (u1)",
		Head:  "sync/upstream-u1", Base: "fork_upstream",
		Labels: []string{lifecycle.LabelUpstreamSync},
	})
	if err != nil {
		t.Fatalf("CreatePullRequest() = %v", err)
	}
	issue := host.SeedIssue([]string{lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired}, testNow)

	// The record survived with the synced revision but lost its issue
	// hint.
	if err := store.Put(ctx, testInstance.Key(), &statestore.SyncState{
		LastSyncedUpstream: "u1",
	}); err != nil {
		t.Fatalf("store.Put() = %v", err)
	}

	got, err := eng.Run(ctx)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if got.Action != ActionRemind {
		t.Fatalf("Run() action = %s, want remind", got.Action)
	}
	if len(host.PRComments[pr]) != 1 {
		t.Errorf("PR comments = %v, want one reminder", host.PRComments[pr])
	}
	if len(host.IssueComments[issue]) != 1 {
		t.Errorf("issue comments = %v, want reminder despite lost hint", host.IssueComments[issue])
	}
}

func TestStaleBranchCleanup(t *testing.T) {
	ctx := context.Background()
	git := gatewaytest.NewFakeGit(map[string]string{
		"main":              "p1",
		"fork_upstream":     "t1",
		"fork_integration":  "i1",
		"sync/upstream-old": "dead",
		"sync/upstream-new": "warm",
	})
	git.UpstreamHead = "u1"
	git.BranchTimes["sync/upstream-old"] = testNow.Add(-48 * time.Hour)
	git.BranchTimes["sync/upstream-new"] = testNow.Add(-1 * time.Hour)
	host := gatewaytest.NewFakeHosting()
	eng, _ := newTestEngine(t, git, host)

	if _, err := eng.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if diff := cmp.Diff([]string{"sync/upstream-old"}, git.DeletedBranches); diff != "" {
		t.Errorf("deleted branches mismatch (-want, +got):\n%s", diff)
	}
	if _, ok := git.Branches["sync/upstream-new"]; !ok {
		t.Error("recent sync branch was deleted")
	}
}
