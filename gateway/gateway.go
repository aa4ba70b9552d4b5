/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gateway

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that a requested pull request, issue, or branch
// does not exist on the remote.
var ErrNotFound = errors.New("gateway: not found")

// Instance identifies one downstream fork under management, together
// with the branch topology its cascade operates on.
type Instance struct {
	// Owner and Repo identify the fork on the hosting system.
	Owner string
	Repo  string

	// Upstream is the clone URL of the repository being tracked.
	Upstream string

	// UpstreamBranch is the branch followed on the upstream remote.
	UpstreamBranch string

	// TrackingBranch mirrors the upstream branch inside the fork.
	TrackingBranch string

	// IntegrationBranch is the long-lived branch changes are staged on
	// before they reach production.
	IntegrationBranch string

	// ProductionBranch is the fork's default branch.
	ProductionBranch string
}

// Key returns the stable identifier used to key persisted state and
// locks for this instance.
func (i Instance) Key() string {
	return i.Owner + "/" + i.Repo
}

// MergeResult describes the outcome of merging one branch into another.
// A merge is either clean, producing a local merge commit, or
// conflicted, producing an ordered list of conflicting paths and no
// commit.
type MergeResult struct {
	Clean         bool
	MergedCommit  string
	ConflictFiles []string
}

// BranchInfo describes a branch head for cleanup decisions.
type BranchInfo struct {
	Name        string
	Head        string
	CommittedAt time.Time
}

// Git wraps the version-control operations the orchestrator needs.
// All operations act on a local clone of the fork and may reach the
// network; every method honors context cancellation.
type Git interface {
	// FetchUpstream fetches the instance's upstream branch and returns
	// its head revision.
	FetchUpstream(ctx context.Context) (string, error)

	// FetchOrigin refreshes the fork's branches from origin.
	FetchOrigin(ctx context.Context) error

	// Head returns the current revision of a local branch.
	Head(ctx context.Context, branch string) (string, error)

	// Merge merges branch into the target branch. On a clean merge the
	// merge commit exists locally on into; push it explicitly. On
	// conflict no commit is created.
	Merge(ctx context.Context, branch, into string) (MergeResult, error)

	// MaterializeConflicts creates branch from the into branch and
	// commits whole-file conflict markers for each conflicting path of
	// the branch->into merge, so a human can resolve them in a PR.
	MaterializeConflicts(ctx context.Context, branch, into, onto string) error

	// CreateBranch creates (or resets) a local branch at the given
	// revision or branch name.
	CreateBranch(ctx context.Context, name, from string) error

	// Push pushes a local branch to origin.
	Push(ctx context.Context, branch string) error

	// DeleteBranch deletes a branch locally and on origin.
	DeleteBranch(ctx context.Context, name string) error

	// DiffStat returns the paths that differ between two revisions or
	// branch names, a included, b excluded.
	DiffStat(ctx context.Context, a, b string) ([]string, error)

	// ListBranches returns origin branches whose name starts with
	// prefix.
	ListBranches(ctx context.Context, prefix string) ([]BranchInfo, error)

	// WorkDir returns the path of the local clone, for running
	// validation pipelines against a checked-out branch.
	WorkDir() string

	// Checkout checks the named branch out in the local clone.
	Checkout(ctx context.Context, branch string) error
}

// PullRequest mirrors the subset of hosting-system PR state the
// orchestrator reads.
type PullRequest struct {
	Number  int
	Title   string
	Body    string
	HeadRef string
	BaseRef string
	Labels  []string
	State   string // "open" or "closed"
	Merged  bool
	URL     string
}

// NewPullRequest carries the fields for creating a pull request.
type NewPullRequest struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Labels []string
}

// Issue mirrors the subset of hosting-system issue state the
// orchestrator reads.
type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	State     string // "open" or "closed"
	CreatedAt time.Time
	URL       string
}

// Hosting wraps the code-hosting API surface the orchestrator needs.
// Implementations retry transient failures internally with bounded
// backoff; errors returned here are terminal for the invocation.
type Hosting interface {
	CreatePullRequest(ctx context.Context, pr NewPullRequest) (int, error)
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)
	UpdatePullRequest(ctx context.Context, number int, title, body string) error
	FindOpenPullRequests(ctx context.Context, label string) ([]*PullRequest, error)
	CommentOnPullRequest(ctx context.Context, number int, body string) error

	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	GetIssue(ctx context.Context, number int) (*Issue, error)
	FindOpenIssues(ctx context.Context, labels ...string) ([]*Issue, error)
	EditIssueLabels(ctx context.Context, number int, add, remove []string) error
	CommentOnIssue(ctx context.Context, number int, body string) error
	CloseIssue(ctx context.Context, number int) error
}

// HasLabel reports whether a label set contains the given label.
func HasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
