/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gatewaytest provides in-memory fakes of the gateway
// interfaces for exercising the engines without a network.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"chainguard.dev/forksync/gateway"
)

// FakeHosting is an in-memory gateway.Hosting. Issues and pull
// requests share a single number sequence, like GitHub's.
type FakeHosting struct {
	mu   sync.Mutex
	next int

	Issues        map[int]*gateway.Issue
	PRs           map[int]*gateway.PullRequest
	IssueComments map[int][]string
	PRComments    map[int][]string

	// Err, when set, is returned by every call. Simulates an outage.
	Err error

	// Now supplies CreatedAt for new issues. Defaults to time.Now.
	Now func() time.Time
}

// NewFakeHosting returns an empty FakeHosting.
func NewFakeHosting() *FakeHosting {
	return &FakeHosting{
		next:          0,
		Issues:        map[int]*gateway.Issue{},
		PRs:           map[int]*gateway.PullRequest{},
		IssueComments: map[int][]string{},
		PRComments:    map[int][]string{},
		Now:           time.Now,
	}
}

func (f *FakeHosting) nextNumber() int {
	f.next++
	return f.next
}

// CreatePullRequest implements gateway.Hosting.
func (f *FakeHosting) CreatePullRequest(_ context.Context, pr gateway.NewPullRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	n := f.nextNumber()
	f.PRs[n] = &gateway.PullRequest{
		Number:  n,
		Title:   pr.Title,
		Body:    pr.Body,
		HeadRef: pr.Head,
		BaseRef: pr.Base,
		Labels:  append([]string(nil), pr.Labels...),
		State:   "open",
		URL:     fmt.Sprintf("https://fake.invalid/pr/%d", n),
	}
	return n, nil
}

// GetPullRequest implements gateway.Hosting.
func (f *FakeHosting) GetPullRequest(_ context.Context, number int) (*gateway.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pr, ok := f.PRs[number]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

// UpdatePullRequest implements gateway.Hosting.
func (f *FakeHosting) UpdatePullRequest(_ context.Context, number int, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	pr, ok := f.PRs[number]
	if !ok {
		return gateway.ErrNotFound
	}
	pr.Title, pr.Body = title, body
	return nil
}

// FindOpenPullRequests implements gateway.Hosting.
func (f *FakeHosting) FindOpenPullRequests(_ context.Context, label string) ([]*gateway.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.PullRequest
	for _, pr := range f.PRs {
		if pr.State == "open" && gateway.HasLabel(pr.Labels, label) {
			cp := *pr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// CommentOnPullRequest implements gateway.Hosting.
func (f *FakeHosting) CommentOnPullRequest(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.PRs[number]; !ok {
		return gateway.ErrNotFound
	}
	f.PRComments[number] = append(f.PRComments[number], body)
	return nil
}

// CreateIssue implements gateway.Hosting.
func (f *FakeHosting) CreateIssue(_ context.Context, title, body string, labels []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	n := f.nextNumber()
	f.Issues[n] = &gateway.Issue{
		Number:    n,
		Title:     title,
		Body:      body,
		Labels:    append([]string(nil), labels...),
		State:     "open",
		CreatedAt: f.Now(),
		URL:       fmt.Sprintf("https://fake.invalid/issue/%d", n),
	}
	return n, nil
}

// GetIssue implements gateway.Hosting.
func (f *FakeHosting) GetIssue(_ context.Context, number int) (*gateway.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	is, ok := f.Issues[number]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *is
	return &cp, nil
}

// FindOpenIssues implements gateway.Hosting. All given labels must be
// present.
func (f *FakeHosting) FindOpenIssues(_ context.Context, labels ...string) ([]*gateway.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []*gateway.Issue
	for _, is := range f.Issues {
		if is.State != "open" {
			continue
		}
		all := true
		for _, l := range labels {
			if !gateway.HasLabel(is.Labels, l) {
				all = false
				break
			}
		}
		if all {
			cp := *is
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// EditIssueLabels implements gateway.Hosting.
func (f *FakeHosting) EditIssueLabels(_ context.Context, number int, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	is, ok := f.Issues[number]
	if !ok {
		return gateway.ErrNotFound
	}
	var kept []string
	for _, l := range is.Labels {
		if !gateway.HasLabel(remove, l) {
			kept = append(kept, l)
		}
	}
	for _, l := range add {
		if !gateway.HasLabel(kept, l) {
			kept = append(kept, l)
		}
	}
	is.Labels = kept
	return nil
}

// CommentOnIssue implements gateway.Hosting.
func (f *FakeHosting) CommentOnIssue(_ context.Context, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Issues[number]; !ok {
		return gateway.ErrNotFound
	}
	f.IssueComments[number] = append(f.IssueComments[number], body)
	return nil
}

// CloseIssue implements gateway.Hosting.
func (f *FakeHosting) CloseIssue(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	is, ok := f.Issues[number]
	if !ok {
		return gateway.ErrNotFound
	}
	is.State = "closed"
	return nil
}

// MergePR marks a PR merged and closed, as a human would.
func (f *FakeHosting) MergePR(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[number]; ok {
		pr.State = "closed"
		pr.Merged = true
	}
}

// ClosePR closes a PR without merging.
func (f *FakeHosting) ClosePR(number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[number]; ok {
		pr.State = "closed"
	}
}

// SeedIssue inserts an issue with explicit attributes and returns its
// number.
func (f *FakeHosting) SeedIssue(labels []string, createdAt time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nextNumber()
	f.Issues[n] = &gateway.Issue{
		Number:    n,
		Title:     fmt.Sprintf("seeded issue %d", n),
		Labels:    append([]string(nil), labels...),
		State:     "open",
		CreatedAt: createdAt,
		URL:       fmt.Sprintf("https://fake.invalid/issue/%d", n),
	}
	return n
}

// FakeGit is an in-memory gateway.Git with scripted merge and diff
// outcomes.
type FakeGit struct {
	mu sync.Mutex

	// Branches maps branch name to head revision.
	Branches map[string]string

	// BranchTimes maps branch name to last commit time, for
	// ListBranches-driven cleanup.
	BranchTimes map[string]time.Time

	// UpstreamHead is returned by FetchUpstream.
	UpstreamHead string

	// Merges scripts Merge outcomes, keyed "src->dst". Unscripted
	// merges are clean and advance dst to a synthetic commit.
	Merges map[string]gateway.MergeResult

	// Diffs scripts DiffStat outcomes, keyed "a..b". Unscripted diffs
	// are empty.
	Diffs map[string][]string

	// Err, when set, is returned by every call.
	Err error

	Dir string

	// Recorded mutations.
	PushedBranches        []string
	DeletedBranches       []string
	MaterializedConflicts []string
	CheckedOut            string

	mergeSeq int
}

// NewFakeGit returns a FakeGit with the given branch heads.
func NewFakeGit(branches map[string]string) *FakeGit {
	b := map[string]string{}
	for k, v := range branches {
		b[k] = v
	}
	return &FakeGit{
		Branches:    b,
		BranchTimes: map[string]time.Time{},
		Merges:      map[string]gateway.MergeResult{},
		Diffs:       map[string][]string{},
		Dir:         "/tmp/fakegit",
	}
}

// ScriptMerge sets the outcome of merging src into dst.
func (f *FakeGit) ScriptMerge(src, dst string, result gateway.MergeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Merges[src+"->"+dst] = result
}

// ScriptDiff sets the paths reported by DiffStat(a, b).
func (f *FakeGit) ScriptDiff(a, b string, paths []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Diffs[a+".."+b] = paths
}

// FetchUpstream implements gateway.Git.
func (f *FakeGit) FetchUpstream(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.UpstreamHead, nil
}

// FetchOrigin implements gateway.Git.
func (f *FakeGit) FetchOrigin(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Err
}

// Head implements gateway.Git.
func (f *FakeGit) Head(_ context.Context, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	head, ok := f.Branches[branch]
	if !ok {
		return "", fmt.Errorf("%w: branch %q", gateway.ErrNotFound, branch)
	}
	return head, nil
}

// Merge implements gateway.Git.
func (f *FakeGit) Merge(_ context.Context, branch, into string) (gateway.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return gateway.MergeResult{}, f.Err
	}
	if r, ok := f.Merges[branch+"->"+into]; ok {
		if r.Clean && r.MergedCommit != "" {
			f.Branches[into] = r.MergedCommit
		}
		return r, nil
	}
	f.mergeSeq++
	commit := fmt.Sprintf("merge-%s-into-%s-%d", branch, into, f.mergeSeq)
	f.Branches[into] = commit
	return gateway.MergeResult{Clean: true, MergedCommit: commit}, nil
}

// MaterializeConflicts implements gateway.Git.
func (f *FakeGit) MaterializeConflicts(_ context.Context, branch, into, onto string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Branches[onto] = "conflict-markers-" + onto
	f.MaterializedConflicts = append(f.MaterializedConflicts, onto)
	return nil
}

// CreateBranch implements gateway.Git. from may be a branch name or a
// raw revision.
func (f *FakeGit) CreateBranch(_ context.Context, name, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if head, ok := f.Branches[from]; ok {
		f.Branches[name] = head
	} else {
		f.Branches[name] = from
	}
	return nil
}

// Push implements gateway.Git.
func (f *FakeGit) Push(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.PushedBranches = append(f.PushedBranches, branch)
	return nil
}

// DeleteBranch implements gateway.Git.
func (f *FakeGit) DeleteBranch(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	delete(f.Branches, name)
	delete(f.BranchTimes, name)
	f.DeletedBranches = append(f.DeletedBranches, name)
	return nil
}

// DiffStat implements gateway.Git.
func (f *FakeGit) DiffStat(_ context.Context, a, b string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Diffs[a+".."+b], nil
}

// ListBranches implements gateway.Git.
func (f *FakeGit) ListBranches(_ context.Context, prefix string) ([]gateway.BranchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []gateway.BranchInfo
	for name, head := range f.Branches {
		if strings.HasPrefix(name, prefix) {
			out = append(out, gateway.BranchInfo{
				Name:        name,
				Head:        head,
				CommittedAt: f.BranchTimes[name],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// WorkDir implements gateway.Git.
func (f *FakeGit) WorkDir() string {
	return f.Dir
}

// Checkout implements gateway.Git.
func (f *FakeGit) Checkout(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Branches[branch]; !ok {
		return fmt.Errorf("%w: branch %q", gateway.ErrNotFound, branch)
	}
	f.CheckedOut = branch
	return nil
}
