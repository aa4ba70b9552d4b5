/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package syncer implements the sync decision engine: on each trigger
// it compares the upstream head against durable state and the open
// sync artifacts on the hosting system, picks exactly one action, and
// executes it.
//
// The hosting system is the source of truth for "is a sync PR open";
// the local state record is a hint that survives crashes but is always
// reconciled against a fresh label query.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/forksync/describe"
	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/lifecycle"
	"chainguard.dev/forksync/statestore"
	"github.com/chainguard-dev/clog"
)

// Action is the outcome of one decision engine invocation.
type Action int

const (
	// ActionNoOp means nothing to do: no open sync PR and upstream has
	// not moved.
	ActionNoOp Action = iota
	// ActionCreateNew opens a fresh sync PR and tracking issue.
	ActionCreateNew
	// ActionUpdateExisting re-points the open sync PR at a newer
	// upstream head.
	ActionUpdateExisting
	// ActionRemind nudges the humans sitting on an open sync PR.
	ActionRemind
)

func (a Action) String() string {
	switch a {
	case ActionCreateNew:
		return "create-new"
	case ActionUpdateExisting:
		return "update-existing"
	case ActionRemind:
		return "remind"
	default:
		return "no-op"
	}
}

// Attempt describes one invocation of the decision engine. It is
// computed fresh each run and never persisted.
type Attempt struct {
	UpstreamHead string
	ExistingPR   *gateway.PullRequest
	Action       Action

	// SyncPR and TrackingIssue are filled in after execution.
	SyncPR        int
	TrackingIssue int
}

// Decide applies the decision matrix in order, first match wins. state
// may be nil on the very first run.
func Decide(upstreamHead string, state *statestore.SyncState, openPRs []*gateway.PullRequest) Attempt {
	var lastSynced string
	if state != nil {
		lastSynced = state.LastSyncedUpstream
	}

	var existing *gateway.PullRequest
	if len(openPRs) > 0 {
		existing = openPRs[0]
	}

	attempt := Attempt{UpstreamHead: upstreamHead, ExistingPR: existing}
	switch {
	case existing == nil && upstreamHead != lastSynced:
		attempt.Action = ActionCreateNew
	case existing != nil && upstreamHead == lastSynced:
		attempt.Action = ActionRemind
	case existing != nil && upstreamHead != lastSynced:
		attempt.Action = ActionUpdateExisting
	default:
		attempt.Action = ActionNoOp
	}
	return attempt
}

// Engine executes decision engine runs for a single instance.
type Engine struct {
	inst  gateway.Instance
	git   gateway.Git
	host  gateway.Hosting
	store *statestore.Store
	gen   describe.Generator

	now        func() time.Time
	staleAfter time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithDescriptionGenerator sets the PR description generator. Defaults
// to the deterministic template.
func WithDescriptionGenerator(gen describe.Generator) Option {
	return func(e *Engine) {
		e.gen = gen
	}
}

// WithStaleBranchAge overrides how old an orphaned sync branch must be
// before opportunistic cleanup deletes it. Defaults to 24h.
func WithStaleBranchAge(age time.Duration) Option {
	return func(e *Engine) {
		e.staleAfter = age
	}
}

// NewEngine returns a decision engine for one instance.
func NewEngine(inst gateway.Instance, git gateway.Git, host gateway.Hosting, store *statestore.Store, opts ...Option) *Engine {
	e := &Engine{
		inst:       inst,
		git:        git,
		host:       host,
		store:      store,
		gen:        describe.TemplateGenerator{},
		now:        time.Now,
		staleAfter: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one decision engine invocation: fetch, decide, execute
// exactly one action, and record the outcome. A corrupt state record
// aborts the run without mutating anything.
func (e *Engine) Run(ctx context.Context) (Attempt, error) {
	log := clog.FromContext(ctx).With("instance", e.inst.Key())

	head, err := e.git.FetchUpstream(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("fetching upstream: %w", err)
	}
	if err := e.git.FetchOrigin(ctx); err != nil {
		return Attempt{}, fmt.Errorf("fetching origin: %w", err)
	}

	state, err := e.store.Get(ctx, e.inst.Key())
	if errors.Is(err, statestore.ErrNotFound) {
		state = &statestore.SyncState{}
	} else if err != nil {
		return Attempt{}, err
	}

	open, err := e.host.FindOpenPullRequests(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		return Attempt{}, fmt.Errorf("listing open sync PRs: %w", err)
	}

	attempt := Decide(head, state, open)
	log = log.With("action", attempt.Action.String()).With("upstream", shortRev(head))

	switch attempt.Action {
	case ActionNoOp:
		log.Info("Upstream unchanged, nothing to do")
		return attempt, nil

	case ActionRemind:
		log.Info("Reminding on open sync PR")
		return attempt, e.remind(ctx, attempt, state)

	case ActionCreateNew:
		// The sync PR may already have merged with the cascade still in
		// flight; proposing the same revision again would duplicate the
		// cycle's artifacts.
		proposed, err := e.alreadyProposed(ctx, head, state)
		if err != nil {
			return attempt, err
		}
		if proposed {
			log.Info("Upstream head already carried by a merged sync PR, awaiting cascade")
			attempt.Action = ActionNoOp
			return attempt, nil
		}
		log.Info("Creating sync PR")
		return e.createNew(ctx, attempt, state)

	default:
		log.Info("Updating open sync PR")
		return e.updateExisting(ctx, attempt, state)
	}
}

// alreadyProposed reports whether the upstream head has already landed
// on the tracking branch through a merged sync PR whose cascade has
// not yet finalized. A fast-forward merge leaves the tracking head at
// the upstream revision; merge commits, squashes, and rebases all mint
// new SHAs, so the pending revision and the recorded PR's merged flag
// settle those.
func (e *Engine) alreadyProposed(ctx context.Context, head string, state *statestore.SyncState) (bool, error) {
	if trackingHead, err := e.git.Head(ctx, e.inst.TrackingBranch); err == nil && trackingHead == head {
		return true, nil
	}
	if state.PendingUpstream != head || state.OpenSyncPR == 0 {
		return false, nil
	}
	pr, err := e.host.GetPullRequest(ctx, state.OpenSyncPR)
	if errors.Is(err, gateway.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking sync PR #%d: %w", state.OpenSyncPR, err)
	}
	// Closed without merging means the revision never landed; propose
	// it again.
	return pr.Merged, nil
}

// remind comments on the open sync PR and tracking issue. It mutates
// no state.
func (e *Engine) remind(ctx context.Context, attempt Attempt, state *statestore.SyncState) error {
	body := fmt.Sprintf("Reminder: sync PR #%d is still awaiting review. Merging it lets the cascade pick up upstream revision `%s`.",
		attempt.ExistingPR.Number, shortRev(attempt.UpstreamHead))
	if err := e.host.CommentOnPullRequest(ctx, attempt.ExistingPR.Number, body); err != nil {
		return fmt.Errorf("reminding on PR #%d: %w", attempt.ExistingPR.Number, err)
	}

	issue := state.OpenTrackingIssue
	if issue == 0 {
		// The hint can be lost across restarts; the labels are the
		// source of truth, same as the PR lookup.
		open, err := e.host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired)
		if err != nil {
			return fmt.Errorf("finding tracking issue: %w", err)
		}
		for _, is := range open {
			if st, perr := lifecycle.ParseLabels(is.Labels); perr == nil && st == lifecycle.StateHumanRequired {
				issue = is.Number
				break
			}
		}
	}
	if issue != 0 {
		if err := e.host.CommentOnIssue(ctx, issue, body); err != nil {
			return fmt.Errorf("reminding on issue #%d: %w", issue, err)
		}
	}
	return nil
}

// createNew opens a sync branch, PR, and tracking issue, then records
// their identifiers and the revision the cycle is carrying.
// LastSyncedUpstream is deliberately not touched
// here; the cascade advances it once the revision reaches production.
func (e *Engine) createNew(ctx context.Context, attempt Attempt, state *statestore.SyncState) (Attempt, error) {
	e.cleanupStaleBranches(ctx, nil)

	branch := syncBranchName(attempt.UpstreamHead)
	if err := e.git.CreateBranch(ctx, branch, attempt.UpstreamHead); err != nil {
		return attempt, fmt.Errorf("creating sync branch: %w", err)
	}
	if err := e.git.Push(ctx, branch); err != nil {
		return attempt, fmt.Errorf("pushing sync branch: %w", err)
	}

	title := fmt.Sprintf("Sync %s with upstream (%s)", e.inst.TrackingBranch, shortRev(attempt.UpstreamHead))
	body := e.describeSync(ctx, branch, state.LastSyncedUpstream, attempt.UpstreamHead)

	pr, err := e.host.CreatePullRequest(ctx, gateway.NewPullRequest{
		Title:  title,
		Body:   body,
		Head:   branch,
		Base:   e.inst.TrackingBranch,
		Labels: []string{lifecycle.LabelUpstreamSync},
	})
	if err != nil {
		return attempt, fmt.Errorf("creating sync PR: %w", err)
	}

	issueBody := fmt.Sprintf("Tracking upstream revision `%s`.\n\nSync PR: #%d. Review and merge it to start the cascade.",
		shortRev(attempt.UpstreamHead), pr)
	issue, err := e.host.CreateIssue(ctx, title,
		issueBody,
		[]string{lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired})
	if err != nil {
		return attempt, fmt.Errorf("creating tracking issue: %w", err)
	}

	attempt.SyncPR, attempt.TrackingIssue = pr, issue

	state.PendingUpstream = attempt.UpstreamHead
	state.OpenSyncPR = pr
	state.OpenTrackingIssue = issue
	state.LastAttempt = e.now()
	if err := e.store.Put(ctx, e.inst.Key(), state); err != nil {
		return attempt, fmt.Errorf("recording sync state: %w", err)
	}

	clog.FromContext(ctx).With("pr", pr).With("issue", issue).With("branch", branch).
		Info("Opened sync PR and tracking issue")
	return attempt, nil
}

// updateExisting re-points the open sync PR's branch at the new
// upstream head and refreshes its description. The tracking issue's
// state is left alone.
func (e *Engine) updateExisting(ctx context.Context, attempt Attempt, state *statestore.SyncState) (Attempt, error) {
	e.cleanupStaleBranches(ctx, attempt.ExistingPR)

	branch := attempt.ExistingPR.HeadRef
	if err := e.git.CreateBranch(ctx, branch, attempt.UpstreamHead); err != nil {
		return attempt, fmt.Errorf("advancing sync branch: %w", err)
	}
	if err := e.git.Push(ctx, branch); err != nil {
		return attempt, fmt.Errorf("pushing sync branch: %w", err)
	}

	title := fmt.Sprintf("Sync %s with upstream (%s)", e.inst.TrackingBranch, shortRev(attempt.UpstreamHead))
	body := e.describeSync(ctx, branch, state.LastSyncedUpstream, attempt.UpstreamHead)
	if err := e.host.UpdatePullRequest(ctx, attempt.ExistingPR.Number, title, body); err != nil {
		return attempt, fmt.Errorf("updating sync PR #%d: %w", attempt.ExistingPR.Number, err)
	}

	attempt.SyncPR = attempt.ExistingPR.Number
	attempt.TrackingIssue = state.OpenTrackingIssue

	state.PendingUpstream = attempt.UpstreamHead
	state.OpenSyncPR = attempt.ExistingPR.Number
	state.LastAttempt = e.now()
	if err := e.store.Put(ctx, e.inst.Key(), state); err != nil {
		return attempt, fmt.Errorf("recording sync state: %w", err)
	}

	clog.FromContext(ctx).With("pr", attempt.ExistingPR.Number).With("branch", branch).
		Info("Advanced open sync PR to new upstream head")
	return attempt, nil
}

// describeSync builds the PR body. Generation failures never block PR
// creation; the generator wiring guarantees a deterministic fallback.
func (e *Engine) describeSync(ctx context.Context, branch, oldRev, newRev string) string {
	changed, err := e.git.DiffStat(ctx, branch, e.inst.TrackingBranch)
	if err != nil {
		clog.FromContext(ctx).With("error", err.Error()).Warn("Diffstat failed, describing without file list")
	}

	body, err := e.gen.Describe(ctx, describe.Request{
		Fork:         e.inst.Key(),
		Upstream:     e.inst.Upstream,
		OldRevision:  oldRev,
		NewRevision:  newRev,
		ChangedFiles: changed,
	})
	if err != nil {
		// Only reachable when the template itself fails, which takes a
		// malformed Request; still, a PR without prose beats no PR.
		clog.FromContext(ctx).With("error", err.Error()).Warn("Description generation failed")
		return fmt.Sprintf("Sync upstream revision `%s`.", shortRev(newRev))
	}
	return body
}

// cleanupStaleBranches opportunistically deletes sync branches older
// than the stale cutoff that no open PR references. Failures are
// logged and ignored; cleanup never blocks a sync.
func (e *Engine) cleanupStaleBranches(ctx context.Context, keep *gateway.PullRequest) {
	log := clog.FromContext(ctx)

	branches, err := e.git.ListBranches(ctx, syncBranchPrefix)
	if err != nil {
		log.With("error", err.Error()).Warn("Listing sync branches failed, skipping cleanup")
		return
	}
	cutoff := e.now().Add(-e.staleAfter)
	for _, b := range branches {
		if keep != nil && b.Name == keep.HeadRef {
			continue
		}
		if b.CommittedAt.IsZero() || b.CommittedAt.After(cutoff) {
			continue
		}
		if err := e.git.DeleteBranch(ctx, b.Name); err != nil {
			log.With("branch", b.Name).With("error", err.Error()).Warn("Deleting stale sync branch failed")
			continue
		}
		log.With("branch", b.Name).Info("Deleted stale sync branch")
	}
}

const syncBranchPrefix = "sync/"

func syncBranchName(rev string) string {
	return syncBranchPrefix + "upstream-" + shortRev(rev)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
