/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package cascade implements the branch propagation engine: it merges
// the production branch and the upstream-tracking branch into the
// long-lived integration branch, gates the result on the validation
// pipeline, and either opens a production pull request or files a
// blocking record for a human.
//
// Runs for one instance are serialized through an on-disk lock, so
// overlapping triggers from independent invocations queue instead of
// racing on the integration branch.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/internal/instancelock"
	"chainguard.dev/forksync/lifecycle"
	"chainguard.dev/forksync/statestore"
	"github.com/chainguard-dev/clog"
)

// ConflictSLA is how long a conflict record may sit unresolved before
// the monitor escalates it.
const ConflictSLA = 48 * time.Hour

// Outcome classifies how a cascade run ended.
type Outcome int

const (
	// OutcomeNoOp means there was nothing to integrate or the issue was
	// already past this stage.
	OutcomeNoOp Outcome = iota
	// OutcomeValidated means a production PR is open and awaiting merge.
	OutcomeValidated
	// OutcomeBlocked means a merge conflict halted the run.
	OutcomeBlocked
	// OutcomeFailed means the validation pipeline failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeValidated:
		return "validated"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailed:
		return "failed"
	default:
		return "no-op"
	}
}

// Run records one execution of the propagation engine. A production PR
// exists if and only if ConflictFiles is empty and validation passed.
type Run struct {
	TrackingIssue  int
	SourceRevision string
	ConflictFiles  []string
	Validation     ValidationResult
	ProductionPR   int
	Outcome        Outcome
}

// Engine executes cascade runs for a single instance.
type Engine struct {
	inst    gateway.Instance
	git     gateway.Git
	host    gateway.Hosting
	store   *statestore.Store
	tracker *lifecycle.Tracker
	locker  *instancelock.Locker
	val     Validator

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine returns a propagation engine for one instance.
func NewEngine(inst gateway.Instance, git gateway.Git, host gateway.Hosting,
	store *statestore.Store, locker *instancelock.Locker, val Validator, opts ...Option) *Engine {
	e := &Engine{
		inst:    inst,
		git:     git,
		host:    host,
		store:   store,
		tracker: lifecycle.NewTracker(host),
		locker:  locker,
		val:     val,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one cascade for the given tracking issue. It is safe to
// invoke repeatedly: issues already validated, blocked on an open
// conflict PR, or failed and awaiting a human all produce a no-op.
func (e *Engine) Execute(ctx context.Context, issue int) (*Run, error) {
	lock, err := e.locker.Acquire(ctx, e.inst.Key())
	if err != nil {
		return nil, fmt.Errorf("acquiring cascade lock: %w", err)
	}
	defer lock.Release()

	log := clog.FromContext(ctx).With("instance", e.inst.Key()).With("issue", issue)
	run := &Run{TrackingIssue: issue}

	proceed, err := e.gate(ctx, issue)
	if err != nil {
		return nil, err
	}
	if !proceed {
		log.Info("Cascade gate closed, nothing to do")
		return run, nil
	}

	if err := e.git.FetchOrigin(ctx); err != nil {
		return nil, fmt.Errorf("fetching origin: %w", err)
	}
	source, err := e.git.Head(ctx, e.inst.TrackingBranch)
	if err != nil {
		return nil, fmt.Errorf("resolving tracking branch: %w", err)
	}
	run.SourceRevision = source

	nothing, err := e.nothingToIntegrate(ctx)
	if err != nil {
		return nil, err
	}
	if nothing {
		log.Info("Integration branch already current, nothing to integrate")
		return run, nil
	}

	if err := e.tracker.Transition(ctx, issue, lifecycle.StateCascadeActive,
		fmt.Sprintf("Cascade started for revision `%s`.", shortRev(source))); err != nil {
		return nil, err
	}

	// Pick up any hotfixes that landed on production first, then bring
	// in the upstream changes.
	for _, branch := range []string{e.inst.ProductionBranch, e.inst.TrackingBranch} {
		res, err := e.git.Merge(ctx, branch, e.inst.IntegrationBranch)
		if err != nil {
			return run, e.abort(ctx, issue, run, fmt.Errorf("merging %s into %s: %w", branch, e.inst.IntegrationBranch, err))
		}
		if !res.Clean {
			run.ConflictFiles = res.ConflictFiles
			run.Outcome = OutcomeBlocked
			return run, e.block(ctx, issue, branch, run)
		}
		if err := e.git.Push(ctx, e.inst.IntegrationBranch); err != nil {
			return run, e.abort(ctx, issue, run, fmt.Errorf("pushing %s: %w", e.inst.IntegrationBranch, err))
		}
	}

	if err := e.git.Checkout(ctx, e.inst.IntegrationBranch); err != nil {
		return run, e.abort(ctx, issue, run, fmt.Errorf("checking out %s: %w", e.inst.IntegrationBranch, err))
	}
	vr, err := e.val.Validate(ctx, e.git.WorkDir())
	if err != nil {
		return run, e.abort(ctx, issue, run, fmt.Errorf("running validation: %w", err))
	}
	run.Validation = vr
	if !vr.Pass {
		run.Outcome = OutcomeFailed
		return run, e.fail(ctx, issue, run)
	}

	return run, e.promote(ctx, issue, run)
}

// gate decides whether this run may proceed based on the issue's
// lifecycle state. Blocked issues reopen only once their conflict PR
// is gone; failed issues reopen only after a human removes the
// human-required label (the monitor then flips the state).
func (e *Engine) gate(ctx context.Context, issue int) (bool, error) {
	state, err := e.tracker.StateOf(ctx, issue)
	if err != nil {
		return false, err
	}

	switch state {
	case lifecycle.StateHumanRequired, lifecycle.StateCascadeActive:
		return true, nil

	case lifecycle.StateCascadeBlocked:
		open, err := e.host.FindOpenPullRequests(ctx, lifecycle.LabelConflict)
		if err != nil {
			return false, fmt.Errorf("checking conflict PRs: %w", err)
		}
		if len(open) > 0 {
			return false, nil
		}
		// Conflict PR merged or closed; retire the records and resume.
		if err := e.closeConflictRecords(ctx, issue); err != nil {
			return false, err
		}
		return true, nil

	default:
		// Validated, failed-awaiting-human, closed, or unknown.
		return false, nil
	}
}

// closeConflictRecords closes any open conflict records once their
// conflict PR is gone. A record describes a live blockage; a cascade
// that re-blocks files a fresh one, so leftovers only mislead the
// monitor's escalation check.
func (e *Engine) closeConflictRecords(ctx context.Context, issue int) error {
	records, err := e.host.FindOpenIssues(ctx, lifecycle.LabelConflict)
	if err != nil {
		return fmt.Errorf("listing conflict records: %w", err)
	}
	for _, rec := range records {
		if err := e.host.CommentOnIssue(ctx, rec.Number,
			fmt.Sprintf("Conflict resolved; the cascade for #%d is resuming.", issue)); err != nil {
			return fmt.Errorf("commenting on record #%d: %w", rec.Number, err)
		}
		if err := e.host.CloseIssue(ctx, rec.Number); err != nil {
			return fmt.Errorf("closing record #%d: %w", rec.Number, err)
		}
		clog.FromContext(ctx).With("issue", issue).With("record", rec.Number).
			Info("Closed conflict record")
	}
	return nil
}

// nothingToIntegrate reports whether the integration branch already
// carries both production and the upstream-tracking branch.
func (e *Engine) nothingToIntegrate(ctx context.Context) (bool, error) {
	for _, branch := range []string{e.inst.TrackingBranch, e.inst.ProductionBranch} {
		diff, err := e.git.DiffStat(ctx, branch, e.inst.IntegrationBranch)
		if err != nil {
			return false, fmt.Errorf("diffing %s against %s: %w", branch, e.inst.IntegrationBranch, err)
		}
		if len(diff) > 0 {
			return false, nil
		}
	}
	return true, nil
}

// block handles a conflicted merge: materialize the conflict markers
// on a dedicated branch, open a conflict PR against integration, file
// a conflict record with the SLA deadline, and mark the issue blocked.
func (e *Engine) block(ctx context.Context, issue int, from string, run *Run) error {
	conflictBranch := fmt.Sprintf("conflict/%s-%s", from, e.now().UTC().Format("20060102-150405"))
	if err := e.git.MaterializeConflicts(ctx, from, e.inst.IntegrationBranch, conflictBranch); err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("materializing conflicts: %w", err))
	}
	if err := e.git.Push(ctx, conflictBranch); err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("pushing conflict branch: %w", err))
	}

	fileList := "- `" + strings.Join(run.ConflictFiles, "`\n- `") + "`"
	pr, err := e.host.CreatePullRequest(ctx, gateway.NewPullRequest{
		Title: fmt.Sprintf("Resolve conflicts merging %s into %s", from, e.inst.IntegrationBranch),
		Body: fmt.Sprintf("Merging `%s` into `%s` conflicts in %d file(s):\n\n%s\n\nResolve the markers on this branch and merge. The cascade resumes automatically afterwards.\n\nTracking issue: #%d.",
			from, e.inst.IntegrationBranch, len(run.ConflictFiles), fileList, issue),
		Head:   conflictBranch,
		Base:   e.inst.IntegrationBranch,
		Labels: []string{lifecycle.LabelConflict},
	})
	if err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("creating conflict PR: %w", err))
	}

	deadline := e.now().Add(ConflictSLA).UTC().Format(time.RFC3339)
	record, err := e.host.CreateIssue(ctx,
		fmt.Sprintf("Merge conflict blocking cascade for #%d", issue),
		fmt.Sprintf("Cascade for tracking issue #%d is blocked on conflicts in:\n\n%s\n\nResolution PR: #%d.\nSLA deadline: %s.",
			issue, fileList, pr, deadline),
		[]string{lifecycle.LabelConflict})
	if err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("creating conflict record: %w", err))
	}

	if err := e.tracker.Transition(ctx, issue, lifecycle.StateCascadeBlocked,
		fmt.Sprintf("Merge conflicts in %d file(s). Resolution PR #%d, record #%d.", len(run.ConflictFiles), pr, record)); err != nil {
		return err
	}

	clog.FromContext(ctx).With("issue", issue).With("pr", pr).With("record", record).
		With("files", len(run.ConflictFiles)).Info("Cascade blocked on conflicts")
	return nil
}

// fail handles a failed validation pipeline: file a failure record
// with the log excerpt and mark the issue failed, which also raises
// the human-required flag.
func (e *Engine) fail(ctx context.Context, issue int, run *Run) error {
	record, err := e.host.CreateIssue(ctx,
		fmt.Sprintf("Validation failed for cascade #%d", issue),
		fmt.Sprintf("The validation pipeline failed on `%s` for tracking issue #%d.\n\n```\n%s\n```\n\nFix the branch, then remove the `%s` label from #%d to let the monitor retry.",
			e.inst.IntegrationBranch, issue, run.Validation.Log, lifecycle.LabelHumanRequired, issue),
		[]string{lifecycle.LabelValidationFailed})
	if err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("creating validation failure record: %w", err))
	}

	if err := e.tracker.Transition(ctx, issue, lifecycle.StateCascadeFailed,
		fmt.Sprintf("Validation failed, record #%d.", record)); err != nil {
		return err
	}

	clog.FromContext(ctx).With("issue", issue).With("record", record).Info("Cascade failed validation")
	return nil
}

// promote handles a clean, validated integration branch: branch a
// uniquely-named release branch off it and open the production PR.
// The integration branch itself is never the PR head; merging a PR can
// delete its head branch, and the integration branch must outlive
// every cycle.
func (e *Engine) promote(ctx context.Context, issue int, run *Run) error {
	release := "release/integration-" + e.now().UTC().Format("20060102-150405")
	if err := e.git.CreateBranch(ctx, release, e.inst.IntegrationBranch); err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("creating release branch: %w", err))
	}
	if err := e.git.Push(ctx, release); err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("pushing release branch: %w", err))
	}

	pr, err := e.host.CreatePullRequest(ctx, gateway.NewPullRequest{
		Title: fmt.Sprintf("Promote validated upstream changes to %s", e.inst.ProductionBranch),
		Body: fmt.Sprintf("Upstream revision `%s` merged cleanly and passed validation on `%s`.\n\nTracking issue: #%d. Merging this PR completes the cycle.",
			shortRev(run.SourceRevision), e.inst.IntegrationBranch, issue),
		Head: release,
		Base: e.inst.ProductionBranch,
		// Deliberately not labeled upstream-sync: the decision engine
		// treats that label as "open sync PR".
		Labels: []string{lifecycle.LabelHumanRequired},
	})
	if err != nil {
		return e.abort(ctx, issue, run, fmt.Errorf("creating production PR: %w", err))
	}
	run.ProductionPR = pr
	run.Outcome = OutcomeValidated

	if err := e.tracker.Transition(ctx, issue, lifecycle.StateValidated,
		fmt.Sprintf("Validation passed. Production PR #%d awaits review.", pr)); err != nil {
		return err
	}

	clog.FromContext(ctx).With("issue", issue).With("pr", pr).With("branch", release).
		Info("Opened production PR")
	return nil
}

// abort surfaces an infrastructure failure mid-run: the issue goes
// back to human-required with a note, and the error propagates so the
// invocation exits non-zero.
func (e *Engine) abort(ctx context.Context, issue int, run *Run, cause error) error {
	clog.FromContext(ctx).With("issue", issue).With("error", cause.Error()).Error("Cascade aborted")
	if terr := e.tracker.Transition(ctx, issue, lifecycle.StateHumanRequired,
		fmt.Sprintf("Cascade aborted: %v.", cause)); terr != nil {
		return errors.Join(cause, terr)
	}
	run.Outcome = OutcomeNoOp
	return cause
}

// Finalize completes a cycle whose production PR has been merged: it
// closes the tracking issue, deletes the ephemeral branches, advances
// the durable record to the synced revision, and clears the open
// artifact hints. It reports whether finalization happened.
//
// Merge detection is structural: once the production PR merges, the
// integration and production branches are identical.
func (e *Engine) Finalize(ctx context.Context, issue int) (bool, error) {
	state, err := e.tracker.StateOf(ctx, issue)
	if err != nil {
		return false, err
	}
	if state != lifecycle.StateValidated {
		return false, nil
	}

	if err := e.git.FetchOrigin(ctx); err != nil {
		return false, fmt.Errorf("fetching origin: %w", err)
	}
	diff, err := e.git.DiffStat(ctx, e.inst.IntegrationBranch, e.inst.ProductionBranch)
	if err != nil {
		return false, fmt.Errorf("diffing integration against production: %w", err)
	}
	if len(diff) > 0 {
		// Production PR still open.
		return false, nil
	}

	record, err := e.store.Get(ctx, e.inst.Key())
	if errors.Is(err, statestore.ErrNotFound) {
		record = &statestore.SyncState{}
	} else if err != nil {
		return false, err
	}

	// The pending revision survives any merge method the human picked
	// for the sync PR. Cycles driven without a recorded sync attempt
	// fall back to the tracking head, which is only exact for
	// fast-forward merges.
	synced := record.PendingUpstream
	if synced == "" {
		synced, err = e.git.Head(ctx, e.inst.TrackingBranch)
		if err != nil {
			return false, fmt.Errorf("resolving tracking branch: %w", err)
		}
	}

	if err := e.tracker.Transition(ctx, issue, lifecycle.StateClosed,
		fmt.Sprintf("Revision `%s` reached production.", shortRev(synced))); err != nil {
		return false, err
	}

	e.deleteEphemeralBranches(ctx)

	record.LastSyncedUpstream = synced
	record.PendingUpstream = ""
	record.OpenSyncPR = 0
	record.OpenTrackingIssue = 0
	record.LastAttempt = e.now()
	if err := e.store.Put(ctx, e.inst.Key(), record); err != nil {
		return false, fmt.Errorf("recording synced revision: %w", err)
	}

	clog.FromContext(ctx).With("issue", issue).With("revision", shortRev(synced)).
		Info("Finalized sync cycle")
	return true, nil
}

// deleteEphemeralBranches removes the per-cycle branches. Failures are
// logged and ignored; leftovers are retried on the next finalize and
// swept by sync branch cleanup.
func (e *Engine) deleteEphemeralBranches(ctx context.Context) {
	log := clog.FromContext(ctx)
	for _, prefix := range []string{"release/", "sync/", "conflict/"} {
		branches, err := e.git.ListBranches(ctx, prefix)
		if err != nil {
			log.With("prefix", prefix).With("error", err.Error()).Warn("Listing branches failed")
			continue
		}
		for _, b := range branches {
			if err := e.git.DeleteBranch(ctx, b.Name); err != nil {
				log.With("branch", b.Name).With("error", err.Error()).Warn("Deleting branch failed")
			}
		}
	}
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
