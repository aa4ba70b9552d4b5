/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package monitor implements the reconciliation safety net: a periodic
// pass that finalizes completed cycles, catches missed cascade
// triggers, resumes cascades whose conflict PR has been resolved,
// escalates conflicts past their SLA, retries failures a human has
// cleared, and reports overall health.
//
// Every check is independent and idempotent; a monitor tick may run at
// any time, any number of times, without creating duplicate artifacts.
package monitor

import (
	"context"
	"fmt"
	"time"

	"chainguard.dev/forksync/cascade"
	"chainguard.dev/forksync/gateway"
	"chainguard.dev/forksync/lifecycle"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Monitor runs reconciliation passes for a single instance.
type Monitor struct {
	inst    gateway.Instance
	git     gateway.Git
	host    gateway.Hosting
	casc    *cascade.Engine
	tracker *lifecycle.Tracker

	now func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New returns a Monitor for one instance, driving retries through the
// given cascade engine.
func New(inst gateway.Instance, git gateway.Git, host gateway.Hosting, casc *cascade.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		inst:    inst,
		git:     git,
		host:    host,
		casc:    casc,
		tracker: lifecycle.NewTracker(host),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes one full reconciliation pass and returns the health
// report. The checks run concurrently; cascade invocations they make
// are serialized by the instance lock.
func (m *Monitor) Run(ctx context.Context) (*Report, error) {
	if err := m.git.FetchOrigin(ctx); err != nil {
		return nil, fmt.Errorf("fetching origin: %w", err)
	}

	// Finalization runs first so a completed cycle is closed out before
	// the checks decide whether anything else needs driving.
	if err := m.finalizeCompleted(ctx); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.catchMissedTriggers(gctx) })
	g.Go(func() error { return m.resumeResolvedConflicts(gctx) })
	g.Go(func() error { return m.escalateStaleConflicts(gctx) })
	g.Go(func() error { return m.recoverClearedFailures(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return m.Health(ctx)
}

// finalizeCompleted closes out cycles whose production PR has merged.
func (m *Monitor) finalizeCompleted(ctx context.Context) error {
	issues, err := m.host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync, lifecycle.LabelValidated)
	if err != nil {
		return fmt.Errorf("listing validated issues: %w", err)
	}
	for _, is := range issues {
		done, err := m.casc.Finalize(ctx, is.Number)
		if err != nil {
			return err
		}
		if done {
			clog.FromContext(ctx).With("issue", is.Number).Info("Finalized completed cycle")
		}
	}
	return nil
}

// catchMissedTriggers invokes the cascade for cycles whose sync PR has
// merged without the cascade ever starting: the tracking branch is
// ahead of integration, the tracking issue still says human-required,
// and no sync PR remains open.
func (m *Monitor) catchMissedTriggers(ctx context.Context) error {
	open, err := m.host.FindOpenPullRequests(ctx, lifecycle.LabelUpstreamSync)
	if err != nil {
		return fmt.Errorf("listing sync PRs: %w", err)
	}
	if len(open) > 0 {
		// Sync PR still under review; nothing was missed.
		return nil
	}

	pending, err := m.git.DiffStat(ctx, m.inst.TrackingBranch, m.inst.IntegrationBranch)
	if err != nil {
		return fmt.Errorf("diffing tracking against integration: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	issues, err := m.host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync, lifecycle.LabelHumanRequired)
	if err != nil {
		return fmt.Errorf("listing tracking issues: %w", err)
	}
	for _, is := range issues {
		// cascade-failed issues also carry human-required; those belong
		// to the recovery check, not this one.
		if state, err := lifecycle.ParseLabels(is.Labels); err != nil || state != lifecycle.StateHumanRequired {
			continue
		}
		clog.FromContext(ctx).With("issue", is.Number).With("pending", len(pending)).
			Info("Sync PR merged but cascade never ran, triggering")
		if _, err := m.casc.Execute(ctx, is.Number); err != nil {
			return err
		}
		if err := m.tracker.Annotate(ctx, is.Number,
			"Cascade was triggered automatically by the reconciliation monitor."); err != nil {
			return err
		}
	}
	return nil
}

// resumeResolvedConflicts re-drives cascades whose conflict PR has
// been merged or closed without the post-resolution trigger ever
// firing. The cascade gate does the actual resumption and retires the
// conflict records.
func (m *Monitor) resumeResolvedConflicts(ctx context.Context) error {
	open, err := m.host.FindOpenPullRequests(ctx, lifecycle.LabelConflict)
	if err != nil {
		return fmt.Errorf("listing conflict PRs: %w", err)
	}
	if len(open) > 0 {
		// Still in a human's hands.
		return nil
	}

	issues, err := m.host.FindOpenIssues(ctx, lifecycle.LabelUpstreamSync, lifecycle.LabelCascadeBlocked)
	if err != nil {
		return fmt.Errorf("listing blocked issues: %w", err)
	}
	for _, is := range issues {
		clog.FromContext(ctx).With("issue", is.Number).
			Info("Conflict resolved but cascade never resumed, triggering")
		if _, err := m.casc.Execute(ctx, is.Number); err != nil {
			return err
		}
		if err := m.tracker.Annotate(ctx, is.Number,
			"Cascade was resumed automatically by the reconciliation monitor."); err != nil {
			return err
		}
	}
	return nil
}

// escalateStaleConflicts files one escalation issue per conflict
// record that has sat unresolved past the SLA. The escalated marker
// label makes this idempotent across ticks.
func (m *Monitor) escalateStaleConflicts(ctx context.Context) error {
	open, err := m.host.FindOpenPullRequests(ctx, lifecycle.LabelConflict)
	if err != nil {
		return fmt.Errorf("listing conflict PRs: %w", err)
	}
	if len(open) == 0 {
		// A conflict is only unresolved while its PR is open; once it is
		// merged or closed the resume check retires the records.
		return nil
	}

	records, err := m.host.FindOpenIssues(ctx, lifecycle.LabelConflict)
	if err != nil {
		return fmt.Errorf("listing conflict records: %w", err)
	}

	for _, rec := range records {
		if gateway.HasLabel(rec.Labels, lifecycle.LabelEscalated) {
			continue
		}
		age := m.now().Sub(rec.CreatedAt)
		if age < cascade.ConflictSLA {
			continue
		}

		esc, err := m.host.CreateIssue(ctx,
			fmt.Sprintf("Escalation: conflict #%d unresolved past SLA", rec.Number),
			fmt.Sprintf("Conflict record #%d has been open for %s, past the %s SLA.\n\n%s\n\nResolve the conflict PR referenced there to unblock the cascade.",
				rec.Number, age.Round(time.Hour), cascade.ConflictSLA, rec.URL),
			[]string{lifecycle.LabelEscalation})
		if err != nil {
			return fmt.Errorf("creating escalation for #%d: %w", rec.Number, err)
		}
		if err := m.host.EditIssueLabels(ctx, rec.Number, []string{lifecycle.LabelEscalated}, nil); err != nil {
			return fmt.Errorf("marking #%d escalated: %w", rec.Number, err)
		}

		clog.FromContext(ctx).With("record", rec.Number).With("escalation", esc).
			With("age", age).Warn("Escalated stale conflict")
	}
	return nil
}

// recoverClearedFailures retries cascades whose human-required flag a
// human has removed from a failed tracking issue. The state flips to
// cascade-active before the retry; if the retry cannot even start, it
// flips back to failed with the flag restored.
func (m *Monitor) recoverClearedFailures(ctx context.Context) error {
	issues, err := m.host.FindOpenIssues(ctx, lifecycle.LabelCascadeFailed)
	if err != nil {
		return fmt.Errorf("listing failed issues: %w", err)
	}

	for _, is := range issues {
		if gateway.HasLabel(is.Labels, lifecycle.LabelHumanRequired) {
			// Still blocked on a human.
			continue
		}
		log := clog.FromContext(ctx).With("issue", is.Number)
		log.Info("Human cleared failed cascade, retrying")

		if err := m.tracker.Transition(ctx, is.Number, lifecycle.StateCascadeActive,
			"Retrying cascade after the block was cleared."); err != nil {
			return err
		}
		if _, err := m.casc.Execute(ctx, is.Number); err != nil {
			log.With("error", err.Error()).Error("Cascade retry failed to start")
			// A mid-run abort already moved the issue; only revert if
			// the retry died before getting anywhere.
			if state, serr := m.tracker.StateOf(ctx, is.Number); serr == nil && state == lifecycle.StateCascadeActive {
				if terr := m.tracker.Transition(ctx, is.Number, lifecycle.StateCascadeFailed,
					fmt.Sprintf("Automatic retry failed to start: %v.", err)); terr != nil {
					return terr
				}
			}
		}
	}
	return nil
}
