/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"chainguard.dev/forksync/gateway"
	"github.com/chainguard-dev/clog"
)

// Tracker drives the lifecycle state machine on tracking issues.
// Every transition rewrites the primary labels and appends a
// timestamped progress comment so the issue doubles as an audit log.
type Tracker struct {
	host gateway.Hosting
	now  func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker returns a Tracker writing through the given hosting
// gateway.
func NewTracker(host gateway.Hosting, opts ...Option) *Tracker {
	t := &Tracker{
		host: host,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StateOf reads the current primary state from the issue's labels.
// Closed issues report StateClosed regardless of labels.
func (t *Tracker) StateOf(ctx context.Context, issue int) (State, error) {
	is, err := t.host.GetIssue(ctx, issue)
	if err != nil {
		return StateUnknown, fmt.Errorf("fetching issue #%d: %w", issue, err)
	}
	if is.State == "closed" {
		return StateClosed, nil
	}
	state, err := ParseLabels(is.Labels)
	if err != nil {
		return StateUnknown, fmt.Errorf("issue #%d: %w", issue, err)
	}
	return state, nil
}

// Transition moves the issue to next, validating against the
// transition table, and records a progress comment. Transitioning to
// the current state is a no-op.
func (t *Tracker) Transition(ctx context.Context, issue int, next State, note string) error {
	current, err := t.StateOf(ctx, issue)
	if err != nil {
		return err
	}

	if current == next {
		clog.FromContext(ctx).With("issue", issue).With("state", current).
			Debug("Issue already in target state")
		return nil
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s on issue #%d", ErrBadTransition, current, next, issue)
	}

	if next == StateClosed {
		return t.close(ctx, issue, note)
	}

	add := next.Labels()
	remove := diffLabels(current.Labels(), add)
	if err := t.host.EditIssueLabels(ctx, issue, add, remove); err != nil {
		return fmt.Errorf("relabeling issue #%d: %w", issue, err)
	}

	if err := t.comment(ctx, issue, fmt.Sprintf("Lifecycle: `%s` → `%s`. %s", current, next, note)); err != nil {
		return err
	}

	clog.FromContext(ctx).With("issue", issue).
		With("from", current.String()).
		With("to", next.String()).
		Info("Transitioned tracking issue")
	return nil
}

// close closes the issue after a final progress comment. Callers reach
// here only through Transition, which has already verified that the
// current state permits closing.
func (t *Tracker) close(ctx context.Context, issue int, note string) error {
	if err := t.comment(ctx, issue, "Production PR merged. "+note); err != nil {
		return err
	}
	if err := t.host.CloseIssue(ctx, issue); err != nil {
		return fmt.Errorf("closing issue #%d: %w", issue, err)
	}
	clog.FromContext(ctx).With("issue", issue).Info("Closed tracking issue")
	return nil
}

// Annotate appends a timestamped progress comment without changing
// state.
func (t *Tracker) Annotate(ctx context.Context, issue int, note string) error {
	return t.comment(ctx, issue, note)
}

func (t *Tracker) comment(ctx context.Context, issue int, body string) error {
	stamped := fmt.Sprintf("%s — %s", t.now().UTC().Format(time.RFC3339), body)
	if err := t.host.CommentOnIssue(ctx, issue, stamped); err != nil {
		return fmt.Errorf("commenting on issue #%d: %w", issue, err)
	}
	return nil
}

// diffLabels returns the labels in from that are absent from keep.
func diffLabels(from, keep []string) []string {
	var out []string
	for _, l := range from {
		if !gateway.HasLabel(keep, l) {
			out = append(out, l)
		}
	}
	return out
}
