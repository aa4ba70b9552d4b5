/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package lifecycle models the tracking issue's label-driven state
// machine as an explicit enum with a validated transition table. The
// hosting system's labels are just the serialization format for this
// enum; the issue remains the source of truth for human-visible state.
package lifecycle

import (
	"errors"
	"fmt"
)

// State is the primary lifecycle state of a tracking issue.
type State int

const (
	// StateUnknown is the zero value; never written to an issue.
	StateUnknown State = iota
	// StateHumanRequired awaits human review, either of the sync PR or
	// after a failure.
	StateHumanRequired
	// StateCascadeActive means a propagation run is in flight.
	StateCascadeActive
	// StateCascadeBlocked means a merge conflict halted the cascade.
	StateCascadeBlocked
	// StateCascadeFailed means validation failed; carries the
	// human-required label as a rider until a human clears it.
	StateCascadeFailed
	// StateValidated means a production PR is open and awaiting merge.
	StateValidated
	// StateClosed is terminal; reachable only from StateValidated once
	// the production PR has merged.
	StateClosed
)

// Primary lifecycle labels. Exactly one is present on an open tracking
// issue at any time; LabelHumanRequired additionally rides along with
// LabelCascadeFailed.
const (
	LabelHumanRequired  = "human-required"
	LabelCascadeActive  = "cascade-active"
	LabelCascadeBlocked = "cascade-blocked"
	LabelCascadeFailed  = "cascade-failed"
	LabelValidated      = "validated"
)

// Marker and artifact labels used alongside the primary states.
const (
	// LabelUpstreamSync marks sync PRs and tracking issues so they can
	// be re-discovered from the hosting API after a crash.
	LabelUpstreamSync = "upstream-sync"
	// LabelConflict marks conflict record issues.
	LabelConflict = "conflict"
	// LabelValidationFailed marks validation failure record issues.
	LabelValidationFailed = "validation-failed"
	// LabelEscalated marks a blocked issue whose SLA escalation has
	// already been filed, making escalation idempotent.
	LabelEscalated = "escalated"
	// LabelEscalation marks the high-priority escalation issue itself.
	LabelEscalation = "escalation"
)

// ErrBadTransition indicates a transition not allowed by the table.
// This is an integrity error: the caller must not mutate issue state.
var ErrBadTransition = errors.New("lifecycle: invalid transition")

// ErrAmbiguousState indicates an issue whose label set does not encode
// exactly one primary state.
var ErrAmbiguousState = errors.New("lifecycle: ambiguous label state")

func (s State) String() string {
	switch s {
	case StateHumanRequired:
		return "human-required"
	case StateCascadeActive:
		return "cascade-active"
	case StateCascadeBlocked:
		return "cascade-blocked"
	case StateCascadeFailed:
		return "cascade-failed"
	case StateValidated:
		return "validated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Labels returns the label set that encodes this state on an issue.
func (s State) Labels() []string {
	switch s {
	case StateHumanRequired:
		return []string{LabelHumanRequired}
	case StateCascadeActive:
		return []string{LabelCascadeActive}
	case StateCascadeBlocked:
		return []string{LabelCascadeBlocked}
	case StateCascadeFailed:
		return []string{LabelCascadeFailed, LabelHumanRequired}
	case StateValidated:
		return []string{LabelValidated}
	default:
		return nil
	}
}

// transitions is the full set of allowed state changes. Closed is
// reachable only from Validated; every failure state funnels back
// through CascadeActive on retry.
var transitions = map[State][]State{
	StateHumanRequired:  {StateCascadeActive},
	StateCascadeActive:  {StateCascadeBlocked, StateCascadeFailed, StateValidated, StateHumanRequired},
	StateCascadeBlocked: {StateCascadeActive, StateHumanRequired},
	StateCascadeFailed:  {StateCascadeActive},
	StateValidated:      {StateClosed, StateCascadeActive},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseLabels decodes the primary state from an issue's label set.
// The human-required rider on cascade-failed is tolerated; any other
// combination with more or fewer than one primary label is an
// integrity error.
func ParseLabels(labels []string) (State, error) {
	var found []State
	for _, l := range labels {
		switch l {
		case LabelHumanRequired:
			found = append(found, StateHumanRequired)
		case LabelCascadeActive:
			found = append(found, StateCascadeActive)
		case LabelCascadeBlocked:
			found = append(found, StateCascadeBlocked)
		case LabelCascadeFailed:
			found = append(found, StateCascadeFailed)
		case LabelValidated:
			found = append(found, StateValidated)
		}
	}

	switch len(found) {
	case 0:
		return StateUnknown, fmt.Errorf("%w: no primary label in %v", ErrAmbiguousState, labels)
	case 1:
		return found[0], nil
	case 2:
		// cascade-failed legitimately carries human-required.
		if (found[0] == StateCascadeFailed && found[1] == StateHumanRequired) ||
			(found[0] == StateHumanRequired && found[1] == StateCascadeFailed) {
			return StateCascadeFailed, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: multiple primary labels in %v", ErrAmbiguousState, labels)
}
