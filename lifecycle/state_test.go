/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package lifecycle

import (
	"errors"
	"testing"
)

func TestParseLabels(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name    string
		labels  []string
		want    State
		wantErr bool
	}{
		{"human required", []string{LabelUpstreamSync, LabelHumanRequired}, StateHumanRequired, false},
		{"cascade active", []string{LabelCascadeActive}, StateCascadeActive, false},
		{"cascade blocked", []string{LabelCascadeBlocked, LabelEscalated}, StateCascadeBlocked, false},
		{"validated", []string{LabelValidated}, StateValidated, false},
		{"failed with rider", []string{LabelCascadeFailed, LabelHumanRequired}, StateCascadeFailed, false},
		{"rider first", []string{LabelHumanRequired, LabelCascadeFailed}, StateCascadeFailed, false},
		{"failed alone", []string{LabelCascadeFailed}, StateCascadeFailed, false},
		{"no primary", []string{LabelUpstreamSync}, StateUnknown, true},
		{"two primaries", []string{LabelCascadeActive, LabelValidated}, StateUnknown, true},
		{"three labels", []string{LabelCascadeActive, LabelValidated, LabelHumanRequired}, StateUnknown, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLabels(tc.labels)
			if tc.wantErr {
				if !errors.Is(err, ErrAmbiguousState) {
					t.Fatalf("ParseLabels(%v) error = %v, want ErrAmbiguousState", tc.labels, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLabels(%v) error = %v", tc.labels, err)
			}
			if got != tc.want {
				t.Errorf("ParseLabels(%v) = %v, want %v", tc.labels, got, tc.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := map[[2]State]bool{
		{StateHumanRequired, StateCascadeActive}:  true,
		{StateCascadeActive, StateCascadeBlocked}: true,
		{StateCascadeActive, StateCascadeFailed}:  true,
		{StateCascadeActive, StateValidated}:      true,
		{StateCascadeActive, StateHumanRequired}:  true,
		{StateCascadeBlocked, StateCascadeActive}: true,
		{StateCascadeBlocked, StateHumanRequired}: true,
		{StateCascadeFailed, StateCascadeActive}:  true,
		{StateValidated, StateClosed}:             true,
		{StateValidated, StateCascadeActive}:      true,
	}

	states := []State{StateUnknown, StateHumanRequired, StateCascadeActive, StateCascadeBlocked, StateCascadeFailed, StateValidated, StateClosed}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]State{from, to}]
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%v -> %v) = %v, want %v", from, to, got, want)
			}
		}
	}
}

// Closed must only be reachable from Validated.
func TestClosedOnlyFromValidated(t *testing.T) {
	t.Parallel()
	for _, from := range []State{StateHumanRequired, StateCascadeActive, StateCascadeBlocked, StateCascadeFailed} {
		if from.CanTransition(StateClosed) {
			t.Errorf("%v must not transition directly to closed", from)
		}
	}
	if !StateValidated.CanTransition(StateClosed) {
		t.Error("validated must transition to closed")
	}
}

func TestStateLabels(t *testing.T) {
	t.Parallel()
	// Every non-terminal state must round-trip through its labels.
	for _, s := range []State{StateHumanRequired, StateCascadeActive, StateCascadeBlocked, StateCascadeFailed, StateValidated} {
		got, err := ParseLabels(s.Labels())
		if err != nil {
			t.Fatalf("ParseLabels(%v.Labels()) error = %v", s, err)
		}
		if got != s {
			t.Errorf("round trip of %v = %v", s, got)
		}
	}
}
